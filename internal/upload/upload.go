// Package upload stages local files on the hub for task creation.
package upload

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/docker/go-units"
	"github.com/google/uuid"

	"github.com/schererja/hubctl/internal/hub"
	"github.com/schererja/hubctl/pkg/logger"
)

// DefaultChunkSize is the amount of file data sent per uploadFile call.
const DefaultChunkSize = 1 << 20

// ServerPrefix is the directory below the hub's work area used for uploads.
const ServerPrefix = "cli-build"

// ErrChecksumMismatch means the hub stored something other than the file.
var ErrChecksumMismatch = errors.New("upload: checksum mismatch")

// Options configures an Uploader.
type Options struct {
	// TopDir is the locally mounted hub file root. When its work directory
	// is writable files are copied there instead of sent over RPC.
	TopDir    string
	ChunkSize int
	// Progress receives one line per file; nil disables it.
	Progress io.Writer
	Log      *logger.Logger
}

// Uploader sends files to the hub.
type Uploader struct {
	s    *hub.Session
	opts Options
	now  func() time.Time
}

// New returns an Uploader using s.
func New(s *hub.Session, opts Options) *Uploader {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Log == nil {
		opts.Log = logger.Discard()
	}
	return &Uploader{s: s, opts: opts, now: time.Now}
}

// UniquePath returns a fresh server directory such as
// "cli-build/1700000000.1a2b3c4d".
func UniquePath(prefix string) string {
	if prefix == "" {
		prefix = ServerPrefix
	}
	id := uuid.New().String()[:8]
	return path.Join(prefix, strconv.FormatInt(time.Now().Unix(), 10)+"."+id)
}

// Upload stages the file at local in serverDir and returns the server-side
// path relative to the work area.
func (u *Uploader) Upload(ctx context.Context, local, serverDir string) (string, error) {
	name := filepath.Base(local)
	info, err := os.Stat(local)
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", local, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%s is not a regular file", local)
	}

	start := u.now()
	if dir, ok := u.localWorkDir(); ok {
		if err := copyInto(local, filepath.Join(dir, filepath.FromSlash(serverDir)), name); err != nil {
			return "", err
		}
		u.opts.Log.Debug("staged file via topdir", slog.String("file", name), slog.String("dir", serverDir))
	} else if err := u.sendChunks(ctx, local, serverDir, name, info.Size()); err != nil {
		return "", err
	}

	if u.opts.Progress != nil {
		fmt.Fprintf(u.opts.Progress, "Uploaded %s (%s) in %s\n", name,
			units.HumanSize(float64(info.Size())), units.HumanDuration(u.now().Sub(start)))
	}
	return path.Join(serverDir, name), nil
}

func (u *Uploader) localWorkDir() (string, bool) {
	if u.opts.TopDir == "" {
		return "", false
	}
	dir := filepath.Join(u.opts.TopDir, "work")
	st, err := os.Stat(dir)
	if err != nil || !st.IsDir() {
		return "", false
	}
	probe, err := os.CreateTemp(dir, ".hubctl-probe-*")
	if err != nil {
		return "", false
	}
	probe.Close()
	os.Remove(probe.Name())
	return dir, true
}

func copyInto(src, dir, name string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", name, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s: %w", name, err)
	}
	return out.Close()
}

func (u *Uploader) sendChunks(ctx context.Context, local, serverDir, name string, size int64) error {
	f, err := os.Open(local)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", local, err)
	}
	defer f.Close()

	total := sha256.New()
	buf := make([]byte, u.opts.ChunkSize)
	var offset int64
	for {
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			chunk := buf[:n]
			total.Write(chunk)
			sum := sha256.Sum256(chunk)
			_, callErr := u.s.Call(ctx, "uploadFile", serverDir, name, n, hex.EncodeToString(sum[:]),
				offset, base64.StdEncoding.EncodeToString(chunk))
			if callErr != nil {
				return fmt.Errorf("failed to upload %s at offset %d: %w", name, offset, callErr)
			}
			offset += int64(n)
			u.opts.Log.Debug("uploaded chunk", slog.String("file", name),
				slog.String("sent", units.HumanSize(float64(offset))),
				slog.String("total", units.HumanSize(float64(size))))
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", local, err)
		}
	}
	if offset == 0 {
		// Empty files still need to exist on the hub.
		sum := sha256.Sum256(nil)
		if _, err := u.s.Call(ctx, "uploadFile", serverDir, name, 0, hex.EncodeToString(sum[:]), 0, ""); err != nil {
			return fmt.Errorf("failed to upload %s: %w", name, err)
		}
	}
	return u.verify(ctx, serverDir, name, offset, total)
}

type uploadCheck struct {
	Size      int64  `mapstructure:"size"`
	HexDigest string `mapstructure:"hexdigest"`
}

func (u *Uploader) verify(ctx context.Context, serverDir, name string, size int64, h hash.Hash) error {
	v, err := u.s.Call(ctx, "checkUpload", serverDir, name, hub.Kw{"verify": "sha256"})
	if err != nil {
		return fmt.Errorf("failed to verify upload of %s: %w", name, err)
	}
	if v == nil {
		return fmt.Errorf("%w: %s is missing on the hub", ErrChecksumMismatch, name)
	}
	var check uploadCheck
	if err := hub.Decode(v, &check); err != nil {
		return err
	}
	want := hex.EncodeToString(h.Sum(nil))
	if check.Size != size || check.HexDigest != want {
		return fmt.Errorf("%w: %s: hub has %d bytes (%s), sent %d (%s)",
			ErrChecksumMismatch, name, check.Size, check.HexDigest, size, want)
	}
	return nil
}
