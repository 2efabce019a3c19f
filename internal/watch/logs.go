package watch

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"path"
	"slices"
	"strconv"
	"strings"

	"github.com/schererja/hubctl/internal/hub"
)

// logKey identifies one log of one task.
type logKey struct {
	task int
	name string
}

func (k logKey) String() string { return fmt.Sprintf("task %d:%s", k.task, k.name) }

// outputStat is one entry of listTaskOutput(stat=True).
type outputStat struct {
	Size int64 `mapstructure:"st_size"`
}

// parseOutputs turns a listTaskOutput result into sizes by file name. The
// hub answers a list of names without stat and a map with it.
func parseOutputs(v any) (map[string]int64, error) {
	switch val := v.(type) {
	case nil:
		return map[string]int64{}, nil
	case []any:
		out := make(map[string]int64, len(val))
		for _, n := range val {
			if name, ok := n.(string); ok {
				out[name] = -1
			}
		}
		return out, nil
	}
	var stats map[string]outputStat
	if err := hub.Decode(v, &stats); err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(stats))
	for name, st := range stats {
		out[name] = st.Size
	}
	return out, nil
}

// selectLogs returns the names to follow, sorted. Without a filter every
// *.log file is followed.
func selectLogs(sizes map[string]int64, filter []string) []string {
	var names []string
	for name := range sizes {
		switch {
		case len(filter) > 0 && slices.Contains(filter, name):
		case len(filter) == 0 && strings.HasSuffix(name, ".log"):
		default:
			continue
		}
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// decodeChunk converts a downloadTaskOutput result to bytes. The hub sends
// file content base64 encoded, either typed or as a plain string.
func decodeChunk(v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return val, nil
	case string:
		b, err := base64.StdEncoding.DecodeString(val)
		if err != nil {
			return nil, &hub.Error{Kind: hub.KindProtocol, Method: "downloadTaskOutput", Err: fmt.Errorf("%w: %v", hub.ErrMalformed, err)}
		}
		return b, nil
	}
	return nil, &hub.Error{Kind: hub.KindProtocol, Method: "downloadTaskOutput", Err: fmt.Errorf("%w: unexpected %T", hub.ErrMalformed, v)}
}

// TaskLogURL is where a task's output lives below the hub's file root.
func TaskLogURL(topURL string, taskID int, name string) string {
	return strings.TrimRight(topURL, "/") + "/" + path.Join("work", "tasks",
		strconv.Itoa(taskID%10000), strconv.Itoa(taskID), name)
}

// fetchRange reads a log from offset to its current end over HTTP.
func fetchRange(ctx context.Context, client *http.Client, url string, offset int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if offset > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, &hub.Error{Kind: hub.KindConnection, Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusRequestedRangeNotSatisfiable, http.StatusNotFound:
		return nil, nil
	case http.StatusPartialContent:
		return io.ReadAll(resp.Body)
	case http.StatusOK:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if int64(len(data)) <= offset {
			return nil, nil
		}
		return data[offset:], nil
	}
	return nil, &hub.Error{Kind: hub.KindConnection, Err: fmt.Errorf("GET %s: %s", url, resp.Status)}
}
