package hub

import (
	"fmt"

	"github.com/go-viper/mapstructure/v2"
)

// Decode converts a generic hub value (maps, slices, scalars) into out,
// which must be a pointer. Field names come from `mapstructure` tags;
// numeric strings and ints are coerced, and string values are fed to
// encoding.TextUnmarshaler implementations.
func Decode(in any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.TextUnmarshallerHookFunc(),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(in); err != nil {
		return &Error{Kind: KindProtocol, Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}
	return nil
}

// APIMethod describes one hub method, as returned by _listapi.
type APIMethod struct {
	Name    string `mapstructure:"name"`
	ArgDesc string `mapstructure:"argdesc"`
	Doc     string `mapstructure:"doc"`
}

// Host is a build host registered with the hub.
type Host struct {
	ID          int     `mapstructure:"id"`
	Name        string  `mapstructure:"name"`
	Arches      string  `mapstructure:"arches"`
	Enabled     bool    `mapstructure:"enabled"`
	Ready       bool    `mapstructure:"ready"`
	TaskLoad    float64 `mapstructure:"task_load"`
	Capacity    float64 `mapstructure:"capacity"`
	Comment     string  `mapstructure:"comment"`
	Description string  `mapstructure:"description"`
}

// Channel is a named group of hosts used for scheduling.
type Channel struct {
	ID          int    `mapstructure:"id"`
	Name        string `mapstructure:"name"`
	Enabled     bool   `mapstructure:"enabled"`
	Comment     string `mapstructure:"comment"`
	Description string `mapstructure:"description"`
}

// Volume is a storage partition for build artifacts.
type Volume struct {
	ID   int    `mapstructure:"id"`
	Name string `mapstructure:"name"`
}

// User is a hub account.
type User struct {
	ID     int    `mapstructure:"id"`
	Name   string `mapstructure:"name"`
	Status int    `mapstructure:"status"`
	Type   int    `mapstructure:"usertype"`
}

// Target maps a build target to its build and destination tags.
type Target struct {
	ID          int    `mapstructure:"id"`
	Name        string `mapstructure:"name"`
	BuildTag    string `mapstructure:"build_tag_name"`
	DestTagName string `mapstructure:"dest_tag_name"`
}
