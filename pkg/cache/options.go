package cache

import (
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/tailscale/hujson"

	"github.com/cachedisk/cachedisk/pkg/fs"
)

// Options configures [Open]. Dir, AppVersion, V, and MaxSize correspond
// directly to the core contract's open(dir, appVersion, V, maxSize); FS,
// Logger, and LineReaderCapacity are ambient knobs with sensible defaults.
type Options struct {
	// Dir is the cache directory. Created if absent.
	Dir string

	// AppVersion is stored in the journal header; opening a directory whose
	// journal was written with a different AppVersion is treated as
	// corruption and wipes the directory.
	AppVersion int64

	// V is the fixed number of values per entry. Must be > 0.
	V int

	// MaxSize is the byte budget. Must be > 0.
	MaxSize int64

	// FS is the filesystem collaborator. Defaults to [fs.NewReal].
	FS fs.FS

	// Logger receives background-cleanup and recovery diagnostics that are
	// never surfaced to the caller. Defaults to [logrus.StandardLogger].
	Logger *logrus.Logger

	// LineReaderCapacity sizes the journal's strict line reader buffer
	// during recovery. Defaults to 8 KiB.
	LineReaderCapacity int
}

func (o Options) withDefaults() Options {
	if o.FS == nil {
		o.FS = fs.NewReal()
	}

	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}

	if o.LineReaderCapacity <= 0 {
		o.LineReaderCapacity = defaultLineReaderCapacity
	}

	return o
}

// FileOptions is the subset of [Options] a host application may keep in a
// JSONC config file instead of wiring it in code (§9.3 of the ambient
// stack). Parsed the same way the teacher parses its own config file:
// hujson.Standardize, then json.Unmarshal.
type FileOptions struct {
	MaxSize    int64 `json:"max_size"`
	AppVersion int64 `json:"app_version"`
	V          int   `json:"v"`
}

// LoadOptions reads a JSONC file (JSON with // and /* */ comments and
// trailing commas) at path via fsys and returns its parsed [FileOptions].
// Open never calls this itself; it exists purely as convenience sugar for
// callers who prefer file-based configuration.
func LoadOptions(fsys fs.FS, path string) (FileOptions, error) {
	raw, err := fsys.ReadFile(path)
	if err != nil {
		return FileOptions{}, fmt.Errorf("read options file: %w", err)
	}

	standardized, err := hujson.Standardize(raw)
	if err != nil {
		return FileOptions{}, fmt.Errorf("parse options file: %w", err)
	}

	var fo FileOptions
	if err := json.Unmarshal(standardized, &fo); err != nil {
		return FileOptions{}, fmt.Errorf("decode options file: %w", err)
	}

	return fo, nil
}
