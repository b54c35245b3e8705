// Package deid defines the de-identification profile contract consumed
// by the upload stage. Profile internals live outside this module;
// implementations register themselves by name and the upload handler
// looks them up from the ingest config.
package deid

import (
	"archive/zip"
	"sync"

	"github.com/axonlab/ingest/walker"
)

// LogRecord is one before/after tag snapshot emitted while a profile
// processes a file.
type LogRecord struct {
	Path string
	// Type is "before" or "after".
	Type string
	Tags map[string]string
}

// LogFunc receives log records from a running profile. May be nil when
// deid logging is disabled.
type LogFunc func(record LogRecord)

// Profile sanitizes source files on their way into a packfile.
type Profile interface {
	// Name is the profile name referenced from ingest configs.
	Name() string
	// ProcessPackfile writes sanitized copies of paths (walker-relative)
	// into the zip writer, invoking log twice per file when log is
	// non-nil.
	ProcessPackfile(packfileType string, w walker.Walker, zw *zip.Writer, paths []string, log LogFunc) error
	// GetValue returns the redacted value the profile would store for a
	// raw tag value.
	GetValue(raw, key string) string
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Profile{}
)

// Register makes a profile available by name. Later registrations with
// the same name win.
func Register(profile Profile) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[profile.Name()] = profile
}

// Lookup returns the profile registered under name.
func Lookup(name string) (Profile, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	profile, ok := registry[name]
	return profile, ok
}
