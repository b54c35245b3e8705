// Package scanners holds the stage producers that turn a walker
// subtree into items, uid rows, child scan tasks and errors. Scanners
// are pure: they never touch the store, they only emit.
package scanners

import (
	"fmt"
	"path"
	"strings"

	"github.com/op/go-logging"

	"github.com/axonlab/ingest/constants"
	"github.com/axonlab/ingest/models"
	"github.com/axonlab/ingest/walker"
)

// Emission is one unit produced by a scanner: exactly one of the
// fields is set, except UIDs which ride along with their Item.
type Emission struct {
	Item     *models.Item
	UIDs     []*models.UID
	Task     *models.Task
	Error    *models.Error
	Metadata *models.FWContainerMetadata
}

// EmitFunc receives emissions one at a time; returning an error stops
// the scan.
type EmitFunc func(Emission) error

// Scanner produces a lazy sequence of emissions for one subdir.
type Scanner interface {
	Scan(emit EmitFunc) error
}

// SubjectLookup maps source header values to a stable subject code.
// The store-backed implementation creates codes on first sight.
type SubjectLookup func(mapValues []string) (string, error)

// Config is everything a scanner needs to run.
type Config struct {
	Ingest  *models.Ingest
	Walker  walker.Walker
	Dir     string
	Context *models.SourceContext
	Logger  *logging.Logger
	// Subjects is only consulted by the dicom scanner, and only when
	// the strategy configures subject-code mapping.
	Subjects SubjectLookup
}

// New returns the scanner registered under scannerType.
func New(scannerType string, config *Config) (Scanner, error) {
	switch scannerType {
	case constants.ScannerTemplate:
		return NewTemplateScanner(config)
	case constants.ScannerDicom:
		return NewDicomScanner(config), nil
	case constants.ScannerFilename:
		return NewFilenameScanner(config)
	}
	return nil, fmt.Errorf("unknown scanner type %q", scannerType)
}

// includeFile applies the ingest's include/exclude filename globs.
// Exclude wins; an empty include list admits everything.
func (config *Config) includeFile(name string) bool {
	c := config.Ingest.Config
	if c == nil {
		return true
	}
	return matchGlobs(name, c.Include, c.Exclude)
}

// includeDir applies the ingest's directory globs to one directory
// name. Filtered directories are skipped silently, not flagged.
func (config *Config) includeDir(name string) bool {
	c := config.Ingest.Config
	if c == nil {
		return true
	}
	return matchGlobs(name, c.IncludeDirs, c.ExcludeDirs)
}

func matchGlobs(name string, include, exclude []string) bool {
	for _, pattern := range exclude {
		if ok, _ := path.Match(pattern, name); ok {
			return false
		}
	}
	if len(include) == 0 {
		return true
	}
	for _, pattern := range include {
		if ok, _ := path.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// fileEntry is one file found under the scan dir.
type fileEntry struct {
	path string // relative to the walker root
	name string // basename
	size int64
}

// collectFiles walks the subtree under dir and returns every file,
// zero-byte files excluded with a warning emission each.
func collectFiles(config *Config, emit EmitFunc) ([]fileEntry, error) {
	var entries []fileEntry
	var walk func(dir string) error
	walk = func(dir string) error {
		infos, err := config.Walker.ListFiles(dir)
		if err != nil {
			return err
		}
		for _, info := range infos {
			path := joinPath(dir, info.Name)
			if info.IsDir {
				if !config.includeDir(info.Name) {
					continue
				}
				if err = walk(path); err != nil {
					return err
				}
				continue
			}
			if !config.includeFile(info.Name) {
				continue
			}
			if info.Size == 0 {
				err = emit(Emission{Error: models.NewError(
					config.Ingest.ID, models.ErrZeroByteFile, "", path)})
				if err != nil {
					return err
				}
				continue
			}
			entries = append(entries, fileEntry{path: path, name: info.Name, size: info.Size})
		}
		return nil
	}
	if err := walk(config.Dir); err != nil {
		return nil, err
	}
	return entries, nil
}

func joinPath(dir, name string) string {
	dir = strings.Trim(dir, "/")
	if dir == "" {
		return name
	}
	return dir + "/" + name
}

// relativeTo strips the dir prefix from a walker-relative path.
func relativeTo(dir, path string) string {
	dir = strings.Trim(dir, "/")
	if dir == "" {
		return path
	}
	return strings.TrimPrefix(path, dir+"/")
}
