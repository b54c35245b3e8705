// Package walker abstracts the source filesystem an ingest reads from.
// Implementations exist for local directory trees and S3 buckets; the
// scanners only ever see this contract.
package walker

import (
	"io"
	"time"
)

// FileInfo describes one entry yielded by a walker.
type FileInfo struct {
	Name     string
	IsDir    bool
	Size     int64
	Modified time.Time
}

// Walker yields file entries from a source tree. All paths are
// relative to the walker's root and '/'-separated regardless of
// platform.
type Walker interface {
	// ListFiles yields the direct children of subdir.
	ListFiles(subdir string) ([]FileInfo, error)
	// Open returns a byte stream for the file at path.
	Open(path string) (io.ReadCloser, error)
	// Files yields the relative paths of every file under subdir, to
	// maxDepth levels (0 = unlimited).
	Files(subdir string, maxDepth int) ([]string, error)
	// Close releases any resources held by the walker.
	Close() error
}

// S3AccessDeniedError signals that the source bucket denied access,
// distinct from a generic read failure so configure can map it to the
// right taxonomy code.
type S3AccessDeniedError struct {
	Bucket string
	Err    error
}

func (e *S3AccessDeniedError) Error() string {
	return "access denied to s3 bucket " + e.Bucket + ": " + e.Err.Error()
}

func (e *S3AccessDeniedError) Unwrap() error {
	return e.Err
}
