package walker

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// LocalWalker reads a local directory tree.
type LocalWalker struct {
	root           string
	followSymlinks bool
}

// NewLocalWalker returns a walker rooted at root. The root must exist
// and be a directory.
func NewLocalWalker(root string, followSymlinks bool) (*LocalWalker, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, &os.PathError{Op: "walk", Path: abs, Err: os.ErrInvalid}
	}
	return &LocalWalker{root: abs, followSymlinks: followSymlinks}, nil
}

func (w *LocalWalker) abs(rel string) string {
	return filepath.Join(w.root, filepath.FromSlash(strings.TrimPrefix(rel, "/")))
}

// ListFiles yields the direct children of subdir sorted by name.
func (w *LocalWalker) ListFiles(subdir string) ([]FileInfo, error) {
	entries, err := os.ReadDir(w.abs(subdir))
	if err != nil {
		return nil, err
	}
	infos := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			if !w.followSymlinks {
				continue
			}
			fi, err = os.Stat(filepath.Join(w.abs(subdir), entry.Name()))
			if err != nil {
				continue
			}
		}
		infos = append(infos, FileInfo{
			Name:     entry.Name(),
			IsDir:    fi.IsDir(),
			Size:     fi.Size(),
			Modified: fi.ModTime(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// Open returns a byte stream for the file at the relative path.
func (w *LocalWalker) Open(path string) (io.ReadCloser, error) {
	return os.Open(w.abs(path))
}

// Files yields the relative '/'-separated paths of every file under
// subdir, to maxDepth levels (0 = unlimited).
func (w *LocalWalker) Files(subdir string, maxDepth int) ([]string, error) {
	base := w.abs(subdir)
	var files []string
	err := filepath.Walk(base, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(base, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if info.IsDir() {
			if maxDepth > 0 && rel != "." && strings.Count(rel, "/")+1 >= maxDepth {
				return filepath.SkipDir
			}
			return nil
		}
		prefix := strings.TrimPrefix(strings.TrimSuffix(subdir, "/")+"/"+rel, "/")
		files = append(files, prefix)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// Close is a no-op for local trees.
func (w *LocalWalker) Close() error {
	return nil
}
