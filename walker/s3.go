package walker

import (
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"

	"github.com/minio/minio-go"
)

// S3Walker reads a source tree from an S3 bucket through minio.
// The source url has the form s3://bucket/prefix.
type S3Walker struct {
	client *minio.Client
	bucket string
	prefix string
	done   chan struct{}
}

// NewS3Walker parses an s3:// url and returns a walker over the bucket
// prefix. Credentials come from the environment in the usual AWS way.
func NewS3Walker(srcURL, endpoint, accessKey, secretKey string) (*S3Walker, error) {
	parsed, err := url.Parse(srcURL)
	if err != nil || parsed.Scheme != "s3" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid s3 source url %q", srcURL)
	}
	if endpoint == "" {
		endpoint = "s3.amazonaws.com"
	}
	client, err := minio.New(endpoint, accessKey, secretKey, true)
	if err != nil {
		return nil, err
	}
	return &S3Walker{
		client: client,
		bucket: parsed.Host,
		prefix: strings.TrimPrefix(parsed.Path, "/"),
		done:   make(chan struct{}),
	}, nil
}

func (w *S3Walker) key(rel string) string {
	rel = strings.TrimPrefix(rel, "/")
	if w.prefix == "" {
		return rel
	}
	if rel == "" {
		return w.prefix
	}
	return strings.TrimSuffix(w.prefix, "/") + "/" + rel
}

func (w *S3Walker) wrapErr(err error) error {
	if err == nil {
		return nil
	}
	resp := minio.ToErrorResponse(err)
	if resp.Code == "AccessDenied" {
		return &S3AccessDeniedError{Bucket: w.bucket, Err: err}
	}
	return err
}

// ListFiles yields the direct children of subdir. S3 has no real
// directories; common prefixes are reported as dirs.
func (w *S3Walker) ListFiles(subdir string) ([]FileInfo, error) {
	prefix := w.key(subdir)
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	var infos []FileInfo
	for object := range w.client.ListObjectsV2(w.bucket, prefix, false, w.done) {
		if object.Err != nil {
			return nil, w.wrapErr(object.Err)
		}
		name := strings.TrimPrefix(object.Key, prefix)
		if name == "" {
			continue
		}
		if strings.HasSuffix(name, "/") {
			infos = append(infos, FileInfo{Name: strings.TrimSuffix(name, "/"), IsDir: true})
			continue
		}
		infos = append(infos, FileInfo{
			Name:     name,
			Size:     object.Size,
			Modified: object.LastModified,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// Open returns a byte stream for the object at the relative path.
func (w *S3Walker) Open(path string) (io.ReadCloser, error) {
	object, err := w.client.GetObject(w.bucket, w.key(path), minio.GetObjectOptions{})
	if err != nil {
		return nil, w.wrapErr(err)
	}
	return object, nil
}

// Files yields the relative paths of every object under subdir.
// maxDepth limits the number of '/'-separated levels (0 = unlimited).
func (w *S3Walker) Files(subdir string, maxDepth int) ([]string, error) {
	prefix := w.key(subdir)
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	var files []string
	for object := range w.client.ListObjectsV2(w.bucket, prefix, true, w.done) {
		if object.Err != nil {
			return nil, w.wrapErr(object.Err)
		}
		rel := strings.TrimPrefix(object.Key, w.key("")+"/")
		if w.prefix == "" {
			rel = object.Key
		}
		if maxDepth > 0 && strings.Count(rel, "/") >= maxDepth {
			continue
		}
		files = append(files, rel)
	}
	sort.Strings(files)
	return files, nil
}

// Close stops any in-flight listings.
func (w *S3Walker) Close() error {
	close(w.done)
	return nil
}
