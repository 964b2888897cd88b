package archive

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// LocalByteSource is a ByteSource over a local file, served by pread.
type LocalByteSource struct {
	f    *os.File
	size int64
}

// OpenLocal opens path for random-access reads.
func OpenLocal(path string) (*LocalByteSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("archive: open %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("archive: stat %s: %w", path, err)
	}
	return &LocalByteSource{f: f, size: fi.Size()}, nil
}

func (l *LocalByteSource) ReadAt(p []byte, off int64) (int, error) { return l.f.ReadAt(p, off) }
func (l *LocalByteSource) Len() int64                               { return l.size }
func (l *LocalByteSource) Close() error                             { return l.f.Close() }

// S3ByteSource range-fetches from an S3 object on demand via ranged
// GetObject calls.
type S3ByteSource struct {
	ctx    context.Context
	client *s3.Client
	bucket string
	key    string
	size   int64
}

// NewS3ByteSource stats the object to learn its length, then serves reads
// via ranged GetObject calls.
func NewS3ByteSource(ctx context.Context, client *s3.Client, bucket, key string) (*S3ByteSource, error) {
	head, err := client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return nil, fmt.Errorf("archive: head s3://%s/%s: %w", bucket, key, err)
	}
	size := int64(0)
	if head.ContentLength != nil {
		size = *head.ContentLength
	}
	return &S3ByteSource{ctx: ctx, client: client, bucket: bucket, key: key, size: size}, nil
}

func (s *S3ByteSource) Len() int64   { return s.size }
func (s *S3ByteSource) Close() error { return nil }

func (s *S3ByteSource) ReadAt(p []byte, off int64) (int, error) {
	if off >= s.size {
		return 0, io.EOF
	}
	end := off + int64(len(p)) - 1
	if end >= s.size {
		end = s.size - 1
	}
	rng := fmt.Sprintf("bytes=%d-%d", off, end)
	out, err := s.client.GetObject(s.ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
		Range:  aws.String(rng),
	})
	if err != nil {
		return 0, fmt.Errorf("archive: get s3://%s/%s range %s: %w", s.bucket, s.key, rng, err)
	}
	defer out.Body.Close()
	n, err := io.ReadFull(out.Body, p[:end-off+1])
	if err == io.ErrUnexpectedEOF {
		err = nil
	}
	return n, err
}

// HTTPByteSource range-fetches over plain HTTP(S), the non-S3
// half of the same "remote URL range-fetch" concern.
type HTTPByteSource struct {
	ctx    context.Context
	client *http.Client
	url    string
	size   int64
}

// NewHTTPByteSource issues a HEAD request to learn the object's length.
// Only the response status is checked; whether the server honours Range
// requests is not verified.
func NewHTTPByteSource(ctx context.Context, client *http.Client, url string) (*HTTPByteSource, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("archive: head %s: %w", url, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("archive: head %s: unexpected status %s", url, resp.Status)
	}
	size, _ := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	return &HTTPByteSource{ctx: ctx, client: client, url: url, size: size}, nil
}

func (h *HTTPByteSource) Len() int64   { return h.size }
func (h *HTTPByteSource) Close() error { return nil }

func (h *HTTPByteSource) ReadAt(p []byte, off int64) (int, error) {
	if off >= h.size {
		return 0, io.EOF
	}
	end := off + int64(len(p)) - 1
	if end >= h.size {
		end = h.size - 1
	}
	req, err := http.NewRequestWithContext(h.ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, end))
	resp, err := h.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("archive: get %s: %w", h.url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("archive: get %s: unexpected status %s", h.url, resp.Status)
	}
	n, err := io.ReadFull(resp.Body, p[:end-off+1])
	if err == io.ErrUnexpectedEOF {
		err = nil
	}
	return n, err
}
