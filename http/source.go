// Package http provides a sqfs.ByteSource backed by HTTP range
// requests, so archives can be read from object stores and CDNs without
// downloading them. The lazy access pattern of the reader keeps the
// request count proportional to the data actually touched.
package http

import (
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"strconv"
	"strings"

	"github.com/meigma/sqfs"
)

// Source reads a remote archive via HTTP range requests. It pins the
// ETag and Last-Modified observed at creation with If-Match and
// If-Unmodified-Since, so a remote archive replaced mid-read fails fast
// instead of serving mixed bytes.
type Source struct {
	url          string
	client       *nethttp.Client
	headers      nethttp.Header
	size         int64
	etag         string
	lastModified string
}

var _ sqfs.ByteSource = (*Source)(nil)

// Option configures a Source.
type Option func(*Source)

// WithClient sets the HTTP client used for requests.
func WithClient(client *nethttp.Client) Option {
	return func(s *Source) {
		if client != nil {
			s.client = client
		}
	}
}

// WithHeader adds a header to every request, for auth tokens and the
// like.
func WithHeader(key, value string) Option {
	return func(s *Source) {
		if s.headers == nil {
			s.headers = make(nethttp.Header)
		}
		s.headers.Set(key, value)
	}
}

// NewSource probes url with a one-byte range request to learn the
// archive size and verify range support, then returns a Source ready
// for sqfs.Open.
func NewSource(url string, opts ...Option) (*Source, error) {
	s := &Source{url: url, client: nethttp.DefaultClient}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.probe(); err != nil {
		return nil, fmt.Errorf("probe %s: %w", url, err)
	}
	return s, nil
}

// Size returns the remote archive size in bytes.
func (s *Source) Size() int64 { return s.size }

// ReadAt implements io.ReaderAt. Each call is one range request; it is
// safe for concurrent use.
func (s *Source) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, fmt.Errorf("read at %d: negative offset", off)
	}
	if off >= s.size {
		return 0, io.EOF
	}
	want := len(p)
	if off+int64(want) > s.size {
		want = int(s.size - off)
	}

	resp, err := s.get(off, int64(want))
	if err != nil {
		return 0, err
	}
	defer drain(resp.Body)

	n, err := io.ReadFull(resp.Body, p[:want])
	if err != nil {
		return n, err
	}
	if want < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// get issues a range GET for [off, off+length) and checks the status.
func (s *Source) get(off, length int64) (*nethttp.Response, error) {
	req, err := s.newRequest()
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, off+length-1))

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	switch resp.StatusCode {
	case nethttp.StatusPartialContent:
		return resp, nil
	case nethttp.StatusOK:
		drain(resp.Body)
		return nil, errors.New("server ignores range requests")
	case nethttp.StatusPreconditionFailed:
		drain(resp.Body)
		return nil, errors.New("remote archive changed since open")
	default:
		drain(resp.Body)
		return nil, fmt.Errorf("range request failed: %s", resp.Status)
	}
}

// probe fetches the first byte to establish size, range support and the
// validators pinned by later requests.
func (s *Source) probe() error {
	req, err := s.newRequest()
	if err != nil {
		return err
	}
	req.Header.Set("Range", "bytes=0-0")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer drain(resp.Body)

	if resp.StatusCode != nethttp.StatusPartialContent {
		if resp.StatusCode == nethttp.StatusOK {
			return errors.New("server ignores range requests")
		}
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	size, err := totalFromContentRange(resp.Header.Get("Content-Range"))
	if err != nil {
		return err
	}
	s.size = size
	s.etag = resp.Header.Get("ETag")
	s.lastModified = resp.Header.Get("Last-Modified")
	return nil
}

func (s *Source) newRequest() (*nethttp.Request, error) {
	req, err := nethttp.NewRequest(nethttp.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	for key, values := range s.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	// Transparent compression would desynchronize byte offsets.
	req.Header.Set("Accept-Encoding", "identity")
	if s.etag != "" {
		req.Header.Set("If-Match", s.etag)
	} else if s.lastModified != "" {
		req.Header.Set("If-Unmodified-Since", s.lastModified)
	}
	return req, nil
}

// totalFromContentRange extracts the complete length from a
// "bytes first-last/total" header.
func totalFromContentRange(value string) (int64, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(value), "bytes ")
	if !ok {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	_, total, ok := strings.Cut(rest, "/")
	if !ok || total == "*" {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	size, err := strconv.ParseInt(total, 10, 64)
	if err != nil || size < 0 {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	return size, nil
}

// drain consumes and closes a response body so the connection can be
// reused.
func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}
