package http_test

import (
	"bytes"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/meigma/sqfs"
	sqfshttp "github.com/meigma/sqfs/http"
	"github.com/meigma/sqfs/internal/testutil"
)

func serve(t *testing.T, data []byte) string {
	t.Helper()
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		nethttp.ServeContent(w, r, "archive.squashfs", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(server.Close)
	return server.URL
}

func TestSourceReadAt(t *testing.T) {
	t.Parallel()

	data := []byte("hello remote world")
	src, err := sqfshttp.NewSource(serve(t, data))
	if err != nil {
		t.Fatalf("NewSource() error = %v", err)
	}
	if src.Size() != int64(len(data)) {
		t.Fatalf("Size() = %d, want %d", src.Size(), len(data))
	}

	buf := make([]byte, 6)
	n, err := src.ReadAt(buf, 6)
	if err != nil {
		t.Fatalf("ReadAt() error = %v", err)
	}
	if n != len(buf) || string(buf) != "remote" {
		t.Fatalf("ReadAt() = %d, %q", n, buf)
	}

	edge := make([]byte, 10)
	n, err = src.ReadAt(edge, int64(len(data)-5))
	if err != io.EOF {
		t.Fatalf("ReadAt() error = %v, want io.EOF", err)
	}
	if string(edge[:n]) != "world" {
		t.Fatalf("ReadAt() got %q, want %q", edge[:n], "world")
	}
}

func TestSourceRangeUnsupported(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		_, _ = w.Write([]byte("no ranges here"))
	}))
	t.Cleanup(server.Close)

	if _, err := sqfshttp.NewSource(server.URL); err == nil {
		t.Fatal("expected error for server without range support")
	}
}

func TestArchiveOverHTTP(t *testing.T) {
	t.Parallel()

	img := testutil.New().Build(testutil.Dir("",
		testutil.Dir("docs",
			testutil.File("readme.txt", []byte("served over http")),
		),
	))

	src, err := sqfshttp.NewSource(serve(t, img))
	if err != nil {
		t.Fatalf("NewSource() error = %v", err)
	}
	a, err := sqfs.Open(src)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer a.Close()

	got, err := a.ReadFile("docs/readme.txt")
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(got) != "served over http" {
		t.Fatalf("ReadFile() = %q", got)
	}
}
