package s3

import (
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"

	"Cosign/internal/storage/storagetest"
)

type mockStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

type listResult struct {
	XMLName     xml.Name      `xml:"ListBucketResult"`
	Name        string        `xml:"Name"`
	Prefix      string        `xml:"Prefix"`
	KeyCount    int           `xml:"KeyCount"`
	MaxKeys     int           `xml:"MaxKeys"`
	IsTruncated bool          `xml:"IsTruncated"`
	Contents    []listContent `xml:"Contents"`
}

type listContent struct {
	Key  string `xml:"Key"`
	Size int    `xml:"Size"`
}

// mockS3Server emulates the path-style S3 calls the backend makes.
func mockS3Server() *httptest.Server {
	store := &mockStore{objects: make(map[string][]byte)}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.SplitN(r.URL.Path, "/", 3)

		if len(parts) < 3 || parts[2] == "" {
			if r.URL.Query().Get("list-type") == "2" {
				store.list(w, parts[1], r.URL.Query().Get("prefix"))
				return
			}
			w.WriteHeader(http.StatusOK)
			return
		}

		key := parts[2]

		store.mu.Lock()
		defer store.mu.Unlock()

		switch r.Method {
		case http.MethodPut:
			data, _ := io.ReadAll(r.Body)
			store.objects[key] = data
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			data, ok := store.objects[key]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				w.Write([]byte(`<?xml version="1.0"?><Error><Code>NoSuchKey</Code></Error>`))
				return
			}
			w.Write(data)
		case http.MethodDelete:
			delete(store.objects, key)
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
}

// list writes a single-page ListObjectsV2 response in key order.
func (m *mockStore) list(w http.ResponseWriter, bucket, prefix string) {
	m.mu.Lock()
	var names []string
	for name := range m.objects {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	res := listResult{Name: bucket, Prefix: prefix, KeyCount: len(names), MaxKeys: 1000}
	slices.Sort(names)
	for _, name := range names {
		res.Contents = append(res.Contents, listContent{Key: name, Size: len(m.objects[name])})
	}
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/xml")
	w.Write([]byte(xml.Header))
	xml.NewEncoder(w).Encode(res)
}

func newTestBackend(t *testing.T) *Backend {
	t.Helper()

	srv := mockS3Server()
	t.Cleanup(srv.Close)

	b, err := NewFactory(context.Background(), map[string]string{
		KeyBucket:          "test-bucket",
		KeyRegion:          "us-east-1",
		KeyEndpoint:        srv.URL,
		KeyPrefix:          "cosign/",
		KeyForcePathStyle:  "true",
		KeyAccessKeyID:     "test",
		KeySecretAccessKey: "test",
	})
	if err != nil {
		t.Fatal(err)
	}

	return b.(*Backend)
}

// TestConformance runs the shared backend suite against the mock server.
func TestConformance(t *testing.T) {
	b := newTestBackend(t)
	defer b.Close()

	storagetest.Run(t, b)
}

// TestMissingBucket tests that an empty bucket name is rejected.
func TestMissingBucket(t *testing.T) {
	if _, err := NewFactory(context.Background(), map[string]string{}); err == nil {
		t.Fatal("expected error for missing bucket")
	}
}
