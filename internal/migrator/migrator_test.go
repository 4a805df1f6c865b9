package migrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/punchamoorthee/clipledger/internal/objectstore"
)

func newMigrator(t *testing.T, opts ...Option) (*Migrator, *objectstore.FS) {
	t.Helper()
	fs, err := objectstore.NewFS(t.TempDir(), "http://localhost:8080/objects")
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	return New(fs, opts...), fs
}

func TestMigrateCopiesResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("video-bytes"))
	}))
	defer srv.Close()
	m, fs := newMigrator(t)

	source := srv.URL + "/out.mp4"
	out := m.Migrate(context.Background(), source, 7, "job-1")
	if !out.Migrated {
		t.Fatalf("expected migration, got %+v", out)
	}
	if out.Original != source {
		t.Fatalf("Original = %q, want %q", out.Original, source)
	}
	prefix := "http://localhost:8080/objects/"
	if !strings.HasPrefix(out.Locator, prefix+"videos/7/job-1-") || !fs.Owns(out.Locator) {
		t.Fatalf("Locator = %q", out.Locator)
	}
	data, err := os.ReadFile(filepath.Join(fs.Root(), filepath.FromSlash(strings.TrimPrefix(out.Locator, prefix))))
	if err != nil || string(data) != "video-bytes" {
		t.Fatalf("stored = %q, %v", data, err)
	}
}

func TestMigrateKeepsOriginal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing.mp4":
			w.WriteHeader(http.StatusNotFound)
		case "/slow.mp4":
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		default:
			w.Write([]byte(strings.Repeat("x", 64)))
		}
	}))
	defer srv.Close()

	tests := []struct {
		name   string
		source string
		opts   []Option
	}{
		{"owned", "http://localhost:8080/objects/videos/1/a.mp4", nil},
		{"not http", "s3://bucket/key.mp4", nil},
		{"bad status", srv.URL + "/missing.mp4", nil},
		{"timeout", srv.URL + "/slow.mp4", []Option{WithTimeout(50 * time.Millisecond)}},
		{"too large", srv.URL + "/big.mp4", []Option{WithMaxBytes(16)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, fs := newMigrator(t, tt.opts...)
			out := m.Migrate(context.Background(), tt.source, 1, "job-2")
			if out.Migrated {
				t.Fatalf("unexpected migration: %+v", out)
			}
			if out.Locator != tt.source || out.Original != tt.source {
				t.Fatalf("locator not kept: %+v", out)
			}
			if out.Reason == "" {
				t.Fatal("missing reason")
			}
			entries, _ := os.ReadDir(filepath.Join(fs.Root(), "videos", "1"))
			if len(entries) != 0 {
				t.Fatalf("partial object left in storage: %v", entries)
			}
		})
	}
}
