// Package migrator copies provider-hosted results into durable storage.
package migrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultTimeout  = 60 * time.Second
	defaultMaxBytes = 500 << 20
)

var errTooLarge = errors.New("result exceeds size limit")

// Storage is the durable object store a result is copied into.
type Storage interface {
	Owns(locator string) bool
	Put(ctx context.Context, key string, r io.Reader) (string, error)
}

// Outcome describes what happened to a result. When Migrated is false,
// Locator is the original source and Reason says why it was kept.
type Outcome struct {
	Migrated bool
	Locator  string
	Original string
	Reason   string
}

func kept(source, reason string) Outcome {
	return Outcome{Locator: source, Original: source, Reason: reason}
}

// Migrator downloads provider results and stores them. Every failure
// degrades to keeping the original locator.
type Migrator struct {
	storage  Storage
	client   *http.Client
	timeout  time.Duration
	maxBytes int64
}

// Option customizes a Migrator.
type Option func(*Migrator)

// WithHTTPClient overrides the download client.
func WithHTTPClient(client *http.Client) Option {
	return func(m *Migrator) {
		if client != nil {
			m.client = client
		}
	}
}

// WithTimeout bounds a single migration.
func WithTimeout(d time.Duration) Option {
	return func(m *Migrator) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithMaxBytes caps the downloaded size.
func WithMaxBytes(n int64) Option {
	return func(m *Migrator) {
		if n > 0 {
			m.maxBytes = n
		}
	}
}

func New(storage Storage, opts ...Option) *Migrator {
	m := &Migrator{
		storage:  storage,
		client:   &http.Client{},
		timeout:  defaultTimeout,
		maxBytes: defaultMaxBytes,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ObjectKey is where one migration attempt for jobID is stored. Attempts get
// distinct keys so a losing attempt can be removed without touching the
// winner's object.
func ObjectKey(accountID int64, jobID string) string {
	return fmt.Sprintf("videos/%d/%s-%s.mp4", accountID, jobID, uuid.NewString()[:8])
}

// Migrate copies source into storage under the job's key.
func (m *Migrator) Migrate(ctx context.Context, source string, accountID int64, jobID string) Outcome {
	source = strings.TrimSpace(source)
	if m.storage.Owns(source) {
		return kept(source, "already in durable storage")
	}
	u, err := url.Parse(source)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return kept(source, "source is not an http(s) url")
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return kept(source, fmt.Sprintf("build request: %v", err))
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return kept(source, fmt.Sprintf("download: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return kept(source, fmt.Sprintf("download: unexpected status %s", resp.Status))
	}
	if resp.ContentLength > m.maxBytes {
		return kept(source, fmt.Sprintf("download: %d bytes exceeds limit %d", resp.ContentLength, m.maxBytes))
	}

	body := &limitedReader{r: io.LimitReader(resp.Body, m.maxBytes+1), max: m.maxBytes}
	locator, err := m.storage.Put(ctx, ObjectKey(accountID, jobID), body)
	if err != nil {
		return kept(source, fmt.Sprintf("store: %v", err))
	}
	return Outcome{Migrated: true, Locator: locator, Original: source}
}

type limitedReader struct {
	r   io.Reader
	n   int64
	max int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	l.n += int64(n)
	if l.n > l.max {
		return n, errTooLarge
	}
	return n, err
}
