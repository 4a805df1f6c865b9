// Package provider defines the contract every video generation backend
// satisfies, plus the HTTP and mock implementations.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// State is the provider-side status of a generation.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// ErrResultNotReady means the provider reported success but none of the
// extraction strategies found the output yet. Callers should retry later.
var ErrResultNotReady = errors.New("provider result not available yet")

// Request is what the orchestrator asks a provider to generate.
type Request struct {
	Model             string
	Prompt            string
	ReferenceImageURL string
	DurationSeconds   int
	Resolution        string
	AspectRatio       string
	GenerateAudio     bool
}

// Status is the outcome of a status check.
type Status struct {
	State State
	// Error is the provider's failure detail when State is StateFailed.
	Error string
	// Raw is the status payload, kept for inline result extraction.
	Raw []byte
}

// Adapter is the uniform interface to an external generation provider.
type Adapter interface {
	// Name returns the adapter identifier stored on jobs.
	Name() string

	// Submit starts a generation and returns the provider-side reference.
	Submit(ctx context.Context, req Request) (string, error)

	// CheckStatus reports where a submitted generation is.
	CheckStatus(ctx context.Context, ref string) (*Status, error)

	// FetchResult locates the output of a succeeded generation. It returns
	// ErrResultNotReady when every strategy came up empty.
	FetchResult(ctx context.Context, ref string, status *Status) (string, error)
}

// Error wraps provider errors with status metadata.
type Error struct {
	Op        string
	Status    int
	Temporary bool
	Err       error
}

func (e *Error) Error() string {
	if e == nil {
		return "provider error"
	}
	if e.Err != nil {
		if e.Status != 0 {
			return fmt.Sprintf("provider %s (status=%d): %v", e.Op, e.Status, e.Err)
		}
		return fmt.Sprintf("provider %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("provider %s (status=%d)", e.Op, e.Status)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsTransient reports whether an error is safe to retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrResultNotReady) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var perr *Error
	if errors.As(err, &perr) {
		if perr.Temporary {
			return true
		}
		if perr.Status == 429 || (perr.Status >= 500 && perr.Status <= 599) {
			return true
		}
	}
	return false
}
