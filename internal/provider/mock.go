package provider

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Mock is a deterministic in-memory provider for local runs and tests.
// Unscripted generations report running on the first status check and
// succeeded (with an inline result) afterwards.
type Mock struct {
	mu          sync.Mutex
	seq         int
	jobs        map[string]*mockJob
	submitErr   error
	submitDelay time.Duration
	submits     int
	statusCalls int
}

type mockJob struct {
	req       Request
	polls     int
	scripted  bool
	state     State
	errDetail string
	statusErr error
	result    string
}

// NewMock creates an empty mock provider.
func NewMock() *Mock {
	return &Mock{jobs: make(map[string]*mockJob)}
}

func (m *Mock) Name() string {
	return "mock"
}

// FailSubmits makes every following Submit return err; nil restores success.
func (m *Mock) FailSubmits(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitErr = err
}

// SetSubmitDelay makes Submit block for d or until its context ends.
func (m *Mock) SetSubmitDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitDelay = d
}

// SetState pins the reported state of ref.
func (m *Mock) SetState(ref string, state State, errDetail string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.job(ref)
	j.scripted = true
	j.state = state
	j.errDetail = errDetail
}

// SetResult sets (or with "" clears) the locator FetchResult returns for ref.
func (m *Mock) SetResult(ref, locator string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.job(ref).result = locator
}

// FailStatus makes status checks for ref return err; nil clears it.
func (m *Mock) FailStatus(ref string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.job(ref).statusErr = err
}

// Submits returns how many Submit calls reached the mock.
func (m *Mock) Submits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submits
}

// StatusCalls returns how many CheckStatus calls reached the mock.
func (m *Mock) StatusCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusCalls
}

// LastRef returns the most recently issued reference.
func (m *Mock) LastRef() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seq == 0 {
		return ""
	}
	return fmt.Sprintf("mock-%d", m.seq)
}

func (m *Mock) Submit(ctx context.Context, req Request) (string, error) {
	m.mu.Lock()
	m.submits++
	delay, submitErr := m.submitDelay, m.submitErr
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return "", &Error{Op: "submit", Temporary: true, Err: ctx.Err()}
		case <-time.After(delay):
		}
	}
	if submitErr != nil {
		return "", submitErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	ref := fmt.Sprintf("mock-%d", m.seq)
	m.job(ref).req = req
	return ref, nil
}

func (m *Mock) CheckStatus(ctx context.Context, ref string) (*Status, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusCalls++

	j, ok := m.jobs[ref]
	if !ok {
		return nil, &Error{Op: "status", Status: http.StatusNotFound, Err: fmt.Errorf("unknown generation %q", ref)}
	}
	if j.statusErr != nil {
		return nil, j.statusErr
	}
	if j.scripted {
		return &Status{State: j.state, Error: j.errDetail}, nil
	}

	j.polls++
	if j.polls == 1 {
		return &Status{State: StateRunning}, nil
	}
	if j.result == "" {
		j.result = fmt.Sprintf("https://mock.provider.local/videos/%s.mp4", ref)
	}
	return &Status{State: StateSucceeded}, nil
}

func (m *Mock) FetchResult(ctx context.Context, ref string, _ *Status) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[ref]
	if !ok || j.result == "" {
		return "", ErrResultNotReady
	}
	return j.result, nil
}

func (m *Mock) job(ref string) *mockJob {
	j, ok := m.jobs[ref]
	if !ok {
		j = &mockJob{}
		m.jobs[ref] = j
	}
	return j
}

// Request returns the request submitted under ref.
func (m *Mock) Request(ref string) (Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[ref]
	if !ok {
		return Request{}, false
	}
	return j.req, true
}
