package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/punchamoorthee/clipledger/internal/domain"
	"github.com/punchamoorthee/clipledger/internal/migrator"
	"github.com/punchamoorthee/clipledger/internal/objectstore"
	"github.com/punchamoorthee/clipledger/internal/provider"
	"github.com/punchamoorthee/clipledger/internal/store/litestore"
)

var fastClip = domain.JobConfig{Model: "clip-fast", Prompt: "a lighthouse in a storm"}

// keepOriginal never migrates.
type keepOriginal struct{}

func (keepOriginal) Migrate(_ context.Context, source string, _ int64, _ string) migrator.Outcome {
	return migrator.Outcome{Locator: source, Original: source, Reason: "disabled"}
}

type harness struct {
	orch *Orchestrator
	repo *litestore.Store
	mock *provider.Mock
}

func newHarness(t *testing.T, deps Deps, opts Options) *harness {
	t.Helper()
	repo, err := litestore.Open(fmt.Sprintf("file:orch_%d?mode=memory&cache=shared", time.Now().UnixNano()))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	mock := provider.NewMock()
	deps.Repo = repo
	deps.Idempotency = repo
	deps.Provider = mock
	if deps.Migrator == nil {
		deps.Migrator = keepOriginal{}
	}
	if opts.ProviderTimeout == 0 {
		opts.ProviderTimeout = 2 * time.Second
	}
	return &harness{orch: NewOrchestrator(deps, opts), repo: repo, mock: mock}
}

func (h *harness) account(t *testing.T, credits int64) *domain.Account {
	t.Helper()
	acc, err := h.orch.CreateAccount(context.Background(), domain.TierFree, credits)
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	return acc
}

func (h *harness) submit(t *testing.T, accountID int64, key string, cfg domain.JobConfig) (*SubmitResult, domain.SubmitResponse) {
	t.Helper()
	res, err := h.orch.Submit(context.Background(), SubmitRequest{AccountID: accountID, IdempotencyKey: key, Config: cfg})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	var body domain.SubmitResponse
	if err := json.Unmarshal(res.Body, &body); err != nil {
		t.Fatalf("decode submit body: %v", err)
	}
	return res, body
}

func (h *harness) poll(t *testing.T, accountID int64, jobID string) *domain.JobSnapshot {
	t.Helper()
	snap, err := h.orch.Poll(context.Background(), accountID, jobID)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	return snap
}

func (h *harness) balance(t *testing.T, accountID int64) int64 {
	t.Helper()
	acc, err := h.repo.GetAccount(context.Background(), accountID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	return acc.Balance
}

// assertLedger checks balance == sum(entries) and returns entry counts by
// reason for jobID.
func (h *harness) assertLedger(t *testing.T, accountID int64, jobID string) map[string]int {
	t.Helper()
	entries, err := h.repo.GetEntries(context.Background(), accountID)
	if err != nil {
		t.Fatalf("get entries: %v", err)
	}
	var sum int64
	counts := make(map[string]int)
	for _, e := range entries {
		sum += e.Amount
		if e.JobID != nil && *e.JobID == jobID {
			counts[e.Reason]++
		}
	}
	if b := h.balance(t, accountID); b != sum {
		t.Fatalf("balance %d != sum of entries %d", b, sum)
	}
	return counts
}

func assertKind(t *testing.T, err error, want domain.ErrorKind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", want)
	}
	if got := domain.KindOf(err); got != want {
		t.Fatalf("error kind = %s, want %s (err=%v)", got, want, err)
	}
}

func TestSubmitChargesAndStartsJob(t *testing.T) {
	h := newHarness(t, Deps{}, Options{})
	acc := h.account(t, 10)

	res, body := h.submit(t, acc.ID, "k1", fastClip)
	if res.StatusCode != http.StatusAccepted || res.Replayed {
		t.Fatalf("unexpected result: %+v", res)
	}
	if body.CreditsCharged != 4 || body.Balance != 6 {
		t.Fatalf("unexpected body: %+v", body)
	}
	if got := h.balance(t, acc.ID); got != 6 {
		t.Fatalf("balance = %d, want 6", got)
	}

	job, err := h.repo.GetJob(context.Background(), res.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != domain.StatusProcessing || job.ProviderRef == nil {
		t.Fatalf("job not handed to provider: %+v", job)
	}
	req, ok := h.mock.Request(*job.ProviderRef)
	if !ok || req.Model != "clip-fast-v1" || req.DurationSeconds != 5 || req.Resolution != "720p" {
		t.Fatalf("unexpected provider request: %+v", req)
	}
	if counts := h.assertLedger(t, acc.ID, job.ID); counts[domain.ReasonJobCharge] != 1 {
		t.Fatalf("charge entries = %d, want 1", counts[domain.ReasonJobCharge])
	}
}

func TestSubmitInsufficientCredits(t *testing.T) {
	h := newHarness(t, Deps{}, Options{})
	acc := h.account(t, 3)

	_, err := h.orch.Submit(context.Background(), SubmitRequest{AccountID: acc.ID, IdempotencyKey: "k1", Config: fastClip})
	assertKind(t, err, domain.KindInsufficientCredits)

	if got := h.balance(t, acc.ID); got != 3 {
		t.Fatalf("balance = %d, want 3", got)
	}
	if h.mock.Submits() != 0 {
		t.Fatal("provider called without funds")
	}
	entries, _ := h.repo.GetEntries(context.Background(), acc.ID)
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want only the grant", len(entries))
	}
}

func TestSubmitRejectsInvalidRequests(t *testing.T) {
	h := newHarness(t, Deps{}, Options{})
	acc := h.account(t, 100)

	tests := []struct {
		name string
		key  string
		cfg  domain.JobConfig
	}{
		{"missing key", "", fastClip},
		{"blank key", "   ", fastClip},
		{"unknown model", "k1", domain.JobConfig{Model: "nope", Prompt: "x"}},
		{"empty prompt", "k2", domain.JobConfig{Model: "clip-fast"}},
		{"tier not allowed", "k3", domain.JobConfig{Model: "clip-pro", Prompt: "x"}},
		{"reference image required", "k4", domain.JobConfig{Model: "clip-animate", Prompt: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.orch.Submit(context.Background(), SubmitRequest{AccountID: acc.ID, IdempotencyKey: tt.key, Config: tt.cfg})
			assertKind(t, err, domain.KindValidation)
		})
	}
	if got := h.balance(t, acc.ID); got != 100 {
		t.Fatalf("balance = %d, want 100", got)
	}

	_, err := h.orch.Submit(context.Background(), SubmitRequest{AccountID: 9999, IdempotencyKey: "k", Config: fastClip})
	assertKind(t, err, domain.KindNotFound)
}

func TestSubmitProviderFailureRefunds(t *testing.T) {
	h := newHarness(t, Deps{}, Options{})
	acc := h.account(t, 10)
	h.mock.FailSubmits(&provider.Error{Op: "submit", Status: http.StatusServiceUnavailable, Err: errors.New("overloaded")})

	_, err := h.orch.Submit(context.Background(), SubmitRequest{AccountID: acc.ID, IdempotencyKey: "k1", Config: fastClip})
	assertKind(t, err, domain.KindProviderUnavailable)
	if got := h.balance(t, acc.ID); got != 10 {
		t.Fatalf("balance = %d, want 10", got)
	}

	entries, _ := h.repo.GetEntries(context.Background(), acc.ID)
	if len(entries) != 3 || entries[1].JobID == nil {
		t.Fatalf("expected grant, charge, refund; got %+v", entries)
	}
	jobID := *entries[1].JobID
	job, err := h.repo.GetJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != domain.StatusFailed || job.ErrorDetail == nil {
		t.Fatalf("job not failed with detail: %+v", job)
	}
	counts := h.assertLedger(t, acc.ID, jobID)
	if counts[domain.ReasonJobCharge] != 1 || counts[domain.ReasonJobRefund] != 1 {
		t.Fatalf("unexpected entries for failed job: %v", counts)
	}

	// The failure was not cached, so the same key may try again.
	h.mock.FailSubmits(nil)
	res, body := h.submit(t, acc.ID, "k1", fastClip)
	if res.Replayed || res.JobID == jobID || body.Balance != 6 {
		t.Fatalf("retry was not a fresh submission: %+v %+v", res, body)
	}
}

func TestSubmitProviderTimeoutRefunds(t *testing.T) {
	h := newHarness(t, Deps{}, Options{ProviderTimeout: 50 * time.Millisecond})
	acc := h.account(t, 10)
	h.mock.SetSubmitDelay(time.Second)

	_, err := h.orch.Submit(context.Background(), SubmitRequest{AccountID: acc.ID, IdempotencyKey: "k1", Config: fastClip})
	assertKind(t, err, domain.KindProviderUnavailable)
	if got := h.balance(t, acc.ID); got != 10 {
		t.Fatalf("balance = %d, want 10", got)
	}
}

func TestSubmitReplayIsByteIdentical(t *testing.T) {
	h := newHarness(t, Deps{}, Options{})
	acc := h.account(t, 10)

	first, _ := h.submit(t, acc.ID, "k1", fastClip)
	second, _ := h.submit(t, acc.ID, "k1", fastClip)

	if !second.Replayed || second.JobID != first.JobID || second.StatusCode != first.StatusCode {
		t.Fatalf("second submit was not a replay: %+v", second)
	}
	if !bytes.Equal(first.Body, second.Body) {
		t.Fatalf("replay body differs:\n%s\n%s", first.Body, second.Body)
	}
	if h.mock.Submits() != 1 {
		t.Fatalf("provider submits = %d, want 1", h.mock.Submits())
	}
	if got := h.balance(t, acc.ID); got != 6 {
		t.Fatalf("balance = %d, want 6", got)
	}

	// Replays keep returning the original response after the job moves on.
	h.poll(t, acc.ID, first.JobID)
	if snap := h.poll(t, acc.ID, first.JobID); snap.Status != domain.StatusCompleted {
		t.Fatalf("status = %s, want completed", snap.Status)
	}
	third, _ := h.submit(t, acc.ID, "k1", fastClip)
	if !bytes.Equal(first.Body, third.Body) {
		t.Fatal("replay changed after job completed")
	}

	// Keys are scoped per account.
	other := h.account(t, 10)
	res, _ := h.submit(t, other.ID, "k1", fastClip)
	if res.Replayed {
		t.Fatal("key leaked across accounts")
	}
}

func TestSubmitKeyReuseWithDifferentPayload(t *testing.T) {
	h := newHarness(t, Deps{}, Options{})
	acc := h.account(t, 10)
	h.submit(t, acc.ID, "k1", fastClip)

	changed := fastClip
	changed.Prompt = "a different lighthouse"
	_, err := h.orch.Submit(context.Background(), SubmitRequest{AccountID: acc.ID, IdempotencyKey: "k1", Config: changed})
	assertKind(t, err, domain.KindIdempotencyMismatch)
	if got := h.balance(t, acc.ID); got != 6 {
		t.Fatalf("balance = %d, want 6", got)
	}
}

func TestConcurrentSubmitsSameKeyChargeOnce(t *testing.T) {
	h := newHarness(t, Deps{}, Options{})
	acc := h.account(t, 100)

	const n = 8
	var wg sync.WaitGroup
	results := make([]*SubmitResult, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.orch.Submit(context.Background(), SubmitRequest{AccountID: acc.ID, IdempotencyKey: "same", Config: fastClip})
		}(i)
	}
	wg.Wait()

	var jobID string
	var body []byte
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			assertKind(t, errs[i], domain.KindIdempotencyConflict)
			continue
		}
		if jobID == "" {
			jobID, body = results[i].JobID, results[i].Body
		}
		if results[i].JobID != jobID || !bytes.Equal(results[i].Body, body) {
			t.Fatalf("divergent responses for one key: %s vs %s", results[i].Body, body)
		}
	}
	if jobID == "" {
		t.Fatal("no submission succeeded")
	}
	if got := h.balance(t, acc.ID); got != 96 {
		t.Fatalf("balance = %d, want 96", got)
	}
	if h.mock.Submits() != 1 {
		t.Fatalf("provider submits = %d, want 1", h.mock.Submits())
	}
	if counts := h.assertLedger(t, acc.ID, jobID); counts[domain.ReasonJobCharge] != 1 {
		t.Fatalf("charges = %d, want 1", counts[domain.ReasonJobCharge])
	}
}

func TestPollWaitsForLateResult(t *testing.T) {
	h := newHarness(t, Deps{}, Options{})
	acc := h.account(t, 10)
	res, _ := h.submit(t, acc.ID, "k1", fastClip)
	ref := h.mock.LastRef()

	h.mock.SetState(ref, provider.StateSucceeded, "")
	snap := h.poll(t, acc.ID, res.JobID)
	if snap.Status != domain.StatusProcessing || snap.ResultURL != nil {
		t.Fatalf("job advanced without a result: %+v", snap)
	}

	h.mock.SetResult(ref, "https://cdn.example.com/out.mp4")
	snap = h.poll(t, acc.ID, res.JobID)
	if snap.Status != domain.StatusCompleted || snap.ResultURL == nil || *snap.ResultURL != "https://cdn.example.com/out.mp4" {
		t.Fatalf("job not completed: %+v", snap)
	}

	counts := h.assertLedger(t, acc.ID, res.JobID)
	if counts[domain.ReasonJobCharge] != 1 || counts[domain.ReasonJobRefund] != 0 {
		t.Fatalf("unexpected entries for completed job: %v", counts)
	}

	calls := h.mock.StatusCalls()
	h.poll(t, acc.ID, res.JobID)
	if h.mock.StatusCalls() != calls {
		t.Fatal("terminal job polled the provider")
	}
}

func TestPollProviderFailureRefundsOnce(t *testing.T) {
	h := newHarness(t, Deps{}, Options{})
	acc := h.account(t, 10)
	res, _ := h.submit(t, acc.ID, "k1", fastClip)
	h.mock.SetState(h.mock.LastRef(), provider.StateFailed, "content policy violation")

	snap := h.poll(t, acc.ID, res.JobID)
	if snap.Status != domain.StatusFailed || snap.ErrorDetail == nil || *snap.ErrorDetail != "content policy violation" {
		t.Fatalf("job not failed: %+v", snap)
	}
	h.poll(t, acc.ID, res.JobID)

	if got := h.balance(t, acc.ID); got != 10 {
		t.Fatalf("balance = %d, want 10", got)
	}
	counts := h.assertLedger(t, acc.ID, res.JobID)
	if counts[domain.ReasonJobRefund] != 1 {
		t.Fatalf("refunds = %d, want 1", counts[domain.ReasonJobRefund])
	}
}

func TestPollTransientErrorKeepsState(t *testing.T) {
	h := newHarness(t, Deps{}, Options{})
	acc := h.account(t, 10)
	res, _ := h.submit(t, acc.ID, "k1", fastClip)
	ref := h.mock.LastRef()
	h.mock.FailStatus(ref, &provider.Error{Op: "status", Status: http.StatusBadGateway, Err: errors.New("upstream")})

	for i := 0; i < 3; i++ {
		snap := h.poll(t, acc.ID, res.JobID)
		if snap.Status != domain.StatusProcessing {
			t.Fatalf("status = %s, want processing", snap.Status)
		}
	}
	if got := h.balance(t, acc.ID); got != 6 {
		t.Fatalf("balance = %d, want 6", got)
	}

	h.mock.FailStatus(ref, nil)
	h.poll(t, acc.ID, res.JobID)
	if snap := h.poll(t, acc.ID, res.JobID); snap.Status != domain.StatusCompleted {
		t.Fatalf("status = %s, want completed after recovery", snap.Status)
	}
}

func TestPollEnforcesOwnership(t *testing.T) {
	h := newHarness(t, Deps{}, Options{})
	owner := h.account(t, 10)
	stranger := h.account(t, 10)
	res, _ := h.submit(t, owner.ID, "k1", fastClip)

	_, err := h.orch.Poll(context.Background(), stranger.ID, res.JobID)
	assertKind(t, err, domain.KindNotFound)
	_, err = h.orch.Poll(context.Background(), owner.ID, "missing")
	assertKind(t, err, domain.KindNotFound)
}

func TestPollExpiresStuckJobWhenConfigured(t *testing.T) {
	later := func() time.Time { return time.Now().Add(2 * time.Hour) }
	h := newHarness(t, Deps{}, Options{MaxProcessingAge: time.Hour, Now: later})
	acc := h.account(t, 10)
	res, _ := h.submit(t, acc.ID, "k1", fastClip)
	h.mock.SetState(h.mock.LastRef(), provider.StateSucceeded, "")

	snap := h.poll(t, acc.ID, res.JobID)
	if snap.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want failed", snap.Status)
	}
	if got := h.balance(t, acc.ID); got != 10 {
		t.Fatalf("balance = %d, want 10", got)
	}
}

func TestConcurrentPollsCompleteOnce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("mp4-bytes"))
	}))
	defer srv.Close()

	objects, err := objectstore.NewFS(t.TempDir(), "http://localhost:8080/objects")
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	h := newHarness(t, Deps{Migrator: migrator.New(objects), Objects: objects}, Options{})
	acc := h.account(t, 10)
	res, _ := h.submit(t, acc.ID, "k1", fastClip)
	ref := h.mock.LastRef()
	h.mock.SetState(ref, provider.StateSucceeded, "")
	h.mock.SetResult(ref, srv.URL+"/out.mp4")

	const n = 6
	var wg sync.WaitGroup
	snaps := make([]*domain.JobSnapshot, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snaps[i], errs[i] = h.orch.Poll(context.Background(), acc.ID, res.JobID)
		}(i)
	}
	wg.Wait()

	for i, s := range snaps {
		if errs[i] != nil {
			t.Fatalf("poll: %v", errs[i])
		}
		if s.Status != domain.StatusProcessing && s.Status != domain.StatusCompleted {
			t.Fatalf("unexpected status %s", s.Status)
		}
	}
	job, err := h.repo.GetJob(context.Background(), res.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != domain.StatusCompleted || !job.ResultMigrated || !objects.Owns(*job.ResultURL) {
		t.Fatalf("job not completed with migrated result: %+v", job)
	}
	if job.OriginalResultURL == nil || *job.OriginalResultURL != srv.URL+"/out.mp4" {
		t.Fatalf("original locator not recorded: %+v", job.OriginalResultURL)
	}

	files, err := os.ReadDir(filepath.Join(objects.Root(), "videos", fmt.Sprint(acc.ID)))
	if err != nil {
		t.Fatalf("read objects: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("objects stored = %d, want 1 (losing attempts removed)", len(files))
	}
	if want := objects.URL(fmt.Sprintf("videos/%d/%s", acc.ID, files[0].Name())); want != *job.ResultURL {
		t.Fatalf("stored object %s is not the job's result %s", want, *job.ResultURL)
	}
}

func TestGrantAndEntries(t *testing.T) {
	h := newHarness(t, Deps{}, Options{})
	ctx := context.Background()

	_, err := h.orch.CreateAccount(ctx, "enterprise", 0)
	assertKind(t, err, domain.KindValidation)

	acc := h.account(t, 0)
	updated, err := h.orch.Grant(ctx, acc.ID, 25)
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if updated.Balance != 25 {
		t.Fatalf("balance = %d, want 25", updated.Balance)
	}
	_, err = h.orch.Grant(ctx, acc.ID, 0)
	assertKind(t, err, domain.KindValidation)
	_, err = h.orch.Grant(ctx, 9999, 5)
	assertKind(t, err, domain.KindNotFound)

	entries, err := h.orch.Entries(ctx, acc.ID)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 1 || entries[0].Reason != domain.ReasonGrant || entries[0].Amount != 25 {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

// unrecordedRefs loses every MarkProcessing write.
type unrecordedRefs struct {
	*litestore.Store
}

func (unrecordedRefs) MarkProcessing(context.Context, string, string) (bool, error) {
	return false, errors.New("database unavailable")
}

// lostResponses drops every idempotency record.
type lostResponses struct {
	*litestore.Store
}

func (lostResponses) Save(context.Context, domain.IdempotencyRecord, time.Duration) error {
	return errors.New("cache unavailable")
}

func TestSubmitRefundsWhenProviderRefIsNotRecorded(t *testing.T) {
	h := newHarness(t, Deps{}, Options{})
	acc := h.account(t, 10)
	healthy := h.orch
	h.orch = NewOrchestrator(Deps{
		Repo:        unrecordedRefs{h.repo},
		Idempotency: h.repo,
		Provider:    h.mock,
		Migrator:    keepOriginal{},
	}, Options{ProviderTimeout: 2 * time.Second})

	_, err := h.orch.Submit(context.Background(), SubmitRequest{AccountID: acc.ID, IdempotencyKey: "k1", Config: fastClip})
	assertKind(t, err, domain.KindInternal)
	if got := h.balance(t, acc.ID); got != 10 {
		t.Fatalf("balance = %d, want 10 after refund", got)
	}
	entries, err := h.repo.GetEntries(context.Background(), acc.ID)
	if err != nil {
		t.Fatalf("get entries: %v", err)
	}
	reasons := make(map[string]int)
	for _, e := range entries {
		reasons[e.Reason]++
	}
	if reasons[domain.ReasonJobCharge] != 1 || reasons[domain.ReasonJobRefund] != 1 {
		t.Fatalf("ledger reasons = %v, want one charge and one refund", reasons)
	}

	// The failed job releases the key.
	h.orch = healthy
	res, body := h.submit(t, acc.ID, "k1", fastClip)
	if res.Replayed || body.Balance != 6 {
		t.Fatalf("retry: replayed=%v balance=%d, want a fresh charge to 6", res.Replayed, body.Balance)
	}
	if h.mock.Submits() != 2 {
		t.Fatalf("provider submits = %d, want 2", h.mock.Submits())
	}
}

func TestSubmitReplaysFromJobWhenResponseWasNotStored(t *testing.T) {
	h := newHarness(t, Deps{}, Options{})
	h.orch = NewOrchestrator(Deps{
		Repo:        h.repo,
		Idempotency: lostResponses{h.repo},
		Provider:    h.mock,
		Migrator:    keepOriginal{},
	}, Options{ProviderTimeout: 2 * time.Second})
	acc := h.account(t, 10)

	first, _ := h.submit(t, acc.ID, "k1", fastClip)
	ref := h.mock.LastRef()
	h.mock.SetState(ref, provider.StateSucceeded, "")
	h.mock.SetResult(ref, "https://cdn.example.com/out.mp4")
	if snap := h.poll(t, acc.ID, first.JobID); snap.Status != domain.StatusCompleted {
		t.Fatalf("status = %s, want completed", snap.Status)
	}

	again, _ := h.submit(t, acc.ID, "k1", fastClip)
	if !again.Replayed || again.JobID != first.JobID || !bytes.Equal(again.Body, first.Body) {
		t.Fatalf("retry was not a replay: %+v\nfirst body %s\nretry body %s", again, first.Body, again.Body)
	}
	if got := h.balance(t, acc.ID); got != 6 {
		t.Fatalf("balance = %d, want 6", got)
	}
	if h.mock.Submits() != 1 {
		t.Fatalf("provider submits = %d, want 1", h.mock.Submits())
	}

	other := fastClip
	other.Prompt = "a different lighthouse"
	_, err := h.orch.Submit(context.Background(), SubmitRequest{AccountID: acc.ID, IdempotencyKey: "k1", Config: other})
	assertKind(t, err, domain.KindIdempotencyMismatch)
}

func TestSubmitAfterReplayWindowStartsNewJob(t *testing.T) {
	h := newHarness(t, Deps{}, Options{})
	clock := time.Now()
	h.orch = NewOrchestrator(Deps{
		Repo:        h.repo,
		Idempotency: lostResponses{h.repo},
		Provider:    h.mock,
		Migrator:    keepOriginal{},
	}, Options{ProviderTimeout: 2 * time.Second, IdempotencyTTL: time.Hour, Now: func() time.Time { return clock }})
	acc := h.account(t, 10)

	first, _ := h.submit(t, acc.ID, "k1", fastClip)
	ref := h.mock.LastRef()
	h.mock.SetState(ref, provider.StateSucceeded, "")
	h.mock.SetResult(ref, "https://cdn.example.com/out.mp4")
	h.poll(t, acc.ID, first.JobID)

	clock = clock.Add(2 * time.Hour)
	second, body := h.submit(t, acc.ID, "k1", fastClip)
	if second.Replayed || second.JobID == first.JobID || body.Balance != 2 {
		t.Fatalf("expected a new job after the replay window: %+v balance=%d", second, body.Balance)
	}
}
