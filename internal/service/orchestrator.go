package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/punchamoorthee/clipledger/internal/domain"
	"github.com/punchamoorthee/clipledger/internal/logging"
	"github.com/punchamoorthee/clipledger/internal/migrator"
	"github.com/punchamoorthee/clipledger/internal/pricing"
	"github.com/punchamoorthee/clipledger/internal/provider"
	"github.com/punchamoorthee/clipledger/internal/store"
)

const maxIdempotencyKeyLen = 255

// Repository is the ledger and job store the orchestrator mutates.
// Both store.Store and litestore.Store satisfy it.
type Repository interface {
	CreateAccount(ctx context.Context, tier domain.Tier, initialCredits int64) (*domain.Account, error)
	GetAccount(ctx context.Context, id int64) (*domain.Account, error)
	Grant(ctx context.Context, accountID, amount int64, reason string) (int64, error)
	GetEntries(ctx context.Context, accountID int64) ([]domain.LedgerEntry, error)

	CreateChargedJob(ctx context.Context, nj domain.NewJob) (*domain.Job, int64, error)
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	FindJobByKey(ctx context.Context, accountID int64, key string) (*domain.Job, int64, error)
	MarkProcessing(ctx context.Context, id, providerRef string) (bool, error)
	CompleteJob(ctx context.Context, id string, res domain.JobResult) (bool, error)
	FailJob(ctx context.Context, id, detail string) (bool, error)
}

// IdempotencyStore caches Submit responses. Save returns
// store.ErrIdempotencyExists when a live record is already present.
type IdempotencyStore interface {
	Check(ctx context.Context, key string, accountID int64) (*domain.IdempotencyRecord, error)
	Save(ctx context.Context, rec domain.IdempotencyRecord, ttl time.Duration) error
}

// ResultMigrator copies a provider result into durable storage.
type ResultMigrator interface {
	Migrate(ctx context.Context, source string, accountID int64, jobID string) migrator.Outcome
}

// ObjectRemover deletes a migrated object that ended up unused.
type ObjectRemover interface {
	Remove(ctx context.Context, locator string) error
}

// Options tunes the orchestrator.
type Options struct {
	ProviderTimeout time.Duration
	IdempotencyTTL  time.Duration
	// MaxProcessingAge fails a job whose provider reported success but whose
	// result stays unretrievable past this age. Zero leaves it processing.
	MaxProcessingAge time.Duration
	Now              func() time.Time
}

// Deps are the collaborators of the orchestrator.
type Deps struct {
	Repo        Repository
	Idempotency IdempotencyStore
	Provider    provider.Adapter
	Catalog     *pricing.Catalog
	Migrator    ResultMigrator
	Objects     ObjectRemover
}

// Orchestrator runs the Submit and Poll flows. It holds no per-job state;
// every call reads and writes through the stores.
type Orchestrator struct {
	repo     Repository
	idem     IdempotencyStore
	provider provider.Adapter
	catalog  *pricing.Catalog
	migrator ResultMigrator
	objects  ObjectRemover
	opts     Options
}

func NewOrchestrator(deps Deps, opts Options) *Orchestrator {
	if opts.ProviderTimeout <= 0 {
		opts.ProviderTimeout = 30 * time.Second
	}
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	catalog := deps.Catalog
	if catalog == nil {
		catalog = pricing.Default()
	}
	return &Orchestrator{
		repo:     deps.Repo,
		idem:     deps.Idempotency,
		provider: deps.Provider,
		catalog:  catalog,
		migrator: deps.Migrator,
		objects:  deps.Objects,
		opts:     opts,
	}
}

// Catalog exposes the pricing catalog in use.
func (o *Orchestrator) Catalog() *pricing.Catalog {
	return o.catalog
}

// SubmitRequest is one Submit call.
type SubmitRequest struct {
	AccountID      int64
	IdempotencyKey string
	Config         domain.JobConfig
}

// SubmitResult carries the response to send. Body is the exact bytes cached
// for replays.
type SubmitResult struct {
	JobID      string
	StatusCode int
	Body       []byte
	Replayed   bool
}

// RequestHash fingerprints a submission so a reused key with a different
// payload can be told apart from a retry.
func RequestHash(cfg domain.JobConfig) (string, error) {
	b, err := json.Marshal(cfg)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Submit charges the caller, creates the job and hands it to the provider.
// A provider failure refunds the charge before returning and is not cached,
// so the caller may retry with the same key.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (res *SubmitResult, err error) {
	defer func() {
		submissionsTotal.WithLabelValues(submitOutcome(res, err)).Inc()
	}()
	logger := logging.FromContext(ctx).WithField("account_id", req.AccountID)

	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		return nil, domain.Errorf(domain.KindValidation, "idempotency key is required")
	}
	if len(key) > maxIdempotencyKeyLen {
		return nil, domain.Errorf(domain.KindValidation, "idempotency key exceeds %d characters", maxIdempotencyKeyLen)
	}
	hash, err := RequestHash(req.Config)
	if err != nil {
		return nil, domain.Wrap(domain.KindInternal, "hash request", err)
	}

	rec, err := o.idem.Check(ctx, key, req.AccountID)
	if err != nil {
		return nil, domain.Wrap(domain.KindInternal, "idempotency lookup failed", err)
	}
	if rec != nil {
		return replay(rec, hash)
	}

	account, err := o.repo.GetAccount(ctx, req.AccountID)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return nil, domain.Errorf(domain.KindNotFound, "account %d not found", req.AccountID)
		}
		return nil, domain.Wrap(domain.KindInternal, "load account", err)
	}
	quote, err := o.catalog.Calculate(account.Tier, req.Config)
	if err != nil {
		return nil, err
	}

	// The response cache may have missed an earlier attempt; the job table
	// still knows about it.
	if res, err := o.recoverSubmission(ctx, req.AccountID, key, hash, quote); res != nil || err != nil {
		return res, err
	}

	job, balance, err := o.repo.CreateChargedJob(ctx, domain.NewJob{
		ID:             uuid.NewString(),
		AccountID:      req.AccountID,
		IdempotencyKey: key,
		Model:          quote.Model.ID,
		Provider:       o.provider.Name(),
		Config:         quote.Config,
		Credits:        quote.Credits,
	})
	switch {
	case err == nil:
	case errors.Is(err, store.ErrInsufficientFunds):
		return nil, domain.Errorf(domain.KindInsufficientCredits, "%d credits required, balance %d", quote.Credits, account.Balance)
	case errors.Is(err, store.ErrDuplicateActiveJob):
		// Lost the race against a concurrent submit with the same key.
		rec, cerr := o.idem.Check(ctx, key, req.AccountID)
		if cerr != nil {
			return nil, domain.Wrap(domain.KindInternal, "idempotency lookup failed", cerr)
		}
		if rec != nil {
			return replay(rec, hash)
		}
		return nil, domain.Errorf(domain.KindIdempotencyConflict, "request in progress")
	case errors.Is(err, store.ErrAccountNotFound):
		return nil, domain.Errorf(domain.KindNotFound, "account %d not found", req.AccountID)
	default:
		return nil, domain.Wrap(domain.KindInternal, "charge job", err)
	}
	creditsChargedTotal.Add(float64(quote.Credits))
	jobTransitionsTotal.WithLabelValues(string(domain.StatusPending)).Inc()
	logger = logger.WithField("job_id", job.ID)

	// Compensation and bookkeeping must finish even if the caller goes away.
	bg := context.WithoutCancel(ctx)

	ref, err := o.submitToProvider(ctx, quote)
	if err != nil {
		detail := fmt.Sprintf("provider submit failed: %v", err)
		if ferr := o.failJob(bg, job, detail); ferr != nil {
			return nil, domain.Wrap(domain.KindInternal, "refund after provider failure", ferr)
		}
		logger.WithError(err).WithField("transient", provider.IsTransient(err)).Warn("provider rejected submission, credits refunded")
		return nil, domain.Wrap(domain.KindProviderUnavailable, "video provider unavailable, credits refunded", err)
	}

	applied, err := o.repo.MarkProcessing(bg, job.ID, ref)
	if err == nil && !applied {
		err = fmt.Errorf("job %s left pending before the provider reference was recorded", job.ID)
	}
	if err != nil {
		// Without the reference Poll can never settle the job, so it is
		// failed and refunded here.
		logger.WithError(err).WithField("provider_ref", ref).Error("failed to record provider reference")
		if ferr := o.failJob(bg, job, fmt.Sprintf("provider reference %s not recorded: %v", ref, err)); ferr != nil {
			return nil, domain.Wrap(domain.KindInternal, "refund after recording failure", ferr)
		}
		return nil, domain.Wrap(domain.KindInternal, "record provider reference, credits refunded", err)
	}
	jobTransitionsTotal.WithLabelValues(string(domain.StatusProcessing)).Inc()

	body, err := acceptedBody(job.ID, quote.Credits, balance)
	if err != nil {
		return nil, domain.Wrap(domain.KindInternal, "encode response", err)
	}
	o.saveResponse(bg, logger, key, req.AccountID, job.ID, hash, body)

	logger.WithFields(log.Fields{
		"model":        quote.Model.ID,
		"credits":      quote.Credits,
		"provider_ref": ref,
	}).Info("job submitted")
	return &SubmitResult{JobID: job.ID, StatusCode: http.StatusAccepted, Body: body}, nil
}

// recoverSubmission answers a Submit whose key already owns a live job in the
// job table even though no idempotency record was found. It returns nil, nil
// when the key is free.
func (o *Orchestrator) recoverSubmission(ctx context.Context, accountID int64, key, hash string, quote pricing.Quote) (*SubmitResult, error) {
	prior, balance, err := o.repo.FindJobByKey(ctx, accountID, key)
	if errors.Is(err, store.ErrJobNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.Wrap(domain.KindInternal, "look up job by idempotency key", err)
	}
	if prior.Status.Terminal() && o.opts.Now().Sub(prior.CreatedAt) >= o.opts.IdempotencyTTL {
		// Past the replay window the key may start a new job.
		return nil, nil
	}

	priorHash, err := RequestHash(prior.Config)
	if err != nil {
		return nil, domain.Wrap(domain.KindInternal, "hash request", err)
	}
	quotedHash, err := RequestHash(quote.Config)
	if err != nil {
		return nil, domain.Wrap(domain.KindInternal, "hash request", err)
	}
	if priorHash != quotedHash {
		return nil, domain.Errorf(domain.KindIdempotencyMismatch, "idempotency key reused with a different payload")
	}
	if prior.ProviderRef == nil {
		return nil, domain.Errorf(domain.KindIdempotencyConflict, "request in progress")
	}

	body, err := acceptedBody(prior.ID, prior.CreditsCharged, balance)
	if err != nil {
		return nil, domain.Wrap(domain.KindInternal, "encode response", err)
	}
	logger := logging.FromContext(ctx).WithFields(log.Fields{"account_id": accountID, "job_id": prior.ID})
	logger.Warn("idempotency record missing, rebuilt response from job")
	if rec := o.saveResponse(context.WithoutCancel(ctx), logger, key, accountID, prior.ID, hash, body); rec != nil {
		return replay(rec, hash)
	}
	return &SubmitResult{JobID: prior.ID, StatusCode: http.StatusAccepted, Body: body, Replayed: true}, nil
}

// acceptedBody renders the response of an accepted submission. Rebuilding it
// from the same values yields the same bytes.
func acceptedBody(jobID string, credits, balance int64) ([]byte, error) {
	return json.Marshal(domain.SubmitResponse{
		JobID:          jobID,
		Status:         domain.StatusProcessing,
		CreditsCharged: credits,
		Balance:        balance,
	})
}

// saveResponse stores the accepted response. A failure is logged only: the
// job row still answers later retries through recoverSubmission. When another
// record won the write, that record is returned.
func (o *Orchestrator) saveResponse(ctx context.Context, logger *log.Entry, key string, accountID int64, jobID, hash string, body []byte) *domain.IdempotencyRecord {
	err := o.idem.Save(ctx, domain.IdempotencyRecord{
		Key:            key,
		AccountID:      accountID,
		JobID:          jobID,
		RequestHash:    hash,
		ResponseBody:   body,
		ResponseStatus: http.StatusAccepted,
	}, o.opts.IdempotencyTTL)
	if err == nil {
		return nil
	}
	entry := logger.WithError(err).WithField("idempotency_key", key)
	if !errors.Is(err, store.ErrIdempotencyExists) {
		entry.Error("failed to store idempotency record")
		return nil
	}
	entry.Warn("idempotency record already present, keeping the first")
	rec, cerr := o.idem.Check(ctx, key, accountID)
	if cerr != nil {
		return nil
	}
	return rec
}

func (o *Orchestrator) submitToProvider(ctx context.Context, quote pricing.Quote) (string, error) {
	pctx, cancel := context.WithTimeout(ctx, o.opts.ProviderTimeout)
	defer cancel()
	timer := prometheus.NewTimer(providerLatency.WithLabelValues("submit"))
	defer timer.ObserveDuration()

	providerModel := quote.Model.ProviderModel
	if providerModel == "" {
		providerModel = quote.Model.ID
	}
	return o.provider.Submit(pctx, provider.Request{
		Model:             providerModel,
		Prompt:            quote.Config.Prompt,
		ReferenceImageURL: quote.Config.ReferenceImageURL,
		DurationSeconds:   quote.Config.DurationSeconds,
		Resolution:        quote.Config.Resolution,
		AspectRatio:       quote.Config.AspectRatio,
		GenerateAudio:     quote.Config.GenerateAudio,
	})
}

func replay(rec *domain.IdempotencyRecord, hash string) (*SubmitResult, error) {
	if rec.RequestHash != hash {
		return nil, domain.Errorf(domain.KindIdempotencyMismatch, "idempotency key reused with a different payload")
	}
	return &SubmitResult{
		JobID:      rec.JobID,
		StatusCode: rec.ResponseStatus,
		Body:       rec.ResponseBody,
		Replayed:   true,
	}, nil
}

func submitOutcome(res *SubmitResult, err error) string {
	if err == nil {
		if res != nil && res.Replayed {
			return "replayed"
		}
		return "accepted"
	}
	return string(domain.KindOf(err))
}

// Poll returns the job snapshot, first advancing the job from the provider's
// status when it is still in flight. Provider trouble never changes the job;
// the last persisted state is returned instead.
func (o *Orchestrator) Poll(ctx context.Context, accountID int64, jobID string) (*domain.JobSnapshot, error) {
	job, err := o.repo.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			return nil, domain.Errorf(domain.KindNotFound, "job %s not found", jobID)
		}
		return nil, domain.Wrap(domain.KindInternal, "load job", err)
	}
	if job.AccountID != accountID {
		return nil, domain.Errorf(domain.KindNotFound, "job %s not found", jobID)
	}
	if job.Status.Terminal() || job.ProviderRef == nil {
		snap := job.Snapshot()
		return &snap, nil
	}

	logger := logging.FromContext(ctx).WithFields(log.Fields{
		"job_id":       job.ID,
		"provider_ref": *job.ProviderRef,
	})
	status, err := o.checkStatus(ctx, *job.ProviderRef)
	if err != nil {
		pollProviderErrors.WithLabelValues("status").Inc()
		entry := logger.WithError(err)
		if provider.IsTransient(err) {
			entry.Warn("provider status check failed, returning last known state")
		} else {
			entry.Error("provider rejected status check, returning last known state")
		}
		snap := job.Snapshot()
		return &snap, nil
	}

	bg := context.WithoutCancel(ctx)
	switch status.State {
	case provider.StateSucceeded:
		o.completeJob(ctx, logger, job, status)
	case provider.StateFailed:
		detail := status.Error
		if detail == "" {
			detail = "provider reported failure"
		}
		if err := o.failJob(bg, job, detail); err != nil {
			logger.WithError(err).Error("failed to record provider failure")
		}
	case provider.StateQueued, provider.StateRunning:
		if domain.CanTransition(job.Status, domain.StatusProcessing) {
			applied, err := o.repo.MarkProcessing(bg, job.ID, *job.ProviderRef)
			if err != nil {
				logger.WithError(err).Warn("failed to advance job to processing")
			} else if applied {
				jobTransitionsTotal.WithLabelValues(string(domain.StatusProcessing)).Inc()
			}
		}
	default:
		logger.WithField("state", status.State).Warn("unexpected provider state")
	}

	return o.reload(ctx, job), nil
}

func (o *Orchestrator) checkStatus(ctx context.Context, ref string) (*provider.Status, error) {
	pctx, cancel := context.WithTimeout(ctx, o.opts.ProviderTimeout)
	defer cancel()
	timer := prometheus.NewTimer(providerLatency.WithLabelValues("status"))
	defer timer.ObserveDuration()
	return o.provider.CheckStatus(pctx, ref)
}

func (o *Orchestrator) fetchResult(ctx context.Context, ref string, status *provider.Status) (string, error) {
	pctx, cancel := context.WithTimeout(ctx, o.opts.ProviderTimeout)
	defer cancel()
	timer := prometheus.NewTimer(providerLatency.WithLabelValues("result"))
	defer timer.ObserveDuration()
	return o.provider.FetchResult(pctx, ref, status)
}

func (o *Orchestrator) completeJob(ctx context.Context, logger *log.Entry, job *domain.Job, status *provider.Status) {
	if !domain.CanTransition(job.Status, domain.StatusCompleted) {
		logger.WithField("status", job.Status).Warn("provider reported success for a job that cannot complete")
		return
	}
	bg := context.WithoutCancel(ctx)

	locator, err := o.fetchResult(ctx, *job.ProviderRef, status)
	if err != nil {
		if !errors.Is(err, provider.ErrResultNotReady) {
			pollProviderErrors.WithLabelValues("result").Inc()
		}
		logger.WithError(err).Warn("provider reported success without a retrievable result")

		if age := o.opts.Now().Sub(job.CreatedAt); o.opts.MaxProcessingAge > 0 && age > o.opts.MaxProcessingAge {
			detail := fmt.Sprintf("no result retrievable within %s of submission", o.opts.MaxProcessingAge)
			if ferr := o.failJob(bg, job, detail); ferr != nil {
				logger.WithError(ferr).Error("failed to expire stuck job")
			}
		}
		return
	}

	result := domain.JobResult{ResultURL: locator, OriginalResultURL: locator}
	if o.migrator != nil {
		out := o.migrator.Migrate(ctx, locator, job.AccountID, job.ID)
		if out.Migrated {
			migrationsTotal.WithLabelValues("migrated").Inc()
			result.ResultURL = out.Locator
			result.Migrated = true
		} else {
			migrationsTotal.WithLabelValues("kept_original").Inc()
			logger.WithField("reason", out.Reason).Warn("result migration skipped, keeping provider url")
		}
	}

	applied, err := o.repo.CompleteJob(bg, job.ID, result)
	if err != nil {
		logger.WithError(err).Error("failed to complete job")
		o.discard(bg, logger, result)
		return
	}
	if !applied {
		logger.Info("job already advanced by a concurrent poll")
		o.discard(bg, logger, result)
		return
	}
	jobTransitionsTotal.WithLabelValues(string(domain.StatusCompleted)).Inc()
	logger.WithField("result_url", result.ResultURL).Info("job completed")
}

// discard removes a migrated object that no job row references.
func (o *Orchestrator) discard(ctx context.Context, logger *log.Entry, result domain.JobResult) {
	if !result.Migrated || o.objects == nil {
		return
	}
	if err := o.objects.Remove(ctx, result.ResultURL); err != nil {
		logger.WithError(err).WithField("locator", result.ResultURL).Warn("failed to remove orphaned object")
	}
}

// failJob moves job to failed. The store refunds in the same transaction and
// only when this call applied the transition.
func (o *Orchestrator) failJob(ctx context.Context, job *domain.Job, detail string) error {
	applied, err := o.repo.FailJob(ctx, job.ID, detail)
	if err != nil {
		return err
	}
	if applied {
		jobTransitionsTotal.WithLabelValues(string(domain.StatusFailed)).Inc()
		creditsRefundedTotal.Add(float64(job.CreditsCharged))
		logging.FromContext(ctx).WithFields(log.Fields{
			"job_id":     job.ID,
			"account_id": job.AccountID,
			"credits":    job.CreditsCharged,
			"detail":     detail,
		}).Info("job failed, credits refunded")
	}
	return nil
}

func (o *Orchestrator) reload(ctx context.Context, job *domain.Job) *domain.JobSnapshot {
	fresh, err := o.repo.GetJob(ctx, job.ID)
	if err != nil {
		logging.FromContext(ctx).WithError(err).WithField("job_id", job.ID).Warn("failed to reload job")
		fresh = job
	}
	snap := fresh.Snapshot()
	return &snap
}
