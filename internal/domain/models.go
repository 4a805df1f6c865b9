package domain

import (
	"encoding/json"
	"time"
)

// Tier is the account plan used by pricing rules.
type Tier string

const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	return t == TierFree || t == TierPro
}

// Ledger reason codes.
const (
	ReasonGrant     = "grant"
	ReasonJobCharge = "job_charge"
	ReasonJobRefund = "job_refund"
)

// Account represents a caller's credit balance.
// Balance is only ever changed through ledger operations.
type Account struct {
	ID        int64     `json:"id"`
	Balance   int64     `json:"balance"`
	Tier      Tier      `json:"tier"`
	CreatedAt time.Time `json:"created_at"`
}

// LedgerEntry is an immutable record of a balance change.
// For every account the sum of Amounts equals the current balance.
type LedgerEntry struct {
	ID           int64     `json:"id"`
	AccountID    int64     `json:"account_id"`
	JobID        *string   `json:"job_id,omitempty"`
	Amount       int64     `json:"amount"`
	Reason       string    `json:"reason"`
	BalanceAfter int64     `json:"balance_after"`
	CreatedAt    time.Time `json:"created_at"`
}

// JobConfig is the generation payload supplied by the caller.
type JobConfig struct {
	Model             string `json:"model"`
	Prompt            string `json:"prompt"`
	ReferenceImageURL string `json:"reference_image_url,omitempty"`
	DurationSeconds   int    `json:"duration_seconds,omitempty"`
	Resolution        string `json:"resolution,omitempty"`
	AspectRatio       string `json:"aspect_ratio,omitempty"`
	GenerateAudio     bool   `json:"generate_audio,omitempty"`
}

// Job is one video generation request and its lifecycle.
type Job struct {
	ID                string     `json:"id"`
	AccountID         int64      `json:"account_id"`
	IdempotencyKey    string     `json:"-"`
	Model             string     `json:"model"`
	Provider          string     `json:"provider"`
	Config            JobConfig  `json:"config"`
	Status            JobStatus  `json:"status"`
	ProviderRef       *string    `json:"provider_ref,omitempty"`
	ResultURL         *string    `json:"result_url,omitempty"`
	OriginalResultURL *string    `json:"original_result_url,omitempty"`
	ResultMigrated    bool       `json:"result_migrated"`
	CreditsCharged    int64      `json:"credits_charged"`
	ErrorDetail       *string    `json:"error_detail,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

// NewJob is the input for the atomic debit + job creation.
type NewJob struct {
	ID             string
	AccountID      int64
	IdempotencyKey string
	Model          string
	Provider       string
	Config         JobConfig
	Credits        int64
}

// JobResult is what a completed job carries.
type JobResult struct {
	ResultURL         string
	OriginalResultURL string
	Migrated          bool
}

// IdempotencyRecord caches the response of a successful Submit.
// Records are write-once.
type IdempotencyRecord struct {
	Key            string          `json:"key"`
	AccountID      int64           `json:"account_id"`
	JobID          string          `json:"job_id"`
	RequestHash    string          `json:"request_hash"`
	ResponseBody   json.RawMessage `json:"response_body"`
	ResponseStatus int             `json:"response_status"`
	CreatedAt      time.Time       `json:"created_at"`
	ExpiresAt      time.Time       `json:"expires_at"`
}

// Live reports whether the record has not yet expired at now.
func (r *IdempotencyRecord) Live(now time.Time) bool {
	return r != nil && now.Before(r.ExpiresAt)
}

// SubmitResponse is the canonical body returned for an accepted submission.
type SubmitResponse struct {
	JobID          string    `json:"job_id"`
	Status         JobStatus `json:"status"`
	CreditsCharged int64     `json:"credits_charged"`
	Balance        int64     `json:"balance"`
}

// JobSnapshot is the body returned by Poll.
type JobSnapshot struct {
	JobID       string    `json:"job_id"`
	Status      JobStatus `json:"status"`
	ResultURL   *string   `json:"result_url"`
	ErrorDetail *string   `json:"error_detail"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Snapshot projects a job onto the Poll response.
func (j *Job) Snapshot() JobSnapshot {
	return JobSnapshot{
		JobID:       j.ID,
		Status:      j.Status,
		ResultURL:   j.ResultURL,
		ErrorDetail: j.ErrorDetail,
		UpdatedAt:   j.UpdatedAt,
	}
}
