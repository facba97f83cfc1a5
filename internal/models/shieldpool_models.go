// Shielded pool database models
package models

import (
	"time"
)

// ============ deposit lifecycle ============

// ScreeningStatus tracks a deposit through the compliance pipeline
type ScreeningStatus string

const (
	ScreeningStatusPending  ScreeningStatus = "pending"  // screening not decided yet (provider error, awaiting retry)
	ScreeningStatusApproved ScreeningStatus = "approved" // commitment admitted to the compliance accumulator
	ScreeningStatusBlocked  ScreeningStatus = "blocked"  // origin flagged, nullifier blocklisted
)

// Deposit is one accepted commitment in the pool accumulator
type Deposit struct {
	ID         string `json:"id" gorm:"primaryKey"` // UUID
	Commitment string `json:"commitment" gorm:"uniqueIndex;not null"`
	LeafIndex  uint64 `json:"leaf_index" gorm:"not null"`
	Value      string `json:"value" gorm:"not null"` // uint256 as decimal string
	Depositor  string `json:"depositor" gorm:"index;not null"`
	PoolRoot   string `json:"pool_root" gorm:"not null"` // root right after insertion

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ComplianceRecord is the screening verdict for one deposit. One record per
// commitment; pending records are revisited by the coordinator.
type ComplianceRecord struct {
	ID         string          `json:"id" gorm:"primaryKey"` // UUID
	Commitment string          `json:"commitment" gorm:"uniqueIndex;not null"`
	Status     ScreeningStatus `json:"status" gorm:"index;not null"`
	RiskScore  float64         `json:"risk_score"`
	Flags      string          `json:"flags" gorm:"type:text"` // provider flags, JSON array
	Provider   string          `json:"provider"`
	ScreenedAt *time.Time      `json:"screened_at"`
	// LeafIndex is the commitment's position in the compliance accumulator,
	// set on approval. Replay rebuilds the accumulator in this order;
	// screening timestamps are not fine-grained enough to be a stable sort
	// key. Blocked and pending records have no leaf.
	LeafIndex *uint64 `json:"leaf_index" gorm:"index"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ============ withdrawal lifecycle ============

// WithdrawStatus is the scheduler state machine. confirmed, failed and
// rejected are terminal.
type WithdrawStatus string

const (
	WithdrawStatusQueued     WithdrawStatus = "queued"     // accepted, waiting out its delay
	WithdrawStatusProcessing WithdrawStatus = "processing" // picked up by a worker
	WithdrawStatusSubmitted  WithdrawStatus = "submitted"  // handed to the pool, awaiting settlement confirmation
	WithdrawStatusConfirmed  WithdrawStatus = "confirmed"  // settled
	WithdrawStatusFailed     WithdrawStatus = "failed"     // retries exhausted
	WithdrawStatusRejected   WithdrawStatus = "rejected"   // pool refused permanently (spent nullifier, bad proof)
)

// WithdrawRequest is a scheduled withdrawal
type WithdrawRequest struct {
	ID             string `json:"id" gorm:"primaryKey"` // UUID
	NullifierHash  string `json:"nullifier_hash" gorm:"uniqueIndex;not null"`
	Proof          string `json:"proof" gorm:"type:text;not null"` // hex-encoded proof blob
	PoolRoot       string `json:"pool_root" gorm:"not null"`
	ComplianceRoot string `json:"compliance_root" gorm:"not null"`
	Recipient      string `json:"recipient" gorm:"index;not null"`
	FeeRecipient   string `json:"fee_recipient" gorm:"not null"`
	Fee            string `json:"fee" gorm:"not null"`
	Refund         string `json:"refund" gorm:"not null"`

	Status      WithdrawStatus `json:"status" gorm:"index;not null"`
	ScheduledAt time.Time      `json:"scheduled_at" gorm:"index"` // earliest execution time (delay already applied)
	RetryCount  int            `json:"retry_count" gorm:"default:0"`
	ErrorMsg    string         `json:"error_message" gorm:"type:text"`
	SubmittedAt *time.Time     `json:"submitted_at"`
	ConfirmedAt *time.Time     `json:"confirmed_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsTerminal reports whether the request can never change state again
func (s WithdrawStatus) IsTerminal() bool {
	return s == WithdrawStatusConfirmed || s == WithdrawStatusFailed || s == WithdrawStatusRejected
}

// ============ accumulator roots ============

// RootKind separates the two accumulators in the published-root log
type RootKind string

const (
	RootKindPool       RootKind = "pool"
	RootKindCompliance RootKind = "compliance"
)

// PublishedRoot is an append-only log of accumulator roots. Sequence is
// monotonic per kind; replaying pool deposits in leaf order must reproduce
// the latest pool entry.
type PublishedRoot struct {
	ID       uint64   `json:"id" gorm:"primaryKey;autoIncrement"`
	Kind     RootKind `json:"kind" gorm:"index:idx_kind_seq;not null"`
	Sequence uint64   `json:"sequence" gorm:"index:idx_kind_seq;not null"`
	Root     string   `json:"root" gorm:"index;not null"`

	PublishedAt time.Time `json:"published_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// ============ sponsorship ============

// SponsorshipGrantRecord persists issued sponsorship grants
type SponsorshipGrantRecord struct {
	ID             string    `json:"id" gorm:"primaryKey"` // UUID
	NullifierHash  string    `json:"nullifier_hash" gorm:"uniqueIndex;not null"`
	PoolRoot       string    `json:"pool_root" gorm:"not null"`
	ComplianceRoot string    `json:"compliance_root" gorm:"not null"`
	GrantedAt      time.Time `json:"granted_at"`
	CreatedAt      time.Time `json:"created_at"`
}
