// Package ledger owns the durable, transactional record of customers,
// wallets, wallet transactions, job types, jobs and runners. It is the
// only source of truth for money and job state; the queue broker and
// the in-memory dispatch/retry logic are fast paths layered on top of it.
package ledger

import (
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	JobPending      JobStatus = "pending"
	JobRunning      JobStatus = "running"
	JobSucceeded    JobStatus = "succeeded"
	JobFailed       JobStatus = "failed"
	JobCancelled    JobStatus = "cancelled"
	JobPendingRetry JobStatus = "pending_retry"
)

func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobCancelled
}

type Priority int

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityMedium   Priority = 2
	PriorityLow      Priority = 3
)

// Bands lists every priority band from highest to lowest priority.
var Bands = []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

type ProcessorType string

const (
	ProcessorSync  ProcessorType = "sync"
	ProcessorAsync ProcessorType = "async"
	ProcessorBatch ProcessorType = "batch"
)

type TransactionKind string

const (
	TxCharge  TransactionKind = "charge"
	TxRefund  TransactionKind = "refund"
	TxCredit  TransactionKind = "credit"
	TxReserve TransactionKind = "reserve"
	TxRelease TransactionKind = "release"
)

type RunnerStatus string

const (
	RunnerActive   RunnerStatus = "active"
	RunnerIdle     RunnerStatus = "idle"
	RunnerOffline  RunnerStatus = "offline"
	RunnerDraining RunnerStatus = "draining"
)

type Customer struct {
	ID         uuid.UUID
	Name       string
	Email      string
	ResellerID *uuid.UUID
	CreatedAt  time.Time
}

type Wallet struct {
	ID            uuid.UUID
	CustomerID    uuid.UUID
	BalanceCents  int64
	ReservedCents int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Available returns balance minus reserved; must never be negative (W1).
func (w Wallet) Available() int64 { return w.BalanceCents - w.ReservedCents }

type WalletTransaction struct {
	ID          uuid.UUID
	WalletID    uuid.UUID
	AmountCents int64 // signed; debit negative, credit positive
	Kind        TransactionKind
	JobID       *uuid.UUID
	Description string
	CreatedAt   time.Time
}

type RetryPolicy struct {
	MaxAttempts            int
	InitialIntervalSeconds int
	BackoffMultiplier      float64
	MaxIntervalSeconds     int
}

type JobType struct {
	ID                uuid.UUID
	Name              string
	ProcessingLogicID string
	ProcessorType     ProcessorType
	StandardCostCents int64
	Enabled           bool
	RetryPolicy       *RetryPolicy
}

type Job struct {
	ID                 uuid.UUID
	CustomerID         uuid.UUID
	JobTypeID          uuid.UUID
	ProjectID          *uuid.UUID
	Status             JobStatus
	Priority           Priority
	Input              []byte
	Output             []byte
	LastError          string
	AttemptCount       int
	NextAttemptAt      *time.Time
	EstimatedCostCents int64
	FinalCostCents     *int64
	RunnerID           *uuid.UUID
	CreatedAt          time.Time
	StartedAt          *time.Time
	CompletedAt        *time.Time
}

type Runner struct {
	ID                 uuid.UUID
	Name               string
	Status             RunnerStatus
	CompatibleJobTypes []string // processing_logic_id set; empty = accept all
	LastHeartbeat      time.Time
}

func (r Runner) Accepts(processingLogicID string) bool {
	if len(r.CompatibleJobTypes) == 0 {
		return true
	}
	for _, id := range r.CompatibleJobTypes {
		if id == processingLogicID {
			return true
		}
	}
	return false
}
