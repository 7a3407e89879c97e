// Package billing implements the wallet operations of the Billing Core:
// reserve, settle, release, credit and refund, each run inside a single
// transaction holding an exclusive lock on the wallet row so concurrent
// operations on the same wallet serialize while distinct wallets proceed
// in parallel. This mirrors the teacher's PaymentStore/service split —
// this package owns the money rules, ledger.Store owns the SQL —
// generalized from a single processor ledger to a two-column
// reserved/balance wallet.
package billing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"jobcore/internal/ledger"
)

// OveragePolicy controls whether settle may charge more than was
// reserved. The spec leaves this an open question and fixes the default
// to reject (§9 Design Notes, (c)).
type OveragePolicy struct {
	// AllowedOverageCents is added to the reserved amount to compute the
	// ceiling settle() will accept. Zero (the default) means no overage.
	AllowedOverageCents int64
}

type Core struct {
	store  *ledger.Store
	policy OveragePolicy
	logger *slog.Logger
}

func NewCore(store *ledger.Store, policy OveragePolicy, logger *slog.Logger) *Core {
	if logger == nil {
		logger = slog.Default()
	}
	return &Core{store: store, policy: policy, logger: logger}
}

// Reserve increments reserved_cents by amountCents if doing so keeps
// W1 (balance >= reserved >= 0). Fails with ledger.ErrInsufficientFunds
// otherwise.
func (c *Core) Reserve(ctx context.Context, customerID uuid.UUID, amountCents int64, description string) error {
	return c.store.WithTx(ctx, func(ctx context.Context, q ledger.Querier) error {
		return c.reserveTx(ctx, q, customerID, amountCents, description)
	})
}

// ReserveTx is the same operation run inside a transaction the caller
// already owns, used by Dispatch's Submit so reserve + job insert +
// enqueue share one unit of work's rollback semantics where possible.
func (c *Core) ReserveTx(ctx context.Context, q ledger.Querier, customerID uuid.UUID, amountCents int64, description string) error {
	return c.reserveTx(ctx, q, customerID, amountCents, description)
}

func (c *Core) reserveTx(ctx context.Context, q ledger.Querier, customerID uuid.UUID, amountCents int64, description string) error {
	w, err := c.store.GetWalletForUpdate(ctx, q, customerID)
	if err != nil {
		return err
	}
	if w.BalanceCents-w.ReservedCents < amountCents {
		return ledger.ErrInsufficientFunds
	}
	if err := c.store.UpdateWalletBalances(ctx, q, w.ID, w.BalanceCents, w.ReservedCents+amountCents); err != nil {
		return err
	}
	return c.store.InsertWalletTransaction(ctx, q, &ledger.WalletTransaction{
		WalletID: w.ID, AmountCents: 0, Kind: ledger.TxReserve, Description: description,
	})
}

// Settle performs the Running -> Succeeded money move: releases the
// reservation and charges the final cost in one transaction. If
// finalCostCents < reservedCents, the gap is released implicitly (no
// separate Release row is required by the spec, but one is emitted here
// for auditability per §4.2). finalCostCents above reservedCents plus
// the configured overage ceiling fails Permanent (never retried).
func (c *Core) Settle(ctx context.Context, q ledger.Querier, customerID uuid.UUID, reservedCents, finalCostCents int64, jobID uuid.UUID) error {
	ceiling := reservedCents + c.policy.AllowedOverageCents
	if finalCostCents > ceiling {
		return &ledger.Permanent{Err: fmt.Errorf("final cost %d exceeds reserved %d plus allowed overage %d", finalCostCents, reservedCents, c.policy.AllowedOverageCents)}
	}

	w, err := c.store.GetWalletForUpdate(ctx, q, customerID)
	if err != nil {
		return err
	}

	newReserved := w.ReservedCents - reservedCents
	if newReserved < 0 {
		newReserved = 0
	}
	newBalance := w.BalanceCents - finalCostCents

	if err := c.store.UpdateWalletBalances(ctx, q, w.ID, newBalance, newReserved); err != nil {
		return err
	}

	jid := jobID
	if err := c.store.InsertWalletTransaction(ctx, q, &ledger.WalletTransaction{
		WalletID: w.ID, AmountCents: -finalCostCents, Kind: ledger.TxCharge, JobID: &jid,
		Description: "job settlement",
	}); err != nil {
		return err
	}

	if gap := reservedCents - finalCostCents; gap > 0 {
		if err := c.store.InsertWalletTransaction(ctx, q, &ledger.WalletTransaction{
			WalletID: w.ID, AmountCents: 0, Kind: ledger.TxRelease, JobID: &jid,
			Description: "unused reservation released on settle",
		}); err != nil {
			return err
		}
	}
	return nil
}

// Release reverses a reservation with no balance change: terminal
// failure, cancellation, or Submit unwinding a failed enqueue.
func (c *Core) Release(ctx context.Context, q ledger.Querier, customerID uuid.UUID, reservedCents int64, jobID *uuid.UUID) error {
	w, err := c.store.GetWalletForUpdate(ctx, q, customerID)
	if err != nil {
		return err
	}
	newReserved := w.ReservedCents - reservedCents
	if newReserved < 0 {
		newReserved = 0
	}
	if err := c.store.UpdateWalletBalances(ctx, q, w.ID, w.BalanceCents, newReserved); err != nil {
		return err
	}
	return c.store.InsertWalletTransaction(ctx, q, &ledger.WalletTransaction{
		WalletID: w.ID, AmountCents: 0, Kind: ledger.TxRelease, JobID: jobID, Description: "reservation released",
	})
}

// Credit tops up a wallet's balance, used by the admin CLI and any
// reseller top-up flow.
func (c *Core) Credit(ctx context.Context, customerID uuid.UUID, amountCents int64, description string) error {
	return c.store.WithTx(ctx, func(ctx context.Context, q ledger.Querier) error {
		w, err := c.store.GetWalletForUpdate(ctx, q, customerID)
		if err != nil {
			return err
		}
		if err := c.store.UpdateWalletBalances(ctx, q, w.ID, w.BalanceCents+amountCents, w.ReservedCents); err != nil {
			return err
		}
		return c.store.InsertWalletTransaction(ctx, q, &ledger.WalletTransaction{
			WalletID: w.ID, AmountCents: amountCents, Kind: ledger.TxCredit, Description: description,
		})
	})
}

// Refund credits a wallet in connection with a specific job, used for
// post-success reimbursement (e.g. an SLA breach discovered later).
func (c *Core) Refund(ctx context.Context, customerID uuid.UUID, amountCents int64, jobID uuid.UUID, description string) error {
	return c.store.WithTx(ctx, func(ctx context.Context, q ledger.Querier) error {
		w, err := c.store.GetWalletForUpdate(ctx, q, customerID)
		if err != nil {
			return err
		}
		if err := c.store.UpdateWalletBalances(ctx, q, w.ID, w.BalanceCents+amountCents, w.ReservedCents); err != nil {
			return err
		}
		jid := jobID
		return c.store.InsertWalletTransaction(ctx, q, &ledger.WalletTransaction{
			WalletID: w.ID, AmountCents: amountCents, Kind: ledger.TxRefund, JobID: &jid, Description: description,
		})
	})
}
