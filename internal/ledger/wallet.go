package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GetWalletForUpdate locks the wallet row exclusively for the lifetime of
// the enclosing transaction. Every Billing operation reads the wallet
// this way so concurrent reserve/settle/release calls on the same wallet
// serialize, while distinct wallets proceed in parallel.
func (s *Store) GetWalletForUpdate(ctx context.Context, q Querier, customerID uuid.UUID) (*Wallet, error) {
	const query = `
		SELECT id, customer_id, balance_cents, reserved_cents, created_at, updated_at
		FROM wallets WHERE customer_id = $1 FOR UPDATE`

	var w Wallet
	err := q.QueryRow(ctx, query, customerID).Scan(
		&w.ID, &w.CustomerID, &w.BalanceCents, &w.ReservedCents, &w.CreatedAt, &w.UpdatedAt)
	if isNoRows(err) {
		return nil, ErrUnknownCustomer
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet for update: %w", err)
	}
	return &w, nil
}

// GetWallet reads the wallet without locking, for read-only callers
// (e.g. a balance-inspection admin command).
func (s *Store) GetWallet(ctx context.Context, customerID uuid.UUID) (*Wallet, error) {
	const query = `
		SELECT id, customer_id, balance_cents, reserved_cents, created_at, updated_at
		FROM wallets WHERE customer_id = $1`

	var w Wallet
	err := s.pool.QueryRow(ctx, query, customerID).Scan(
		&w.ID, &w.CustomerID, &w.BalanceCents, &w.ReservedCents, &w.CreatedAt, &w.UpdatedAt)
	if isNoRows(err) {
		return nil, ErrUnknownCustomer
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	return &w, nil
}

// UpdateWalletBalances persists the new balance/reserved pair computed by
// the billing layer. It never computes deltas itself — the caller holds
// the row lock and has already validated W1.
func (s *Store) UpdateWalletBalances(ctx context.Context, q Querier, walletID uuid.UUID, balanceCents, reservedCents int64) error {
	const query = `
		UPDATE wallets SET balance_cents = $2, reserved_cents = $3, updated_at = now()
		WHERE id = $1`

	_, err := q.Exec(ctx, query, walletID, balanceCents, reservedCents)
	if err != nil {
		return fmt.Errorf("update wallet balances: %w", err)
	}
	return nil
}

// InsertWalletTransaction appends one row to the immutable ledger. Rows
// are never mutated or deleted.
func (s *Store) InsertWalletTransaction(ctx context.Context, q Querier, txn *WalletTransaction) error {
	if txn.ID == uuid.Nil {
		txn.ID = uuid.New()
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now().UTC()
	}

	const query = `
		INSERT INTO wallet_transactions (id, wallet_id, amount_cents, kind, job_id, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := q.Exec(ctx, query, txn.ID, txn.WalletID, txn.AmountCents, txn.Kind, txn.JobID, txn.Description, txn.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert wallet transaction: %w", err)
	}
	return nil
}

// ListWalletTransactions returns the most recent transactions for a
// customer's wallet, newest first, for audit/P3 verification. Supports
// keyset pagination via `before`.
func (s *Store) ListWalletTransactions(ctx context.Context, customerID uuid.UUID, limit int, before *time.Time) ([]WalletTransaction, error) {
	const query = `
		SELECT wt.id, wt.wallet_id, wt.amount_cents, wt.kind, wt.job_id, wt.description, wt.created_at
		FROM wallet_transactions wt
		JOIN wallets w ON w.id = wt.wallet_id
		WHERE w.customer_id = $1
		  AND ($2::timestamptz IS NULL OR wt.created_at < $2::timestamptz)
		ORDER BY wt.created_at DESC
		LIMIT $3`

	rows, err := s.pool.Query(ctx, query, customerID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list wallet transactions: %w", err)
	}
	defer rows.Close()

	var out []WalletTransaction
	for rows.Next() {
		var t WalletTransaction
		if err := rows.Scan(&t.ID, &t.WalletID, &t.AmountCents, &t.Kind, &t.JobID, &t.Description, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan wallet transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CreateCustomerWithWallet creates a Customer and its Wallet together,
// matching the invariant that a wallet is created once with its customer
// and never destroyed.
func (s *Store) CreateCustomerWithWallet(ctx context.Context, name, email string, resellerID *uuid.UUID, initialBalanceCents int64) (*Customer, *Wallet, error) {
	c := &Customer{ID: uuid.New(), Name: name, Email: email, ResellerID: resellerID, CreatedAt: time.Now().UTC()}
	w := &Wallet{ID: uuid.New(), CustomerID: c.ID, BalanceCents: initialBalanceCents, ReservedCents: 0}

	err := s.WithTx(ctx, func(ctx context.Context, q Querier) error {
		_, err := q.Exec(ctx, `INSERT INTO customers (id, name, email, reseller_id, created_at) VALUES ($1,$2,$3,$4,$5)`,
			c.ID, c.Name, c.Email, c.ResellerID, c.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert customer: %w", err)
		}
		_, err = q.Exec(ctx, `INSERT INTO wallets (id, customer_id, balance_cents, reserved_cents, created_at, updated_at)
			VALUES ($1,$2,$3,0,now(),now())`, w.ID, w.CustomerID, w.BalanceCents)
		if err != nil {
			return fmt.Errorf("insert wallet: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return c, w, nil
}

// SumReservedCents returns the aggregate reserved_cents across every
// wallet, for the reconciler's periodic gauge sweep (W2 observability).
func (s *Store) SumReservedCents(ctx context.Context) (int64, error) {
	const query = `SELECT COALESCE(SUM(reserved_cents), 0) FROM wallets`
	var total int64
	if err := s.pool.QueryRow(ctx, query).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum reserved cents: %w", err)
	}
	return total, nil
}

func (s *Store) GetCustomer(ctx context.Context, id uuid.UUID) (*Customer, error) {
	const query = `SELECT id, name, email, reseller_id, created_at FROM customers WHERE id = $1`
	var c Customer
	err := s.pool.QueryRow(ctx, query, id).Scan(&c.ID, &c.Name, &c.Email, &c.ResellerID, &c.CreatedAt)
	if isNoRows(err) {
		return nil, ErrUnknownCustomer
	}
	if err != nil {
		return nil, fmt.Errorf("get customer: %w", err)
	}
	return &c, nil
}
