package billing

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"jobcore/internal/ledger"
)

// fakeQuerier is a hand-rolled in-memory stand-in for ledger.Querier,
// enough to exercise the Billing Core's reserve/settle/release logic
// without a real Postgres connection. It recognizes the three query
// shapes Billing issues (wallet select-for-update, wallet update,
// ledger-row insert) by substring, matching the lighter-weight fake
// idiom the ambient test stack calls for over a heavyweight mock
// framework.
type fakeQuerier struct {
	wallet       ledger.Wallet
	transactions []ledger.WalletTransaction
}

func newFakeQuerier(balance, reserved int64) *fakeQuerier {
	return &fakeQuerier{
		wallet: ledger.Wallet{
			ID:            uuid.New(),
			CustomerID:    uuid.New(),
			BalanceCents:  balance,
			ReservedCents: reserved,
		},
	}
}

func (f *fakeQuerier) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	switch {
	case strings.Contains(sql, "UPDATE wallets"):
		f.wallet.BalanceCents = args[1].(int64)
		f.wallet.ReservedCents = args[2].(int64)
	case strings.Contains(sql, "INSERT INTO wallet_transactions"):
		f.transactions = append(f.transactions, ledger.WalletTransaction{
			ID:          args[0].(uuid.UUID),
			WalletID:    args[1].(uuid.UUID),
			AmountCents: args[2].(int64),
			Kind:        args[3].(ledger.TransactionKind),
		})
	}
	return pgconn.CommandTag{}, nil
}

func (f *fakeQuerier) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errNotSupported
}

func (f *fakeQuerier) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return fakeRow{f: f}
}

type fakeRow struct{ f *fakeQuerier }

func (r fakeRow) Scan(dest ...any) error {
	*dest[0].(*uuid.UUID) = r.f.wallet.ID
	*dest[1].(*uuid.UUID) = r.f.wallet.CustomerID
	*dest[2].(*int64) = r.f.wallet.BalanceCents
	*dest[3].(*int64) = r.f.wallet.ReservedCents
	*dest[4].(*time.Time) = time.Now()
	*dest[5].(*time.Time) = time.Now()
	return nil
}

type notSupportedErr struct{}

func (notSupportedErr) Error() string { return "fakeQuerier: query not supported" }

var errNotSupported = notSupportedErr{}

func TestReserveTx_Succeeds_WhenAvailableCoversAmount(t *testing.T) {
	store := ledger.NewStore(nil)
	core := NewCore(store, OveragePolicy{}, nil)
	q := newFakeQuerier(1000, 0)

	if err := core.ReserveTx(context.Background(), q, q.wallet.CustomerID, 100, "submit"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if q.wallet.ReservedCents != 100 {
		t.Fatalf("reserved = %d, want 100", q.wallet.ReservedCents)
	}
	if q.wallet.BalanceCents != 1000 {
		t.Fatalf("balance changed on reserve: %d", q.wallet.BalanceCents)
	}
}

func TestReserveTx_FailsInsufficientFunds(t *testing.T) {
	store := ledger.NewStore(nil)
	core := NewCore(store, OveragePolicy{}, nil)
	q := newFakeQuerier(50, 0)

	err := core.ReserveTx(context.Background(), q, q.wallet.CustomerID, 100, "submit")
	if err != ledger.ErrInsufficientFunds {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	if q.wallet.ReservedCents != 0 {
		t.Fatalf("reserved mutated on failed reservation: %d", q.wallet.ReservedCents)
	}
}

func TestSettle_HappyPath_ChargesFinalCostAndClearsReservation(t *testing.T) {
	store := ledger.NewStore(nil)
	core := NewCore(store, OveragePolicy{}, nil)
	q := newFakeQuerier(1000, 100)

	jobID := uuid.New()
	if err := core.Settle(context.Background(), q, q.wallet.CustomerID, 100, 100, jobID); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if q.wallet.BalanceCents != 900 {
		t.Fatalf("balance = %d, want 900", q.wallet.BalanceCents)
	}
	if q.wallet.ReservedCents != 0 {
		t.Fatalf("reserved = %d, want 0", q.wallet.ReservedCents)
	}

	var charges int
	for _, tx := range q.transactions {
		if tx.Kind == ledger.TxCharge && tx.AmountCents == -100 {
			charges++
		}
	}
	if charges != 1 {
		t.Fatalf("expected exactly one -100 Charge row, got %d", charges)
	}
}

func TestSettle_RejectsOverageByDefault(t *testing.T) {
	store := ledger.NewStore(nil)
	core := NewCore(store, OveragePolicy{}, nil)
	q := newFakeQuerier(1000, 100)

	err := core.Settle(context.Background(), q, q.wallet.CustomerID, 100, 150, uuid.New())
	if err == nil {
		t.Fatal("expected error for final cost exceeding reserved + overage")
	}
	var perm *ledger.Permanent
	if !asPermanent(err, &perm) {
		t.Fatalf("err = %v, want *ledger.Permanent", err)
	}
}

func TestSettle_EmitsReleaseRow_WhenFinalCostUndercutsReservation(t *testing.T) {
	store := ledger.NewStore(nil)
	core := NewCore(store, OveragePolicy{}, nil)
	q := newFakeQuerier(1000, 100)

	if err := core.Settle(context.Background(), q, q.wallet.CustomerID, 100, 60, uuid.New()); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if q.wallet.BalanceCents != 940 {
		t.Fatalf("balance = %d, want 940", q.wallet.BalanceCents)
	}

	var releases int
	for _, tx := range q.transactions {
		if tx.Kind == ledger.TxRelease {
			releases++
		}
	}
	if releases != 1 {
		t.Fatalf("expected one Release row for unused reservation, got %d", releases)
	}
}

func TestRelease_ClearsReservationWithNoBalanceChange(t *testing.T) {
	store := ledger.NewStore(nil)
	core := NewCore(store, OveragePolicy{}, nil)
	q := newFakeQuerier(1000, 100)

	jobID := uuid.New()
	if err := core.Release(context.Background(), q, q.wallet.CustomerID, 100, &jobID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if q.wallet.ReservedCents != 0 {
		t.Fatalf("reserved = %d, want 0", q.wallet.ReservedCents)
	}
	if q.wallet.BalanceCents != 1000 {
		t.Fatalf("balance changed on release: %d", q.wallet.BalanceCents)
	}
}

func asPermanent(err error, target **ledger.Permanent) bool {
	p, ok := err.(*ledger.Permanent)
	if ok {
		*target = p
	}
	return ok
}
