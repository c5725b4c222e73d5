package teocoin

import (
	"context"
	"time"
)

// Store is the persistence contract shared by the core services. One
// relational database backs all entities; WithTx scopes a function to a
// single database transaction, and the *ForUpdate accessors acquire row-level
// exclusive locks valid for the remainder of that transaction.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	// Balances. LockBalance creates the row lazily on first use and locks it
	// for update; GetBalance returns a committed snapshot without locking.
	LockBalance(ctx context.Context, userID UserID) (Balance, error)
	GetBalance(ctx context.Context, userID UserID) (Balance, error)
	SaveBalance(ctx context.Context, balance Balance) error

	// Ledger transactions (append-only). InsertTransaction assigns the id.
	InsertTransaction(ctx context.Context, transaction *LedgerTransaction) error
	GetTransaction(ctx context.Context, id string) (LedgerTransaction, error)
	ListTransactions(ctx context.Context, userID UserID, limit int) ([]LedgerTransaction, error)
	FindDeposit(ctx context.Context, hash TxHash) (LedgerTransaction, bool, error)
	FindHoldTerminal(ctx context.Context, holdID HoldID) (LedgerTransaction, bool, error)

	// Withdrawal requests. UpdateWithdrawalStatus is a compare-and-set on the
	// current status and reports ErrInvalidTransition when no row matched.
	InsertWithdrawal(ctx context.Context, request *WithdrawalRequest) error
	GetWithdrawal(ctx context.Context, id string) (WithdrawalRequest, error)
	SaveWithdrawal(ctx context.Context, request WithdrawalRequest) error
	UpdateWithdrawalStatus(ctx context.Context, id string, from, to WithdrawalStatus) error
	ListWithdrawalsByStatus(ctx context.Context, status WithdrawalStatus, limit int) ([]WithdrawalRequest, error)
	ListWithdrawalsSince(ctx context.Context, userID UserID, since time.Time) ([]WithdrawalRequest, error)
	CountActiveWithdrawals(ctx context.Context, userID UserID) (int, error)
	WithdrawalStatistics(ctx context.Context) (WithdrawalStats, error)

	// Discount snapshots. InsertSnapshot reports ErrConflict on an order id
	// collision; callers resolve by re-reading the winner.
	InsertSnapshot(ctx context.Context, snapshot *DiscountSnapshot) error
	GetSnapshotByOrderID(ctx context.Context, orderID OrderID) (DiscountSnapshot, bool, error)
	FindSyntheticSnapshot(ctx context.Context, studentID UserID, courseID string, localPrefix string) (DiscountSnapshot, bool, error)
	AttachExternalTxn(ctx context.Context, snapshotID string, externalTxnID string) error

	// Absorption decisions.
	InsertAbsorption(ctx context.Context, decision *AbsorptionDecision) error
	GetAbsorption(ctx context.Context, id string) (AbsorptionDecision, error)
	GetAbsorptionForUpdate(ctx context.Context, id string) (AbsorptionDecision, error)
	SaveAbsorption(ctx context.Context, decision AbsorptionDecision) error
	FindAbsorptionByOrder(ctx context.Context, orderID OrderID) (AbsorptionDecision, bool, error)
	ListAbsorptionsByTeacher(ctx context.Context, teacherID UserID, status AbsorptionStatus, limit int) ([]AbsorptionDecision, error)
	ListExpiredPendingAbsorptions(ctx context.Context, now time.Time, limit int) ([]AbsorptionDecision, error)
	AbsorptionStatistics(ctx context.Context, teacherID UserID, since time.Time) (AbsorptionStats, error)

	// Wallet address registry for deposit attribution.
	UserForAddress(ctx context.Context, address Address) (UserID, bool, error)
	RegisterAddress(ctx context.Context, userID UserID, address Address) error
}
