package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/PyZenMatt/lms-backend-sub001/pkg/teocoin"
)

const (
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	postgresDialectName   = "postgres"

	errorOperationStore    = "store"
	errorSubjectAbsorption = "absorption"
	errorSubjectBalance    = "balance"
	errorSubjectSnapshot   = "snapshot"
	errorSubjectTx         = "transaction"
	errorSubjectWallet     = "wallet_address"
	errorSubjectWithdrawal = "withdrawal"
	errorCodeAttach        = "attach"
	errorCodeCount         = "count"
	errorCodeCreate        = "create"
	errorCodeDuplicate     = "duplicate"
	errorCodeGet           = "get"
	errorCodeInsert        = "insert"
	errorCodeInvalid       = "invalid"
	errorCodeList          = "list"
	errorCodeLookup        = "lookup"
	errorCodeSave          = "save"
	errorCodeStats         = "stats"
	errorCodeUpdateStatus  = "update_status"
)

// Store implements teocoin.Store using GORM. It works against postgres and
// sqlite; row locking degrades to plain reads on sqlite, whose writer lock
// already serializes transactions.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the schema.
func (store *Store) Migrate() error {
	return store.db.AutoMigrate(AllModels()...)
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore teocoin.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) locked(db *gorm.DB) *gorm.DB {
	if store.db.Dialector.Name() == postgresDialectName {
		return db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return db
}

func (store *Store) LockBalance(ctx context.Context, userID teocoin.UserID) (teocoin.Balance, error) {
	var row BalanceRow
	err := store.locked(store.db.WithContext(ctx)).
		Where("user_id = ?", userID.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		row = BalanceRow{
			UserID:            userID.String(),
			Available:         decimal.Zero,
			Staked:            decimal.Zero,
			PendingWithdrawal: decimal.Zero,
			UpdatedAt:         time.Now().UTC(),
		}
		createErr := store.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&row).Error
		if createErr != nil && !isUniqueViolation(createErr) {
			return teocoin.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeCreate, createErr)
		}
		err = store.locked(store.db.WithContext(ctx)).
			Where("user_id = ?", userID.String()).
			Take(&row).Error
	}
	if err != nil {
		return teocoin.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return mapBalance(row)
}

func (store *Store) GetBalance(ctx context.Context, userID teocoin.UserID) (teocoin.Balance, error) {
	var row BalanceRow
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return teocoin.Balance{
			UserID:            userID,
			Available:         decimal.Zero,
			Staked:            decimal.Zero,
			PendingWithdrawal: decimal.Zero,
		}, nil
	}
	if err != nil {
		return teocoin.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return mapBalance(row)
}

func (store *Store) SaveBalance(ctx context.Context, balance teocoin.Balance) error {
	result := store.db.WithContext(ctx).
		Model(&BalanceRow{}).
		Where("user_id = ?", balance.UserID.String()).
		Updates(map[string]interface{}{
			"available":          balance.Available,
			"staked":             balance.Staked,
			"pending_withdrawal": balance.PendingWithdrawal,
			"updated_at":         balance.UpdatedAt,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeSave, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeSave, teocoin.ErrNotFound)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction *teocoin.LedgerTransaction) error {
	row := LedgerTransactionRow{
		ID:            transaction.ID,
		UserID:        transaction.UserID.String(),
		Kind:          transaction.Kind.String(),
		Amount:        transaction.Amount,
		Description:   transaction.Description,
		CourseID:      transaction.CourseID,
		TxHash:        transaction.TxHash,
		DepositTxHash: optionalString(transaction.DepositTxHash),
		HoldRef:       optionalString(transaction.HoldRef),
		SourceID:      transaction.SourceID,
		Metadata:      datatypesJSON(transaction.Metadata),
		CreatedAt:     transaction.CreatedAt,
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectTx, errorCodeDuplicate, teocoin.ErrConflict)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeInsert, err)
	}
	transaction.ID = row.ID
	transaction.CreatedAt = row.CreatedAt
	return nil
}

func (store *Store) GetTransaction(ctx context.Context, id string) (teocoin.LedgerTransaction, error) {
	var row LedgerTransactionRow
	err := store.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return teocoin.LedgerTransaction{}, wrapStoreError(errorSubjectTx, errorCodeGet, teocoin.ErrNotFound)
	}
	if err != nil {
		return teocoin.LedgerTransaction{}, wrapStoreError(errorSubjectTx, errorCodeGet, err)
	}
	return mapTransaction(row)
}

func (store *Store) ListTransactions(ctx context.Context, userID teocoin.UserID, limit int) ([]teocoin.LedgerTransaction, error) {
	query := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("created_at DESC, id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []LedgerTransactionRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectTx, errorCodeList, err)
	}
	return mapTransactions(rows)
}

func (store *Store) FindDeposit(ctx context.Context, hash teocoin.TxHash) (teocoin.LedgerTransaction, bool, error) {
	var row LedgerTransactionRow
	err := store.db.WithContext(ctx).
		Where("deposit_tx_hash = ?", hash.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return teocoin.LedgerTransaction{}, false, nil
	}
	if err != nil {
		return teocoin.LedgerTransaction{}, false, wrapStoreError(errorSubjectTx, errorCodeLookup, err)
	}
	transaction, err := mapTransaction(row)
	if err != nil {
		return teocoin.LedgerTransaction{}, false, err
	}
	return transaction, true, nil
}

func (store *Store) FindHoldTerminal(ctx context.Context, holdID teocoin.HoldID) (teocoin.LedgerTransaction, bool, error) {
	var row LedgerTransactionRow
	err := store.db.WithContext(ctx).
		Where("hold_ref = ?", holdID.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return teocoin.LedgerTransaction{}, false, nil
	}
	if err != nil {
		return teocoin.LedgerTransaction{}, false, wrapStoreError(errorSubjectTx, errorCodeLookup, err)
	}
	transaction, err := mapTransaction(row)
	if err != nil {
		return teocoin.LedgerTransaction{}, false, err
	}
	return transaction, true, nil
}

func (store *Store) InsertWithdrawal(ctx context.Context, request *teocoin.WithdrawalRequest) error {
	row := withdrawalRow(*request)
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectWithdrawal, errorCodeDuplicate, teocoin.ErrConflict)
	}
	if err != nil {
		return wrapStoreError(errorSubjectWithdrawal, errorCodeInsert, err)
	}
	request.ID = row.ID
	request.CreatedAt = row.CreatedAt
	return nil
}

func (store *Store) GetWithdrawal(ctx context.Context, id string) (teocoin.WithdrawalRequest, error) {
	var row WithdrawalRow
	err := store.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return teocoin.WithdrawalRequest{}, wrapStoreError(errorSubjectWithdrawal, errorCodeGet, teocoin.ErrNotFound)
	}
	if err != nil {
		return teocoin.WithdrawalRequest{}, wrapStoreError(errorSubjectWithdrawal, errorCodeGet, err)
	}
	return mapWithdrawal(row)
}

func (store *Store) SaveWithdrawal(ctx context.Context, request teocoin.WithdrawalRequest) error {
	result := store.db.WithContext(ctx).
		Model(&WithdrawalRow{}).
		Where("id = ?", request.ID).
		Updates(map[string]interface{}{
			"status":       string(request.Status),
			"tx_hash":      request.TxHash,
			"error":        request.Error,
			"processed_at": request.ProcessedAt,
			"completed_at": request.CompletedAt,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectWithdrawal, errorCodeSave, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectWithdrawal, errorCodeSave, teocoin.ErrNotFound)
	}
	return nil
}

func (store *Store) UpdateWithdrawalStatus(ctx context.Context, id string, from, to teocoin.WithdrawalStatus) error {
	result := store.db.WithContext(ctx).
		Model(&WithdrawalRow{}).
		Where("id = ? AND status = ?", id, string(from)).
		Update("status", string(to))
	if result.Error != nil {
		return wrapStoreError(errorSubjectWithdrawal, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectWithdrawal, errorCodeUpdateStatus, teocoin.ErrInvalidTransition)
	}
	return nil
}

func (store *Store) ListWithdrawalsByStatus(ctx context.Context, status teocoin.WithdrawalStatus, limit int) ([]teocoin.WithdrawalRequest, error) {
	query := store.db.WithContext(ctx).
		Where("status = ?", string(status)).
		Order("created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []WithdrawalRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectWithdrawal, errorCodeList, err)
	}
	return mapWithdrawals(rows)
}

func (store *Store) ListWithdrawalsSince(ctx context.Context, userID teocoin.UserID, since time.Time) ([]teocoin.WithdrawalRequest, error) {
	query := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("created_at ASC")
	if !since.IsZero() {
		query = query.Where("created_at >= ?", since)
	}
	var rows []WithdrawalRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectWithdrawal, errorCodeList, err)
	}
	return mapWithdrawals(rows)
}

func (store *Store) CountActiveWithdrawals(ctx context.Context, userID teocoin.UserID) (int, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&WithdrawalRow{}).
		Where("user_id = ? AND status IN ?", userID.String(),
			[]string{string(teocoin.WithdrawalPending), string(teocoin.WithdrawalProcessing)}).
		Count(&count).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectWithdrawal, errorCodeCount, err)
	}
	return int(count), nil
}

// WithdrawalStatistics aggregates in Go rather than SQL: sqlite stores
// decimals as text and sum() would coerce them through floats.
func (store *Store) WithdrawalStatistics(ctx context.Context) (teocoin.WithdrawalStats, error) {
	var rows []WithdrawalRow
	err := store.db.WithContext(ctx).
		Select("status", "amount").
		Find(&rows).Error
	if err != nil {
		return teocoin.WithdrawalStats{}, wrapStoreError(errorSubjectWithdrawal, errorCodeStats, err)
	}
	stats := teocoin.WithdrawalStats{
		ByStatus:    make(map[teocoin.WithdrawalStatus]teocoin.WithdrawalBucket),
		TotalMinted: decimal.Zero,
	}
	for _, row := range rows {
		status := teocoin.WithdrawalStatus(row.Status)
		bucket := stats.ByStatus[status]
		bucket.Count++
		bucket.Amount = bucket.Amount.Add(row.Amount)
		stats.ByStatus[status] = bucket
		if status == teocoin.WithdrawalCompleted {
			stats.TotalMinted = stats.TotalMinted.Add(row.Amount)
		}
	}
	return stats, nil
}

func (store *Store) InsertSnapshot(ctx context.Context, snapshot *teocoin.DiscountSnapshot) error {
	row := snapshotRow(*snapshot)
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectSnapshot, errorCodeDuplicate, teocoin.ErrConflict)
	}
	if err != nil {
		return wrapStoreError(errorSubjectSnapshot, errorCodeInsert, err)
	}
	snapshot.ID = row.ID
	snapshot.CreatedAt = row.CreatedAt
	return nil
}

func (store *Store) GetSnapshotByOrderID(ctx context.Context, orderID teocoin.OrderID) (teocoin.DiscountSnapshot, bool, error) {
	var row SnapshotRow
	err := store.db.WithContext(ctx).
		Where("order_id = ?", orderID.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return teocoin.DiscountSnapshot{}, false, nil
	}
	if err != nil {
		return teocoin.DiscountSnapshot{}, false, wrapStoreError(errorSubjectSnapshot, errorCodeLookup, err)
	}
	snapshot, err := mapSnapshot(row)
	if err != nil {
		return teocoin.DiscountSnapshot{}, false, err
	}
	return snapshot, true, nil
}

func (store *Store) FindSyntheticSnapshot(ctx context.Context, studentID teocoin.UserID, courseID string, localPrefix string) (teocoin.DiscountSnapshot, bool, error) {
	var row SnapshotRow
	err := store.db.WithContext(ctx).
		Where("student_id = ? AND course_id = ?", studentID.String(), courseID).
		Where("order_id LIKE ?", localPrefix+"%").
		Where("external_txn_id IS NULL").
		Order("created_at DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return teocoin.DiscountSnapshot{}, false, nil
	}
	if err != nil {
		return teocoin.DiscountSnapshot{}, false, wrapStoreError(errorSubjectSnapshot, errorCodeLookup, err)
	}
	snapshot, err := mapSnapshot(row)
	if err != nil {
		return teocoin.DiscountSnapshot{}, false, err
	}
	return snapshot, true, nil
}

func (store *Store) AttachExternalTxn(ctx context.Context, snapshotID string, externalTxnID string) error {
	result := store.db.WithContext(ctx).
		Model(&SnapshotRow{}).
		Where("id = ? AND external_txn_id IS NULL", snapshotID).
		Update("external_txn_id", externalTxnID)
	if result.Error != nil {
		return wrapStoreError(errorSubjectSnapshot, errorCodeAttach, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectSnapshot, errorCodeAttach, teocoin.ErrConflict)
	}
	return nil
}

func (store *Store) InsertAbsorption(ctx context.Context, decision *teocoin.AbsorptionDecision) error {
	row := absorptionRow(*decision)
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectAbsorption, errorCodeDuplicate, teocoin.ErrConflict)
	}
	if err != nil {
		return wrapStoreError(errorSubjectAbsorption, errorCodeInsert, err)
	}
	decision.ID = row.ID
	decision.CreatedAt = row.CreatedAt
	return nil
}

func (store *Store) GetAbsorption(ctx context.Context, id string) (teocoin.AbsorptionDecision, error) {
	return store.getAbsorption(ctx, id, false)
}

func (store *Store) GetAbsorptionForUpdate(ctx context.Context, id string) (teocoin.AbsorptionDecision, error) {
	return store.getAbsorption(ctx, id, true)
}

func (store *Store) getAbsorption(ctx context.Context, id string, forUpdate bool) (teocoin.AbsorptionDecision, error) {
	query := store.db.WithContext(ctx)
	if forUpdate {
		query = store.locked(query)
	}
	var row AbsorptionRow
	err := query.Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return teocoin.AbsorptionDecision{}, wrapStoreError(errorSubjectAbsorption, errorCodeGet, teocoin.ErrNotFound)
	}
	if err != nil {
		return teocoin.AbsorptionDecision{}, wrapStoreError(errorSubjectAbsorption, errorCodeGet, err)
	}
	return mapAbsorption(row)
}

func (store *Store) SaveAbsorption(ctx context.Context, decision teocoin.AbsorptionDecision) error {
	result := store.db.WithContext(ctx).
		Model(&AbsorptionRow{}).
		Where("id = ?", decision.ID).
		Updates(map[string]interface{}{
			"status":             string(decision.Status),
			"decided_at":         decision.DecidedAt,
			"final_teacher_eur":  decision.FinalTeacherEUR,
			"final_teacher_teo":  decision.FinalTeacherTEO,
			"final_platform_eur": decision.FinalPlatformEUR,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAbsorption, errorCodeSave, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAbsorption, errorCodeSave, teocoin.ErrNotFound)
	}
	return nil
}

func (store *Store) FindAbsorptionByOrder(ctx context.Context, orderID teocoin.OrderID) (teocoin.AbsorptionDecision, bool, error) {
	var row AbsorptionRow
	err := store.db.WithContext(ctx).
		Where("order_id = ?", orderID.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return teocoin.AbsorptionDecision{}, false, nil
	}
	if err != nil {
		return teocoin.AbsorptionDecision{}, false, wrapStoreError(errorSubjectAbsorption, errorCodeLookup, err)
	}
	decision, err := mapAbsorption(row)
	if err != nil {
		return teocoin.AbsorptionDecision{}, false, err
	}
	return decision, true, nil
}

func (store *Store) ListAbsorptionsByTeacher(ctx context.Context, teacherID teocoin.UserID, status teocoin.AbsorptionStatus, limit int) ([]teocoin.AbsorptionDecision, error) {
	query := store.db.WithContext(ctx).
		Where("teacher_id = ?", teacherID.String()).
		Order("created_at DESC")
	if status != "" {
		query = query.Where("status = ?", string(status))
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []AbsorptionRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectAbsorption, errorCodeList, err)
	}
	return mapAbsorptions(rows)
}

func (store *Store) ListExpiredPendingAbsorptions(ctx context.Context, now time.Time, limit int) ([]teocoin.AbsorptionDecision, error) {
	query := store.db.WithContext(ctx).
		Where("status = ? AND expires_at <= ?", string(teocoin.AbsorptionPending), now).
		Order("expires_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []AbsorptionRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectAbsorption, errorCodeList, err)
	}
	return mapAbsorptions(rows)
}

// AbsorptionStatistics aggregates in Go for the same reason as
// WithdrawalStatistics.
func (store *Store) AbsorptionStatistics(ctx context.Context, teacherID teocoin.UserID, since time.Time) (teocoin.AbsorptionStats, error) {
	query := store.db.WithContext(ctx).
		Where("teacher_id = ?", teacherID.String())
	if !since.IsZero() {
		query = query.Where("created_at >= ?", since)
	}
	var rows []AbsorptionRow
	if err := query.Find(&rows).Error; err != nil {
		return teocoin.AbsorptionStats{}, wrapStoreError(errorSubjectAbsorption, errorCodeStats, err)
	}
	stats := teocoin.AbsorptionStats{
		TotalTeacherEUR: decimal.Zero,
		TotalTeacherTEO: decimal.Zero,
	}
	for _, row := range rows {
		switch teocoin.AbsorptionStatus(row.Status) {
		case teocoin.AbsorptionPending:
			stats.Pending++
		case teocoin.AbsorptionAbsorbed:
			stats.Absorbed++
		case teocoin.AbsorptionRefused:
			stats.Refused++
		case teocoin.AbsorptionExpired:
			stats.Expired++
		}
		if teocoin.AbsorptionStatus(row.Status).Terminal() {
			stats.TotalTeacherEUR = stats.TotalTeacherEUR.Add(row.FinalTeacherEUR)
			stats.TotalTeacherTEO = stats.TotalTeacherTEO.Add(row.FinalTeacherTEO)
		}
	}
	return stats, nil
}

func (store *Store) UserForAddress(ctx context.Context, address teocoin.Address) (teocoin.UserID, bool, error) {
	var row WalletAddressRow
	err := store.db.WithContext(ctx).
		Where("address = ?", address.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return teocoin.UserID{}, false, nil
	}
	if err != nil {
		return teocoin.UserID{}, false, wrapStoreError(errorSubjectWallet, errorCodeLookup, err)
	}
	userID, err := teocoin.NewUserID(row.UserID)
	if err != nil {
		return teocoin.UserID{}, false, wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
	}
	return userID, true, nil
}

func (store *Store) RegisterAddress(ctx context.Context, userID teocoin.UserID, address teocoin.Address) error {
	row := WalletAddressRow{
		Address:   address.String(),
		UserID:    userID.String(),
		CreatedAt: time.Now().UTC(),
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectWallet, errorCodeDuplicate, teocoin.ErrConflict)
	}
	if err != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeCreate, err)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return teocoin.WrapError(errorOperationStore, subject, code, err)
}

func mapBalance(row BalanceRow) (teocoin.Balance, error) {
	userID, err := teocoin.NewUserID(row.UserID)
	if err != nil {
		return teocoin.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return teocoin.Balance{
		UserID:            userID,
		Available:         row.Available,
		Staked:            row.Staked,
		PendingWithdrawal: row.PendingWithdrawal,
		UpdatedAt:         row.UpdatedAt,
	}, nil
}

func mapTransaction(row LedgerTransactionRow) (teocoin.LedgerTransaction, error) {
	userID, err := teocoin.NewUserID(row.UserID)
	if err != nil {
		return teocoin.LedgerTransaction{}, wrapStoreError(errorSubjectTx, errorCodeInvalid, err)
	}
	kind, err := teocoin.ParseTransactionKind(row.Kind)
	if err != nil {
		return teocoin.LedgerTransaction{}, wrapStoreError(errorSubjectTx, errorCodeInvalid, err)
	}
	return teocoin.LedgerTransaction{
		ID:            row.ID,
		UserID:        userID,
		Kind:          kind,
		Amount:        row.Amount,
		Description:   row.Description,
		CourseID:      row.CourseID,
		TxHash:        row.TxHash,
		DepositTxHash: stringOrEmpty(row.DepositTxHash),
		HoldRef:       stringOrEmpty(row.HoldRef),
		SourceID:      row.SourceID,
		Metadata:      string(row.Metadata),
		CreatedAt:     row.CreatedAt,
	}, nil
}

func mapTransactions(rows []LedgerTransactionRow) ([]teocoin.LedgerTransaction, error) {
	transactions := make([]teocoin.LedgerTransaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func withdrawalRow(request teocoin.WithdrawalRequest) WithdrawalRow {
	return WithdrawalRow{
		ID:          request.ID,
		UserID:      request.UserID.String(),
		Amount:      request.Amount,
		Address:     request.Address.String(),
		Status:      string(request.Status),
		TxHash:      request.TxHash,
		Error:       request.Error,
		IP:          request.IP,
		UserAgent:   request.UserAgent,
		CreatedAt:   request.CreatedAt,
		ProcessedAt: request.ProcessedAt,
		CompletedAt: request.CompletedAt,
	}
}

func mapWithdrawal(row WithdrawalRow) (teocoin.WithdrawalRequest, error) {
	userID, err := teocoin.NewUserID(row.UserID)
	if err != nil {
		return teocoin.WithdrawalRequest{}, wrapStoreError(errorSubjectWithdrawal, errorCodeInvalid, err)
	}
	address, err := teocoin.NewAddress(row.Address)
	if err != nil {
		return teocoin.WithdrawalRequest{}, wrapStoreError(errorSubjectWithdrawal, errorCodeInvalid, err)
	}
	return teocoin.WithdrawalRequest{
		ID:          row.ID,
		UserID:      userID,
		Amount:      row.Amount,
		Address:     address,
		Status:      teocoin.WithdrawalStatus(row.Status),
		TxHash:      row.TxHash,
		Error:       row.Error,
		IP:          row.IP,
		UserAgent:   row.UserAgent,
		CreatedAt:   row.CreatedAt,
		ProcessedAt: row.ProcessedAt,
		CompletedAt: row.CompletedAt,
	}, nil
}

func mapWithdrawals(rows []WithdrawalRow) ([]teocoin.WithdrawalRequest, error) {
	requests := make([]teocoin.WithdrawalRequest, 0, len(rows))
	for _, row := range rows {
		request, err := mapWithdrawal(row)
		if err != nil {
			return nil, err
		}
		requests = append(requests, request)
	}
	return requests, nil
}

func snapshotRow(snapshot teocoin.DiscountSnapshot) SnapshotRow {
	return SnapshotRow{
		ID:              snapshot.ID,
		OrderID:         snapshot.OrderID.String(),
		CourseID:        snapshot.CourseID,
		StudentID:       snapshot.StudentID.String(),
		TeacherID:       snapshot.TeacherID.String(),
		Price:           snapshot.Price,
		DiscountPercent: snapshot.DiscountPercent,
		DiscountAmount:  snapshot.DiscountAmount,

		StudentPayEUR: snapshot.StudentPayEUR,
		TeacherEUR:    snapshot.TeacherEUR,
		PlatformEUR:   snapshot.PlatformEUR,
		TeacherTEO:    snapshot.TeacherTEO,
		PlatformTEO:   snapshot.PlatformTEO,

		TierName:            snapshot.TierName,
		TierTeacherSplit:    snapshot.TierTeacherSplit,
		TierMaxAcceptRatio:  snapshot.TierMaxAcceptRatio,
		TierBonusMultiplier: snapshot.TierBonusMultiplier,

		AbsorptionPolicy: string(snapshot.AbsorptionPolicy),
		ExternalTxnID:    optionalString(snapshot.ExternalTxnID),
		Source:           snapshot.Source,
		CreatedAt:        snapshot.CreatedAt,
	}
}

func mapSnapshot(row SnapshotRow) (teocoin.DiscountSnapshot, error) {
	orderID, err := teocoin.NewOrderID(row.OrderID)
	if err != nil {
		return teocoin.DiscountSnapshot{}, wrapStoreError(errorSubjectSnapshot, errorCodeInvalid, err)
	}
	studentID, err := teocoin.NewUserID(row.StudentID)
	if err != nil {
		return teocoin.DiscountSnapshot{}, wrapStoreError(errorSubjectSnapshot, errorCodeInvalid, err)
	}
	teacherID, err := teocoin.NewUserID(row.TeacherID)
	if err != nil {
		return teocoin.DiscountSnapshot{}, wrapStoreError(errorSubjectSnapshot, errorCodeInvalid, err)
	}
	return teocoin.DiscountSnapshot{
		ID:              row.ID,
		OrderID:         orderID,
		CourseID:        row.CourseID,
		StudentID:       studentID,
		TeacherID:       teacherID,
		Price:           row.Price,
		DiscountPercent: row.DiscountPercent,
		DiscountAmount:  row.DiscountAmount,

		StudentPayEUR: row.StudentPayEUR,
		TeacherEUR:    row.TeacherEUR,
		PlatformEUR:   row.PlatformEUR,
		TeacherTEO:    row.TeacherTEO,
		PlatformTEO:   row.PlatformTEO,

		TierName:            row.TierName,
		TierTeacherSplit:    row.TierTeacherSplit,
		TierMaxAcceptRatio:  row.TierMaxAcceptRatio,
		TierBonusMultiplier: row.TierBonusMultiplier,

		AbsorptionPolicy: teocoin.AbsorptionPolicy(row.AbsorptionPolicy),
		ExternalTxnID:    stringOrEmpty(row.ExternalTxnID),
		Source:           row.Source,
		CreatedAt:        row.CreatedAt,
	}, nil
}

func absorptionRow(decision teocoin.AbsorptionDecision) AbsorptionRow {
	return AbsorptionRow{
		ID:                 decision.ID,
		OrderID:            decision.OrderID.String(),
		TeacherID:          decision.TeacherID.String(),
		StudentID:          decision.StudentID.String(),
		CourseID:           decision.CourseID,
		Status:             string(decision.Status),
		CoursePrice:        decision.CoursePrice,
		DiscountPercentage: decision.DiscountPercentage,
		TokensUsed:         decision.TokensUsed,
		TierName:           decision.TierName,
		CommissionRate:     decision.CommissionRate,

		OptionATeacherEUR:  decision.OptionA.TeacherEUR,
		OptionAPlatformEUR: decision.OptionA.PlatformEUR,
		OptionBTeacherEUR:  decision.OptionB.TeacherEUR,
		OptionBTeacherTEO:  decision.OptionB.TeacherTEO,
		OptionBPlatformEUR: decision.OptionB.PlatformEUR,

		ExpiresAt:        decision.ExpiresAt,
		DecidedAt:        decision.DecidedAt,
		FinalTeacherEUR:  decision.FinalTeacherEUR,
		FinalTeacherTEO:  decision.FinalTeacherTEO,
		FinalPlatformEUR: decision.FinalPlatformEUR,
		CreatedAt:        decision.CreatedAt,
	}
}

func mapAbsorption(row AbsorptionRow) (teocoin.AbsorptionDecision, error) {
	orderID, err := teocoin.NewOrderID(row.OrderID)
	if err != nil {
		return teocoin.AbsorptionDecision{}, wrapStoreError(errorSubjectAbsorption, errorCodeInvalid, err)
	}
	teacherID, err := teocoin.NewUserID(row.TeacherID)
	if err != nil {
		return teocoin.AbsorptionDecision{}, wrapStoreError(errorSubjectAbsorption, errorCodeInvalid, err)
	}
	studentID, err := teocoin.NewUserID(row.StudentID)
	if err != nil {
		return teocoin.AbsorptionDecision{}, wrapStoreError(errorSubjectAbsorption, errorCodeInvalid, err)
	}
	return teocoin.AbsorptionDecision{
		ID:                 row.ID,
		OrderID:            orderID,
		TeacherID:          teacherID,
		StudentID:          studentID,
		CourseID:           row.CourseID,
		CoursePrice:        row.CoursePrice,
		DiscountPercentage: row.DiscountPercentage,
		TokensUsed:         row.TokensUsed,
		TierName:           row.TierName,
		CommissionRate:     row.CommissionRate,
		OptionA: teocoin.AbsorptionOption{
			TeacherEUR:  row.OptionATeacherEUR,
			TeacherTEO:  decimal.Zero,
			PlatformEUR: row.OptionAPlatformEUR,
		},
		OptionB: teocoin.AbsorptionOption{
			TeacherEUR:  row.OptionBTeacherEUR,
			TeacherTEO:  row.OptionBTeacherTEO,
			PlatformEUR: row.OptionBPlatformEUR,
		},
		Status:           teocoin.AbsorptionStatus(row.Status),
		ExpiresAt:        row.ExpiresAt,
		DecidedAt:        row.DecidedAt,
		FinalTeacherEUR:  row.FinalTeacherEUR,
		FinalTeacherTEO:  row.FinalTeacherTEO,
		FinalPlatformEUR: row.FinalPlatformEUR,
		CreatedAt:        row.CreatedAt,
	}, nil
}

func mapAbsorptions(rows []AbsorptionRow) ([]teocoin.AbsorptionDecision, error) {
	decisions := make([]teocoin.AbsorptionDecision, 0, len(rows))
	for _, row := range rows {
		decision, err := mapAbsorption(row)
		if err != nil {
			return nil, err
		}
		decisions = append(decisions, decision)
	}
	return decisions, nil
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
