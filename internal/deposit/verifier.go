package deposit

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/PyZenMatt/lms-backend-sub001/pkg/teocoin"
)

// TransferTopic is the canonical ERC-20 Transfer event signature hash.
const TransferTopic = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"

// Credit outcomes reported when no balance mutation happened.
const (
	ReasonPending          = "pending"
	ReasonFailedOnChain    = "failed_onchain"
	ReasonNoTransfer       = "no_transfer"
	ReasonUnknownRecipient = "unknown_recipient"
	ReasonAlreadyCredited  = "already_credited"
)

// Result is the outcome of a verification attempt.
type Result struct {
	Credited bool
	Reason   string
	UserID   teocoin.UserID
	Amount   decimal.Decimal
	EntryID  string
}

// Verifier credits the off-chain ledger from verified on-chain transfers,
// exactly once per transaction hash.
type Verifier struct {
	store  teocoin.Store
	chain  teocoin.ChainAdapter
	nowFn  teocoin.Clock
	config teocoin.Config
	logger *zap.Logger
}

// VerifierOption configures a Verifier instance.
type VerifierOption func(*Verifier)

// WithLogger wires a structured logger.
func WithLogger(logger *zap.Logger) VerifierOption {
	return func(verifier *Verifier) {
		verifier.logger = logger
	}
}

// NewVerifier wires a Verifier.
func NewVerifier(store teocoin.Store, chain teocoin.ChainAdapter, now teocoin.Clock, config teocoin.Config, options ...VerifierOption) (*Verifier, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", teocoin.ErrInvalidServiceConfig)
	}
	if chain == nil {
		return nil, fmt.Errorf("%w: chain adapter dependency is nil", teocoin.ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", teocoin.ErrInvalidServiceConfig)
	}
	verifier := &Verifier{store: store, chain: chain, nowFn: now, config: config}
	for _, option := range options {
		if option != nil {
			option(verifier)
		}
	}
	return verifier, nil
}

// VerifyAndCredit fetches the receipt for a transaction, extracts the token
// transfer to the platform custodial address, and credits the mapped user.
// Replaying the same hash is always safe: the deposit entry carries a unique
// constraint on the hash and the check runs under the balance row lock.
func (verifier *Verifier) VerifyAndCredit(ctx context.Context, hash teocoin.TxHash) (Result, error) {
	receipt, err := verifier.chain.Receipt(ctx, hash)
	if err != nil {
		return Result{}, fmt.Errorf("%w: receipt: %v", teocoin.ErrExternalUnavailable, err)
	}
	switch receipt.Status {
	case teocoin.ReceiptPending:
		return Result{Reason: ReasonPending}, nil
	case teocoin.ReceiptFailed:
		return Result{Reason: ReasonFailedOnChain}, nil
	}

	sender, amount, found := verifier.findTransfer(receipt)
	if !found {
		return Result{Reason: ReasonNoTransfer}, nil
	}

	// Deposits land on the shared custodial address, so attribution uses the
	// sender recorded in the transfer's `from` topic.
	userID, registered, err := verifier.store.UserForAddress(ctx, sender)
	if err != nil {
		return Result{}, err
	}
	if !registered {
		return Result{Reason: ReasonUnknownRecipient}, nil
	}

	result := Result{UserID: userID, Amount: amount}
	operationError := verifier.store.WithTx(ctx, func(ctx context.Context, txStore teocoin.Store) error {
		balance, err := txStore.LockBalance(ctx, userID)
		if err != nil {
			return err
		}
		if _, exists, err := txStore.FindDeposit(ctx, hash); err != nil {
			return err
		} else if exists {
			result.Reason = ReasonAlreadyCredited
			return nil
		}
		now := verifier.nowFn()
		balance.Available = balance.Available.Add(amount)
		balance.UpdatedAt = now
		if err := txStore.SaveBalance(ctx, balance); err != nil {
			return err
		}
		entry := teocoin.LedgerTransaction{
			UserID:        userID,
			Kind:          teocoin.KindDeposit,
			Amount:        amount,
			Description:   fmt.Sprintf("deposit %s", hash.String()),
			TxHash:        hash.String(),
			DepositTxHash: hash.String(),
			CreatedAt:     now,
		}
		if err := txStore.InsertTransaction(ctx, &entry); err != nil {
			return err
		}
		result.Credited = true
		result.EntryID = entry.ID
		return nil
	})
	if operationError != nil {
		return Result{}, operationError
	}
	if verifier.logger != nil {
		verifier.logger.Info("deposit verified",
			zap.String("tx_hash", hash.String()),
			zap.String("user_id", userID.String()),
			zap.String("amount", amount.String()),
			zap.Bool("credited", result.Credited))
	}
	return result, nil
}

// findTransfer scans the receipt logs for a Transfer event emitted by the
// configured token contract whose recipient is the platform custodial
// address, and converts the wei value to a TEO decimal.
func (verifier *Verifier) findTransfer(receipt teocoin.Receipt) (teocoin.Address, decimal.Decimal, bool) {
	for _, log := range receipt.Logs {
		if !strings.EqualFold(log.Address, verifier.config.TokenContract.String()) {
			continue
		}
		if len(log.Topics) != 3 || !strings.EqualFold(log.Topics[0], TransferTopic) {
			continue
		}
		to, ok := topicAddress(log.Topics[2])
		if !ok || !to.Equal(verifier.config.CustodialAddress) {
			continue
		}
		sender, ok := topicAddress(log.Topics[1])
		if !ok {
			continue
		}
		wei, ok := parseHexWord(log.Data)
		if !ok {
			continue
		}
		amount := decimal.NewFromBigInt(wei, -verifier.config.TokenDecimals)
		return sender, teocoin.QuantizeToken(amount), true
	}
	return teocoin.Address{}, decimal.Zero, false
}

// topicAddress extracts the 20-byte address padded into a 32-byte topic.
func topicAddress(topic string) (teocoin.Address, bool) {
	trimmed := strings.TrimPrefix(strings.ToLower(topic), "0x")
	if len(trimmed) != 64 {
		return teocoin.Address{}, false
	}
	address, err := teocoin.NewAddress("0x" + trimmed[24:])
	if err != nil {
		return teocoin.Address{}, false
	}
	return address, true
}

// parseHexWord parses a 256-bit unsigned integer from 0x-prefixed hex data.
func parseHexWord(data string) (*big.Int, bool) {
	trimmed := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(data)), "0x")
	if trimmed == "" || len(trimmed) > 64 {
		return nil, false
	}
	value, ok := new(big.Int).SetString(trimmed, 16)
	if !ok {
		return nil, false
	}
	return value, true
}
