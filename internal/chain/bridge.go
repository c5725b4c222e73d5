// Package chain talks to the custodial bridge service that signs and submits
// token transactions. The bridge exposes a small JSON API; every mutating call
// carries an idempotency key so retries after a crash never double-mint.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/PyZenMatt/lms-backend-sub001/pkg/teocoin"
)

const (
	defaultRequestTimeout = 15 * time.Second
	headerIdempotencyKey  = "Idempotency-Key"
	headerAPIKey          = "X-Api-Key"

	errorOperationBridge = "bridge"
	errorSubjectMint     = "mint"
	errorSubjectReceipt  = "receipt"
	errorSubjectLookup   = "lookup"
	errorCodeRequest     = "request"
	errorCodeDecode      = "decode"
	errorCodeStatus      = "status"
	errorCodeInvalid     = "invalid"
)

// Config carries the bridge endpoint settings.
type Config struct {
	BaseURL       string
	APIKey        string
	TokenDecimals int32
	Timeout       time.Duration
}

// Bridge implements teocoin.ChainAdapter over the bridge HTTP API.
type Bridge struct {
	baseURL       string
	apiKey        string
	tokenDecimals int32
	client        *http.Client
	logger        *zap.Logger
}

// New validates the configuration and returns a Bridge.
func New(config Config, logger *zap.Logger) (*Bridge, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("%w: bridge base url is required", teocoin.ErrInvalidConfig)
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("%w: bridge base url: %v", teocoin.ErrInvalidConfig, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	decimals := config.TokenDecimals
	if decimals <= 0 {
		decimals = 18
	}
	return &Bridge{
		baseURL:       config.BaseURL,
		apiKey:        config.APIKey,
		tokenDecimals: decimals,
		client:        &http.Client{Timeout: timeout},
		logger:        logger,
	}, nil
}

type mintRequest struct {
	To     string `json:"to"`
	Amount string `json:"amount"`
}

type mintResponse struct {
	TxHash string `json:"tx_hash"`
}

type receiptResponse struct {
	TxHash string       `json:"tx_hash"`
	Status string       `json:"status"`
	Logs   []receiptLog `json:"logs"`
}

type receiptLog struct {
	Address string   `json:"address"`
	Topics  []string `json:"topics"`
	Data    string   `json:"data"`
}

// Mint asks the bridge to mint tokens. The bridge deduplicates on the
// idempotency key, so replays return the original transaction hash.
func (bridge *Bridge) Mint(ctx context.Context, idempotencyKey string, to teocoin.Address, amount decimal.Decimal) (teocoin.TxHash, error) {
	payload, err := json.Marshal(mintRequest{To: to.String(), Amount: amount.String()})
	if err != nil {
		return teocoin.TxHash{}, wrapBridgeError(errorSubjectMint, errorCodeRequest, err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, bridge.baseURL+"/v1/mints", bytes.NewReader(payload))
	if err != nil {
		return teocoin.TxHash{}, wrapBridgeError(errorSubjectMint, errorCodeRequest, err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set(headerIdempotencyKey, idempotencyKey)
	bridge.authorize(request)

	response, err := bridge.client.Do(request)
	if err != nil {
		return teocoin.TxHash{}, wrapBridgeError(errorSubjectMint, errorCodeRequest, unavailable(err))
	}
	defer drainAndClose(response.Body)

	if response.StatusCode != http.StatusOK && response.StatusCode != http.StatusCreated {
		bridge.logger.Warn("bridge mint rejected",
			zap.Int("status", response.StatusCode),
			zap.String("idempotency_key", idempotencyKey))
		return teocoin.TxHash{}, wrapBridgeError(errorSubjectMint, errorCodeStatus, statusError(response.StatusCode))
	}
	var decoded mintResponse
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return teocoin.TxHash{}, wrapBridgeError(errorSubjectMint, errorCodeDecode, unavailable(err))
	}
	hash, err := teocoin.NewTxHash(decoded.TxHash)
	if err != nil {
		return teocoin.TxHash{}, wrapBridgeError(errorSubjectMint, errorCodeInvalid, err)
	}
	return hash, nil
}

// Receipt fetches the mined outcome of a transaction.
func (bridge *Bridge) Receipt(ctx context.Context, hash teocoin.TxHash) (teocoin.Receipt, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, bridge.baseURL+"/v1/receipts/"+url.PathEscape(hash.String()), nil)
	if err != nil {
		return teocoin.Receipt{}, wrapBridgeError(errorSubjectReceipt, errorCodeRequest, err)
	}
	bridge.authorize(request)

	response, err := bridge.client.Do(request)
	if err != nil {
		return teocoin.Receipt{}, wrapBridgeError(errorSubjectReceipt, errorCodeRequest, unavailable(err))
	}
	defer drainAndClose(response.Body)

	if response.StatusCode == http.StatusNotFound {
		// Not yet mined: the bridge has no receipt to report.
		return teocoin.Receipt{TxHash: hash, Status: teocoin.ReceiptPending}, nil
	}
	if response.StatusCode != http.StatusOK {
		return teocoin.Receipt{}, wrapBridgeError(errorSubjectReceipt, errorCodeStatus, statusError(response.StatusCode))
	}
	var decoded receiptResponse
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return teocoin.Receipt{}, wrapBridgeError(errorSubjectReceipt, errorCodeDecode, unavailable(err))
	}
	return mapReceipt(hash, decoded)
}

// FindMint looks a previously issued mint up by its idempotency key.
func (bridge *Bridge) FindMint(ctx context.Context, idempotencyKey string) (teocoin.TxHash, bool, error) {
	endpoint := bridge.baseURL + "/v1/mints?idempotency_key=" + url.QueryEscape(idempotencyKey)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return teocoin.TxHash{}, false, wrapBridgeError(errorSubjectLookup, errorCodeRequest, err)
	}
	bridge.authorize(request)

	response, err := bridge.client.Do(request)
	if err != nil {
		return teocoin.TxHash{}, false, wrapBridgeError(errorSubjectLookup, errorCodeRequest, unavailable(err))
	}
	defer drainAndClose(response.Body)

	if response.StatusCode == http.StatusNotFound {
		return teocoin.TxHash{}, false, nil
	}
	if response.StatusCode != http.StatusOK {
		return teocoin.TxHash{}, false, wrapBridgeError(errorSubjectLookup, errorCodeStatus, statusError(response.StatusCode))
	}
	var decoded mintResponse
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return teocoin.TxHash{}, false, wrapBridgeError(errorSubjectLookup, errorCodeDecode, unavailable(err))
	}
	hash, err := teocoin.NewTxHash(decoded.TxHash)
	if err != nil {
		return teocoin.TxHash{}, false, wrapBridgeError(errorSubjectLookup, errorCodeInvalid, err)
	}
	return hash, true, nil
}

// ValidateAddress applies the syntactic address rules. The bridge service
// performs its own checksum validation when minting.
func (bridge *Bridge) ValidateAddress(raw string) bool {
	_, err := teocoin.NewAddress(raw)
	return err == nil
}

// TokenDecimals returns the token's configured decimal count.
func (bridge *Bridge) TokenDecimals() int32 {
	return bridge.tokenDecimals
}

func (bridge *Bridge) authorize(request *http.Request) {
	if bridge.apiKey != "" {
		request.Header.Set(headerAPIKey, bridge.apiKey)
	}
}

func mapReceipt(hash teocoin.TxHash, decoded receiptResponse) (teocoin.Receipt, error) {
	var status teocoin.ReceiptStatus
	switch decoded.Status {
	case string(teocoin.ReceiptPending), string(teocoin.ReceiptSuccess), string(teocoin.ReceiptFailed):
		status = teocoin.ReceiptStatus(decoded.Status)
	default:
		return teocoin.Receipt{}, wrapBridgeError(errorSubjectReceipt, errorCodeInvalid,
			fmt.Errorf("unknown receipt status %q", decoded.Status))
	}
	logs := make([]teocoin.EventLog, 0, len(decoded.Logs))
	for _, entry := range decoded.Logs {
		logs = append(logs, teocoin.EventLog{
			Address: entry.Address,
			Topics:  entry.Topics,
			Data:    entry.Data,
		})
	}
	return teocoin.Receipt{TxHash: hash, Status: status, Logs: logs}, nil
}

func statusError(code int) error {
	if code >= http.StatusInternalServerError || code == http.StatusTooManyRequests {
		return fmt.Errorf("%w: bridge returned %d", teocoin.ErrExternalUnavailable, code)
	}
	return fmt.Errorf("bridge returned %d", code)
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", teocoin.ErrExternalUnavailable, err)
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}

func wrapBridgeError(subject string, code string, err error) error {
	return teocoin.WrapError(errorOperationBridge, subject, code, err)
}
