package pyth

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"

	"github.com/coachpo/relay/errs"
	"github.com/coachpo/relay/internal/domain/bundle"
)

const sourceName = "pyth"

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type accountInfoResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      uint64    `json:"id"`
	Error   *rpcError `json:"error"`
	Result  *struct {
		Context struct {
			Slot uint64 `json:"slot"`
		} `json:"context"`
		Value *struct {
			Data  []string `json:"data"`
			Owner string   `json:"owner"`
		} `json:"value"`
	} `json:"result"`
}

// Option customises an RPCSource.
type Option func(*RPCSource)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(s *RPCSource) {
		if client != nil {
			s.client = client
		}
	}
}

// WithMaxTries bounds attempts per fetch, including the first.
func WithMaxTries(n uint) Option {
	return func(s *RPCSource) {
		if n > 0 {
			s.maxTries = n
		}
	}
}

// WithInitialBackoff sets the first retry delay.
func WithInitialBackoff(d time.Duration) Option {
	return func(s *RPCSource) {
		if d > 0 {
			s.initialBackoff = d
		}
	}
}

// WithCommitment sets the Solana commitment level.
func WithCommitment(level string) Option {
	return func(s *RPCSource) {
		if trimmed := strings.TrimSpace(level); trimmed != "" {
			s.commitment = trimmed
		}
	}
}

// RPCSource fetches one price account per request with getAccountInfo.
type RPCSource struct {
	endpoint       string
	accounts       map[string]string
	client         *http.Client
	maxTries       uint
	initialBackoff time.Duration
	commitment     string
	ids            atomic.Uint64
}

// NewRPCSource creates a source for the symbol → account mapping.
func NewRPCSource(endpoint string, accounts map[string]string, opts ...Option) (*RPCSource, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errs.New("pyth/rpc", errs.CodeInvalidConfig, errs.WithMessage("rpc endpoint required"))
	}
	s := &RPCSource{
		endpoint:       endpoint,
		accounts:       make(map[string]string, len(accounts)),
		client:         &http.Client{Timeout: 5 * time.Second},
		maxTries:       3,
		initialBackoff: 50 * time.Millisecond,
		commitment:     "confirmed",
	}
	for symbol, account := range accounts {
		s.accounts[symbol] = account
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Name implements oracle.Source.
func (s *RPCSource) Name() string { return sourceName }

// Fetch reads and decodes the price account mapped to symbol. Transport
// failures are retried with exponential backoff; decode failures are not.
func (s *RPCSource) Fetch(ctx context.Context, symbol string) (bundle.PriceQuote, error) {
	account, ok := s.accounts[symbol]
	if !ok || account == "" {
		return bundle.PriceQuote{}, errs.New("pyth/rpc", errs.CodeOracleInvalidAccount,
			errs.WithSymbol(symbol), errs.WithMessage("no price account configured"))
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.initialBackoff
	policy.MaxInterval = 10 * s.initialBackoff

	operation := func() (bundle.PriceQuote, error) {
		data, err := s.getAccountInfo(ctx, account)
		if err != nil {
			if errs.CodeOf(err) != errs.CodeOracleNetworkFailure {
				return bundle.PriceQuote{}, backoff.Permanent(err)
			}
			return bundle.PriceQuote{}, err
		}
		acct, err := DecodePriceAccount(data)
		if err != nil {
			return bundle.PriceQuote{}, backoff.Permanent(err)
		}
		return bundle.PriceQuote{
			Symbol:      symbol,
			Price:       acct.Price,
			Conf:        acct.Conf,
			Expo:        acct.Expo,
			PublishedAt: acct.PublishTime,
			Source:      sourceName,
		}, nil
	}

	q, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(s.maxTries),
	)
	if err != nil {
		var e *errs.E
		if errors.As(err, &e) {
			if e.Symbol == "" {
				e.Symbol = symbol
			}
			return bundle.PriceQuote{}, e
		}
		return bundle.PriceQuote{}, errs.New("pyth/rpc", errs.CodeOracleNetworkFailure,
			errs.WithSymbol(symbol), errs.WithCause(err))
	}
	return q, nil
}

func (s *RPCSource) getAccountInfo(ctx context.Context, account string) ([]byte, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      s.ids.Add(1),
		Method:  "getAccountInfo",
		Params: []any{
			account,
			map[string]string{"encoding": "base64", "commitment": s.commitment},
		},
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errs.New("pyth/rpc", errs.CodeOracleParseFailure, errs.WithCause(err))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errs.New("pyth/rpc", errs.CodeOracleNetworkFailure, errs.WithCause(err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, errs.New("pyth/rpc", errs.CodeOracleNetworkFailure,
			errs.WithMessage("request account"), errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, errs.New("pyth/rpc", errs.CodeOracleNetworkFailure,
			errs.WithMessage(fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))))
	}

	var payload accountInfoResponse
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(&payload); err != nil {
		return nil, errs.New("pyth/rpc", errs.CodeOracleParseFailure,
			errs.WithMessage("decode response"), errs.WithCause(err))
	}
	if payload.Error != nil {
		return nil, errs.New("pyth/rpc", errs.CodeOracleInvalidAccount,
			errs.WithMessage(fmt.Sprintf("rpc error %d: %s", payload.Error.Code, payload.Error.Message)))
	}
	if payload.Result == nil || payload.Result.Value == nil {
		return nil, errs.New("pyth/rpc", errs.CodeOracleInvalidAccount,
			errs.WithMessage("account not found"), errs.WithField("account", account))
	}
	data := payload.Result.Value.Data
	if len(data) < 2 || data[1] != "base64" {
		return nil, errs.New("pyth/rpc", errs.CodeOracleParseFailure, errs.WithMessage("unexpected account encoding"))
	}
	raw, err := base64.StdEncoding.DecodeString(data[0])
	if err != nil {
		return nil, errs.New("pyth/rpc", errs.CodeOracleParseFailure,
			errs.WithMessage("decode base64"), errs.WithCause(err))
	}
	return raw, nil
}
