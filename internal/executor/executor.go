// Package executor is the boundary adapter to the external execution
// service. The remote is treated as unreliable: transient failures are
// retried with bounded exponential backoff behind a circuit breaker, while
// failures that would recur on replay are surfaced as terminal.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"driftwatch/internal/drift"
)

const executionsPath = "/executions"

// Execution is the gateway's result reference for a submitted rebalance.
type Execution struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
	TxHash      string `json:"tx_hash"`
}

// Gateway submits approved rebalances to the execution service.
type Gateway interface {
	Submit(ctx context.Context, wallet string, target drift.Allocation, slippagePct decimal.Decimal) (Execution, error)
}

// TerminalError marks a submission failure that will not succeed on replay
// (invalid allocation sum, insufficient funds, gas estimation) and must not
// be retried within the cycle.
type TerminalError struct {
	Kind    string
	Message string
}

func (e *TerminalError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("execution rejected (%s): %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("execution rejected (%s)", e.Kind)
}

// IsTerminal reports whether err is a non-retryable submission failure.
func IsTerminal(err error) bool {
	var terminal *TerminalError
	return errors.As(err, &terminal)
}

// Options parameterise the HTTP gateway.
type Options struct {
	BaseURL        string
	Timeout        time.Duration
	UserAgent      string
	RetryAttempts  int
	RetryBaseDelay time.Duration
}

// HTTPGateway talks to the execution service over HTTP.
type HTTPGateway struct {
	opts    Options
	logger  zerolog.Logger
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	baseURL string
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewHTTPGateway constructs the execution-service adapter.
func NewHTTPGateway(opts Options, logger zerolog.Logger) *HTTPGateway {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if opts.RetryAttempts < 1 {
		opts.RetryAttempts = 3
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = time.Second
	}

	settings := gobreaker.Settings{Name: "execution-service"}
	settings.Interval = 60 * time.Second
	settings.Timeout = 60 * time.Second
	settings.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 5
	}

	return &HTTPGateway{
		opts:    opts,
		logger:  logger.With().Str("component", "execution_gateway").Logger(),
		client:  &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(settings),
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		sleep:   sleepCtx,
	}
}

type submitRequest struct {
	WalletAddress        string             `json:"wallet_address"`
	TargetAllocation     map[string]float64 `json:"target_allocation"`
	SlippageTolerancePct float64            `json:"slippage_tolerance_percent"`
}

type errorResponse struct {
	ErrorType   string `json:"errorType"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

// Submit sends one rebalance to the execution service, retrying transient
// failures with exponential backoff. Terminal failures return immediately.
func (g *HTTPGateway) Submit(ctx context.Context, wallet string, target drift.Allocation, slippagePct decimal.Decimal) (Execution, error) {
	if g.baseURL == "" {
		return Execution{}, errors.New("executor base url not configured")
	}

	payload := submitRequest{
		WalletAddress:        wallet,
		TargetAllocation:     make(map[string]float64, len(target)),
		SlippageTolerancePct: slippagePct.InexactFloat64(),
	}
	for symbol, pct := range target {
		payload.TargetAllocation[symbol] = pct.InexactFloat64()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Execution{}, err
	}

	var lastErr error
	for attempt := 1; attempt <= g.opts.RetryAttempts; attempt++ {
		if attempt > 1 {
			delay := g.opts.RetryBaseDelay << (attempt - 2)
			g.logger.Warn().Err(lastErr).
				Str("wallet", wallet).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("retrying execution submission")
			if err := g.sleep(ctx, delay); err != nil {
				return Execution{}, err
			}
		}

		exec, err := g.submitOnce(ctx, body)
		if err == nil {
			return exec, nil
		}
		if IsTerminal(err) {
			return Execution{}, err
		}
		if errors.Is(err, gobreaker.ErrOpenState) {
			// The breaker will stay open for its whole timeout; retrying
			// inside this cycle is pointless.
			return Execution{}, err
		}
		lastErr = err
	}

	return Execution{}, fmt.Errorf("execution submission failed after %d attempts: %w", g.opts.RetryAttempts, lastErr)
}

func (g *HTTPGateway) submitOnce(ctx context.Context, body []byte) (Execution, error) {
	result, err := g.breaker.Execute(func() (interface{}, error) {
		return g.doRequest(ctx, body)
	})
	if err != nil {
		return Execution{}, err
	}
	return result.(Execution), nil
}

func (g *HTTPGateway) doRequest(ctx context.Context, body []byte) (Execution, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+executionsPath, bytes.NewReader(body))
	if err != nil {
		return Execution{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(g.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return Execution{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return Execution{}, err
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var exec Execution
		if err := json.Unmarshal(payload, &exec); err != nil {
			return Execution{}, fmt.Errorf("decode execution response: %w", err)
		}
		if exec.ExecutionID == "" {
			return Execution{}, errors.New("execution service returned no execution_id")
		}
		return exec, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout:
		// Rate limiting and request timeouts clear on their own.
		return Execution{}, transientFromPayload(resp.StatusCode, payload)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// Other client-class rejections recur on replay.
		return Execution{}, terminalFromPayload(resp.StatusCode, payload)
	default:
		return Execution{}, transientFromPayload(resp.StatusCode, payload)
	}
}

func terminalFromPayload(status int, payload []byte) error {
	kind := fmt.Sprintf("http_%d", status)
	message := strings.TrimSpace(string(payload))

	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.ErrorType != "" {
			kind = apiErr.ErrorType
		}
		if apiErr.Description != "" {
			message = apiErr.Description
		} else if apiErr.Message != "" {
			message = apiErr.Message
		}
	}

	return &TerminalError{Kind: kind, Message: message}
}

func transientFromPayload(status int, payload []byte) error {
	trimmed := strings.TrimSpace(string(payload))
	if trimmed != "" {
		return fmt.Errorf("execution service error (%d): %s", status, trimmed)
	}
	return fmt.Errorf("execution service error (%d)", status)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ Gateway = (*HTTPGateway)(nil)
