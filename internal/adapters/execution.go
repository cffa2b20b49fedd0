package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/cmorris/tradeforge/internal/config"
	"github.com/cmorris/tradeforge/internal/observ"
	"github.com/cmorris/tradeforge/internal/retry"
)

// ErrExecutionFailure wraps terminal backend errors: the submission did
// not happen, no exposure was committed, position state is unchanged.
var ErrExecutionFailure = errors.New("execution failure")

// ErrTransient marks upstream failures worth retrying. Once the retry
// policy is exhausted they surface as ErrExecutionFailure.
var ErrTransient = errors.New("transient service failure")

// ExecutionBackend submits venue actions. The orchestrator treats tx ids
// as opaque; retries happen only through the shared policy.
type ExecutionBackend interface {
	Submit(ctx context.Context, action string, params map[string]string) (txID string, err error)
}

// HTTPBackend submits to the venue sidecar over HTTP. Rate-limited so a
// burst of signals cannot hammer the signer.
type HTTPBackend struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	policy     retry.Policy
}

func NewHTTPBackend(cfg config.Execution, policy retry.Policy) *HTTPBackend {
	return &HTTPBackend{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: time.Duration(cfg.TimeoutMs) * time.Millisecond},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimitPerSec), 1),
		policy:     policy,
	}
}

type submitRequest struct {
	Action string            `json:"action"`
	Params map[string]string `json:"params,omitempty"`
}

type submitResponse struct {
	TxID  string `json:"tx_id"`
	Error string `json:"error,omitempty"`
}

func (b *HTTPBackend) Submit(ctx context.Context, action string, params map[string]string) (string, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return "", err
	}

	var txID string
	err := b.policy.Do(ctx, "execution_submit", func() error {
		id, err := b.submitOnce(ctx, action, params)
		if err != nil {
			return err
		}
		txID = id
		return nil
	})
	if err != nil {
		observ.IncCounter("execution_submissions_total", map[string]string{"result": "error", "action": action})
		if errors.Is(err, ErrTransient) {
			return "", fmt.Errorf("%w: %v", ErrExecutionFailure, err)
		}
		return "", err
	}

	observ.IncCounter("execution_submissions_total", map[string]string{"result": "ok", "action": action})
	return txID, nil
}

func (b *HTTPBackend) submitOnce(ctx context.Context, action string, params map[string]string) (string, error) {
	body, err := json.Marshal(submitRequest{Action: action, Params: params})
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("%w: marshal request: %v", ErrExecutionFailure, err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/v1/submit", bytes.NewReader(body))
	if err != nil {
		return "", retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("%w: backend status %d", ErrTransient, resp.StatusCode)
	case resp.StatusCode >= 400:
		return "", retry.Permanent(fmt.Errorf("%w: backend status %d", ErrExecutionFailure, resp.StatusCode))
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrTransient, err)
	}
	if out.Error != "" {
		return "", retry.Permanent(fmt.Errorf("%w: %s", ErrExecutionFailure, out.Error))
	}
	if out.TxID == "" {
		return "", retry.Permanent(fmt.Errorf("%w: backend returned no tx id", ErrExecutionFailure))
	}
	return out.TxID, nil
}
