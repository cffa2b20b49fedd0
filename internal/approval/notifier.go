package approval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cmorris/tradeforge/internal/config"
	"github.com/cmorris/tradeforge/internal/observ"
	"github.com/cmorris/tradeforge/internal/retry"
)

type webhookField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type webhookAttachment struct {
	Color  string         `json:"color"`
	Fields []webhookField `json:"fields"`
}

type webhookMessage struct {
	Channel     string              `json:"channel,omitempty"`
	Text        string              `json:"text"`
	Attachments []webhookAttachment `json:"attachments,omitempty"`
}

type queuedPrompt struct {
	requestID string
	details   Details
}

// WebhookNotifier posts approval prompts to a chat webhook. Prompts go
// through a bounded queue drained by a single worker; delivery failures
// retry per the shared policy and are dropped after exhaustion rather
// than blocking signal processing.
type WebhookNotifier struct {
	cfg        config.Approval
	httpClient *http.Client
	queue      chan queuedPrompt
	policy     retry.Policy

	mu       sync.Mutex
	sentTime []time.Time // per-minute rate limit window

	ctx    context.Context
	cancel context.CancelFunc
}

func NewWebhookNotifier(cfg config.Approval, policy retry.Policy) *WebhookNotifier {
	ctx, cancel := context.WithCancel(context.Background())
	n := &WebhookNotifier{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		queue:      make(chan queuedPrompt, 100),
		policy:     policy,
		ctx:        ctx,
		cancel:     cancel,
	}
	go n.worker()
	return n
}

// Notify enqueues the prompt. Posting happens on the worker goroutine so
// the gate's critical section never waits on the network.
func (n *WebhookNotifier) Notify(ctx context.Context, requestID string, d Details) error {
	if n.isRateLimited() {
		observ.IncCounter("approval_prompts_rate_limited_total", nil)
		return fmt.Errorf("approval prompt rate limit reached")
	}

	select {
	case n.queue <- queuedPrompt{requestID: requestID, details: d}:
		return nil
	default:
		observ.IncCounter("approval_prompts_dropped_total", nil)
		return fmt.Errorf("approval prompt queue full")
	}
}

func (n *WebhookNotifier) isRateLimited() bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	cutoff := time.Now().Add(-time.Minute)
	filtered := n.sentTime[:0]
	for _, t := range n.sentTime {
		if t.After(cutoff) {
			filtered = append(filtered, t)
		}
	}
	n.sentTime = filtered

	if len(n.sentTime) >= n.cfg.RateLimitPerMin {
		return true
	}
	n.sentTime = append(n.sentTime, time.Now())
	return false
}

func (n *WebhookNotifier) worker() {
	for {
		select {
		case <-n.ctx.Done():
			return
		case p := <-n.queue:
			err := n.policy.Do(n.ctx, "approval_webhook", func() error {
				return n.post(p)
			})
			if err != nil {
				observ.LogError("approval_prompt_failed", err, map[string]any{
					"request_id": p.requestID,
				})
				observ.IncCounter("approval_prompt_errors_total", nil)
				continue
			}
			observ.IncCounter("approval_prompts_sent_total", nil)
		}
	}
}

func (n *WebhookNotifier) post(p queuedPrompt) error {
	msg := n.formatMessage(p)
	payload, err := json.Marshal(msg)
	if err != nil {
		return retry.Permanent(err)
	}

	req, err := http.NewRequestWithContext(n.ctx, http.MethodPost, n.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return retry.Permanent(fmt.Errorf("webhook rejected prompt: status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}

func (n *WebhookNotifier) formatMessage(p queuedPrompt) webhookMessage {
	d := p.details
	text := fmt.Sprintf("🔐 Approval required: %s %s for $%s", d.Action, d.Symbol, d.AmountUSD.StringFixed(2))

	fields := []webhookField{
		{Title: "Request ID", Value: p.requestID, Short: false},
		{Title: "Action", Value: d.Action, Short: true},
		{Title: "Amount", Value: "$" + d.AmountUSD.StringFixed(2), Short: true},
		{Title: "Pool", Value: d.PoolID, Short: true},
		{Title: "Symbol", Value: d.Symbol, Short: true},
	}

	return webhookMessage{
		Channel: n.cfg.Channel,
		Text:    text,
		Attachments: []webhookAttachment{{
			Color:  "warning",
			Fields: fields,
		}},
	}
}

func (n *WebhookNotifier) Close() {
	n.cancel()
}
