package adapters

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MockExecutionBackend is a programmable backend for tests. FailNext
// makes the next n submissions fail terminally; submissions are recorded
// in order.
type MockExecutionBackend struct {
	mu          sync.Mutex
	Submissions []MockSubmission
	failNext    int
	failActions map[string]int
	nextID      int
}

type MockSubmission struct {
	Action string
	Params map[string]string
	TxID   string
}

func NewMockExecutionBackend() *MockExecutionBackend {
	return &MockExecutionBackend{failActions: make(map[string]int)}
}

func (m *MockExecutionBackend) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
}

// FailAction makes the next n submissions of a specific action fail
// while other actions keep succeeding.
func (m *MockExecutionBackend) FailAction(action string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failActions[action] = n
}

func (m *MockExecutionBackend) Submit(ctx context.Context, action string, params map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failNext > 0 {
		m.failNext--
		return "", fmt.Errorf("%w: injected failure", ErrExecutionFailure)
	}
	if m.failActions[action] > 0 {
		m.failActions[action]--
		return "", fmt.Errorf("%w: injected %s failure", ErrExecutionFailure, action)
	}

	m.nextID++
	txID := fmt.Sprintf("mock-tx-%d", m.nextID)
	m.Submissions = append(m.Submissions, MockSubmission{Action: action, Params: params, TxID: txID})
	return txID, nil
}

func (m *MockExecutionBackend) SubmissionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Submissions)
}

// MockQuoteService serves fixed prices from memory. Pools without an
// entry default to 100.
type MockQuoteService struct {
	mu     sync.Mutex
	Prices map[string]decimal.Decimal
	Err    error
}

func NewMockQuoteService() *MockQuoteService {
	return &MockQuoteService{Prices: make(map[string]decimal.Decimal)}
}

func (m *MockQuoteService) SetPrice(id string, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Prices[id] = price
}

func (m *MockQuoteService) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Err = err
}

func (m *MockQuoteService) GetPrice(ctx context.Context, poolID string) (PriceQuote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return PriceQuote{}, m.Err
	}
	price, ok := m.Prices[poolID]
	if !ok {
		price = decimal.NewFromInt(100)
	}
	return PriceQuote{Value: price, Confidence: 0.99, Timestamp: time.Now()}, nil
}

func (m *MockQuoteService) GetQuote(ctx context.Context, tokenIn, tokenOut string, amountUSD decimal.Decimal) (SwapQuote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return SwapQuote{}, m.Err
	}
	return SwapQuote{
		OutAmount:   amountUSD.Mul(decimal.NewFromFloat(0.997)),
		PriceImpact: decimal.NewFromFloat(0.003),
	}, nil
}
