package memory

import (
	"context"
	"sync"

	"github.com/alanyoungcy/poolledger/internal/domain"
	"github.com/alanyoungcy/poolledger/internal/fixedpoint"
)

// Executor is a scriptable domain.OnChainExecutor for tests.
type Executor struct {
	mu    sync.Mutex
	calls []ExecutorCall

	// Result and Err are returned from every Redeem call.
	Result domain.ExecutionResult
	Err    error
}

// ExecutorCall records one Redeem invocation.
type ExecutorCall struct {
	ChainPoolID     int64
	InvestorAddress string
	Shares          fixedpoint.Shares
}

func NewExecutor() *Executor {
	return &Executor{}
}

func (e *Executor) Redeem(_ context.Context, chainPoolID int64, investorAddress string, shares fixedpoint.Shares) (domain.ExecutionResult, error) {
	e.mu.Lock()
	e.calls = append(e.calls, ExecutorCall{
		ChainPoolID:     chainPoolID,
		InvestorAddress: investorAddress,
		Shares:          shares,
	})
	e.mu.Unlock()
	if e.Err != nil {
		return domain.ExecutionResult{}, e.Err
	}
	return e.Result, nil
}

// Calls returns the recorded Redeem invocations.
func (e *Executor) Calls() []ExecutorCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ExecutorCall, len(e.calls))
	copy(out, e.calls)
	return out
}

var _ domain.OnChainExecutor = (*Executor)(nil)

// BlobWriter is an in-memory domain.BlobWriter.
type BlobWriter struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func NewBlobWriter() *BlobWriter {
	return &BlobWriter{objects: make(map[string][]byte)}
}

func (w *BlobWriter) Put(_ context.Context, key string, body []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	buf := make([]byte, len(body))
	copy(buf, body)
	w.objects[key] = buf
	return nil
}

// Get returns a stored object and whether it exists.
func (w *BlobWriter) Get(key string) ([]byte, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.objects[key]
	return b, ok
}

// Keys returns all stored object keys.
func (w *BlobWriter) Keys() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	keys := make([]string, 0, len(w.objects))
	for k := range w.objects {
		keys = append(keys, k)
	}
	return keys
}

var _ domain.BlobWriter = (*BlobWriter)(nil)
