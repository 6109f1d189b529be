package ledger

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemoryService is an in-process settlement ledger for local runs and tests.
// Fees are burned.
type MemoryService struct {
	mu       sync.Mutex
	balances map[string]uint64
	nextTx   uint64
	window   *dedupWindow
	now      func() time.Time
}

func NewMemoryService() *MemoryService {
	return &MemoryService{
		balances: make(map[string]uint64),
		nextTx:   1,
		window:   newDedupWindow(),
		now:      time.Now,
	}
}

// SetClock overrides the service clock used for the acceptance window.
func (m *MemoryService) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Deposit credits account out of thin air.
func (m *MemoryService) Deposit(account string, amount uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[account] += amount
}

func (m *MemoryService) Balance(_ context.Context, account string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[account], nil
}

func (m *MemoryService) Transfer(_ context.Context, args TransferArgs) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if terr := m.window.check(args, m.now()); terr != nil {
		return "", terr
	}
	bal := m.balances[args.From]
	total := args.Amount + args.Fee
	if total < args.Amount || bal < total {
		return "", &TransferError{Kind: InsufficientFunds, Balance: bal}
	}
	m.balances[args.From] = bal - total
	m.balances[args.To] += args.Amount

	id := "T" + strconv.FormatUint(m.nextTx, 10)
	m.nextTx++
	m.window.remember(args, id)
	return id, nil
}

func (m *MemoryService) Ping(context.Context) error { return nil }
