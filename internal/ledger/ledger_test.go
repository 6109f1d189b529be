package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sensororacle/internal/apperr"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestClientTransferAppliesFeeAndMemo(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	svc := &recordingService{id: "T1"}
	c := NewClient(svc, WithClock(fixedClock(now)))

	id, err := c.Transfer(context.Background(), "payer", "service", 500)
	require.NoError(t, err)
	require.Equal(t, "T1", id)
	require.Len(t, svc.calls, 1)
	require.Equal(t, TransferArgs{
		From:      "payer",
		To:        "service",
		Amount:    500,
		Fee:       DefaultFee,
		Memo:      []byte(DefaultMemo),
		CreatedAt: now,
	}, svc.calls[0])
}

func TestClientStampsCreatedAtPerCall(t *testing.T) {
	ticks := []time.Time{time.Unix(100, 0), time.Unix(200, 0)}
	i := 0
	svc := &recordingService{id: "T"}
	c := NewClient(svc, WithClock(func() time.Time {
		ts := ticks[i]
		i++
		return ts
	}))

	_, err := c.Transfer(context.Background(), "a", "b", 1)
	require.NoError(t, err)
	_, err = c.Refund(context.Background(), "b", "a", 1)
	require.NoError(t, err)

	require.Equal(t, ticks[0], svc.calls[0].CreatedAt)
	require.Equal(t, ticks[1], svc.calls[1].CreatedAt)
	require.Equal(t, "b", svc.calls[1].From)
	require.Equal(t, "a", svc.calls[1].To)
}

func TestClientNormalizesTransportErrors(t *testing.T) {
	svc := &recordingService{err: errors.New("connection refused")}
	c := NewClient(svc)

	_, err := c.Balance(context.Background(), "payer")
	require.ErrorIs(t, err, apperr.ErrNetwork)

	_, err = c.Transfer(context.Background(), "payer", "service", 1)
	require.ErrorIs(t, err, apperr.ErrNetwork)
}

func TestClientPassesTransferErrorsThrough(t *testing.T) {
	svc := &recordingService{err: &TransferError{Kind: DuplicateRequest, Original: "T9"}}
	c := NewClient(svc)

	_, err := c.Transfer(context.Background(), "payer", "service", 1)
	te, ok := AsTransferError(err)
	require.True(t, ok)
	require.Equal(t, DuplicateRequest, te.Kind)
	require.Equal(t, "T9", te.Original)
	require.NotErrorIs(t, err, apperr.ErrNetwork)
}

func TestMemoryServiceTransfer(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	svc := NewMemoryService()
	svc.SetClock(fixedClock(now))
	svc.Deposit("payer", 100)
	ctx := context.Background()

	args := TransferArgs{From: "payer", To: "service", Amount: 40, Fee: 10, Memo: []byte("m"), CreatedAt: now}
	id, err := svc.Transfer(ctx, args)
	require.NoError(t, err)
	require.Equal(t, "T1", id)

	bal, _ := svc.Balance(ctx, "payer")
	require.Equal(t, uint64(50), bal)
	bal, _ = svc.Balance(ctx, "service")
	require.Equal(t, uint64(40), bal)

	_, err = svc.Transfer(ctx, args)
	te, ok := AsTransferError(err)
	require.True(t, ok)
	require.Equal(t, DuplicateRequest, te.Kind)
	require.Equal(t, "T1", te.Original)

	args.CreatedAt = now.Add(time.Second)
	args.Amount = 45
	_, err = svc.Transfer(ctx, args)
	te, ok = AsTransferError(err)
	require.True(t, ok)
	require.Equal(t, InsufficientFunds, te.Kind)
	require.Equal(t, uint64(50), te.Balance)
}

func TestMemoryServiceWindow(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	svc := NewMemoryService()
	svc.SetClock(fixedClock(now))
	svc.Deposit("payer", 1_000)
	ctx := context.Background()

	_, err := svc.Transfer(ctx, TransferArgs{From: "payer", To: "s", Amount: 1, CreatedAt: now.Add(-25 * time.Hour)})
	te, ok := AsTransferError(err)
	require.True(t, ok)
	require.Equal(t, StaleRequest, te.Kind)

	_, err = svc.Transfer(ctx, TransferArgs{From: "payer", To: "s", Amount: 1, CreatedAt: now.Add(5 * time.Minute)})
	te, ok = AsTransferError(err)
	require.True(t, ok)
	require.Equal(t, FutureRequest, te.Kind)

	_, err = svc.Transfer(ctx, TransferArgs{From: "payer", To: "s", Amount: 1, CreatedAt: now.Add(time.Minute)})
	require.NoError(t, err)
}

func TestIsBalanceRevert(t *testing.T) {
	require.True(t, isBalanceRevert(errors.New("execution reverted: ERC20: transfer amount exceeds balance")))
	require.True(t, isBalanceRevert(errors.New("execution reverted: ERC20InsufficientAllowance")))
	require.False(t, isBalanceRevert(errors.New("nonce too low")))
}

type recordingService struct {
	id    string
	err   error
	calls []TransferArgs
}

func (s *recordingService) Balance(context.Context, string) (uint64, error) {
	if s.err != nil {
		return 0, s.err
	}
	return 0, nil
}

func (s *recordingService) Transfer(_ context.Context, args TransferArgs) (string, error) {
	s.calls = append(s.calls, args)
	if s.err != nil {
		return "", s.err
	}
	return s.id, nil
}
