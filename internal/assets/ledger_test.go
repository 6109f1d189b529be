package assets

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sensororacle/internal/apperr"
	"sensororacle/internal/datapackage"
)

const service = "oracle-service"

func pkg(id string) *datapackage.Package {
	return &datapackage.Package{
		RawData:  []byte(`[1,2,3]`),
		Metadata: datapackage.Metadata{PackageID: id, DataType: "temperature", Unit: "C"},
	}
}

func payment(amount uint64) PaymentInfo {
	return NewPaymentInfo(amount, "T1", time.Unix(1_700_000_000, 0), time.Hour)
}

func openLedger(t *testing.T, store Store) *Ledger {
	t.Helper()
	clock := time.Unix(1_700_000_000, 0)
	l, err := Open(context.Background(), store, WithClock(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}))
	require.NoError(t, err)
	return l
}

func TestMintAllocatesIncreasingIDs(t *testing.T) {
	l := openLedger(t, NewMemoryStore())
	ctx := context.Background()

	id0, err := l.Mint(ctx, service, "alice", pkg("p0"), payment(50))
	require.NoError(t, err)
	id1, err := l.Mint(ctx, service, "alice", pkg("p1"), payment(60))
	require.NoError(t, err)

	require.Equal(t, uint64(0), id0)
	require.Equal(t, uint64(1), id1)
	require.Equal(t, []uint64{0, 1}, l.GetOwnerTokens("alice"))

	meta, err := l.GetMetadata(id0)
	require.NoError(t, err)
	require.Equal(t, "alice", meta.Owner)
	require.Equal(t, "p0", meta.PackageID)
	require.Len(t, meta.TransferHistory, 1)
	first := meta.TransferHistory[0]
	require.Equal(t, service, first.From)
	require.Equal(t, "alice", first.To)
	require.NotNil(t, first.Price)
	require.Equal(t, uint64(50), *first.Price)

	p, err := l.GetPackage(id1)
	require.NoError(t, err)
	require.Equal(t, "p1", p.ID())
}

func TestMintRejectsRefundedPayment(t *testing.T) {
	l := openLedger(t, NewMemoryStore())
	pay := payment(50)
	pay.Status = PaymentRefunded

	_, err := l.Mint(context.Background(), service, "alice", pkg("p0"), pay)
	require.ErrorIs(t, err, apperr.ErrInvalidTransaction)
	require.Zero(t, l.Len())
}

func TestTransferByOwner(t *testing.T) {
	l := openLedger(t, NewMemoryStore())
	ctx := context.Background()
	id, err := l.Mint(ctx, service, "alice", pkg("p0"), payment(50))
	require.NoError(t, err)

	price := uint64(10)
	require.NoError(t, l.Transfer(ctx, id, "alice", "bob", &price))

	meta, err := l.GetMetadata(id)
	require.NoError(t, err)
	require.Equal(t, "bob", meta.Owner)
	require.Empty(t, l.GetOwnerTokens("alice"))
	require.Equal(t, []uint64{id}, l.GetOwnerTokens("bob"))

	hist, err := l.GetTransferHistory(id)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	require.Equal(t, "alice", hist[1].From)
	require.Equal(t, "bob", hist[1].To)
	require.Equal(t, uint64(10), *hist[1].Price)
	require.False(t, hist[1].Timestamp.Before(hist[0].Timestamp))

	require.NoError(t, l.Transfer(ctx, id, "bob", "carol", nil))
	hist, err = l.GetTransferHistory(id)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	require.Nil(t, hist[2].Price)
}

func TestTransferByNonOwnerLeavesStateUnchanged(t *testing.T) {
	l := openLedger(t, NewMemoryStore())
	ctx := context.Background()
	id, err := l.Mint(ctx, service, "payer", pkg("p0"), payment(50))
	require.NoError(t, err)
	before, err := l.GetMetadata(id)
	require.NoError(t, err)

	price := uint64(10)
	err = l.Transfer(ctx, id, "carol", "bob", &price)
	require.ErrorIs(t, err, apperr.ErrUnauthorized)

	after, err := l.GetMetadata(id)
	require.NoError(t, err)
	require.Equal(t, before, after)
	require.Equal(t, []uint64{id}, l.GetOwnerTokens("payer"))
	require.Empty(t, l.GetOwnerTokens("bob"))
}

func TestUnknownTokenLookups(t *testing.T) {
	l := openLedger(t, NewMemoryStore())

	_, err := l.GetMetadata(9)
	require.ErrorIs(t, err, apperr.ErrInvalidPackage)
	_, err = l.GetPackage(9)
	require.ErrorIs(t, err, apperr.ErrInvalidPackage)
	_, err = l.GetTransferHistory(9)
	require.ErrorIs(t, err, apperr.ErrInvalidPackage)
	err = l.Transfer(context.Background(), 9, "a", "b", nil)
	require.ErrorIs(t, err, apperr.ErrInvalidPackage)
	require.Empty(t, l.GetOwnerTokens("nobody"))
}

func TestReadsReturnCopies(t *testing.T) {
	l := openLedger(t, NewMemoryStore())
	id, err := l.Mint(context.Background(), service, "alice", pkg("p0"), payment(50))
	require.NoError(t, err)

	meta, _ := l.GetMetadata(id)
	*meta.TransferHistory[0].Price = 999
	meta.TransferHistory = append(meta.TransferHistory, TransferRecord{From: "x"})

	again, _ := l.GetMetadata(id)
	require.Len(t, again.TransferHistory, 1)
	require.Equal(t, uint64(50), *again.TransferHistory[0].Price)
}

func TestStorageFaultLeavesMemoryUnchanged(t *testing.T) {
	store := &faultyStore{MemoryStore: NewMemoryStore()}
	l := openLedger(t, store)
	ctx := context.Background()

	store.failMint = true
	_, err := l.Mint(ctx, service, "alice", pkg("p0"), payment(50))
	require.Error(t, err)
	require.Zero(t, l.Len())
	require.Empty(t, l.GetOwnerTokens("alice"))

	store.failMint = false
	id, err := l.Mint(ctx, service, "alice", pkg("p0"), payment(50))
	require.NoError(t, err)
	require.Equal(t, uint64(1), id, "failed allocation is not reused")

	store.failTransfer = true
	require.Error(t, l.Transfer(ctx, id, "alice", "bob", nil))
	meta, _ := l.GetMetadata(id)
	require.Equal(t, "alice", meta.Owner)
	require.Len(t, meta.TransferHistory, 1)
}

func TestConcurrentMintsKeepIndexConsistent(t *testing.T) {
	l := openLedger(t, NewMemoryStore())
	ctx := context.Background()
	owners := []string{"a", "b", "c", "d"}

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := l.Mint(ctx, service, owners[i%len(owners)], pkg("p"), payment(1)); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	seen := map[uint64]string{}
	for _, o := range owners {
		for _, id := range l.GetOwnerTokens(o) {
			_, dup := seen[id]
			require.False(t, dup)
			seen[id] = o
			meta, err := l.GetMetadata(id)
			require.NoError(t, err)
			require.Equal(t, o, meta.Owner)
		}
	}
	require.Len(t, seen, 40)
	require.Equal(t, 40, l.Len())
}

func TestPaymentStatusAt(t *testing.T) {
	p := payment(1)
	require.Equal(t, PaymentActive, p.StatusAt(p.PaidAt))
	require.Equal(t, PaymentExpired, p.StatusAt(p.ExpiresAt))
	p.Status = PaymentRefunded
	require.Equal(t, PaymentRefunded, p.StatusAt(p.ExpiresAt.Add(time.Hour)))
}

type faultyStore struct {
	*MemoryStore
	failMint     bool
	failTransfer bool
}

func (f *faultyStore) SaveMint(ctx context.Context, a Asset, p *datapackage.Package, next uint64) error {
	if f.failMint {
		return errors.New("disk full")
	}
	return f.MemoryStore.SaveMint(ctx, a, p, next)
}

func (f *faultyStore) SaveTransfer(ctx context.Context, a Asset) error {
	if f.failTransfer {
		return errors.New("disk full")
	}
	return f.MemoryStore.SaveTransfer(ctx, a)
}
