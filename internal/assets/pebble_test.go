package assets

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPebbleStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewPebbleStore(dir)
	require.NoError(t, err)
	l := openLedger(t, store)

	id0, err := l.Mint(ctx, service, "alice", pkg("p0"), payment(50))
	require.NoError(t, err)
	id1, err := l.Mint(ctx, service, "bob", pkg("p1"), payment(70))
	require.NoError(t, err)
	price := uint64(5)
	require.NoError(t, l.Transfer(ctx, id0, "alice", "bob", &price))
	require.NoError(t, store.Close())

	reopened, err := NewPebbleStore(dir)
	require.NoError(t, err)
	defer reopened.Close()
	l2 := openLedger(t, reopened)

	require.Equal(t, 2, l2.Len())
	require.Equal(t, []uint64{id0, id1}, l2.GetOwnerTokens("bob"))
	require.Empty(t, l2.GetOwnerTokens("alice"))

	hist, err := l2.GetTransferHistory(id0)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	require.Equal(t, uint64(5), *hist[1].Price)

	p, err := l2.GetPackage(id1)
	require.NoError(t, err)
	require.Equal(t, "p1", p.ID())
	require.JSONEq(t, `[1,2,3]`, string(p.RawData))

	id2, err := l2.Mint(ctx, service, "carol", pkg("p2"), payment(1))
	require.NoError(t, err)
	require.Equal(t, uint64(2), id2)
}
