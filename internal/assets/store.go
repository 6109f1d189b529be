package assets

import (
	"context"
	"sync"

	"sensororacle/internal/datapackage"
)

// Snapshot is the persisted ledger state.
type Snapshot struct {
	NextTokenID uint64
	Assets      []Asset
	Packages    []*datapackage.Package
}

// Store persists ledger mutations. SaveMint must write the asset, its
// package and the token counter atomically.
type Store interface {
	Load(ctx context.Context) (*Snapshot, error)
	SaveMint(ctx context.Context, asset Asset, pkg *datapackage.Package, nextTokenID uint64) error
	SaveTransfer(ctx context.Context, asset Asset) error
	Close() error
}

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu       sync.Mutex
	nextID   uint64
	assets   map[uint64]Asset
	packages map[string]*datapackage.Package
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assets:   make(map[uint64]Asset),
		packages: make(map[string]*datapackage.Package),
	}
}

func (m *MemoryStore) Load(context.Context) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := &Snapshot{NextTokenID: m.nextID}
	for _, a := range m.assets {
		snap.Assets = append(snap.Assets, a.clone())
	}
	for _, p := range m.packages {
		snap.Packages = append(snap.Packages, p.Clone())
	}
	return snap, nil
}

func (m *MemoryStore) SaveMint(_ context.Context, asset Asset, pkg *datapackage.Package, nextTokenID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assets[asset.TokenID] = asset.clone()
	m.packages[pkg.ID()] = pkg.Clone()
	m.nextID = nextTokenID
	return nil
}

func (m *MemoryStore) SaveTransfer(_ context.Context, asset Asset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assets[asset.TokenID] = asset.clone()
	return nil
}

func (m *MemoryStore) Close() error { return nil }
