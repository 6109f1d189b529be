package assets

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"sensororacle/internal/apperr"
	"sensororacle/internal/datapackage"
)

var log = logging.Logger("assets")

// Ledger is the in-memory view of all minted assets, written through to a
// Store. Every mutation persists first and then updates memory under one
// lock, so readers never see a half-applied owner index.
type Ledger struct {
	store Store
	now   func() time.Time

	mu       sync.RWMutex
	nextID   uint64
	assets   map[uint64]*Asset
	packages map[string]*datapackage.Package
	owners   map[string]map[uint64]struct{}
}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// Open loads the ledger state from store and rebuilds the owner index.
func Open(ctx context.Context, store Store, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		store:    store,
		now:      time.Now,
		assets:   make(map[uint64]*Asset),
		packages: make(map[string]*datapackage.Package),
		owners:   make(map[string]map[uint64]struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	snap, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load asset ledger: %w", err)
	}
	l.nextID = snap.NextTokenID
	for _, pkg := range snap.Packages {
		l.packages[pkg.ID()] = pkg
	}
	for i := range snap.Assets {
		a := snap.Assets[i]
		l.assets[a.TokenID] = &a
		l.indexLocked(a.Owner, a.TokenID)
		if a.TokenID >= l.nextID {
			l.nextID = a.TokenID + 1
		}
	}
	log.Infow("asset ledger loaded", "assets", len(l.assets), "packages", len(l.packages), "nextTokenId", l.nextID)
	return l, nil
}

// Mint records a new asset owned by owner. The first provenance entry is the
// sale from serviceAccount at the paid amount. An allocated id is never
// handed out again, even when persisting fails.
func (l *Ledger) Mint(ctx context.Context, serviceAccount, owner string, pkg *datapackage.Package, payment PaymentInfo) (uint64, error) {
	if strings.TrimSpace(owner) == "" {
		return 0, apperr.New(apperr.CodeInvalidRequest, "owner is required")
	}
	if pkg == nil || pkg.ID() == "" {
		return 0, apperr.New(apperr.CodeInvalidPackage, "package has no id")
	}
	if payment.Status == PaymentRefunded {
		return 0, apperr.New(apperr.CodeInvalidTransaction, "refunded payment cannot back an asset")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tokenID := l.nextID
	l.nextID++

	now := l.now()
	price := payment.Amount
	asset := Asset{
		TokenID:   tokenID,
		Owner:     owner,
		CreatedAt: now,
		PackageID: pkg.ID(),
		Payment:   payment,
		TransferHistory: []TransferRecord{{
			From:      serviceAccount,
			To:        owner,
			Timestamp: now,
			Price:     &price,
		}},
	}

	stored, known := l.packages[pkg.ID()]
	if !known {
		stored = pkg.Clone()
	}
	if err := l.store.SaveMint(ctx, asset, stored, l.nextID); err != nil {
		return 0, fmt.Errorf("persist mint of token %d: %w", tokenID, err)
	}

	l.packages[stored.ID()] = stored
	l.assets[tokenID] = &asset
	l.indexLocked(owner, tokenID)
	log.Infow("asset minted", "tokenId", tokenID, "owner", owner, "packageId", pkg.ID())
	return tokenID, nil
}

// Transfer moves tokenID from from to to. Only the current owner may transfer.
func (l *Ledger) Transfer(ctx context.Context, tokenID uint64, from, to string, price *uint64) error {
	if strings.TrimSpace(to) == "" {
		return apperr.New(apperr.CodeInvalidRequest, "recipient is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.assets[tokenID]
	if !ok {
		return apperr.New(apperr.CodeInvalidPackage, "unknown token %d", tokenID)
	}
	if err := authorize(from, cur.Owner); err != nil {
		return err
	}

	ts := l.now()
	if last := cur.TransferHistory[len(cur.TransferHistory)-1].Timestamp; ts.Before(last) {
		ts = last
	}
	var p *uint64
	if price != nil {
		v := *price
		p = &v
	}

	next := cur.clone()
	next.Owner = to
	next.TransferHistory = append(next.TransferHistory, TransferRecord{
		From:      from,
		To:        to,
		Timestamp: ts,
		Price:     p,
	})
	if err := l.store.SaveTransfer(ctx, next); err != nil {
		return fmt.Errorf("persist transfer of token %d: %w", tokenID, err)
	}

	l.assets[tokenID] = &next
	l.unindexLocked(from, tokenID)
	l.indexLocked(to, tokenID)
	return nil
}

// authorize permits an action on a resource only to its owner.
func authorize(caller, owner string) error {
	if caller == "" || caller != owner {
		return apperr.New(apperr.CodeUnauthorized, "caller is not the owner")
	}
	return nil
}

func (l *Ledger) GetMetadata(tokenID uint64) (Asset, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	a, ok := l.assets[tokenID]
	if !ok {
		return Asset{}, apperr.New(apperr.CodeInvalidPackage, "unknown token %d", tokenID)
	}
	return a.clone(), nil
}

func (l *Ledger) GetPackage(tokenID uint64) (*datapackage.Package, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	a, ok := l.assets[tokenID]
	if !ok {
		return nil, apperr.New(apperr.CodeInvalidPackage, "unknown token %d", tokenID)
	}
	pkg, ok := l.packages[a.PackageID]
	if !ok {
		return nil, apperr.New(apperr.CodeInvalidPackage, "unknown package %s", a.PackageID)
	}
	return pkg.Clone(), nil
}

// GetOwnerTokens returns owner's token ids in ascending order.
func (l *Ledger) GetOwnerTokens(owner string) []uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	set := l.owners[owner]
	out := make([]uint64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (l *Ledger) GetTransferHistory(tokenID uint64) ([]TransferRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	a, ok := l.assets[tokenID]
	if !ok {
		return nil, apperr.New(apperr.CodeInvalidPackage, "unknown token %d", tokenID)
	}
	return cloneHistory(a.TransferHistory), nil
}

// Len returns the number of minted assets.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.assets)
}

func (l *Ledger) indexLocked(owner string, tokenID uint64) {
	set, ok := l.owners[owner]
	if !ok {
		set = make(map[uint64]struct{})
		l.owners[owner] = set
	}
	set[tokenID] = struct{}{}
}

func (l *Ledger) unindexLocked(owner string, tokenID uint64) {
	set, ok := l.owners[owner]
	if !ok {
		return
	}
	delete(set, tokenID)
	if len(set) == 0 {
		delete(l.owners, owner)
	}
}
