package assets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/cockroachdb/pebble"

	"sensororacle/internal/datapackage"
)

// Key layout:
//
//	asset/{tokenId:020d}  JSON(Asset)
//	package/{packageId}   JSON(datapackage.Package)
//	meta/next_token_id    decimal counter
const (
	prefixAsset   = "asset/"
	prefixPackage = "package/"
	keyNextToken  = "meta/next_token_id"
)

// PebbleStore persists the ledger in a local Pebble database.
type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(dir string) (*PebbleStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", dir, err)
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", dir, err)
	}
	log.Infow("asset store opened", "dir", dir)
	return &PebbleStore{db: db}, nil
}

func assetKey(tokenID uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixAsset, tokenID))
}

func packageKey(id string) []byte {
	return []byte(prefixPackage + id)
}

// prefixUpperBound returns the smallest key greater than every key with prefix.
func prefixUpperBound(prefix string) []byte {
	end := []byte(prefix)
	end[len(end)-1]++
	return end
}

func (p *PebbleStore) Load(_ context.Context) (*Snapshot, error) {
	snap := &Snapshot{}

	val, closer, err := p.db.Get([]byte(keyNextToken))
	switch {
	case err == nil:
		n, perr := strconv.ParseUint(string(val), 10, 64)
		closer.Close()
		if perr != nil {
			return nil, fmt.Errorf("parse token counter: %w", perr)
		}
		snap.NextTokenID = n
	case errors.Is(err, pebble.ErrNotFound):
	default:
		return nil, fmt.Errorf("read token counter: %w", err)
	}

	if err := p.scan(prefixAsset, func(v []byte) error {
		var a Asset
		if err := json.Unmarshal(v, &a); err != nil {
			return fmt.Errorf("decode asset: %w", err)
		}
		snap.Assets = append(snap.Assets, a)
		return nil
	}); err != nil {
		return nil, err
	}

	if err := p.scan(prefixPackage, func(v []byte) error {
		var pkg datapackage.Package
		if err := json.Unmarshal(v, &pkg); err != nil {
			return fmt.Errorf("decode package: %w", err)
		}
		snap.Packages = append(snap.Packages, &pkg)
		return nil
	}); err != nil {
		return nil, err
	}
	return snap, nil
}

func (p *PebbleStore) scan(prefix string, fn func(v []byte) error) error {
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return fmt.Errorf("iterate %s: %w", prefix, err)
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (p *PebbleStore) SaveMint(_ context.Context, asset Asset, pkg *datapackage.Package, nextTokenID uint64) error {
	assetData, err := json.Marshal(asset)
	if err != nil {
		return err
	}
	pkgData, err := json.Marshal(pkg)
	if err != nil {
		return err
	}

	b := p.db.NewBatch()
	defer b.Close()
	if err := b.Set(assetKey(asset.TokenID), assetData, nil); err != nil {
		return err
	}
	if err := b.Set(packageKey(pkg.ID()), pkgData, nil); err != nil {
		return err
	}
	if err := b.Set([]byte(keyNextToken), []byte(strconv.FormatUint(nextTokenID, 10)), nil); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

func (p *PebbleStore) SaveTransfer(_ context.Context, asset Asset) error {
	data, err := json.Marshal(asset)
	if err != nil {
		return err
	}
	return p.db.Set(assetKey(asset.TokenID), data, pebble.Sync)
}

func (p *PebbleStore) Close() error {
	return p.db.Close()
}
