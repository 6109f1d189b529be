package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sync"
	"time"
)

const (
	// TxWindow is how far in the past createdAt may lie.
	TxWindow = 24 * time.Hour
	// PermittedDrift tolerates clock skew between caller and service.
	PermittedDrift = 2 * time.Minute
)

// dedupWindow enforces the acceptance window and remembers accepted
// transfers so a replay inside the window reports the original id.
type dedupWindow struct {
	mu   sync.Mutex
	seen map[string]seenTx
}

type seenTx struct {
	id        string
	createdAt time.Time
}

func newDedupWindow() *dedupWindow {
	return &dedupWindow{seen: make(map[string]seenTx)}
}

func (w *dedupWindow) check(args TransferArgs, now time.Time) *TransferError {
	if args.CreatedAt.Before(now.Add(-TxWindow - PermittedDrift)) {
		return &TransferError{Kind: StaleRequest}
	}
	if args.CreatedAt.After(now.Add(PermittedDrift)) {
		return &TransferError{Kind: FutureRequest}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.evictLocked(now)
	if prev, ok := w.seen[dedupKey(args)]; ok {
		return &TransferError{Kind: DuplicateRequest, Original: prev.id}
	}
	return nil
}

func (w *dedupWindow) remember(args TransferArgs, id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seen[dedupKey(args)] = seenTx{id: id, createdAt: args.CreatedAt}
}

func (w *dedupWindow) evictLocked(now time.Time) {
	cutoff := now.Add(-TxWindow - PermittedDrift)
	for k, tx := range w.seen {
		if tx.createdAt.Before(cutoff) {
			delete(w.seen, k)
		}
	}
}

func dedupKey(args TransferArgs) string {
	h := sha256.New()
	h.Write([]byte(args.From))
	h.Write([]byte{0})
	h.Write([]byte(args.To))
	h.Write([]byte{0})
	h.Write(args.Memo)
	var buf [24]byte
	binary.BigEndian.PutUint64(buf[0:8], args.Amount)
	binary.BigEndian.PutUint64(buf[8:16], args.Fee)
	binary.BigEndian.PutUint64(buf[16:24], uint64(args.CreatedAt.UnixNano()))
	h.Write(buf[:])
	return hex.EncodeToString(h.Sum(nil))
}
