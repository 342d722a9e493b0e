package anchor

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrChainBroken reports a ledger entry whose link does not follow from its
// predecessor.
var ErrChainBroken = errors.New("anchor: ledger chain broken")

// LedgerEntry is one link of a hash-chained ledger.
type LedgerEntry struct {
	Seq      uint64
	Digest   [32]byte
	Prev     [32]byte
	Link     [32]byte
	Recorded time.Time
}

func chainLink(prev, digest [32]byte, seq uint64) [32]byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	h := sha256.New()
	h.Write(prev[:])
	h.Write(digest[:])
	h.Write(buf[:])
	var out [32]byte
	h.Sum(out[:0])
	return out
}

func ledgerReference(prefix string, seq uint64, link [32]byte) string {
	return fmt.Sprintf("%s:%d:%s", prefix, seq, hex.EncodeToString(link[:16]))
}

func verifyChain(entries []LedgerEntry) error {
	var prev [32]byte
	for i, e := range entries {
		if e.Seq != uint64(i+1) || e.Prev != prev || chainLink(prev, e.Digest, e.Seq) != e.Link {
			return fmt.Errorf("%w at seq %d", ErrChainBroken, e.Seq)
		}
		prev = e.Link
	}
	return nil
}

// MemoryLedger is an in-process hash chain for development and tests.
type MemoryLedger struct {
	mu      sync.Mutex
	entries []LedgerEntry
	now     func() time.Time
	failure error
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{now: time.Now}
}

func (l *MemoryLedger) Name() string { return "memory" }

// SetFailure makes every submission return err until cleared with nil.
func (l *MemoryLedger) SetFailure(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failure = err
}

func (l *MemoryLedger) Submit(ctx context.Context, digest [32]byte) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failure != nil {
		return Receipt{}, l.failure
	}

	var prev [32]byte
	if n := len(l.entries); n > 0 {
		prev = l.entries[n-1].Link
	}
	seq := uint64(len(l.entries) + 1)
	entry := LedgerEntry{
		Seq:      seq,
		Digest:   digest,
		Prev:     prev,
		Link:     chainLink(prev, digest, seq),
		Recorded: l.now().UTC(),
	}
	l.entries = append(l.entries, entry)
	return Receipt{Reference: ledgerReference("mem", seq, entry.Link), Timestamp: entry.Recorded}, nil
}

// Entries returns a copy of the chain.
func (l *MemoryLedger) Entries() []LedgerEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LedgerEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *MemoryLedger) VerifyChain() error {
	return verifyChain(l.Entries())
}
