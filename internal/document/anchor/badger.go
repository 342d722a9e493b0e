package anchor

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

var (
	headKey     = []byte("head")
	entryPrefix = []byte("entry/")
)

const (
	entryValueSize = 32 + 32 + 8 + 32
	maxConflicts   = 16
)

// BadgerLedger is an embedded hash-chained ledger. Each entry links to the
// previous one, so rewriting history changes every later reference.
type BadgerLedger struct {
	db  *badger.DB
	now func() time.Time
}

// OpenBadgerLedger opens the ledger at path. An empty path keeps it in memory.
func OpenBadgerLedger(path string) (*BadgerLedger, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger ledger: %w", err)
	}
	return &BadgerLedger{db: db, now: time.Now}, nil
}

func (l *BadgerLedger) Name() string { return "badger" }

func (l *BadgerLedger) Close() error {
	return l.db.Close()
}

func (l *BadgerLedger) Submit(ctx context.Context, digest [32]byte) (Receipt, error) {
	for range maxConflicts {
		if err := ctx.Err(); err != nil {
			return Receipt{}, err
		}
		entry, err := l.append(digest)
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return Receipt{}, err
		}
		return Receipt{Reference: ledgerReference("badger", entry.Seq, entry.Link), Timestamp: entry.Recorded}, nil
	}
	return Receipt{}, fmt.Errorf("badger ledger: %w", badger.ErrConflict)
}

func (l *BadgerLedger) append(digest [32]byte) (LedgerEntry, error) {
	var entry LedgerEntry
	err := l.db.Update(func(txn *badger.Txn) error {
		var prevSeq uint64
		var prev [32]byte
		item, err := txn.Get(headKey)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			if err := item.Value(func(v []byte) error {
				if len(v) != 8+32 {
					return ErrChainBroken
				}
				prevSeq = binary.BigEndian.Uint64(v[:8])
				copy(prev[:], v[8:])
				return nil
			}); err != nil {
				return err
			}
		}

		entry = LedgerEntry{
			Seq:      prevSeq + 1,
			Digest:   digest,
			Prev:     prev,
			Recorded: l.now().UTC().Truncate(time.Millisecond),
		}
		entry.Link = chainLink(prev, digest, entry.Seq)

		if err := txn.Set(entryKey(entry.Seq), encodeEntry(entry)); err != nil {
			return err
		}
		head := make([]byte, 8+32)
		binary.BigEndian.PutUint64(head[:8], entry.Seq)
		copy(head[8:], entry.Link[:])
		return txn.Set(headKey, head)
	})
	if err != nil {
		return LedgerEntry{}, fmt.Errorf("badger ledger append: %w", err)
	}
	return entry, nil
}

// Entries reads the chain in sequence order.
func (l *BadgerLedger) Entries() ([]LedgerEntry, error) {
	var out []LedgerEntry
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = entryPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			seq := binary.BigEndian.Uint64(item.Key()[len(entryPrefix):])
			if err := item.Value(func(v []byte) error {
				e, err := decodeEntry(seq, v)
				if err != nil {
					return err
				}
				out = append(out, e)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger ledger read: %w", err)
	}
	return out, nil
}

func (l *BadgerLedger) VerifyChain() error {
	entries, err := l.Entries()
	if err != nil {
		return err
	}
	return verifyChain(entries)
}

func entryKey(seq uint64) []byte {
	k := make([]byte, len(entryPrefix)+8)
	copy(k, entryPrefix)
	binary.BigEndian.PutUint64(k[len(entryPrefix):], seq)
	return k
}

func encodeEntry(e LedgerEntry) []byte {
	v := make([]byte, 0, entryValueSize)
	v = append(v, e.Prev[:]...)
	v = append(v, e.Digest[:]...)
	v = binary.BigEndian.AppendUint64(v, uint64(e.Recorded.UnixMilli()))
	return append(v, e.Link[:]...)
}

func decodeEntry(seq uint64, v []byte) (LedgerEntry, error) {
	if len(v) != entryValueSize {
		return LedgerEntry{}, fmt.Errorf("%w: entry %d has %d bytes", ErrChainBroken, seq, len(v))
	}
	e := LedgerEntry{Seq: seq}
	copy(e.Prev[:], v[:32])
	copy(e.Digest[:], v[32:64])
	e.Recorded = time.UnixMilli(int64(binary.BigEndian.Uint64(v[64:72]))).UTC()
	copy(e.Link[:], v[72:])
	return e, nil
}
