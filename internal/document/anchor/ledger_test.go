package anchor

import (
	"context"
	"crypto/sha256"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func digestOf(s string) [32]byte { return sha256.Sum256([]byte(s)) }

func TestMemoryLedger_ChainsEntries(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	r1, err := l.Submit(ctx, digestOf("a"))
	require.NoError(t, err)
	r2, err := l.Submit(ctx, digestOf("b"))
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(r1.Reference, "mem:1:"))
	assert.True(t, strings.HasPrefix(r2.Reference, "mem:2:"))
	assert.NotEqual(t, r1.Reference, r2.Reference)

	entries := l.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, entries[0].Link, entries[1].Prev)
	assert.NoError(t, l.VerifyChain())
}

func TestMemoryLedger_DetectsRewrite(t *testing.T) {
	l := NewMemoryLedger()
	for _, s := range []string{"a", "b", "c"} {
		_, err := l.Submit(context.Background(), digestOf(s))
		require.NoError(t, err)
	}
	entries := l.Entries()
	entries[1].Digest = digestOf("forged")
	assert.ErrorIs(t, verifyChain(entries), ErrChainBroken)
}

func TestMemoryLedger_Failure(t *testing.T) {
	l := NewMemoryLedger()
	boom := errors.New("down")
	l.SetFailure(boom)
	_, err := l.Submit(context.Background(), digestOf("a"))
	assert.ErrorIs(t, err, boom)

	l.SetFailure(nil)
	_, err = l.Submit(context.Background(), digestOf("a"))
	assert.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Submit(ctx, digestOf("a"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBadgerLedger(t *testing.T) {
	l, err := OpenBadgerLedger("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	t.Run("appends in sequence", func(t *testing.T) {
		r1, err := l.Submit(context.Background(), digestOf("a"))
		require.NoError(t, err)
		r2, err := l.Submit(context.Background(), digestOf("b"))
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(r1.Reference, "badger:1:"))
		assert.True(t, strings.HasPrefix(r2.Reference, "badger:2:"))
		assert.False(t, r1.Timestamp.IsZero())
	})

	t.Run("concurrent submissions keep the chain intact", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := l.Submit(context.Background(), digestOf(string(rune('c'+i))))
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		entries, err := l.Entries()
		require.NoError(t, err)
		assert.Len(t, entries, 22)
		assert.NoError(t, l.VerifyChain())
	})
}
