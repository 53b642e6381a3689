package statechain

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemChain(t *testing.T, cfg ChainConfig) (*Chain, Store) {
	t.Helper()
	store := NewMemStore()
	c, err := NewChain(store, cfg)
	require.NoError(t, err)
	return c, store
}

func TestChain_Genesis(t *testing.T) {
	c, _ := newMemChain(t, ChainConfig{Clock: fixedClock(42)})

	e, err := c.Append("admin.note", []byte("first"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e.Index)
	assert.Equal(t, GenesisHash, e.PrevHash)
	assert.True(t, e.PrevHash.IsZero())
	assert.False(t, e.EventHash.IsZero())
	assert.Equal(t, int64(42), e.Timestamp)
	assert.Equal(t, ComputeEventHash(e), e.EventHash)
}

func TestChain_Links(t *testing.T) {
	c, _ := newMemChain(t, ChainConfig{})
	appended := appendNotes(t, c, 5)

	for i := 1; i < len(appended); i++ {
		assert.Equal(t, appended[i-1].EventHash, appended[i].PrevHash)
		assert.Equal(t, appended[i-1].Index+1, appended[i].Index)
	}

	stored, err := c.Entries()
	require.NoError(t, err)
	assert.Equal(t, appended, stored)
	assert.True(t, VerifyChain(stored))

	tail, err := c.Tail()
	require.NoError(t, err)
	assert.Equal(t, TailState{Index: 5, Hash: appended[4].EventHash}, tail)
}

func TestChain_PayloadIsCopied(t *testing.T) {
	c, _ := newMemChain(t, ChainConfig{})
	payload := []byte("original")

	_, err := c.Append("vendor.raw", payload)
	require.NoError(t, err)
	payload[0] = 'X'

	stored, err := c.Entries()
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), stored[0].Payload)
	assert.True(t, VerifyChain(stored))
}

func TestVerifyChain_Empty(t *testing.T) {
	assert.True(t, VerifyChain(nil))
	assert.True(t, VerifyChain([]AuditEntry{}))
}

func TestVerifyChain_Tampering(t *testing.T) {
	c, _ := newMemChain(t, ChainConfig{})
	entries := appendNotes(t, c, 5)
	require.True(t, VerifyChain(entries))

	tests := []struct {
		name   string
		mutate func([]AuditEntry) []AuditEntry
		want   error
	}{
		{"flip payload byte", func(es []AuditEntry) []AuditEntry {
			es[2].Payload[0] ^= 0x01
			return es
		}, ErrHashMismatch},
		{"change event type", func(es []AuditEntry) []AuditEntry {
			es[1].EventType = "admin.notes"
			return es
		}, ErrHashMismatch},
		{"change timestamp", func(es []AuditEntry) []AuditEntry {
			es[3].Timestamp++
			return es
		}, ErrHashMismatch},
		{"flip event hash byte", func(es []AuditEntry) []AuditEntry {
			es[2].EventHash[7] ^= 0x01
			return es
		}, ErrHashMismatch},
		{"flip last event hash byte", func(es []AuditEntry) []AuditEntry {
			es[4].EventHash[31] ^= 0x80
			return es
		}, ErrHashMismatch},
		{"flip prev hash byte", func(es []AuditEntry) []AuditEntry {
			es[3].PrevHash[5] ^= 0x01
			return es
		}, ErrBrokenLink},
		{"change index", func(es []AuditEntry) []AuditEntry {
			es[2].Index = 9
			return es
		}, ErrGap},
		{"change index and rehash", func(es []AuditEntry) []AuditEntry {
			es[4].Index++
			es[4].EventHash = ComputeEventHash(es[4])
			return es
		}, ErrGap},
		{"swap two entries", func(es []AuditEntry) []AuditEntry {
			es[1], es[2] = es[2], es[1]
			return es
		}, ErrGap},
		{"delete middle entry", func(es []AuditEntry) []AuditEntry {
			return append(es[:2], es[3:]...)
		}, ErrGap},
		{"delete first entry", func(es []AuditEntry) []AuditEntry {
			return es[1:]
		}, ErrGap},
		{"duplicate entry", func(es []AuditEntry) []AuditEntry {
			return append(es[:3], es[2:]...)
		}, ErrGap},
		{"replace and rehash", func(es []AuditEntry) []AuditEntry {
			es[1].Payload = []byte("forged")
			es[1].EventHash = ComputeEventHash(es[1])
			return es
		}, ErrBrokenLink},
		{"relink first entry", func(es []AuditEntry) []AuditEntry {
			es[0].PrevHash[0] = 1
			es[0].EventHash = ComputeEventHash(es[0])
			return es
		}, ErrGenesis},
		{"swap and reindex", func(es []AuditEntry) []AuditEntry {
			es[1], es[2] = es[2], es[1]
			es[1].Index, es[2].Index = 2, 3
			return es
		}, ErrBrokenLink},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			es := tt.mutate(cloneEntries(entries))
			assert.False(t, VerifyChain(es))

			err := VerifyEntries(es)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)

			var ce *ChainError
			assert.True(t, errors.As(err, &ce))
		})
	}

	assert.True(t, VerifyChain(entries), "original must still verify")
}

func TestVerifyFrom_Checkpoint(t *testing.T) {
	c, _ := newMemChain(t, ChainConfig{})
	entries := appendNotes(t, c, 6)

	start := TailState{Index: entries[2].Index, Hash: entries[2].EventHash}
	final, err := VerifyFrom(entries[3:], start)
	require.NoError(t, err)
	assert.Equal(t, TailState{Index: 6, Hash: entries[5].EventHash}, final)

	_, err = VerifyFrom(entries[3:], TailState{Index: 3})
	assert.True(t, errors.Is(err, ErrBrokenLink))
}

func TestChain_EmptyEventType(t *testing.T) {
	c, store := newMemChain(t, ChainConfig{})
	_, err := c.Append("", []byte("x"))
	assert.True(t, errors.Is(err, ErrEmptyEventType))

	_, ok, err := store.Tail()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNewChain_Validation(t *testing.T) {
	_, err := NewChain(nil, ChainConfig{})
	assert.Error(t, err)

	_, err = NewChain(NewMemStore(), ChainConfig{AnchorEvery: 10})
	assert.Error(t, err)
}

func TestChain_ConcurrentAppends(t *testing.T) {
	const workers, perWorker = 8, 25
	m := newTestMetrics()
	c, _ := newMemChain(t, ChainConfig{Metrics: m})

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if _, err := c.Append("admin.note", []byte{byte(i)}); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	entries, err := c.Entries()
	require.NoError(t, err)
	assert.Len(t, entries, workers*perWorker)
	assert.True(t, VerifyChain(entries))
	assert.Equal(t, int64(workers*perWorker), m.Appends.Count())
}

func TestChain_SharedStore(t *testing.T) {
	const perChain = 50
	store := NewMemStore()
	m := newTestMetrics()

	chains := make([]*Chain, 3)
	for i := range chains {
		c, err := NewChain(store, ChainConfig{MaxRetries: 10_000, Metrics: m})
		require.NoError(t, err)
		chains[i] = c
	}

	var wg sync.WaitGroup
	for _, c := range chains {
		wg.Add(1)
		go func(c *Chain) {
			defer wg.Done()
			for i := 0; i < perChain; i++ {
				if _, err := c.Append("admin.note", []byte{byte(i)}); err != nil {
					t.Error(err)
					return
				}
			}
		}(c)
	}
	wg.Wait()

	entries, err := collect(store, 1)
	require.NoError(t, err)
	assert.Len(t, entries, len(chains)*perChain)
	assert.True(t, VerifyChain(entries), "shared store must never fork")
}

// staleStore rejects the first n appends as if another writer moved the tail.
type staleStore struct {
	Store
	n     int32
	calls atomic.Int32
	err   error
}

func (s *staleStore) Append(e AuditEntry, cp *Checkpoint) error {
	if s.calls.Add(1) <= s.n {
		if s.err != nil {
			return s.err
		}
		return ErrStaleTail
	}
	return s.Store.Append(e, cp)
}

func TestChain_ConflictExhausted(t *testing.T) {
	m := newTestMetrics()
	store := &staleStore{Store: NewMemStore(), n: 1 << 20}
	c, err := NewChain(store, ChainConfig{MaxRetries: 3, Metrics: m})
	require.NoError(t, err)

	_, err = c.Append("admin.note", []byte("x"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConcurrencyConflict))

	var cc *ConcurrencyConflictError
	require.True(t, errors.As(err, &cc))
	assert.Equal(t, 3, cc.Attempts)
	assert.Equal(t, GenesisHash, cc.PrevHash)

	assert.Equal(t, int32(3), store.calls.Load())
	assert.Equal(t, int64(3), m.Conflicts.Count())
	assert.Equal(t, int64(0), m.Appends.Count())
}

func TestChain_TransientConflict(t *testing.T) {
	m := newTestMetrics()
	store := &staleStore{Store: NewMemStore(), n: 2}
	c, err := NewChain(store, ChainConfig{Metrics: m})
	require.NoError(t, err)

	e, err := c.Append("admin.note", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e.Index)
	assert.Equal(t, int64(2), m.Conflicts.Count())
	assert.Equal(t, int64(1), m.Appends.Count())
}

func TestChain_StoreErrorNotRetried(t *testing.T) {
	boom := errors.New("disk on fire")
	store := &staleStore{Store: NewMemStore(), n: 1, err: boom}
	c, err := NewChain(store, ChainConfig{})
	require.NoError(t, err)

	_, err = c.Append("admin.note", []byte("x"))
	assert.True(t, errors.Is(err, boom))
	assert.False(t, errors.Is(err, ErrConcurrencyConflict))
	assert.Equal(t, int32(1), store.calls.Load())
}

func TestChain_Checkpoints(t *testing.T) {
	s, err := GenerateSigner()
	require.NoError(t, err)
	c, store := newMemChain(t, ChainConfig{AnchorEvery: 3, Signer: s})
	entries := appendNotes(t, c, 7)

	cps, err := store.Checkpoints()
	require.NoError(t, err)
	require.Len(t, cps, 2)
	for i, idx := range []uint64{3, 6} {
		cp := cps[i]
		assert.Equal(t, idx, cp.Index)
		assert.Equal(t, entries[idx-1].EventHash, cp.Hash)
		assert.Equal(t, entries[idx-1].Timestamp, cp.Timestamp)
		assert.True(t, VerifyCheckpoint(cp, s.PublicKey()))
	}

	cp, ok, err := store.CheckpointAt(6)
	require.NoError(t, err)
	require.True(t, ok)
	forged := cp
	forged.Hash[0] ^= 0xff
	assert.False(t, VerifyCheckpoint(forged, s.PublicKey()))

	other, err := GenerateSigner()
	require.NoError(t, err)
	assert.False(t, VerifyCheckpoint(cp, other.PublicKey()))
	assert.False(t, VerifyCheckpoint(cp, nil))

	_, ok, err = store.CheckpointAt(4)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestComputeEventHash_FieldBoundaries(t *testing.T) {
	a := AuditEntry{Index: 1, EventType: "ab", Payload: []byte("c")}
	b := AuditEntry{Index: 1, EventType: "a", Payload: []byte("bc")}
	assert.NotEqual(t, ComputeEventHash(a), ComputeEventHash(b))

	c := AuditEntry{Index: 2, EventType: "ab", Payload: []byte("c")}
	assert.NotEqual(t, ComputeEventHash(a), ComputeEventHash(c))

	assert.Equal(t, ComputeEventHash(a), ComputeEventHash(a))
}

func TestParseHash(t *testing.T) {
	c, _ := newMemChain(t, ChainConfig{})
	e := appendNotes(t, c, 1)[0]

	h, err := ParseHash(e.EventHash.String())
	require.NoError(t, err)
	assert.Equal(t, e.EventHash, h)

	_, err = ParseHash("abcd")
	assert.Error(t, err)
	_, err = ParseHash("zz")
	assert.Error(t, err)
}
