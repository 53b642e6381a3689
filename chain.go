package statechain

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

// HashSize is the size in bytes of entry hashes.
const HashSize = 32

// Hash is a 32-byte digest identifying an audit entry.
type Hash [HashSize]byte

// GenesisHash is the PrevHash of the first entry of every chain.
var GenesisHash Hash

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// IsZero reports whether h is the genesis sentinel.
func (h Hash) IsZero() bool { return h == GenesisHash }

// ParseHash decodes a hex-encoded hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("parse hash: %w", err)
	}
	if len(b) != HashSize {
		return h, fmt.Errorf("parse hash: %d bytes, want %d", len(b), HashSize)
	}
	copy(h[:], b)
	return h, nil
}

// entryDomainKey separates audit entry hashes from any other BLAKE3 use.
// ASCII "statechain.audit.entry", zero padded to 32 bytes.
var entryDomainKey = [32]byte{
	's', 't', 'a', 't', 'e', 'c', 'h', 'a', 'i', 'n', '.',
	'a', 'u', 'd', 'i', 't', '.', 'e', 'n', 't', 'r', 'y',
}

// AuditEntry is one link of the chain. Its identity is EventHash.
type AuditEntry struct {
	Index     uint64 // 1-based position in the chain
	Timestamp int64  // unix millis
	EventType string
	Payload   []byte
	PrevHash  Hash // EventHash of the preceding entry, GenesisHash for the first
	EventHash Hash
}

// TailState identifies the last entry of a chain. The zero value is the
// empty chain: Index 0 and GenesisHash.
type TailState struct {
	Index uint64
	Hash  Hash
}

// Store abstracts persistence of audit entries and checkpoints.
//
// Append must be a compare-and-swap on the tail: it fails with an error
// wrapping ErrStaleTail unless e.PrevHash equals the current tail hash and
// e.Index is the tail index plus one. The entry and the optional checkpoint
// are written atomically or not at all.
//
// Iter streams entries in index order. The returned func stops the stream,
// waits for it to finish and reports the error that ended it early, if any.
// A closed channel alone does not mean the whole chain was read.
type Store interface {
	Append(e AuditEntry, cp *Checkpoint) error
	Iter(startIdx uint64) (<-chan AuditEntry, func() error, error)
	Tail() (TailState, bool, error)
	CheckpointAt(i uint64) (Checkpoint, bool, error)
	Checkpoints() ([]Checkpoint, error)
	Close() error
}

// ErrEmptyEventType is returned when appending an entry without a type.
var ErrEmptyEventType = errors.New("event type must not be empty")

// DefaultMaxRetries bounds the CAS loop in Chain.Append.
const DefaultMaxRetries = 8

// ChainConfig controls chain behavior.
type ChainConfig struct {
	MaxRetries  int              // CAS attempts before ConcurrencyConflictError (0 = DefaultMaxRetries)
	AnchorEvery uint64           // sign a checkpoint every N entries (0 = disabled)
	Signer      *Signer          // checkpoint signer, required when AnchorEvery > 0
	Clock       func() time.Time // defaults to time.Now
	Logger      *slog.Logger     // defaults to slog.Default()
	Metrics     *Metrics         // optional
}

// Chain is the append-only, hash-linked audit log.
type Chain struct {
	mu      sync.Mutex
	cfg     ChainConfig
	store   Store
	now     func() time.Time
	log     *slog.Logger
	metrics *Metrics
}

// NewChain binds a chain to a Store. Several Chains may share one Store;
// the store's CAS keeps them from forking the log.
func NewChain(store Store, cfg ChainConfig) (*Chain, error) {
	if store == nil {
		return nil, errors.New("chain: store is required")
	}
	if cfg.AnchorEvery > 0 && cfg.Signer == nil {
		return nil, errors.New("chain: checkpoints require a signer")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	c := &Chain{cfg: cfg, store: store, now: cfg.Clock, log: cfg.Logger, metrics: cfg.Metrics}
	if c.now == nil {
		c.now = time.Now
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	return c, nil
}

// Append links a new entry to the current tail and persists it. When the
// error wraps ErrEntryPersisted the returned entry is valid and on the chain.
func (c *Chain) Append(eventType string, payload []byte) (AuditEntry, error) {
	if eventType == "" {
		return AuditEntry{}, ErrEmptyEventType
	}
	payload = append([]byte(nil), payload...)

	c.mu.Lock()
	defer c.mu.Unlock()

	var lastPrev Hash
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		tail, _, err := c.store.Tail()
		if err != nil {
			return AuditEntry{}, fmt.Errorf("read tail: %w", err)
		}

		e := AuditEntry{
			Index:     tail.Index + 1,
			Timestamp: c.now().UnixMilli(),
			EventType: eventType,
			Payload:   payload,
			PrevHash:  tail.Hash,
		}
		e.EventHash = ComputeEventHash(e)

		var cp *Checkpoint
		if c.cfg.AnchorEvery != 0 && e.Index%c.cfg.AnchorEvery == 0 {
			signed := signCheckpoint(c.cfg.Signer, e)
			cp = &signed
		}

		err = c.store.Append(e, cp)
		if err == nil {
			c.metrics.appended()
			c.log.Debug("audit entry appended",
				"index", e.Index, "type", e.EventType, "hash", e.EventHash.String())
			return e, nil
		}
		if errors.Is(err, ErrEntryPersisted) {
			c.metrics.appended()
			c.log.Error("audit entry written but store bookkeeping failed",
				"index", e.Index, "hash", e.EventHash.String(), "error", err)
			return e, fmt.Errorf("append entry %d: %w", e.Index, err)
		}
		if !errors.Is(err, ErrStaleTail) {
			return AuditEntry{}, fmt.Errorf("append entry %d: %w", e.Index, err)
		}
		lastPrev = tail.Hash
		c.metrics.conflicted()
		c.log.Warn("audit tail moved, retrying append",
			"attempt", attempt, "index", e.Index, "prev", tail.Hash.String())
	}
	return AuditEntry{}, &ConcurrencyConflictError{Attempts: c.cfg.MaxRetries, PrevHash: lastPrev}
}

// AppendEvent encodes ev and appends it under its kind.
func (c *Chain) AppendEvent(ev Event) (AuditEntry, error) {
	payload, err := EncodeEvent(ev)
	if err != nil {
		return AuditEntry{}, err
	}
	return c.Append(string(ev.Kind()), payload)
}

// Tail returns the current tail, or the zero TailState for an empty chain.
func (c *Chain) Tail() (TailState, error) {
	tail, _, err := c.store.Tail()
	return tail, err
}

// Entries loads every entry in order.
func (c *Chain) Entries() ([]AuditEntry, error) {
	return collect(c.store, 1)
}

func collect(store Store, start uint64) ([]AuditEntry, error) {
	ch, done, err := store.Iter(start)
	if err != nil {
		return nil, err
	}
	var out []AuditEntry
	for e := range ch {
		out = append(out, e)
	}
	if err := done(); err != nil {
		return nil, fmt.Errorf("read entries from %d: %w", start, err)
	}
	return out, nil
}

// ComputeEventHash returns the keyed BLAKE3 hash of an entry's content:
//
//	index (8, big-endian) || timestamp (8) || len(type) (8) || type ||
//	len(payload) (8) || payload || prevHash (32)
//
// Length prefixes keep (type, payload) pairs from colliding across the boundary.
func ComputeEventHash(e AuditEntry) Hash {
	hasher, err := blake3.NewKeyed(entryDomainKey[:])
	if err != nil {
		panic("statechain: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	var num [8]byte
	binary.BigEndian.PutUint64(num[:], e.Index)
	_, _ = hasher.Write(num[:])
	binary.BigEndian.PutUint64(num[:], uint64(e.Timestamp))
	_, _ = hasher.Write(num[:])
	binary.BigEndian.PutUint64(num[:], uint64(len(e.EventType)))
	_, _ = hasher.Write(num[:])
	_, _ = hasher.Write([]byte(e.EventType))
	binary.BigEndian.PutUint64(num[:], uint64(len(e.Payload)))
	_, _ = hasher.Write(num[:])
	_, _ = hasher.Write(e.Payload)
	_, _ = hasher.Write(e.PrevHash[:])

	var h Hash
	copy(h[:], hasher.Sum(nil))
	return h
}
