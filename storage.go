package statechain

import (
	"errors"
	"fmt"
	"sync"
)

// Storage backends
//
// Three Store implementations share the same CAS contract:
//
//  1. Memory (NewMemStore): tests and short-lived recordings.
//  2. POSIX files (OpenFileStore): append-only binary files, flock for
//     cross-process exclusion, fsync on every append. A torn final entry
//     left by a crash is cut off on open. Default.
//  3. SQLite (OpenSQLiteStore): WAL mode, one serializable transaction per
//     append, checkpoints in their own table. Fits applications that already
//     run SQLite or want to query the log with SQL.
//
// Moving a chain between backends keeps every hash: entries are re-appended
// unchanged, so the destination must be empty.

// ErrStoreNotEmpty is returned by CopyStore when the destination already has entries.
var ErrStoreNotEmpty = errors.New("destination store is not empty")

// CopyStore appends every entry of src, with its checkpoint if any, to dst.
// It returns the number of entries copied.
func CopyStore(dst, src Store) (int, error) {
	if _, ok, err := dst.Tail(); err != nil {
		return 0, err
	} else if ok {
		return 0, ErrStoreNotEmpty
	}

	cps, err := src.Checkpoints()
	if err != nil {
		return 0, err
	}
	byIndex := make(map[uint64]Checkpoint, len(cps))
	for _, cp := range cps {
		byIndex[cp.Index] = cp
	}

	ch, done, err := src.Iter(1)
	if err != nil {
		return 0, err
	}

	n := 0
	for e := range ch {
		var cp *Checkpoint
		if c, ok := byIndex[e.Index]; ok {
			cp = &c
		}
		if err := dst.Append(e, cp); err != nil {
			_ = done()
			return n, fmt.Errorf("copy entry %d: %w", e.Index, err)
		}
		n++
	}
	if err := done(); err != nil {
		return n, fmt.Errorf("read source: %w", err)
	}

	srcTail, _, err := src.Tail()
	if err != nil {
		return n, err
	}
	dstTail, _, err := dst.Tail()
	if err != nil {
		return n, err
	}
	if srcTail != dstTail {
		return n, fmt.Errorf("%w: source tail %d, copied %d", ErrTailMismatch, srcTail.Index, dstTail.Index)
	}
	return n, nil
}

// streamEntries runs produce on its own goroutine and forwards what it
// sends. send reports false once the consumer has stopped; produce should
// then return. The returned func stops the producer, waits for it and
// returns the error produce ended with. Errors after a stop are dropped.
func streamEntries(produce func(send func(AuditEntry) bool) error) (<-chan AuditEntry, func() error) {
	out := make(chan AuditEntry, 64)
	stop := make(chan struct{})
	finished := make(chan struct{})
	var perr error

	go func() {
		defer close(finished)
		defer close(out)
		stopped := false
		err := produce(func(e AuditEntry) bool {
			select {
			case out <- e:
				return true
			case <-stop:
				stopped = true
				return false
			}
		})
		if !stopped {
			perr = err
		}
	}()

	var once sync.Once
	return out, func() error {
		once.Do(func() { close(stop) })
		<-finished
		return perr
	}
}
