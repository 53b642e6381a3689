package statechain

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"
)

// fileStore implements Store using POSIX files with append-only semantics.
// File format:
//   - chain.dat: audit entries
//   - checkpoints.idx: signed checkpoints
//   - tail.dat: cached tail, rebuilt from chain.dat on open
//
// Entry format in chain.dat:
//
//	[8]byte: index (uint64)
//	[8]byte: timestamp (int64, unix millis)
//	[4]byte: event type length (uint32)
//	[n]byte: event type
//	[4]byte: payload length (uint32)
//	[m]byte: payload
//	[32]byte: previous entry hash
//	[32]byte: event hash
//
// Checkpoint format in checkpoints.idx:
//
//	[8]byte: index (uint64)
//	[32]byte: entry hash
//	[8]byte: timestamp (int64)
//	[64]byte: Ed25519 signature
//
// Tail format in tail.dat:
//
//	[8]byte: index (uint64)
//	[32]byte: entry hash
type fileStore struct {
	dir            string
	chainFile      *os.File
	checkpointFile *os.File
	tailFile       *os.File
	mu             sync.RWMutex
	failed         error // first write failure; set until reopen
}

const (
	chainFileName       = "chain.dat"
	checkpointsFileName = "checkpoints.idx"
	tailFileName        = "tail.dat"
	hashesSize          = HashSize + HashSize   // prevHash + eventHash
	checkpointSigSize   = 64
	checkpointEntrySize = 8 + HashSize + 8 + checkpointSigSize // idx + hash + ts + sig
	tailEntrySize       = 8 + HashSize          // idx + hash
	maxFieldLen         = 1<<32 - 1             // uint32 length prefix
)

// OpenFileStore creates or opens a POSIX file-based store in the given directory.
// A torn trailing entry left by a crash is truncated and the tail is rebuilt
// from the last complete entry. If chain.dat ends before the cached tail the
// store is not opened and nothing is modified.
func OpenFileStore(dir string) (Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	chainFile, err := os.OpenFile(filepath.Join(dir, chainFileName), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("open chain file: %w", err)
	}

	checkpointFile, err := os.OpenFile(filepath.Join(dir, checkpointsFileName), os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		_ = chainFile.Close()
		return nil, fmt.Errorf("open checkpoint file: %w", err)
	}

	tailFile, err := os.OpenFile(filepath.Join(dir, tailFileName), os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		_ = chainFile.Close()
		_ = checkpointFile.Close()
		return nil, fmt.Errorf("open tail file: %w", err)
	}

	s := &fileStore{
		dir:            dir,
		chainFile:      chainFile,
		checkpointFile: checkpointFile,
		tailFile:       tailFile,
	}
	if err := s.recover(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// recover scans chain.dat against the cached tail. Bytes after the last
// complete entry are dropped only when that entry reaches the cached tail,
// which is what an interrupted append leaves behind. Anything shorter means
// entries were lost or damaged and is reported without touching the files.
func (s *fileStore) recover() error {
	if err := syscall.Flock(int(s.chainFile.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("lock chain file: %w", err)
	}
	defer syscall.Flock(int(s.chainFile.Fd()), syscall.LOCK_UN)

	cached, haveCached, err := s.readTailLocked()
	if err != nil {
		return err
	}

	info, err := s.chainFile.Stat()
	if err != nil {
		return fmt.Errorf("stat chain file: %w", err)
	}
	size := info.Size()

	f, err := os.Open(filepath.Join(s.dir, chainFileName))
	if err != nil {
		return fmt.Errorf("open chain file for reading: %w", err)
	}
	defer f.Close()

	reader := bufio.NewReader(io.LimitReader(f, size))
	var tail TailState
	var good int64
	for {
		e, n, err := readEntry(reader, size-good)
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("scan chain file: %w", err)
		}
		good += n
		tail = TailState{Index: e.Index, Hash: e.EventHash}
	}

	if haveCached && (tail.Index < cached.Index || (tail.Index == cached.Index && tail.Hash != cached.Hash)) {
		return fmt.Errorf("%w: %s readable up to entry %d (byte %d of %d), tail.dat records entry %d",
			ErrTailMismatch, chainFileName, tail.Index, good, size, cached.Index)
	}

	if size > good {
		if err := s.chainFile.Truncate(good); err != nil {
			return fmt.Errorf("truncate torn entry: %w", err)
		}
	}

	cpInfo, err := s.checkpointFile.Stat()
	if err != nil {
		return fmt.Errorf("stat checkpoint file: %w", err)
	}
	if torn := cpInfo.Size() % checkpointEntrySize; torn != 0 {
		if err := s.checkpointFile.Truncate(cpInfo.Size() - torn); err != nil {
			return fmt.Errorf("truncate torn checkpoint: %w", err)
		}
	}
	return s.writeTailLocked(tail)
}

// Append writes an entry (and optional checkpoint) if e extends the current tail.
//
// The entry is synced before tail.dat and the checkpoint are written. If one
// of those later writes fails the error wraps ErrEntryPersisted and the store
// refuses further appends until it is reopened, which rebuilds the tail.
func (s *fileStore) Append(e AuditEntry, cp *Checkpoint) error {
	if uint64(len(e.EventType)) > maxFieldLen || uint64(len(e.Payload)) > maxFieldLen {
		return fmt.Errorf("entry %d: field exceeds %d bytes", e.Index, maxFieldLen)
	}

	if cp != nil && len(cp.Signature) != checkpointSigSize {
		return fmt.Errorf("checkpoint %d: signature is %d bytes", cp.Index, len(cp.Signature))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failed != nil {
		return fmt.Errorf("%w: %w", ErrStoreFailed, s.failed)
	}

	if err := syscall.Flock(int(s.chainFile.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("lock chain file: %w", err)
	}
	defer syscall.Flock(int(s.chainFile.Fd()), syscall.LOCK_UN)

	tail, _, err := s.readTailLocked()
	if err != nil {
		return err
	}
	if e.PrevHash != tail.Hash || e.Index != tail.Index+1 {
		return fmt.Errorf("%w: have %d/%s, got %d/%s", ErrStaleTail, tail.Index, tail.Hash, e.Index, e.PrevHash)
	}

	if err := s.writeEntryLocked(e); err != nil {
		// Part of the entry may be on disk; only recovery can tell.
		s.failed = err
		return err
	}
	if err := s.chainFile.Sync(); err != nil {
		s.failed = err
		return fmt.Errorf("sync chain file: %w", err)
	}
	if err := s.writeTailLocked(TailState{Index: e.Index, Hash: e.EventHash}); err != nil {
		s.failed = err
		return fmt.Errorf("entry %d: %w: %w", e.Index, ErrEntryPersisted, err)
	}
	if cp != nil {
		if err := s.writeCheckpointLocked(*cp); err != nil {
			s.failed = err
			return fmt.Errorf("entry %d: %w: %w", e.Index, ErrEntryPersisted, err)
		}
	}
	return nil
}

// writeEntryLocked writes one entry with a single Write call (caller must hold lock).
func (s *fileStore) writeEntryLocked(e AuditEntry) error {
	buf := make([]byte, 0, 8+8+4+len(e.EventType)+4+len(e.Payload)+hashesSize)
	buf = binary.BigEndian.AppendUint64(buf, e.Index)
	buf = binary.BigEndian.AppendUint64(buf, uint64(e.Timestamp))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(e.EventType)))
	buf = append(buf, e.EventType...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(e.Payload)))
	buf = append(buf, e.Payload...)
	buf = append(buf, e.PrevHash[:]...)
	buf = append(buf, e.EventHash[:]...)

	n, err := s.chainFile.Write(buf)
	if err != nil {
		return fmt.Errorf("write entry: %w", err)
	}
	if n != len(buf) {
		return fmt.Errorf("incomplete write: %d of %d bytes", n, len(buf))
	}
	return nil
}

// readEntry decodes one entry and reports how many bytes it consumed.
// remaining bounds the lengths read from the entry header, so a damaged
// length is reported as io.ErrUnexpectedEOF instead of being allocated.
func readEntry(r io.Reader, remaining int64) (AuditEntry, int64, error) {
	var e AuditEntry
	var hdr [20]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return e, 0, err
	}
	e.Index = binary.BigEndian.Uint64(hdr[0:8])
	e.Timestamp = int64(binary.BigEndian.Uint64(hdr[8:16]))
	typeLen := int64(binary.BigEndian.Uint32(hdr[16:20]))
	remaining -= int64(len(hdr)) + 4 + hashesSize
	if typeLen > remaining {
		return e, 0, io.ErrUnexpectedEOF
	}

	typ := make([]byte, typeLen)
	if _, err := io.ReadFull(r, typ); err != nil {
		return e, 0, unexpected(err)
	}
	e.EventType = string(typ)

	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return e, 0, unexpected(err)
	}
	payloadLen := int64(binary.BigEndian.Uint32(lenBuf[:]))
	if payloadLen > remaining-typeLen {
		return e, 0, io.ErrUnexpectedEOF
	}
	e.Payload = make([]byte, payloadLen)
	if _, err := io.ReadFull(r, e.Payload); err != nil {
		return e, 0, unexpected(err)
	}

	if _, err := io.ReadFull(r, e.PrevHash[:]); err != nil {
		return e, 0, unexpected(err)
	}
	if _, err := io.ReadFull(r, e.EventHash[:]); err != nil {
		return e, 0, unexpected(err)
	}
	return e, int64(len(hdr)) + typeLen + 4 + payloadLen + hashesSize, nil
}

// unexpected turns a clean EOF inside an entry into io.ErrUnexpectedEOF.
func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// writeCheckpointLocked appends a checkpoint to the checkpoint file.
func (s *fileStore) writeCheckpointLocked(cp Checkpoint) error {
	if err := syscall.Flock(int(s.checkpointFile.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("lock checkpoint file: %w", err)
	}
	defer syscall.Flock(int(s.checkpointFile.Fd()), syscall.LOCK_UN)

	buf := make([]byte, 0, checkpointEntrySize)
	buf = binary.BigEndian.AppendUint64(buf, cp.Index)
	buf = append(buf, cp.Hash[:]...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(cp.Timestamp))
	buf = append(buf, cp.Signature...)

	if _, err := s.checkpointFile.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("seek checkpoint file: %w", err)
	}
	if _, err := s.checkpointFile.Write(buf); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := s.checkpointFile.Sync(); err != nil {
		return fmt.Errorf("sync checkpoint file: %w", err)
	}
	return nil
}

// Iter returns a channel that yields entries starting from startIdx. It
// reads chain.dat as it was when Iter was called; a damaged or truncated
// entry ends the stream with an error.
func (s *fileStore) Iter(startIdx uint64) (<-chan AuditEntry, func() error, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	file, err := os.Open(filepath.Join(s.dir, chainFileName))
	if err != nil {
		return nil, nil, fmt.Errorf("open chain file for reading: %w", err)
	}
	size, err := s.committedSize(file)
	if err != nil {
		_ = file.Close()
		return nil, nil, err
	}

	out, done := streamEntries(func(send func(AuditEntry) bool) error {
		defer file.Close()
		reader := bufio.NewReader(io.LimitReader(file, size))
		var offset int64
		for {
			e, n, err := readEntry(reader, size-offset)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("read %s at byte %d: %w", chainFileName, offset, err)
			}
			offset += n
			if e.Index < startIdx {
				continue
			}
			if !send(e) {
				return nil
			}
		}
	})
	return out, done, nil
}

// committedSize returns the size of chain.dat while no other process is
// in the middle of an append.
func (s *fileStore) committedSize(f *os.File) (int64, error) {
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_SH); err != nil {
		return 0, fmt.Errorf("lock chain file: %w", err)
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat chain file: %w", err)
	}
	return info.Size(), nil
}

// CheckpointAt retrieves the checkpoint at index i.
func (s *fileStore) CheckpointAt(i uint64) (Checkpoint, bool, error) {
	all, err := s.Checkpoints()
	if err != nil {
		return Checkpoint{}, false, err
	}
	for _, cp := range all {
		if cp.Index == i {
			return cp, true, nil
		}
	}
	return Checkpoint{}, false, nil
}

// Checkpoints returns all checkpoints in the store.
func (s *fileStore) Checkpoints() ([]Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := os.Open(filepath.Join(s.dir, checkpointsFileName))
	if err != nil {
		return nil, fmt.Errorf("open checkpoint file: %w", err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	var out []Checkpoint
	for {
		buf := make([]byte, checkpointEntrySize)
		if _, err := io.ReadFull(reader, buf); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("read checkpoint: %w", err)
		}
		var cp Checkpoint
		cp.Index = binary.BigEndian.Uint64(buf[0:8])
		copy(cp.Hash[:], buf[8:40])
		cp.Timestamp = int64(binary.BigEndian.Uint64(buf[40:48]))
		cp.Signature = buf[48:112]
		out = append(out, cp)
	}
	return out, nil
}

// Tail returns the latest tail state. After a failed append the cached
// tail may be stale, so Tail reports the failure instead.
func (s *fileStore) Tail() (TailState, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failed != nil {
		return TailState{}, false, fmt.Errorf("%w: %w", ErrStoreFailed, s.failed)
	}
	return s.readTailLocked()
}

func (s *fileStore) readTailLocked() (TailState, bool, error) {
	var tail TailState
	buf := make([]byte, tailEntrySize)
	if _, err := s.tailFile.ReadAt(buf, 0); err != nil {
		if errors.Is(err, io.EOF) {
			return tail, false, nil
		}
		return tail, false, fmt.Errorf("read tail: %w", err)
	}
	tail.Index = binary.BigEndian.Uint64(buf[0:8])
	copy(tail.Hash[:], buf[8:40])
	return tail, tail.Index > 0, nil
}

func (s *fileStore) writeTailLocked(tail TailState) error {
	buf := make([]byte, 0, tailEntrySize)
	buf = binary.BigEndian.AppendUint64(buf, tail.Index)
	buf = append(buf, tail.Hash[:]...)
	if _, err := s.tailFile.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("write tail: %w", err)
	}
	if err := s.tailFile.Sync(); err != nil {
		return fmt.Errorf("sync tail file: %w", err)
	}
	return nil
}

// Close closes the file store.
func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if err := s.chainFile.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close chain file: %w", err))
	}
	if err := s.checkpointFile.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close checkpoint file: %w", err))
	}
	if err := s.tailFile.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close tail file: %w", err))
	}
	return errors.Join(errs...)
}
