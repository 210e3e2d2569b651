// Package wal implements the durable operation log: an append-only,
// index-addressable sequence of entries plus a single most-recent snapshot.
package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"google.golang.org/protobuf/encoding/protowire"
)

// Entry is a single replicated operation. Index is strictly positive and
// dense; Term is non-decreasing along the log.
type Entry struct {
	Index uint64
	Term  uint64
	Key   string
	Value string
}

// SnapshotMeta identifies the log prefix a snapshot replaces.
type SnapshotMeta struct {
	LastIncludedIndex uint64
	LastIncludedTerm  uint64
}

// Snapshot is a serialised state machine image plus its metadata.
type Snapshot struct {
	Meta SnapshotMeta
	Data []byte
}

const (
	logFileName      = "log.dat"
	snapshotFileName = "snapshot.dat"
	stateFileName    = "state.dat"

	// 4 bytes CRC32 + 4 bytes payload length
	recordHeaderSize = 8
)

var (
	// ErrCompacted is returned when the requested index has been removed
	// by a snapshot.
	ErrCompacted = fmt.Errorf("wal: index compacted into snapshot")
	// ErrOutOfRange is returned when the requested index is past the end
	// of the log.
	ErrOutOfRange = fmt.Errorf("wal: index out of range")
)

// Log is the durable log store. A single writer at a time; the in-memory
// mirror is updated only after the durable write succeeds, so concurrent
// readers observe a state consistent with the last completed append.
type Log struct {
	mu     sync.RWMutex
	dir    string
	file   *os.File
	size   int64
	logger zerolog.Logger

	currentTerm uint64
	votedFor    string

	snapshot *Snapshot

	// Mirror of every entry in (snapshotLastIndex, lastIndex], with the
	// byte offset of each record in the log file.
	entries []Entry
	offsets []int64
}

// Open opens (or creates) the log store in dir and recovers its state.
func Open(dir string, logger zerolog.Logger) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create wal directory: %w", err)
	}

	l := &Log{
		dir:    dir,
		logger: logger.With().Str("component", "wal").Logger(),
	}

	if err := l.loadState(); err != nil {
		return nil, fmt.Errorf("load persistent state: %w", err)
	}
	if err := l.loadSnapshot(); err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	file, err := os.OpenFile(filepath.Join(dir, logFileName), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	l.file = file

	if err := l.replay(); err != nil {
		file.Close()
		return nil, fmt.Errorf("replay log: %w", err)
	}

	return l, nil
}

// replay reads every intact record from the log file. A torn record at
// the tail (crash mid-append) is discarded by truncating the file back to
// the last good offset. Records already covered by the snapshot are
// skipped.
func (l *Log) replay() error {
	var off int64
	snapLast := uint64(0)
	if l.snapshot != nil {
		snapLast = l.snapshot.Meta.LastIncludedIndex
	}

	for {
		header := make([]byte, recordHeaderSize)
		if _, err := l.file.ReadAt(header, off); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return err
		}

		crc := binary.LittleEndian.Uint32(header[:4])
		length := binary.LittleEndian.Uint32(header[4:8])

		payload := make([]byte, length)
		if _, err := l.file.ReadAt(payload, off+recordHeaderSize); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				l.logger.Warn().Int64("offset", off).Msg("discarding torn record at log tail")
				break
			}
			return err
		}

		if crc32.ChecksumIEEE(payload) != crc {
			l.logger.Warn().Int64("offset", off).Msg("discarding corrupt record at log tail")
			break
		}

		entry, err := decodeEntry(payload)
		if err != nil {
			l.logger.Warn().Int64("offset", off).Err(err).Msg("discarding undecodable record at log tail")
			break
		}

		if entry.Index > snapLast {
			l.entries = append(l.entries, entry)
			l.offsets = append(l.offsets, off)
		}
		off += recordHeaderSize + int64(length)
	}

	if err := l.file.Truncate(off); err != nil {
		return err
	}
	l.size = off
	return nil
}

// Append durably appends entry. entry.Index must equal LastIndex()+1.
// The record is staged in full and written with a single write followed
// by a sync; a failed append never leaves a partial record visible.
func (l *Log) Append(entry Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("wal: log is closed")
	}
	if want := l.lastIndexLocked() + 1; entry.Index != want {
		return fmt.Errorf("wal: append index %d, want %d", entry.Index, want)
	}

	payload := encodeEntry(nil, &entry)
	record := make([]byte, recordHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(record[:4], crc32.ChecksumIEEE(payload))
	binary.LittleEndian.PutUint32(record[4:8], uint32(len(payload)))
	copy(record[recordHeaderSize:], payload)

	if _, err := l.file.WriteAt(record, l.size); err != nil {
		return fmt.Errorf("write log record: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync log: %w", err)
	}

	l.entries = append(l.entries, entry)
	l.offsets = append(l.offsets, l.size)
	l.size += int64(len(record))
	return nil
}

// LastIndex returns the index of the last entry, or the snapshot boundary
// when the log is empty.
func (l *Log) LastIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastIndexLocked()
}

func (l *Log) lastIndexLocked() uint64 {
	if len(l.entries) > 0 {
		return l.entries[len(l.entries)-1].Index
	}
	if l.snapshot != nil {
		return l.snapshot.Meta.LastIncludedIndex
	}
	return 0
}

// FirstIndex returns the virtual first index: snapshotLastIndex + 1.
func (l *Log) FirstIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.snapshot != nil {
		return l.snapshot.Meta.LastIncludedIndex + 1
	}
	return 1
}

// LastTerm returns the term of the last entry, falling back to the
// snapshot boundary term.
func (l *Log) LastTerm() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) > 0 {
		return l.entries[len(l.entries)-1].Term
	}
	if l.snapshot != nil {
		return l.snapshot.Meta.LastIncludedTerm
	}
	return 0
}

// TermAt answers for the snapshot boundary index and every present entry.
func (l *Log) TermAt(index uint64) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.termAtLocked(index)
}

func (l *Log) termAtLocked(index uint64) (uint64, error) {
	if index == 0 {
		return 0, nil
	}
	if l.snapshot != nil {
		if index == l.snapshot.Meta.LastIncludedIndex {
			return l.snapshot.Meta.LastIncludedTerm, nil
		}
		if index < l.snapshot.Meta.LastIncludedIndex {
			return 0, ErrCompacted
		}
	}
	e, err := l.entryAtLocked(index)
	if err != nil {
		return 0, err
	}
	return e.Term, nil
}

// EntryAt returns the entry at the given index.
func (l *Log) EntryAt(index uint64) (Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entryAtLocked(index)
}

func (l *Log) entryAtLocked(index uint64) (Entry, error) {
	first := uint64(1)
	if l.snapshot != nil {
		first = l.snapshot.Meta.LastIncludedIndex + 1
	}
	if index < first {
		return Entry{}, ErrCompacted
	}
	pos := int(index - first)
	if pos >= len(l.entries) {
		return Entry{}, ErrOutOfRange
	}
	return l.entries[pos], nil
}

// Entries returns a copy of the in-memory mirror.
func (l *Log) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of physically present entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// TruncateFrom discards every entry with index >= from. A no-op when no
// such entry exists. The file is cut at the byte offset of the first
// discarded record, so the cost is independent of the retained prefix.
func (l *Log) TruncateFrom(from uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("wal: log is closed")
	}

	first := uint64(1)
	if l.snapshot != nil {
		first = l.snapshot.Meta.LastIncludedIndex + 1
	}
	if from < first {
		from = first
	}
	pos := int(from - first)
	if pos >= len(l.entries) {
		return nil
	}

	off := l.offsets[pos]
	if err := l.file.Truncate(off); err != nil {
		return fmt.Errorf("truncate log: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync log: %w", err)
	}

	l.entries = l.entries[:pos]
	l.offsets = l.offsets[:pos]
	l.size = off
	return nil
}

// CreateSnapshot records a snapshot taken at lastIncludedIndex (which
// must be present in the log or at the current snapshot boundary) and
// removes every entry with index <= lastIncludedIndex.
func (l *Log) CreateSnapshot(data []byte, lastIncludedIndex uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	term, err := l.termAtLocked(lastIncludedIndex)
	if err != nil {
		return fmt.Errorf("snapshot term lookup: %w", err)
	}
	return l.installLocked(data, lastIncludedIndex, term)
}

// InstallSnapshot records a leader-provided snapshot. Unlike
// CreateSnapshot the boundary term comes from the leader, since the local
// log may not cover lastIncludedIndex at all, and the snapshot replaces
// the log wholesale: lastIndex() becomes lastIncludedIndex.
func (l *Log) InstallSnapshot(data []byte, lastIncludedIndex, lastIncludedTerm uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
	l.offsets = nil
	return l.installLocked(data, lastIncludedIndex, lastIncludedTerm)
}

// installLocked writes the snapshot file (temp then rename) and rolls the
// log to a new segment holding only entries past the boundary. A crash
// between the two steps is recovered on replay: records at or below the
// snapshot boundary are skipped.
func (l *Log) installLocked(data []byte, lastIncludedIndex, lastIncludedTerm uint64) error {
	var payload []byte
	payload = protowire.AppendTag(payload, 1, protowire.VarintType)
	payload = protowire.AppendVarint(payload, lastIncludedIndex)
	payload = protowire.AppendTag(payload, 2, protowire.VarintType)
	payload = protowire.AppendVarint(payload, lastIncludedTerm)
	payload = protowire.AppendTag(payload, 3, protowire.BytesType)
	payload = protowire.AppendBytes(payload, data)

	if err := l.writeFileAtomic(snapshotFileName, payload); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}

	l.snapshot = &Snapshot{
		Meta: SnapshotMeta{LastIncludedIndex: lastIncludedIndex, LastIncludedTerm: lastIncludedTerm},
		Data: data,
	}

	var keep []Entry
	for _, e := range l.entries {
		if e.Index > lastIncludedIndex {
			keep = append(keep, e)
		}
	}
	return l.rollSegmentLocked(keep)
}

// rollSegmentLocked rewrites the log file to contain exactly the given
// entries, atomically via temp-then-rename.
func (l *Log) rollSegmentLocked(entries []Entry) error {
	var buf []byte
	offsets := make([]int64, 0, len(entries))
	for i := range entries {
		offsets = append(offsets, int64(len(buf)))
		payload := encodeEntry(nil, &entries[i])
		header := make([]byte, recordHeaderSize)
		binary.LittleEndian.PutUint32(header[:4], crc32.ChecksumIEEE(payload))
		binary.LittleEndian.PutUint32(header[4:8], uint32(len(payload)))
		buf = append(buf, header...)
		buf = append(buf, payload...)
	}

	tmp := filepath.Join(l.dir, logFileName+".tmp")
	if err := writeAndSync(tmp, buf); err != nil {
		return fmt.Errorf("write log segment: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(l.dir, logFileName)); err != nil {
		return fmt.Errorf("rename log segment: %w", err)
	}

	if l.file != nil {
		l.file.Close()
	}
	file, err := os.OpenFile(filepath.Join(l.dir, logFileName), os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("reopen log segment: %w", err)
	}
	l.file = file
	l.entries = entries
	l.offsets = offsets
	l.size = int64(len(buf))
	return nil
}

// Snapshot returns the current snapshot header, or nil when none exists.
func (l *Log) Snapshot() *Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshot
}

// SetState durably records currentTerm and votedFor.
func (l *Log) SetState(term uint64, votedFor string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var payload []byte
	payload = protowire.AppendTag(payload, 1, protowire.VarintType)
	payload = protowire.AppendVarint(payload, term)
	payload = protowire.AppendTag(payload, 2, protowire.BytesType)
	payload = protowire.AppendString(payload, votedFor)

	if err := l.writeFileAtomic(stateFileName, payload); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	l.currentTerm = term
	l.votedFor = votedFor
	return nil
}

// State returns the persisted currentTerm and votedFor.
func (l *Log) State() (uint64, string) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.currentTerm, l.votedFor
}

// Close closes the underlying log file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

func (l *Log) loadState() error {
	payload, err := readChecked(filepath.Join(l.dir, stateFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for len(payload) > 0 {
		num, typ, n := protowire.ConsumeTag(payload)
		if n < 0 {
			return protowire.ParseError(n)
		}
		payload = payload[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(payload)
			if n < 0 {
				return protowire.ParseError(n)
			}
			l.currentTerm = v
			payload = payload[n:]
		case 2:
			v, n := protowire.ConsumeString(payload)
			if n < 0 {
				return protowire.ParseError(n)
			}
			l.votedFor = v
			payload = payload[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, payload)
			if n < 0 {
				return protowire.ParseError(n)
			}
			payload = payload[n:]
		}
	}
	return nil
}

func (l *Log) loadSnapshot() error {
	payload, err := readChecked(filepath.Join(l.dir, snapshotFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	snap := &Snapshot{}
	for len(payload) > 0 {
		num, typ, n := protowire.ConsumeTag(payload)
		if n < 0 {
			return protowire.ParseError(n)
		}
		payload = payload[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(payload)
			if n < 0 {
				return protowire.ParseError(n)
			}
			snap.Meta.LastIncludedIndex = v
			payload = payload[n:]
		case 2:
			v, n := protowire.ConsumeVarint(payload)
			if n < 0 {
				return protowire.ParseError(n)
			}
			snap.Meta.LastIncludedTerm = v
			payload = payload[n:]
		case 3:
			v, n := protowire.ConsumeBytes(payload)
			if n < 0 {
				return protowire.ParseError(n)
			}
			snap.Data = append([]byte(nil), v...)
			payload = payload[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, payload)
			if n < 0 {
				return protowire.ParseError(n)
			}
			payload = payload[n:]
		}
	}
	l.snapshot = snap
	return nil
}

// writeFileAtomic frames payload with a CRC header and writes it to name
// via write-temp-then-rename.
func (l *Log) writeFileAtomic(name string, payload []byte) error {
	buf := make([]byte, recordHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[:4], crc32.ChecksumIEEE(payload))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(payload)))
	copy(buf[recordHeaderSize:], payload)

	tmp := filepath.Join(l.dir, name+".tmp")
	if err := writeAndSync(tmp, buf); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(l.dir, name))
}

func writeAndSync(path string, data []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// readChecked reads a CRC-framed file and returns its payload.
func readChecked(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	header := make([]byte, recordHeaderSize)
	if _, err := io.ReadFull(f, header); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	crc := binary.LittleEndian.Uint32(header[:4])
	length := binary.LittleEndian.Uint32(header[4:8])

	payload := make([]byte, length)
	if _, err := io.ReadFull(f, payload); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	if crc32.ChecksumIEEE(payload) != crc {
		return nil, fmt.Errorf("crc mismatch in %s", filepath.Base(path))
	}
	return payload, nil
}

func encodeEntry(buf []byte, e *Entry) []byte {
	buf = protowire.AppendTag(buf, 1, protowire.VarintType)
	buf = protowire.AppendVarint(buf, e.Index)
	buf = protowire.AppendTag(buf, 2, protowire.VarintType)
	buf = protowire.AppendVarint(buf, e.Term)
	buf = protowire.AppendTag(buf, 3, protowire.BytesType)
	buf = protowire.AppendString(buf, e.Key)
	buf = protowire.AppendTag(buf, 4, protowire.BytesType)
	buf = protowire.AppendString(buf, e.Value)
	return buf
}

func decodeEntry(payload []byte) (Entry, error) {
	var e Entry
	for len(payload) > 0 {
		num, typ, n := protowire.ConsumeTag(payload)
		if n < 0 {
			return e, protowire.ParseError(n)
		}
		payload = payload[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(payload)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			e.Index = v
			payload = payload[n:]
		case 2:
			v, n := protowire.ConsumeVarint(payload)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			e.Term = v
			payload = payload[n:]
		case 3:
			v, n := protowire.ConsumeString(payload)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			e.Key = v
			payload = payload[n:]
		case 4:
			v, n := protowire.ConsumeString(payload)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			e.Value = v
			payload = payload[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, payload)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			payload = payload[n:]
		}
	}
	return e, nil
}
