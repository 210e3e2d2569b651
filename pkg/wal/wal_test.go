package wal

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T, dir string) *Log {
	t.Helper()
	l, err := Open(dir, zerolog.Nop())
	require.NoError(t, err)
	return l
}

func TestOpenEmpty(t *testing.T) {
	l := openTestLog(t, t.TempDir())
	defer l.Close()

	assert.Equal(t, uint64(0), l.LastIndex())
	assert.Equal(t, uint64(1), l.FirstIndex())
	assert.Equal(t, 0, l.Len())
}

func TestAppendAndLookup(t *testing.T) {
	l := openTestLog(t, t.TempDir())
	defer l.Close()

	require.NoError(t, l.Append(Entry{Index: 1, Term: 1, Key: "a", Value: "1"}))
	require.NoError(t, l.Append(Entry{Index: 2, Term: 1, Key: "b", Value: "2"}))
	require.NoError(t, l.Append(Entry{Index: 3, Term: 2, Key: "c", Value: "3"}))

	assert.Equal(t, uint64(3), l.LastIndex())
	assert.Equal(t, uint64(2), l.LastTerm())

	term, err := l.TermAt(2)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), term)

	e, err := l.EntryAt(3)
	require.NoError(t, err)
	assert.Equal(t, "c", e.Key)

	_, err = l.EntryAt(4)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestAppendRejectsGaps(t *testing.T) {
	l := openTestLog(t, t.TempDir())
	defer l.Close()

	require.NoError(t, l.Append(Entry{Index: 1, Term: 1, Key: "a", Value: "1"}))
	assert.Error(t, l.Append(Entry{Index: 3, Term: 1, Key: "c", Value: "3"}))
	assert.Error(t, l.Append(Entry{Index: 1, Term: 1, Key: "a", Value: "1"}))
}

func TestTruncateFrom(t *testing.T) {
	l := openTestLog(t, t.TempDir())
	defer l.Close()

	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, l.Append(Entry{Index: i, Term: 1, Key: "k", Value: "v"}))
	}

	require.NoError(t, l.TruncateFrom(3))
	assert.Equal(t, uint64(2), l.LastIndex())

	// Truncating past the end is a no-op.
	require.NoError(t, l.TruncateFrom(10))
	assert.Equal(t, uint64(2), l.LastIndex())

	// The log accepts appends at the cut point again.
	require.NoError(t, l.Append(Entry{Index: 3, Term: 2, Key: "k2", Value: "v2"}))
	term, err := l.TermAt(3)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), term)
}

func TestReplayAfterReopen(t *testing.T) {
	dir := t.TempDir()

	l := openTestLog(t, dir)
	require.NoError(t, l.Append(Entry{Index: 1, Term: 1, Key: "a", Value: "1"}))
	require.NoError(t, l.Append(Entry{Index: 2, Term: 1, Key: "b", Value: "2"}))
	require.NoError(t, l.SetState(3, "node-1"))
	require.NoError(t, l.Close())

	l2 := openTestLog(t, dir)
	defer l2.Close()

	assert.Equal(t, uint64(2), l2.LastIndex())
	term, votedFor := l2.State()
	assert.Equal(t, uint64(3), term)
	assert.Equal(t, "node-1", votedFor)

	e, err := l2.EntryAt(1)
	require.NoError(t, err)
	assert.Equal(t, "a", e.Key)
	assert.Equal(t, "1", e.Value)
}

func TestReplayDiscardsTornTail(t *testing.T) {
	dir := t.TempDir()

	l := openTestLog(t, dir)
	require.NoError(t, l.Append(Entry{Index: 1, Term: 1, Key: "a", Value: "1"}))
	require.NoError(t, l.Close())

	// Simulate a crash mid-append: a header promising more bytes than
	// the file holds.
	f, err := os.OpenFile(filepath.Join(dir, logFileName), os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	torn := make([]byte, recordHeaderSize+3)
	binary.LittleEndian.PutUint32(torn[4:8], 100)
	_, err = f.Write(torn)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	l2 := openTestLog(t, dir)
	defer l2.Close()

	assert.Equal(t, uint64(1), l2.LastIndex())

	// The tail was cut, so the next append goes through cleanly and
	// survives another reopen.
	require.NoError(t, l2.Append(Entry{Index: 2, Term: 1, Key: "b", Value: "2"}))
	require.NoError(t, l2.Close())

	l3 := openTestLog(t, dir)
	defer l3.Close()
	assert.Equal(t, uint64(2), l3.LastIndex())
}

func TestCreateSnapshotCompactsPrefix(t *testing.T) {
	dir := t.TempDir()

	l := openTestLog(t, dir)
	for i := uint64(1); i <= 10; i++ {
		require.NoError(t, l.Append(Entry{Index: i, Term: 1, Key: "k", Value: "v"}))
	}

	require.NoError(t, l.CreateSnapshot([]byte("image"), 7))

	assert.Equal(t, uint64(8), l.FirstIndex())
	assert.Equal(t, uint64(10), l.LastIndex())
	assert.Equal(t, 3, l.Len())

	_, err := l.EntryAt(7)
	assert.ErrorIs(t, err, ErrCompacted)

	// The boundary term is still answerable.
	term, err := l.TermAt(7)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), term)

	require.NoError(t, l.Close())

	// Snapshot and surviving suffix both survive a reopen.
	l2 := openTestLog(t, dir)
	defer l2.Close()

	snap := l2.Snapshot()
	require.NotNil(t, snap)
	assert.Equal(t, uint64(7), snap.Meta.LastIncludedIndex)
	assert.Equal(t, []byte("image"), snap.Data)
	assert.Equal(t, uint64(8), l2.FirstIndex())
	assert.Equal(t, uint64(10), l2.LastIndex())
}

func TestInstallSnapshotReplacesLog(t *testing.T) {
	l := openTestLog(t, t.TempDir())
	defer l.Close()

	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, l.Append(Entry{Index: i, Term: 1, Key: "k", Value: "v"}))
	}

	require.NoError(t, l.InstallSnapshot([]byte("image"), 100, 4))

	assert.Equal(t, uint64(100), l.LastIndex())
	assert.Equal(t, uint64(4), l.LastTerm())
	assert.Equal(t, 0, l.Len())
	assert.Equal(t, uint64(101), l.FirstIndex())

	// The log continues from the boundary.
	require.NoError(t, l.Append(Entry{Index: 101, Term: 5, Key: "x", Value: "y"}))
	assert.Equal(t, uint64(101), l.LastIndex())
}

func TestTermsNonDecreasing(t *testing.T) {
	l := openTestLog(t, t.TempDir())
	defer l.Close()

	require.NoError(t, l.Append(Entry{Index: 1, Term: 1, Key: "a", Value: "1"}))
	require.NoError(t, l.Append(Entry{Index: 2, Term: 3, Key: "b", Value: "2"}))
	require.NoError(t, l.Append(Entry{Index: 3, Term: 3, Key: "c", Value: "3"}))

	prev := uint64(0)
	for _, e := range l.Entries() {
		assert.GreaterOrEqual(t, e.Term, prev)
		prev = e.Term
	}
}

func TestStateRoundTrip(t *testing.T) {
	dir := t.TempDir()

	l := openTestLog(t, dir)
	require.NoError(t, l.SetState(42, "peer-7"))

	term, votedFor := l.State()
	assert.Equal(t, uint64(42), term)
	assert.Equal(t, "peer-7", votedFor)
	require.NoError(t, l.Close())

	l2 := openTestLog(t, dir)
	defer l2.Close()
	term, votedFor = l2.State()
	assert.Equal(t, uint64(42), term)
	assert.Equal(t, "peer-7", votedFor)
}
