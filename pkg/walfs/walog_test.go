package walfs_test

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unijord/seglog/pkg/walfs"
)

// 64 byte header plus three 56 byte entries of 40 byte records
const smallSegment = 256

func record(seq uint64) []byte {
	return []byte(fmt.Sprintf("%040d", seq))
}

func openWAL(t *testing.T, dir string, opts ...walfs.Option) *walfs.WALog {
	t.Helper()
	wl, err := walfs.Open(dir, ".wal", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { wl.Close() })
	return wl
}

func writeRange(t *testing.T, wl *walfs.WALog, from, to uint64) {
	t.Helper()
	for seq := from; seq <= to; seq++ {
		require.NoError(t, wl.Write(record(seq), seq))
	}
}

func replayAll(t *testing.T, wl *walfs.WALog) []uint64 {
	t.Helper()
	var seqs []uint64
	require.NoError(t, wl.Replay(func(seq uint64, data []byte) error {
		assert.Equal(t, record(seq), data)
		seqs = append(seqs, seq)
		return nil
	}))
	return seqs
}

func TestWALog_EmptyDirectoryCreatesInitialSegment(t *testing.T) {
	dir := t.TempDir()
	wl := openWAL(t, dir)

	assert.Equal(t, 1, wl.SegmentCount())
	assert.Zero(t, wl.FirstSequence())
	assert.Zero(t, wl.LastSequence())

	_, err := os.Stat(filepath.Join(dir, "000000001.wal"))
	assert.NoError(t, err)
}

func TestWALog_WriteRead(t *testing.T) {
	wl := openWAL(t, t.TempDir())

	writeRange(t, wl, 1, 5)
	assert.Equal(t, uint64(1), wl.FirstSequence())
	assert.Equal(t, uint64(5), wl.LastSequence())

	data, err := wl.Read(3)
	require.NoError(t, err)
	assert.Equal(t, record(3), data)

	_, err = wl.Read(6)
	assert.ErrorIs(t, err, walfs.ErrNotFound)
}

func TestWALog_FirstSequenceIsCallerChosen(t *testing.T) {
	wl := openWAL(t, t.TempDir())

	writeRange(t, wl, 42, 44)
	assert.Equal(t, uint64(42), wl.FirstSequence())
	assert.Equal(t, []uint64{42, 43, 44}, replayAll(t, wl))
}

func TestWALog_WriteOutOfOrder(t *testing.T) {
	wl := openWAL(t, t.TempDir())
	writeRange(t, wl, 1, 2)

	assert.ErrorIs(t, wl.Write(record(4), 4), walfs.ErrOutOfOrder)
	assert.ErrorIs(t, wl.Write(record(2), 2), walfs.ErrOutOfOrder)
	assert.Equal(t, uint64(2), wl.LastSequence())
}

func TestWALog_RecordTooLarge(t *testing.T) {
	wl := openWAL(t, t.TempDir(), walfs.WithSegmentSize(smallSegment))

	err := wl.Write(bytes.Repeat([]byte{1}, smallSegment), 1)
	assert.ErrorIs(t, err, walfs.ErrRecordTooLarge)
	assert.Zero(t, wl.LastSequence())
}

func TestWALog_WriteWithRotation(t *testing.T) {
	wl := openWAL(t, t.TempDir(), walfs.WithSegmentSize(smallSegment))

	writeRange(t, wl, 1, 20)
	assert.Equal(t, 7, wl.SegmentCount())

	want := make([]uint64, 0, 20)
	for seq := uint64(1); seq <= 20; seq++ {
		want = append(want, seq)
	}
	assert.Equal(t, want, replayAll(t, wl))

	// records on sealed segments stay readable
	data, err := wl.Read(2)
	require.NoError(t, err)
	assert.Equal(t, record(2), data)
}

func TestWALog_ReopenRecoversSegments(t *testing.T) {
	dir := t.TempDir()

	wl, err := walfs.Open(dir, ".wal", walfs.WithSegmentSize(smallSegment))
	require.NoError(t, err)
	writeRange(t, wl, 1, 10)
	require.NoError(t, wl.Sync())
	require.NoError(t, wl.Close())

	reopened := openWAL(t, dir, walfs.WithSegmentSize(smallSegment))
	assert.Equal(t, 4, reopened.SegmentCount())
	assert.Equal(t, uint64(1), reopened.FirstSequence())
	assert.Equal(t, uint64(10), reopened.LastSequence())

	assert.ErrorIs(t, reopened.Write(record(12), 12), walfs.ErrOutOfOrder)
	writeRange(t, reopened, 11, 12)
	assert.Len(t, replayAll(t, reopened), 12)
}

func TestWALog_SkipsForeignFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.wal"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "000000007.txt"), []byte("x"), 0o644))

	wl := openWAL(t, dir)
	assert.Equal(t, 1, wl.SegmentCount())
}

func TestWALog_RemoveThrough(t *testing.T) {
	dir := t.TempDir()
	wl := openWAL(t, dir, walfs.WithSegmentSize(smallSegment))

	// segments hold 1-3, 4-6, 7-9, 10
	writeRange(t, wl, 1, 10)
	require.Equal(t, 4, wl.SegmentCount())

	// 5 is in the middle of the second segment
	removed, err := wl.RemoveThrough(5)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, uint64(4), wl.FirstSequence())

	_, err = os.Stat(walfs.SegmentFileName(dir, ".wal", 1))
	assert.ErrorIs(t, err, os.ErrNotExist)

	// the active segment is never removed
	removed, err = wl.RemoveThrough(10)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, wl.SegmentCount())
	assert.Equal(t, uint64(10), wl.FirstSequence())
	assert.Equal(t, uint64(10), wl.LastSequence())

	writeRange(t, wl, 11, 11)
	assert.Equal(t, []uint64{10, 11}, replayAll(t, wl))
}

func TestWALog_ReplayStopsOnError(t *testing.T) {
	wl := openWAL(t, t.TempDir())
	writeRange(t, wl, 1, 5)

	boom := errors.New("boom")
	var seen int
	err := wl.Replay(func(seq uint64, data []byte) error {
		seen++
		if seq == 3 {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, seen)
}

func TestWALog_RejectsTinySegmentSize(t *testing.T) {
	_, err := walfs.Open(t.TempDir(), ".wal", walfs.WithSegmentSize(64))
	assert.Error(t, err)
}
