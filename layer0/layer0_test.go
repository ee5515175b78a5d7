package layer0

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time { return f.now }
func (f *fakeClock) advance(d time.Duration) { f.now = f.now.Add(d) }

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "peer", "a--b--1.packet")

	var key [KeyLen]byte
	for i := range key {
		key[i] = byte(i)
	}

	w, err := NewBinaryWriter(path, key)
	require.NoError(t, err)

	payload := []byte("hello, drop folder")
	_, err = w.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := NewBinaryReader(path, key, nil, 0)
	require.NoError(t, err)
	require.False(t, r.Corrupted)

	ready, err := r.IsReadyToRead()
	require.NoError(t, err)
	require.True(t, ready)

	got, err := r.ReadAll()
	require.NoError(t, err)
	require.Equal(t, payload, got)

	require.NoError(t, r.Close(true))
}

func TestWrongKeyProducesGarbageNotPanic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "p.packet")

	var key1, key2 [KeyLen]byte
	key2[0] = 1

	w, err := NewBinaryWriter(path, key1)
	require.NoError(t, err)
	_, err = w.Write([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := NewBinaryReader(path, key2, nil, 0)
	require.NoError(t, err)
	_, err = r.ReadAll()
	require.Error(t, err)
}

func TestTruncatedFileIsCorrupted(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "p.packet")

	var key [KeyLen]byte
	w, err := NewBinaryWriter(path, key)
	require.NoError(t, err)
	_, err = w.Write([]byte("payload"))
	require.NoError(t, err)
	// Never call Close: sentinel stays zero, simulating a writer crash.

	r, err := NewBinaryReader(path, key, nil, 0)
	require.NoError(t, err)
	require.True(t, r.Corrupted)
}

func TestReadinessTimeoutWithInjectedClock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "p.packet")

	var key [KeyLen]byte
	w, err := NewBinaryWriter(path, key)
	require.NoError(t, err)
	_, err = w.Write([]byte("payload"))
	require.NoError(t, err)
	// File never gets its sentinel patched (writer stays "open").

	clock := &fakeClock{now: time.Now()}
	r, err := NewBinaryReader(path, key, clock, 0)
	require.NoError(t, err)

	ready, err := r.IsReadyToRead()
	require.NoError(t, err)
	require.False(t, ready, "should not be ready immediately")

	clock.advance(DefaultDelayAssumeWriteFinishedUnsuccessfully + time.Millisecond)
	ready, err = r.IsReadyToRead()
	require.NoError(t, err)
	require.True(t, ready, "should assume finished after the timeout")
}

func TestReadinessResetsOnGrowth(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "p.packet")

	var key [KeyLen]byte
	w, err := NewBinaryWriter(path, key)
	require.NoError(t, err)
	_, err = w.Write([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, w.Flush())

	clock := &fakeClock{now: time.Now()}
	r, err := NewBinaryReader(path, key, clock, 0)
	require.NoError(t, err)

	clock.advance(DefaultDelayAssumeWriteFinishedUnsuccessfully / 2)
	ready, err := r.IsReadyToRead()
	require.NoError(t, err)
	require.False(t, ready)

	// Simulate more bytes arriving: growth resets the timer.
	_, err = w.Write([]byte("more"))
	require.NoError(t, err)
	require.NoError(t, w.Flush())
	clock.advance(DefaultDelayAssumeWriteFinishedUnsuccessfully / 2)
	ready, err = r.IsReadyToRead()
	require.NoError(t, err)
	require.False(t, ready, "growth should have been observed and reset the clock")
}
