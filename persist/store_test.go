package persist

import (
	"path/filepath"
	"testing"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/require"

	"github.com/xendarboh/diode-bridge/messenger"
	"github.com/xendarboh/diode-bridge/wire"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.db")

	selfUUID, err := uuid.NewV4()
	require.NoError(t, err)
	otherUUID, err := uuid.NewV4()
	require.NoError(t, err)

	m := messenger.New(selfUUID, otherUUID, nil)
	m.AppendOutboxData([]byte("hello"), wire.ContentTypeString)
	m.AppendOutboxData([]byte("world"), wire.ContentTypeString)
	m.RequestNack(42)

	store, err := Open(path, []byte("correct horse battery staple"))
	require.NoError(t, err)
	require.NoError(t, store.Save(m.Snapshot()))
	require.NoError(t, store.Close())

	reopened, err := Open(path, []byte("correct horse battery staple"))
	require.NoError(t, err)
	defer reopened.Close()

	snap, err := reopened.Load()
	require.NoError(t, err)

	restored := messenger.Restore(snap, nil)
	require.Equal(t, selfUUID, restored.SelfUUID)
	require.Equal(t, otherUUID, restored.OtherUUID)
	require.Equal(t, uint32(2), restored.ClockSelf())
	require.Len(t, snap.Outbox, 2)
	require.Equal(t, "hello", string(snap.Outbox[0].Message.BinaryData))
	require.Equal(t, "world", string(snap.Outbox[1].Message.BinaryData))
	require.Equal(t, []uint32{42}, snap.NackIDs)
}

func TestLoadWrongPassphraseFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.db")

	selfUUID, err := uuid.NewV4()
	require.NoError(t, err)
	otherUUID, err := uuid.NewV4()
	require.NoError(t, err)

	m := messenger.New(selfUUID, otherUUID, nil)
	m.AppendOutboxData([]byte("secret"), wire.ContentTypeString)

	store, err := Open(path, []byte("right passphrase"))
	require.NoError(t, err)
	require.NoError(t, store.Save(m.Snapshot()))
	require.NoError(t, store.Close())

	wrong, err := Open(path, []byte("wrong passphrase"))
	require.NoError(t, err)
	defer wrong.Close()

	_, err = wrong.Load()
	require.ErrorIs(t, err, ErrAuthFailure)
}

func TestSnapshotPreservesAckedState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.db")

	selfUUID, err := uuid.NewV4()
	require.NoError(t, err)
	otherUUID, err := uuid.NewV4()
	require.NoError(t, err)

	m := messenger.New(selfUUID, otherUUID, nil)
	m.AppendOutboxData([]byte("x"), wire.ContentTypeString)
	packet, err := m.CreatePacket(nil)
	require.NoError(t, err)
	require.NoError(t, m.PacketSend(packet))

	// Simulate a full ack from the peer before persisting.
	ackPacket, err := (func() (*wire.Packet, error) {
		peer := messenger.New(otherUUID, selfUUID, nil)
		require.NoError(t, peer.PacketReceive(packet))
		return peer.CreatePacket(nil)
	})()
	require.NoError(t, err)
	require.NoError(t, m.PacketReceive(ackPacket))
	require.Equal(t, uint32(1), m.OtherClockSelf(), "sanity: ack applied")

	store, err := Open(path, []byte("pw"))
	require.NoError(t, err)
	require.NoError(t, store.Save(m.Snapshot()))
	require.NoError(t, store.Close())

	reopened, err := Open(path, []byte("pw"))
	require.NoError(t, err)
	defer reopened.Close()
	snap, err := reopened.Load()
	require.NoError(t, err)

	require.False(t, snap.Outbox[0].Acked.IsZero())
}
