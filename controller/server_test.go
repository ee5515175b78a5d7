package controller

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/awnumar/memguard"
	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/require"

	"github.com/xendarboh/diode-bridge/keywrap"
	"github.com/xendarboh/diode-bridge/layer0"
	"github.com/xendarboh/diode-bridge/messenger"
	"github.com/xendarboh/diode-bridge/wire"
)

// writeJunkFile writes a file too short to contain even the layer0
// size sentinel, so FindInputFiles treats it as corrupted without
// attempting to open or decrypt it.
func writeJunkFile(dir, name string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, name), []byte{0, 0}, 0o644)
}

// wireUpPair builds two Servers that exchange files through a shared
// root: alice's output folder is bob's input folder and vice versa,
// matching the reference implementation's two-process demo but
// collapsed into one test process.
func wireUpPair(t *testing.T) (alice, bob *Server) {
	t.Helper()

	root := t.TempDir()
	aliceIn := filepath.Join(root, "alice-in")
	bobIn := filepath.Join(root, "bob-in")

	aliceUUID, err := uuid.NewV4()
	require.NoError(t, err)
	bobUUID, err := uuid.NewV4()
	require.NoError(t, err)

	secretKeyBuf, err := keywrap.GenerateSecretKey()
	require.NoError(t, err)
	defer secretKeyBuf.Destroy()
	secretKey := secretKeyBuf.Bytes()

	var fileKey [layer0.KeyLen]byte
	copy(fileKey[:], secretKey)

	alice = NewServer(aliceUUID, aliceIn, bobIn, nil)
	bob = NewServer(bobUUID, bobIn, aliceIn, nil)

	// Each side gets its own locked-memory copy of the shared secret
	// key; Server.Close destroys a Peer's own copy, so the two sides
	// must not alias the same LockedBuffer.
	alice.Peers[bobUUID] = &Peer{
		Messenger: messenger.New(aliceUUID, bobUUID, nil),
		SecretKey: memguard.NewBufferFromBytes(append([]byte(nil), secretKey...)),
		FileKey:   fileKey,
	}
	bob.Peers[aliceUUID] = &Peer{
		Messenger: messenger.New(bobUUID, aliceUUID, nil),
		SecretKey: memguard.NewBufferFromBytes(append([]byte(nil), secretKey...)),
		FileKey:   fileKey,
	}

	return alice, bob
}

func TestRunOnceDeliversMessageAcrossPeers(t *testing.T) {
	alice, bob := wireUpPair(t)
	defer alice.Close()
	defer bob.Close()

	aliceToBob := alice.Peers[bob.UUID]
	aliceToBob.Messenger.AppendOutboxData([]byte("hello bob"), wire.ContentTypeString)

	require.NoError(t, alice.RunOnce())
	require.NoError(t, bob.RunOnce())

	bobToAlice := bob.Peers[alice.UUID]
	snap := bobToAlice.Messenger.Snapshot()
	require.Len(t, snap.Inbox, 1)
	require.NotNil(t, snap.Inbox[0].Message)
	require.Equal(t, "hello bob", string(snap.Inbox[0].Message.BinaryData))

	// One more round trip lets alice see bob's ack.
	require.NoError(t, bob.RunOnce())
	require.NoError(t, alice.RunOnce())

	aliceSnap := aliceToBob.Messenger.Snapshot()
	require.False(t, aliceSnap.Outbox[0].Acked.IsZero())
}

func TestRunOnceConvergesToSynchronized(t *testing.T) {
	alice, bob := wireUpPair(t)
	defer alice.Close()
	defer bob.Close()

	alice.Peers[bob.UUID].Messenger.AppendOutboxData([]byte("first"), wire.ContentTypeString)
	bob.Peers[alice.UUID].Messenger.AppendOutboxData([]byte("second"), wire.ContentTypeString)

	for i := 0; i < 4; i++ {
		require.NoError(t, alice.RunOnce())
		require.NoError(t, bob.RunOnce())
	}

	require.True(t, alice.Peers[bob.UUID].Messenger.IsSynchronized())
	require.True(t, bob.Peers[alice.UUID].Messenger.IsSynchronized())
}

func TestFindInputFilesNacksCorruptedFile(t *testing.T) {
	alice, bob := wireUpPair(t)
	defer alice.Close()
	defer bob.Close()

	bobsViewOfAlice := bob.Peers[alice.UUID]

	dir := filepath.Join(bob.InputFolder, bob.UUID.String())
	require.NoError(t, writeJunkFile(dir, alice.UUID.String()+"--"+bob.UUID.String()+"--7.packet"))

	// bob discovers the truncated file, decides it's corrupted, and
	// schedules a NACK for packet 7 against alice on bob's side.
	require.NoError(t, bob.RunOnce())

	snap := bobsViewOfAlice.Messenger.Snapshot()
	require.Contains(t, snap.NackIDs, uint32(7))
}
