package messenger

import (
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/require"

	"github.com/xendarboh/diode-bridge/wire"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time         { return f.now }
func (f *fakeClock) advance(d time.Duration) { f.now = f.now.Add(d) }

func newPeerPair(t *testing.T, clock Clock) (u1, u2 uuid.UUID, s1, s2 *Messenger) {
	t.Helper()
	var err error
	u1, err = uuid.NewV4()
	require.NoError(t, err)
	u2, err = uuid.NewV4()
	require.NoError(t, err)
	s1 = New(u1, u2, clock)
	s2 = New(u2, u1, clock)
	return
}

func TestAppendOutboxDataAssignsSequentialIDs(t *testing.T) {
	_, _, s1, _ := newPeerPair(t, &fakeClock{now: time.Now()})

	ids1 := s1.AppendOutboxData([]byte("a"), wire.ContentTypeString)
	ids2 := s1.AppendOutboxData([]byte("b"), wire.ContentTypeString)

	require.Equal(t, []uint32{1}, ids1)
	require.Equal(t, []uint32{2}, ids2)
	require.Equal(t, uint32(2), s1.ClockSelf())
}

func TestEmptyPacketWhenNothingToSend(t *testing.T) {
	_, _, s1, _ := newPeerPair(t, &fakeClock{now: time.Now()})
	p, err := s1.CreatePacket(nil)
	require.NoError(t, err)
	require.Equal(t, uint32(0), p.Header.NumMessages)
	require.Empty(t, p.Messages)
}

func TestFullExchangeConvergesToSynchronized(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	_, _, s1, s2 := newPeerPair(t, clock)

	p1_0, err := s1.CreatePacket(nil)
	require.NoError(t, err)
	require.Empty(t, p1_0.Messages)

	s1.AppendOutboxData([]byte("test"), wire.ContentTypeString)
	s1.AppendOutboxData([]byte("some binary \x00\x00"), wire.ContentTypeBinary)

	p1_1, err := s1.CreatePacket(nil)
	require.NoError(t, err)
	require.Len(t, p1_1.Messages, 2)
	require.NoError(t, s1.PacketSend(p1_1))

	// Immediately re-creating a packet should send nothing: both
	// messages were just stamped and the retransmission timeout hasn't
	// elapsed.
	p1_2, err := s1.CreatePacket(nil)
	require.NoError(t, err)
	require.Empty(t, p1_2.Messages)

	// s2 asks for p1_1 (plus a bogus id) to be retransmitted, before
	// ever having received it.
	s2.RequestNack(p1_1.Header.PacketID)
	s2.RequestNack(999)
	p2_0, err := s2.CreatePacket(nil)
	require.NoError(t, err)
	require.ElementsMatch(t, []uint32{p1_1.Header.PacketID, 999}, p2_0.Control.NackIDs)

	require.NoError(t, s1.PacketReceive(p2_0))

	// The NACK cleared p1_1's stamps, so the messages are due again.
	p1_3, err := s1.CreatePacket(nil)
	require.NoError(t, err)
	require.Len(t, p1_3.Messages, 2)

	// s2 actually receives the original packet.
	require.NoError(t, s2.PacketReceive(p1_1))
	require.Equal(t, "test", string(s2.inbox[0].Message.BinaryData))
	require.Equal(t, "some binary \x00\x00", string(s2.inbox[1].Message.BinaryData))

	p2_1, err := s2.CreatePacket(nil)
	require.NoError(t, err)
	require.NoError(t, s2.PacketSend(p2_1))

	clock.advance(DefaultRetransmissionTimeout + time.Second)

	p2_2, err := s2.CreatePacket(nil)
	require.NoError(t, err)
	require.NoError(t, s2.PacketSend(p2_2))
	require.NoError(t, s1.PacketReceive(p2_2))

	require.False(t, s1.outbox[0].Acked.IsZero())
	require.False(t, s1.outbox[1].Acked.IsZero())
	require.Equal(t, uint32(2), s1.OtherClockSelf())
	require.True(t, s1.IsSynchronized())
	require.True(t, s2.IsSynchronized())
}

func TestRetransmissionTimeoutGovernsResend(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	_, _, s1, _ := newPeerPair(t, clock)

	s1.AppendOutboxData([]byte("x"), wire.ContentTypeString)
	p1, err := s1.CreatePacket(nil)
	require.NoError(t, err)
	require.Len(t, p1.Messages, 1)
	require.NoError(t, s1.PacketSend(p1))

	p2, err := s1.CreatePacket(nil)
	require.NoError(t, err)
	require.Empty(t, p2.Messages, "retransmission timeout has not elapsed")

	clock.advance(DefaultRetransmissionTimeout + time.Millisecond)

	p3, err := s1.CreatePacket(nil)
	require.NoError(t, err)
	require.Len(t, p3.Messages, 1, "retransmission timeout elapsed, message is due again")
}

func TestMaxSizeBytesBudgetSplitsAcrossPackets(t *testing.T) {
	_, _, s1, _ := newPeerPair(t, &fakeClock{now: time.Now()})
	s1.MaxSizeBytes = 10

	s1.AppendOutboxData(make([]byte, 8), wire.ContentTypeBinary)
	s1.AppendOutboxData(make([]byte, 8), wire.ContentTypeBinary)

	p, err := s1.CreatePacket(nil)
	require.NoError(t, err)
	require.Len(t, p.Messages, 1, "second message would exceed the per-packet byte budget")
}

func TestMultipartFragmentationAndAssembly(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	_, _, s1, s2 := newPeerPair(t, clock)

	s1.MultipartLimitSizeBytes = 4
	data := []byte("0123456789")
	ids := s1.AppendOutboxData(data, wire.ContentTypeBinary)
	require.Len(t, ids, 3, "10 bytes split into 4+4+2")

	p, err := s1.CreatePacket(nil)
	require.NoError(t, err)
	require.Len(t, p.Messages, 3)
	require.Equal(t, wire.ContentTypeMultipartFragment, p.Messages[0].Header.ContentType)
	require.Equal(t, wire.ContentTypeMultipartFragment, p.Messages[1].Header.ContentType)
	require.Equal(t, wire.ContentTypeBinary, p.Messages[2].Header.ContentType)

	require.NoError(t, s2.PacketReceive(p))

	assembled, err := s2.AssembleMultipart(ids[len(ids)-1])
	require.NoError(t, err)
	require.Equal(t, data, assembled)
}

func TestAssembleMultipartIncompleteChainErrors(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	_, _, s1, s2 := newPeerPair(t, clock)
	s1.MultipartLimitSizeBytes = 4

	ids := s1.AppendOutboxData([]byte("0123456789"), wire.ContentTypeBinary)
	p, err := s1.CreatePacket(nil)
	require.NoError(t, err)

	// Drop the middle fragment to simulate a still-in-flight packet.
	p.Messages = append(p.Messages[:1], p.Messages[2])
	require.NoError(t, s2.PacketReceive(p))

	_, err = s2.AssembleMultipart(ids[len(ids)-1])
	require.Error(t, err)
}

func TestPacketReceiveRejectsMismatchedUUID(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	_, _, s1, _ := newPeerPair(t, clock)

	stranger, err := uuid.NewV4()
	require.NoError(t, err)

	bogus := &wire.Packet{
		Header: wire.PacketHeader{SenderUUID: stranger, RecipientUUID: s1.SelfUUID},
		Control: &wire.Control{},
	}
	err = s1.PacketReceive(bogus)
	require.ErrorIs(t, err, ErrMismatchedUUID)
}

func TestPacketReceiveWithNilControlSchedulesNack(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	_, _, s1, s2 := newPeerPair(t, clock)

	partial := &wire.Packet{
		Header: wire.PacketHeader{SenderUUID: s2.SelfUUID, RecipientUUID: s1.SelfUUID, PacketID: 7},
	}
	require.NoError(t, s1.PacketReceive(partial))
	require.Equal(t, uint32(0), s1.ClockOther())
	require.Contains(t, s1.nackIDs, uint32(7))
}

func TestPacketReceiveWithTruncatedMessagesSchedulesNack(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	_, _, s1, s2 := newPeerPair(t, clock)

	s2.AppendOutboxData([]byte("x"), wire.ContentTypeString)
	p, err := s2.CreatePacket(nil)
	require.NoError(t, err)
	require.Equal(t, uint32(1), p.Header.NumMessages)

	p.Messages = nil // simulate a packet whose message decoded short of num_messages
	require.NoError(t, s1.PacketReceive(p))
	require.Contains(t, s1.nackIDs, p.Header.PacketID)
}

func TestIsSynchronizedInitiallyTrue(t *testing.T) {
	_, _, s1, _ := newPeerPair(t, &fakeClock{now: time.Now()})
	require.True(t, s1.IsSynchronized())
}

func TestIsSynchronizedFalseWithPendingOutbox(t *testing.T) {
	_, _, s1, _ := newPeerPair(t, &fakeClock{now: time.Now()})
	s1.AppendOutboxData([]byte("x"), wire.ContentTypeString)
	require.False(t, s1.IsSynchronized())
}
