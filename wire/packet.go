// Package wire implements the Layer-1 packet codec (spec §4.4):
// PacketHeader, Control, MessageHeader, Message and Packet, each with
// fixed or streaming-length binary layouts and keyed BLAKE2b integrity
// tags.
//
// Decoding follows the "partial-deliverable" contract of spec §4.4.5:
// if the header parses but Control fails, DecodePacket returns a
// Packet with a nil Control and no messages; if Control parses but
// some message fails, it returns the successfully-parsed prefix of
// messages. Either way packet_id is known, so the caller (the
// Messenger, via the controller) can still issue a NACK. Only a
// header that fails to parse is reported as an error, since at that
// point not even the packet id is recoverable from the wire bytes
// (the caller falls back to the packet id embedded in the filename).
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gofrs/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/xendarboh/diode-bridge/coerce"
	"github.com/xendarboh/diode-bridge/keywrap"
)

// Byte-field sizes. The spec's prose calls PacketHeader "fixed 80
// bytes" and MessageHeader "34 bytes", but its field tables sum to 100
// and 38 bytes; we follow the field tables (the more specific source
// of truth) rather than the prose summaries. See DESIGN.md for the
// full resolution.
const (
	uuidLen = 16

	// PacketHeaderSize is the wire size of a PacketHeader: two UUIDs,
	// three u32 fields, the protocol version, the 44-byte encapsulated
	// hash key, and an 8-byte tag.
	PacketHeaderSize = uuidLen*2 + 4*4 + keywrap.TokenLen + 8

	// MessageHeaderSize is the wire size of a MessageHeader: two u32
	// ids, a u32 length, a u16 content type, a 16-byte content hash,
	// and an 8-byte tag.
	MessageHeaderSize = 4 + 4 + 4 + 2 + 16 + 8

	headerTagSize    = 8
	controlTagSize   = 8
	contentHashSize  = 16 // BLAKE2b-128
	maxContentLength = 1<<31 - 1

	// ProtocolVersion is the current wire protocol version (spec §4.4.1).
	ProtocolVersion = 2
)

// ErrHeaderAuthFailure indicates the encapsulated key token or the
// header's keyed tag failed to authenticate.
var ErrHeaderAuthFailure = errors.New("wire: header authentication failure")

// ErrMessageAuthFailure indicates a message header's keyed tag failed
// to authenticate.
var ErrMessageAuthFailure = errors.New("wire: message header authentication failure")

// ErrHashMismatch indicates a message's content does not match its
// declared content hash.
var ErrHashMismatch = errors.New("wire: content hash mismatch")

// ErrControlAuthFailure indicates the Control block's keyless tag
// failed to verify.
var ErrControlAuthFailure = errors.New("wire: control authentication failure")

// ContentType identifies the shape of a Message's payload.
type ContentType uint16

// Content types (spec §3).
const (
	ContentTypeString            ContentType = 1
	ContentTypeBinary            ContentType = 2
	ContentTypeJSONObject        ContentType = 3
	ContentTypeMultipartFragment ContentType = 4
)

func (c ContentType) String() string {
	switch c {
	case ContentTypeString:
		return "string"
	case ContentTypeBinary:
		return "binary"
	case ContentTypeJSONObject:
		return "json_object"
	case ContentTypeMultipartFragment:
		return "multipart_fragment"
	default:
		return fmt.Sprintf("content_type(%d)", uint16(c))
	}
}

// PacketHeader is the fixed-layout, BLAKE2b-tagged wire header
// described in spec §4.4.1.
type PacketHeader struct {
	SenderUUID       uuid.UUID
	RecipientUUID    uuid.UUID
	PacketID         uint32
	NumMessages      uint32
	PacketTimestamp  time.Time
	ProtocolVersion  uint32
}

// Encode serializes the header, encapsulating hashKey under secretKey
// and tagging the whole prefix with a BLAKE2b-64 MAC keyed by hashKey.
func (h *PacketHeader) Encode(hashKey, secretKey []byte) ([]byte, error) {
	if h.PacketID == 0 {
		return nil, errors.New("wire: packet_id must be >= 1")
	}

	token, err := keywrap.EncryptKey(hashKey, secretKey)
	if err != nil {
		return nil, fmt.Errorf("wire: encapsulate hash key: %w", err)
	}

	prefix := make([]byte, 0, PacketHeaderSize-headerTagSize)
	prefix = append(prefix, coerce.FromUUID(h.SenderUUID)...)
	prefix = append(prefix, coerce.FromUUID(h.RecipientUUID)...)
	prefix = append(prefix, coerce.FromUint32(h.PacketID)...)
	prefix = append(prefix, coerce.FromUint32(h.NumMessages)...)
	prefix = append(prefix, coerce.FromDateTime32(h.PacketTimestamp)...)
	prefix = append(prefix, coerce.FromUint32(ProtocolVersion)...)
	prefix = append(prefix, token...)

	tag, err := keyedTag(hashKey, headerTagSize, prefix)
	if err != nil {
		return nil, err
	}

	return append(prefix, tag...), nil
}

// DecodePacketHeader decrypts the encapsulated hash key with secretKey,
// verifies the keyed header tag, and parses the remaining fields. It
// returns the recovered hashKey alongside the header since every
// subsequent field in the packet (Control, messages) is tagged with
// the same key.
func DecodePacketHeader(b []byte, secretKey []byte) (*PacketHeader, []byte, error) {
	if len(b) != PacketHeaderSize {
		return nil, nil, fmt.Errorf("wire: %w: want %d bytes got %d", ErrHeaderAuthFailure, PacketHeaderSize, len(b))
	}

	prefix := b[:len(b)-headerTagSize]
	gotTag := b[len(b)-headerTagSize:]

	cursor := 0
	senderUUID, err := coerce.UUID(prefix[cursor : cursor+uuidLen])
	if err != nil {
		return nil, nil, fmt.Errorf("wire: %w: %v", ErrHeaderAuthFailure, err)
	}
	cursor += uuidLen
	recipientUUID, err := coerce.UUID(prefix[cursor : cursor+uuidLen])
	if err != nil {
		return nil, nil, fmt.Errorf("wire: %w: %v", ErrHeaderAuthFailure, err)
	}
	cursor += uuidLen
	packetID, _ := coerce.Uint32(prefix[cursor : cursor+4])
	cursor += 4
	numMessages, _ := coerce.Uint32(prefix[cursor : cursor+4])
	cursor += 4
	ts, _ := coerce.DateTime32(prefix[cursor : cursor+4])
	cursor += 4
	protocolVersion, _ := coerce.Uint32(prefix[cursor : cursor+4])
	cursor += 4
	token := prefix[cursor : cursor+keywrap.TokenLen]
	cursor += keywrap.TokenLen

	hashKey, err := keywrap.DecryptKey(token, secretKey)
	if err != nil {
		return nil, nil, fmt.Errorf("wire: %w: %v", ErrHeaderAuthFailure, err)
	}

	wantTag, err := keyedTag(hashKey, headerTagSize, prefix)
	if err != nil {
		return nil, nil, err
	}
	if !bytes.Equal(wantTag, gotTag) {
		return nil, nil, fmt.Errorf("wire: %w: tag mismatch", ErrHeaderAuthFailure)
	}

	return &PacketHeader{
		SenderUUID:      senderUUID,
		RecipientUUID:   recipientUUID,
		PacketID:        packetID,
		NumMessages:     numMessages,
		PacketTimestamp: ts,
		ProtocolVersion: protocolVersion,
	}, hashKey, nil
}

// Control is the variable-length vector-clock-like control block of
// spec §4.4.2.
type Control struct {
	SenderClockSender      uint32
	SenderClockRecipient   uint32
	SenderClockOutOfOrder  []uint32
	RecipientClockSender   uint32
	NackIDs                []uint32
}

// Encode serializes Control followed by an unkeyed BLAKE2b-64 tag over
// everything preceding it.
func (c *Control) Encode() ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(coerce.FromUint32(c.SenderClockSender))
	buf.Write(coerce.FromUint32(c.SenderClockRecipient))
	buf.Write(coerce.FromUint32(uint32(len(c.SenderClockOutOfOrder))))
	for _, id := range c.SenderClockOutOfOrder {
		buf.Write(coerce.FromUint32(id))
	}
	buf.Write(coerce.FromUint32(uint32(len(c.NackIDs))))
	for _, id := range c.NackIDs {
		buf.Write(coerce.FromUint32(id))
	}
	buf.Write(coerce.FromUint32(c.RecipientClockSender))

	tag, err := keyedTag(nil, controlTagSize, buf.Bytes())
	if err != nil {
		return nil, err
	}
	buf.Write(tag)
	return buf.Bytes(), nil
}

// DecodeControl streams a Control block out of r: the block's length
// is not known up front, so every field is read incrementally while
// being accumulated for the trailing keyless tag check.
func DecodeControl(r io.Reader) (*Control, error) {
	var acc bytes.Buffer
	tee := io.TeeReader(r, &acc)

	c := &Control{}

	var err error
	c.SenderClockSender, err = readUint32(tee)
	if err != nil {
		return nil, err
	}
	c.SenderClockRecipient, err = readUint32(tee)
	if err != nil {
		return nil, err
	}

	nSack, err := readUint32(tee)
	if err != nil {
		return nil, err
	}
	c.SenderClockOutOfOrder = make([]uint32, nSack)
	for i := range c.SenderClockOutOfOrder {
		c.SenderClockOutOfOrder[i], err = readUint32(tee)
		if err != nil {
			return nil, err
		}
	}

	nNack, err := readUint32(tee)
	if err != nil {
		return nil, err
	}
	c.NackIDs = make([]uint32, nNack)
	for i := range c.NackIDs {
		c.NackIDs[i], err = readUint32(tee)
		if err != nil {
			return nil, err
		}
	}

	c.RecipientClockSender, err = readUint32(tee)
	if err != nil {
		return nil, err
	}

	gotTag := make([]byte, controlTagSize)
	if _, err := io.ReadFull(r, gotTag); err != nil {
		return nil, fmt.Errorf("wire: control: read tag: %w", err)
	}

	wantTag, err := keyedTag(nil, controlTagSize, acc.Bytes())
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(wantTag, gotTag) {
		return nil, ErrControlAuthFailure
	}

	return c, nil
}

// MessageHeader is the fixed 38-byte per-message header of spec
// §4.4.3.
type MessageHeader struct {
	MessageID     uint32
	MessagePrev   uint32
	ContentLength uint32
	ContentType   ContentType
	ContentHash   string // lowercase hex, 32 chars
}

// Encode serializes the header and tags it with a BLAKE2b-64 MAC keyed
// by hashKey.
func (h *MessageHeader) Encode(hashKey []byte) ([]byte, error) {
	hashBytes, err := coerce.FromHex(h.ContentHash)
	if err != nil {
		return nil, fmt.Errorf("wire: content hash: %w", err)
	}
	if len(hashBytes) != contentHashSize {
		return nil, fmt.Errorf("wire: content hash must be %d bytes, got %d", contentHashSize, len(hashBytes))
	}

	prefix := make([]byte, 0, MessageHeaderSize-headerTagSize)
	prefix = append(prefix, coerce.FromUint32(h.MessageID)...)
	prefix = append(prefix, coerce.FromUint32(h.MessagePrev)...)
	prefix = append(prefix, coerce.FromUint32(h.ContentLength)...)
	prefix = append(prefix, coerce.FromUint16(uint16(h.ContentType))...)
	prefix = append(prefix, hashBytes...)

	tag, err := keyedTag(hashKey, headerTagSize, prefix)
	if err != nil {
		return nil, err
	}
	return append(prefix, tag...), nil
}

// DecodeMessageHeader parses and authenticates a MessageHeader.
func DecodeMessageHeader(b []byte, hashKey []byte) (*MessageHeader, error) {
	if len(b) != MessageHeaderSize {
		return nil, fmt.Errorf("wire: message header: want %d bytes got %d", MessageHeaderSize, len(b))
	}
	prefix := b[:len(b)-headerTagSize]
	gotTag := b[len(b)-headerTagSize:]

	wantTag, err := keyedTag(hashKey, headerTagSize, prefix)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(wantTag, gotTag) {
		return nil, ErrMessageAuthFailure
	}

	cursor := 0
	messageID, _ := coerce.Uint32(prefix[cursor : cursor+4])
	cursor += 4
	messagePrev, _ := coerce.Uint32(prefix[cursor : cursor+4])
	cursor += 4
	contentLength, _ := coerce.Uint32(prefix[cursor : cursor+4])
	cursor += 4
	contentType, _ := coerce.Uint16(prefix[cursor : cursor+2])
	cursor += 2
	contentHash := coerce.Hex(prefix[cursor : cursor+contentHashSize])

	return &MessageHeader{
		MessageID:     messageID,
		MessagePrev:   messagePrev,
		ContentLength: contentLength,
		ContentType:   ContentType(contentType),
		ContentHash:   contentHash,
	}, nil
}

// Message pairs a MessageHeader with its raw payload bytes (spec §3).
type Message struct {
	Header     MessageHeader
	BinaryData []byte
}

// NewMessage builds a Message from raw data, computing its content
// hash and size. It does not set MessageID or MessagePrev; callers
// (the Messenger) assign those.
func NewMessage(data []byte, contentType ContentType) *Message {
	return &Message{
		Header: MessageHeader{
			ContentLength: uint32(len(data)),
			ContentType:   contentType,
			ContentHash:   contentHash128(data),
		},
		BinaryData: data,
	}
}

// contentHash128 computes the BLAKE2b-128 content hash specified
// throughout spec §3/§4.4.3, as a lowercase 32-character hex string.
func contentHash128(data []byte) string {
	h, err := blake2b.New(contentHashSize, nil)
	if err != nil {
		panic(err) // contentHashSize is a supported BLAKE2b digest size
	}
	h.Write(data)
	return coerce.Hex(h.Sum(nil))
}

// Encode serializes the message header followed by its raw bytes.
func (m *Message) Encode(hashKey []byte) ([]byte, error) {
	headerBytes, err := m.Header.Encode(hashKey)
	if err != nil {
		return nil, err
	}
	return append(headerBytes, m.BinaryData...), nil
}

// SizeBytes returns the on-wire size of the message (header + data).
func (m *Message) SizeBytes() int {
	return MessageHeaderSize + len(m.BinaryData)
}

// DecodeMessage reads one message (header + content_length data bytes)
// from r and verifies both the keyed header tag and the content hash.
func DecodeMessage(r io.Reader, hashKey []byte) (*Message, error) {
	headerBytes := make([]byte, MessageHeaderSize)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, fmt.Errorf("wire: message header: %w", err)
	}
	header, err := DecodeMessageHeader(headerBytes, hashKey)
	if err != nil {
		return nil, err
	}
	if header.ContentLength > maxContentLength {
		return nil, fmt.Errorf("wire: content_length %d exceeds limit", header.ContentLength)
	}

	data := make([]byte, header.ContentLength)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("wire: message data: %w", err)
	}

	if contentHash128(data) != header.ContentHash {
		return nil, ErrHashMismatch
	}

	return &Message{Header: *header, BinaryData: data}, nil
}

// Packet is the wire-level aggregate of a header, a control block, and
// a sequence of messages (spec §4.4.4). Control and Messages may be
// nil/short on decode per the partial-deliverable contract.
type Packet struct {
	Header   PacketHeader
	Control  *Control
	Messages []*Message
}

// Encode serializes the header, control block, then messages in
// order, each tagged with a fresh per-packet hash key.
func (p *Packet) Encode(secretKey []byte) ([]byte, error) {
	if uint32(len(p.Messages)) != p.Header.NumMessages {
		return nil, errors.New("wire: num_messages does not match len(messages)")
	}

	hashKey, err := keywrap.GenerateHashKey()
	if err != nil {
		return nil, err
	}

	headerBytes, err := p.Header.Encode(hashKey, secretKey)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Write(headerBytes)

	if p.Control == nil {
		return nil, errors.New("wire: control must be set to encode a packet")
	}
	controlBytes, err := p.Control.Encode()
	if err != nil {
		return nil, err
	}
	buf.Write(controlBytes)

	for _, m := range p.Messages {
		mb, err := m.Encode(hashKey)
		if err != nil {
			return nil, err
		}
		buf.Write(mb)
	}

	return buf.Bytes(), nil
}

// DecodePacket implements the partial-deliverable contract of spec
// §4.4.5. A non-nil error means the header itself could not be
// authenticated or parsed; any other failure degrades the returned
// Packet instead of propagating.
func DecodePacket(r io.Reader, secretKey []byte) (*Packet, error) {
	headerBytes := make([]byte, PacketHeaderSize)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, fmt.Errorf("wire: packet header: %w", err)
	}
	header, hashKey, err := DecodePacketHeader(headerBytes, secretKey)
	if err != nil {
		return nil, err
	}

	packet := &Packet{Header: *header}

	control, err := DecodeControl(r)
	if err != nil {
		// Partial-deliverable: header is good, Control is not.
		return packet, nil
	}
	packet.Control = control

	messages := make([]*Message, 0, header.NumMessages)
	for i := uint32(0); i < header.NumMessages; i++ {
		msg, err := DecodeMessage(r, hashKey)
		if err != nil {
			// Partial-deliverable: keep the successfully-parsed prefix.
			break
		}
		messages = append(messages, msg)
	}
	packet.Messages = messages

	return packet, nil
}

func keyedTag(key []byte, size int, data []byte) ([]byte, error) {
	h, err := blake2b.New(size, key)
	if err != nil {
		return nil, fmt.Errorf("wire: blake2b: %w", err)
	}
	h.Write(data)
	return h.Sum(nil), nil
}

func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}
