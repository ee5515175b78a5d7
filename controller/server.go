// Package controller drives the drop-folder transport described in
// spec §5: it discovers incoming packet files, feeds them to the
// right Messenger, and writes outgoing packet files for every peer on
// every tick.
package controller

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"github.com/gofrs/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/eapache/channels.v1"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/xendarboh/diode-bridge/controller/audit"
	"github.com/xendarboh/diode-bridge/layer0"
	"github.com/xendarboh/diode-bridge/messenger"
	"github.com/xendarboh/diode-bridge/wire"
)

var log = logging.MustGetLogger("controller")

// DelayAssumeError bounds how soon a file that failed to decode may be
// retried: a file is re-read no more often than once per
// DelayAssumeError, giving a slow writer time to actually finish before
// the next attempt (spec §6 tuning knobs; named DELAY_ASSUME_ERROR in
// the reference implementation).
const DelayAssumeError = 3 * time.Second

// DefaultMaxReadAttempts bounds how many times a file may fail to
// decode before the controller gives up, NACKs it, and deletes it.
// Named after the reference implementation's NACK_TRANSMIT_COUNT.
const DefaultMaxReadAttempts = 5

// Peer holds everything the controller needs to talk to one other
// bridge endpoint: its Messenger, the keywrap secret key used to
// encapsulate per-packet hash keys, and the layer0 stream-cipher key
// used to frame files addressed to/from it.
//
// SecretKey is held in locked memory for the lifetime of the Peer: it
// never touches a plain []byte except for the instant keywrap needs it
// to call a ChaCha20-Poly1305 primitive.
type Peer struct {
	Messenger *messenger.Messenger
	SecretKey *memguard.LockedBuffer
	FileKey   [layer0.KeyLen]byte
}

// Server is one bridge endpoint: it owns an input folder (files
// addressed to it, one subfolder per sender) and an output folder
// (where it writes files addressed to its peers), and a Messenger per
// peer.
type Server struct {
	UUID         uuid.UUID
	InputFolder  string
	OutputFolder string

	Peers map[uuid.UUID]*Peer

	// DeleteSuccessfulFiles and DeleteErrorFiles mirror the reference
	// implementation's run_once(delete_successful, delete_error_files)
	// knobs.
	DeleteSuccessfulFiles bool
	DeleteErrorFiles      bool

	Clock layer0.Clock

	// ReadinessTimeout overrides layer0's
	// DefaultDelayAssumeWriteFinishedUnsuccessfully for every file this
	// Server opens (spec §6 tuning knobs). Zero means use the layer0
	// default.
	ReadinessTimeout time.Duration

	// MaxReadAttempts bounds how many failed decode attempts a file
	// gets before it is NACKed and deleted outright. Zero means use
	// DefaultMaxReadAttempts.
	MaxReadAttempts int

	Metrics *Metrics

	// Audit records packet lifecycle events for durable inspection.
	// Defaults to audit.NoopSink{}.
	Audit audit.Sink

	currentFiles map[string]*trackedFile
	discovered   *channels.InfiniteChannel
}

// trackedFile is a packet file the controller has opened and is
// waiting to become ready to read, or has tried and failed to decode.
type trackedFile struct {
	reader      *layer0.BinaryReader
	attempts    int
	lastAttempt time.Time
}

// NewServer constructs a Server. Its Metrics starts as a fresh,
// unregistered set (NewMetrics(nil)). If clock is nil, SystemClock is
// used.
func NewServer(id uuid.UUID, inputFolder, outputFolder string, clock layer0.Clock) *Server {
	if clock == nil {
		clock = layer0.SystemClock{}
	}
	s := &Server{
		UUID:                  id,
		InputFolder:           inputFolder,
		OutputFolder:          outputFolder,
		Peers:                 make(map[uuid.UUID]*Peer),
		DeleteSuccessfulFiles: true,
		DeleteErrorFiles:      true,
		Clock:                 clock,
		Metrics:               NewMetrics(nil),
		Audit:                 audit.NoopSink{},
		MaxReadAttempts:       DefaultMaxReadAttempts,
		currentFiles:          make(map[string]*trackedFile),
		discovered:            channels.NewInfiniteChannel(),
	}
	go s.logDiscoveries()
	return s
}

// logDiscoveries drains the discovery queue for observability. The
// queue exists so FindInputFiles never blocks on how fast discovery
// events are consumed, however slowly or quickly that happens.
func (s *Server) logDiscoveries() {
	for item := range s.discovered.Out() {
		log.Debugf("discovered input file: %v", item)
	}
}

// Close stops the discovery logger goroutine and destroys every peer's
// locked-memory secret key. Call it when the Server is no longer in
// use.
func (s *Server) Close() {
	s.discovered.Close()
	for _, peer := range s.Peers {
		peer.SecretKey.Destroy()
	}
}

// filenameParts is the `{sender}--{recipient}--{packet_id}.packet`
// convention (spec §5).
type filenameParts struct {
	sender, recipient string
	packetID          uint32
}

func parseFilename(stem string) (filenameParts, error) {
	if strings.HasPrefix(stem, ".") {
		return filenameParts{}, fmt.Errorf("controller: hidden/temp file %q", stem)
	}
	if strings.Count(stem, "--") != 2 {
		return filenameParts{}, fmt.Errorf("controller: malformed filename %q", stem)
	}
	parts := strings.SplitN(stem, "--", 3)
	id, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return filenameParts{}, fmt.Errorf("controller: bad packet id in %q: %w", stem, err)
	}
	return filenameParts{sender: parts[0], recipient: parts[1], packetID: uint32(id)}, nil
}

func (p filenameParts) String() string {
	return fmt.Sprintf("%s--%s--%d.packet", p.sender, p.recipient, p.packetID)
}

// FindInputFiles globs InputFolder/<uuid>/*.packet for files not yet
// being tracked, validates their filenames, and opens a BinaryReader
// for each. A file too short to even carry the size sentinel is
// assumed corrupted immediately and NACKed without ever being opened
// for reading (spec §7 CorruptedFileWarning).
func (s *Server) FindInputFiles() error {
	pattern := filepath.Join(s.InputFolder, s.UUID.String(), "*.packet")
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return fmt.Errorf("controller: glob: %w", err)
	}

	for _, path := range paths {
		if _, seen := s.currentFiles[path]; seen {
			continue
		}

		stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		parts, err := parseFilename(stem)
		if err != nil {
			log.Warningf("skipping %s: %v", path, err)
			continue
		}

		if parts.recipient != s.UUID.String() {
			log.Warningf("incorrect recipient for %s, expected %s, got %s", path, s.UUID, parts.recipient)
			continue
		}

		senderUUID, err := uuid.FromString(parts.sender)
		if err != nil {
			log.Warningf("skipping %s: bad sender uuid: %v", path, err)
			continue
		}
		peer, ok := s.Peers[senderUUID]
		if !ok {
			log.Warningf("skipping %s: unknown sender %s", path, senderUUID)
			continue
		}

		if st, err := os.Stat(path); err == nil && st.Size() < 4 {
			peer.Messenger.RequestNack(parts.packetID)
			s.Metrics.CorruptedFiles.Inc()
			s.Audit.Record(context.Background(), s.UUID, senderUUID, parts.packetID, audit.EventNacked)
			continue
		}

		reader, err := layer0.NewBinaryReader(path, peer.FileKey, s.Clock, s.ReadinessTimeout)
		if err != nil {
			log.Warningf("skipping %s: %v", path, err)
			continue
		}
		s.currentFiles[path] = &trackedFile{reader: reader}
		s.discovered.In() <- path
	}

	return nil
}

// TryReadInputFiles drains every tracked file that has become ready to
// read, decodes it, feeds it to the right Messenger, and NACKs
// anything that didn't decode cleanly. A file that fails to decode is
// not necessarily given up on immediately: it is retried, no more
// often than once per DelayAssumeError, until MaxReadAttempts is
// exhausted, at which point it is NACKed and deleted (spec §6 tuning
// knobs; a file deleted before that many attempts only happens on a
// successful decode).
func (s *Server) TryReadInputFiles() {
	now := s.Clock.Now()

	for path, tf := range s.currentFiles {
		if tf.attempts > 0 && now.Sub(tf.lastAttempt) < DelayAssumeError {
			continue
		}

		ready, err := tf.reader.IsReadyToRead()
		if err != nil {
			log.Errorf("stat %s: %v", path, err)
			continue
		}
		if !ready {
			continue
		}

		stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		parts, err := parseFilename(stem)
		if err != nil {
			tf.reader.Close(s.DeleteErrorFiles)
			delete(s.currentFiles, path)
			continue
		}
		senderUUID, err := uuid.FromString(parts.sender)
		if err != nil {
			tf.reader.Close(s.DeleteErrorFiles)
			delete(s.currentFiles, path)
			continue
		}
		peer, ok := s.Peers[senderUUID]
		if !ok {
			tf.reader.Close(s.DeleteErrorFiles)
			delete(s.currentFiles, path)
			continue
		}

		s.readOneFile(path, tf, parts, peer)
	}

	for path, tf := range s.currentFiles {
		if tf.reader.Closed() {
			delete(s.currentFiles, path)
		}
	}
}

func (s *Server) maxReadAttempts() int {
	if s.MaxReadAttempts <= 0 {
		return DefaultMaxReadAttempts
	}
	return s.MaxReadAttempts
}

// giveUp NACKs and then closes a file that has exhausted its retry
// budget (decode error past MaxReadAttempts, or a file that could not
// be reopened for another attempt).
func (s *Server) giveUp(path string, tf *trackedFile, senderUUID uuid.UUID, packetID uint32, peer *Peer) {
	peer.Messenger.RequestNack(packetID)
	s.Metrics.NacksSent.Inc()
	s.Audit.Record(context.Background(), s.UUID, senderUUID, packetID, audit.EventNacked)
	tf.reader.Close(s.DeleteErrorFiles)
	delete(s.currentFiles, path)
}

// retry records a failed attempt and, unless the budget is exhausted,
// reopens path with a fresh BinaryReader so the next attempt reads from
// the start rather than resuming a partially-consumed gzip stream.
func (s *Server) retry(path string, tf *trackedFile, peer *Peer, reason error) (giveUp bool) {
	tf.attempts++
	tf.lastAttempt = s.Clock.Now()
	if tf.attempts >= s.maxReadAttempts() {
		return true
	}

	tf.reader.Close(false)
	reader, err := layer0.NewBinaryReader(path, peer.FileKey, s.Clock, s.ReadinessTimeout)
	if err != nil {
		log.Warningf("reopen %s after failed attempt: %v", path, err)
		// The reader we just closed won't delete on a second Close
		// call (Close is idempotent); remove the file directly so
		// DeleteErrorFiles is still honored.
		if s.DeleteErrorFiles {
			os.Remove(path)
		}
		return true
	}
	tf.reader = reader
	log.Warningf("%s: %v (attempt %d/%d, retrying)", path, reason, tf.attempts, s.maxReadAttempts())
	return false
}

func (s *Server) readOneFile(path string, tf *trackedFile, parts filenameParts, peer *Peer) {
	senderUUID := peer.Messenger.OtherUUID
	ctx := context.Background()

	data, err := tf.reader.ReadAll()
	if err != nil {
		if s.retry(path, tf, peer, err) {
			s.giveUp(path, tf, senderUUID, parts.packetID, peer)
		}
		return
	}

	packet, err := wire.DecodePacket(bytes.NewReader(data), peer.SecretKey.Bytes())
	if err != nil {
		if s.retry(path, tf, peer, err) {
			s.giveUp(path, tf, senderUUID, parts.packetID, peer)
		}
		return
	}
	// Close (and possibly delete) the file only after any NACK for it
	// below has been recorded.
	defer func() {
		tf.reader.Close(s.DeleteSuccessfulFiles)
		delete(s.currentFiles, path)
	}()

	if packet.Header.RecipientUUID != s.UUID {
		log.Warning("incorrect recipient uuid inside packet header")
		peer.Messenger.RequestNack(parts.packetID)
		return
	}

	if err := peer.Messenger.PacketReceive(packet); err != nil {
		log.Errorf("packet_receive: %v", err)
		peer.Messenger.RequestNack(packet.Header.PacketID)
		return
	}
	s.Metrics.PacketsReceived.Inc()
	s.Audit.Record(ctx, s.UUID, senderUUID, packet.Header.PacketID, audit.EventReceived)

	// PacketReceive itself schedules the NACK for a partial decode
	// (spec §4.5.5 step 7); this only records it for observability.
	if packet.Control == nil || packet.Header.NumMessages > uint32(len(packet.Messages)) {
		s.Metrics.NacksSent.Inc()
		s.Audit.Record(ctx, s.UUID, senderUUID, packet.Header.PacketID, audit.EventNacked)
	}
}

// WriteOutputFiles asks every peer's Messenger for its next packet and
// writes it to OutputFolder, then tells the Messenger the packet was
// sent.
func (s *Server) WriteOutputFiles() error {
	for _, peer := range s.Peers {
		packet, err := peer.Messenger.CreatePacket(nil)
		if err != nil {
			return fmt.Errorf("controller: create_packet: %w", err)
		}

		name := filenameParts{
			sender:    peer.Messenger.SelfUUID.String(),
			recipient: peer.Messenger.OtherUUID.String(),
			packetID:  packet.Header.PacketID,
		}.String()

		encoded, err := packet.Encode(peer.SecretKey.Bytes())
		if err != nil {
			return fmt.Errorf("controller: encode packet: %w", err)
		}

		outPath := filepath.Join(s.OutputFolder, peer.Messenger.OtherUUID.String(), name)
		writer, err := layer0.NewBinaryWriter(outPath, peer.FileKey)
		if err != nil {
			return fmt.Errorf("controller: open output file: %w", err)
		}
		if _, err := writer.Write(encoded); err != nil {
			writer.Close()
			return fmt.Errorf("controller: write output file: %w", err)
		}
		if err := writer.Close(); err != nil {
			return fmt.Errorf("controller: close output file: %w", err)
		}

		if err := peer.Messenger.PacketSend(packet); err != nil {
			return fmt.Errorf("controller: packet_send: %w", err)
		}
		s.Metrics.PacketsSent.Inc()
		s.Audit.Record(context.Background(), s.UUID, peer.Messenger.OtherUUID, packet.Header.PacketID, audit.EventSent)
	}
	return nil
}

// RunOnce performs one discover/read/write tick, matching the
// reference implementation's Server.run_once.
func (s *Server) RunOnce() error {
	if err := s.FindInputFiles(); err != nil {
		return err
	}
	s.TryReadInputFiles()
	return s.WriteOutputFiles()
}

// Metrics holds the Prometheus counters this controller exposes.
type Metrics struct {
	PacketsSent     prometheus.Counter
	PacketsReceived prometheus.Counter
	NacksSent       prometheus.Counter
	CorruptedFiles  prometheus.Counter
}

// NewMetrics builds a Metrics set and registers it with reg. If reg is
// nil, the counters are created but left unregistered (useful for
// tests that don't want to touch the default registry).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PacketsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "diode_bridge_packets_sent_total",
			Help: "Packets written to the output folder.",
		}),
		PacketsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "diode_bridge_packets_received_total",
			Help: "Packets successfully decoded from the input folder.",
		}),
		NacksSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "diode_bridge_nacks_sent_total",
			Help: "NACKs queued for retransmission requests.",
		}),
		CorruptedFiles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "diode_bridge_corrupted_files_total",
			Help: "Input files found too short to contain a size sentinel.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.PacketsSent, m.PacketsReceived, m.NacksSent, m.CorruptedFiles)
	}
	return m
}
