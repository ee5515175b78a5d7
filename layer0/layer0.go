// Package layer0 implements the framing and codec layer for a single
// packet file on the shared drop folder (spec §4.3): a 4-byte
// total-size sentinel written last, followed by a 12-byte per-file
// nonce and a ChaCha20 stream-encrypted, gzip-compressed body.
//
// The size sentinel is the completeness signal a reader relies on: it
// stays zero until BinaryWriter.Close patches it, so a reader that
// observes zero knows the write never finished (spec §4.3, §7
// CorruptedFileWarning).
package layer0

import (
	"compress/gzip"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/chacha20"
	logging "gopkg.in/op/go-logging.v1"
)

var log = logging.MustGetLogger("layer0")

const (
	// KeyLen is the length, in bytes, of the fixed per-channel stream
	// cipher key.
	KeyLen = chacha20.KeySize // 32

	nonceLen = chacha20.NonceSize // 12

	sentinelLen = 4

	// MaxCompressedSize is the largest compressed body a packet file
	// may carry (spec §4.3: "128 MiB after compression").
	MaxCompressedSize = 128 * 1024 * 1024

	// DefaultDelayAssumeWriteFinishedUnsuccessfully bounds how long a
	// reader waits for a still-growing file before giving up and
	// attempting a parse anyway (spec §6 tuning knobs). Operators can
	// override it per Server via controller/config.
	DefaultDelayAssumeWriteFinishedUnsuccessfully = 1 * time.Second
)

// ErrCorruptedFile is a non-fatal warning: the size sentinel read as
// zero, meaning the writer never finished (or crashed mid-write).
// Unlike most errors in this package it is not returned from
// NewBinaryReader; it is recorded on the Reader as Corrupted.
var ErrCorruptedFile = errors.New("layer0: size sentinel is zero, file looks truncated")

// Clock abstracts wall-clock access so readiness-timeout tests don't
// need to sleep real seconds (spec §9 "inject environment").
type Clock interface {
	Now() time.Time
}

// SystemClock is the default Clock backed by time.Now.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now() }

// BinaryWriter owns a packet file from creation through close. Write
// appends plaintext; Close flushes the gzip trailer, flushes the
// cipher, and patches the size sentinel.
type BinaryWriter struct {
	path   string
	file   *os.File
	stream *chacha20.Cipher
	gz     *gzip.Writer
	closed bool
}

// NewBinaryWriter creates path's parent directories, opens path for
// writing, reserves the 4-byte sentinel, writes a fresh random nonce,
// and wraps the file in a ChaCha20 stream cipher and a gzip compressor.
func NewBinaryWriter(path string, key [KeyLen]byte) (*BinaryWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("layer0: mkdir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("layer0: open: %w", err)
	}

	if _, err := f.Write(make([]byte, sentinelLen)); err != nil {
		f.Close()
		return nil, fmt.Errorf("layer0: write sentinel: %w", err)
	}

	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Write(nonce); err != nil {
		f.Close()
		return nil, fmt.Errorf("layer0: write nonce: %w", err)
	}

	stream, err := chacha20.NewUnauthenticatedCipher(key[:], nonce)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("layer0: new cipher: %w", err)
	}

	w := &BinaryWriter{path: path, file: f, stream: stream}
	w.gz = gzip.NewWriter(cipherWriter{stream: stream, w: f})
	return w, nil
}

// Write appends plaintext bytes to the packet body.
func (w *BinaryWriter) Write(p []byte) (int, error) {
	return w.gz.Write(p)
}

// Flush forces any internally buffered gzip/cipher output to the
// underlying file, without patching the size sentinel. Readers polling
// IsReadyToRead only observe growth that has actually reached disk, so
// a writer that wants readers to see incremental progress must call
// Flush between Write calls.
func (w *BinaryWriter) Flush() error {
	return w.gz.Flush()
}

// Closed reports whether Close has been called.
func (w *BinaryWriter) Closed() bool { return w.closed }

// Close flushes the gzip trailer, patches the size sentinel with the
// final file size, and closes the underlying file. On any failure the
// sentinel is left at zero, which is the intended corruption signal
// for readers (spec §4.3.1).
func (w *BinaryWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.gz.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("layer0: gzip close: %w", err)
	}

	size, err := w.file.Seek(0, io.SeekCurrent)
	if err != nil {
		w.file.Close()
		return fmt.Errorf("layer0: seek: %w", err)
	}
	if size-sentinelLen-nonceLen > MaxCompressedSize {
		w.file.Close()
		return fmt.Errorf("layer0: compressed body exceeds %d bytes", MaxCompressedSize)
	}
	if size < 0 || size > 1<<32-1 {
		w.file.Close()
		return errors.New("layer0: file size does not fit in a uint32 sentinel")
	}

	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		w.file.Close()
		return fmt.Errorf("layer0: seek to sentinel: %w", err)
	}
	sentinel := []byte{byte(size >> 24), byte(size >> 16), byte(size >> 8), byte(size)}
	if _, err := w.file.Write(sentinel); err != nil {
		w.file.Close()
		return fmt.Errorf("layer0: patch sentinel: %w", err)
	}

	return w.file.Close()
}

// cipherWriter XORs plaintext with the stream cipher's keystream
// before handing it to the underlying file. golang.org/x/crypto/chacha20
// exposes XORKeyStream directly rather than a cipher.Stream wrapper, so
// we adapt it to io.Writer ourselves.
type cipherWriter struct {
	stream *chacha20.Cipher
	w      io.Writer
}

func (c cipherWriter) Write(p []byte) (int, error) {
	out := make([]byte, len(p))
	c.stream.XORKeyStream(out, p)
	return c.w.Write(out)
}

// cipherReader is the read-side counterpart of cipherWriter.
type cipherReader struct {
	stream *chacha20.Cipher
	r      io.Reader
}

func (c cipherReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.stream.XORKeyStream(p[:n], p[:n])
	}
	return n, err
}

// BinaryReader owns a packet file for reading: it tracks the expected
// total size, exposes a readiness probe, and decrypts/decompresses on
// demand.
type BinaryReader struct {
	path   string
	file   *os.File
	gz     *gzip.Reader
	stream *chacha20.Cipher
	clock  Clock

	// Corrupted is set when the size sentinel read as zero at open
	// time (spec §7 CorruptedFileWarning). The reader still allows
	// callers to wait out the readiness timeout and attempt a parse;
	// it does not refuse to open.
	Corrupted bool

	expectedTotalSize uint32
	prevSize          int64
	prevTime          time.Time

	readinessTimeout time.Duration

	closed bool
}

// NewBinaryReader opens path read-only, reads the 4-byte sentinel and
// the per-file nonce, and prepares (but does not yet run) the cipher
// and gzip readers. If clock is nil, SystemClock is used. If
// readinessTimeout is <= 0, DefaultDelayAssumeWriteFinishedUnsuccessfully
// is used.
func NewBinaryReader(path string, key [KeyLen]byte, clock Clock, readinessTimeout time.Duration) (*BinaryReader, error) {
	if clock == nil {
		clock = SystemClock{}
	}
	if readinessTimeout <= 0 {
		readinessTimeout = DefaultDelayAssumeWriteFinishedUnsuccessfully
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("layer0: open: %w", err)
	}

	header := make([]byte, sentinelLen+nonceLen)
	n, _ := io.ReadFull(f, header)

	r := &BinaryReader{
		path:             path,
		file:             f,
		clock:            clock,
		prevTime:         clock.Now(),
		readinessTimeout: readinessTimeout,
	}

	if n < sentinelLen {
		// Too short even for the sentinel: definitely corrupted, but
		// we still return a usable (not-yet-ready) reader so the
		// caller's readiness/NACK machinery can handle it uniformly.
		r.Corrupted = true
		return r, nil
	}

	r.expectedTotalSize = uint32(header[0])<<24 | uint32(header[1])<<16 | uint32(header[2])<<8 | uint32(header[3])
	if r.expectedTotalSize == 0 {
		r.Corrupted = true
		log.Warningf("%s: size sentinel is zero, writer likely never finished", path)
	}

	if n == sentinelLen+nonceLen {
		stream, err := chacha20.NewUnauthenticatedCipher(key[:], header[sentinelLen:])
		if err != nil {
			return nil, fmt.Errorf("layer0: new cipher: %w", err)
		}
		r.stream = stream
	}

	if st, err := f.Stat(); err == nil {
		r.prevSize = st.Size()
	}

	return r, nil
}

// IsReadyToRead implements the readiness probe of spec §4.3.2: either
// the file has reached its announced size, or it stopped growing more
// than its readinessTimeout ago.
func (r *BinaryReader) IsReadyToRead() (bool, error) {
	st, err := os.Stat(r.path)
	if err != nil {
		return false, fmt.Errorf("layer0: stat: %w", err)
	}
	currentSize := st.Size()
	now := r.clock.Now()

	if r.expectedTotalSize > 0 && currentSize >= int64(r.expectedTotalSize) {
		return true, nil
	}

	if currentSize > r.prevSize {
		r.prevSize = currentSize
		r.prevTime = now
		return false, nil
	}

	if now.Sub(r.prevTime) >= r.readinessTimeout {
		log.Debugf("%s: stopped growing %s ago, assuming write finished", r.path, r.readinessTimeout)
		return true, nil
	}

	return false, nil
}

// Read returns up to len(p) decrypted, decompressed bytes from the
// packet body.
func (r *BinaryReader) Read(p []byte) (int, error) {
	if r.stream == nil {
		return 0, fmt.Errorf("layer0: %w", ErrCorruptedFile)
	}
	if r.gz == nil {
		gz, err := gzip.NewReader(cipherReader{stream: r.stream, r: r.file})
		if err != nil {
			return 0, fmt.Errorf("layer0: gzip header: %w", err)
		}
		r.gz = gz
	}
	n, err := r.gz.Read(p)
	if err != nil && err != io.EOF {
		return n, fmt.Errorf("layer0: read: %w", err)
	}
	return n, err
}

// ReadAll drains the remainder of the packet body.
func (r *BinaryReader) ReadAll() ([]byte, error) {
	if r.stream == nil {
		return nil, fmt.Errorf("layer0: %w", ErrCorruptedFile)
	}
	if r.gz == nil {
		gz, err := gzip.NewReader(cipherReader{stream: r.stream, r: r.file})
		if err != nil {
			return nil, fmt.Errorf("layer0: gzip header: %w", err)
		}
		r.gz = gz
	}
	return io.ReadAll(r.gz)
}

// Closed reports whether Close has been called.
func (r *BinaryReader) Closed() bool { return r.closed }

// Close closes the gzip and file wrappers, optionally unlinking path.
// Deletion must never run ahead of the caller recording a NACK for an
// unreadable file (spec §5); this function only performs the deletion
// the caller has already decided on.
func (r *BinaryReader) Close(delete bool) error {
	if r.closed {
		return nil
	}
	r.closed = true

	var gzErr error
	if r.gz != nil {
		gzErr = r.gz.Close()
	}
	fileErr := r.file.Close()

	if delete {
		if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("layer0: remove: %w", err)
		}
	}

	if gzErr != nil {
		return fmt.Errorf("layer0: gzip close: %w", gzErr)
	}
	return fileErr
}
