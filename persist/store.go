// Package persist saves and restores a Messenger's state across
// process restarts (spec §9, supplementing the reference
// implementation's "todo: load/dump messenger class for persistence,
// or use an sqlite with 3 tables: metadata, inbox, outbox").
//
// It follows the teacher's own statefile pattern in disk.go: an
// argon2-derived key, NaCl secretbox encryption with a fresh nonce per
// write, and CBOR for the serialized payload. Unlike disk.go's single
// flat encrypted file, values live in a bbolt database with one
// bucket per table the reference implementation's TODO named
// (metadata, outbox, inbox), each item sealed as its own value. Save
// rewrites every item in all three buckets on each call; there is no
// single-item update.
package persist

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/ugorji/go/codec"
	"go.etcd.io/bbolt"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/xendarboh/diode-bridge/messenger"
)

var log = logging.MustGetLogger("persist")

const (
	keySize   = 32
	nonceSize = 24

	bucketMetadata = "metadata"
	bucketOutbox   = "outbox"
	bucketInbox    = "inbox"

	metadataKey = "config"
)

// ErrAuthFailure is returned when a stored value fails to decrypt
// under the store's key, e.g. because the passphrase is wrong or the
// database was tampered with.
var ErrAuthFailure = errors.New("persist: authentication failure")

var cborHandle = &codec.CborHandle{}

// Store is a single Messenger's encrypted-at-rest state, backed by a
// bbolt database file.
type Store struct {
	db  *bbolt.DB
	key [keySize]byte
}

// metadataDoc is everything about a Messenger that isn't part of the
// outbox/inbox slices.
type metadataDoc struct {
	SelfUUID  [16]byte
	OtherUUID [16]byte

	RetransmissionTimeoutNanos int64
	MaxSizeBytes               int
	TransmitNackHowManyTimes   int
	MultipartLimitSizeBytes    int

	CachedClockOther     int
	CachedOtherClockSelf int

	NackIDs        []uint32
	SentNackIDs    map[uint32]int
	NumSentPackets uint32
}

// Open opens (creating if necessary) the bbolt database at path,
// deriving the encryption key from passphrase with the same argon2
// parameters the teacher's statefile uses.
func Open(path string, passphrase []byte) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("persist: open: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{bucketMetadata, bucketOutbox, bucketInbox} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("persist: create buckets: %w", err)
	}

	s := &Store{db: db}
	secret := argon2.Key(passphrase, nil, 3, 32*1024, 4, keySize)
	copy(s.key[:], secret)
	log.Debugf("opened state file %s", path)
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Save writes every field of the Messenger's Snapshot to its bucket,
// encrypting each serialized value independently.
func (s *Store) Save(snap messenger.Snapshot) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		meta := metadataDoc{
			SelfUUID:                   snap.SelfUUID,
			OtherUUID:                  snap.OtherUUID,
			RetransmissionTimeoutNanos: int64(snap.RetransmissionTimeout),
			MaxSizeBytes:               snap.MaxSizeBytes,
			TransmitNackHowManyTimes:   snap.TransmitNackHowManyTimes,
			MultipartLimitSizeBytes:    snap.MultipartLimitSizeBytes,
			CachedClockOther:           snap.CachedClockOther,
			CachedOtherClockSelf:       snap.CachedOtherClockSelf,
			NackIDs:                    snap.NackIDs,
			SentNackIDs:                snap.SentNackIDs,
			NumSentPackets:             snap.NumSentPackets,
		}
		sealed, err := s.seal(meta)
		if err != nil {
			return err
		}
		if err := tx.Bucket([]byte(bucketMetadata)).Put([]byte(metadataKey), sealed); err != nil {
			return err
		}

		outboxBucket := tx.Bucket([]byte(bucketOutbox))
		if err := outboxBucket.ForEach(func(k, _ []byte) error { return outboxBucket.Delete(k) }); err != nil {
			return err
		}
		for i, item := range snap.Outbox {
			sealed, err := s.seal(item)
			if err != nil {
				return err
			}
			if err := outboxBucket.Put(messageIDKey(uint32(i+1)), sealed); err != nil {
				return err
			}
		}

		inboxBucket := tx.Bucket([]byte(bucketInbox))
		if err := inboxBucket.ForEach(func(k, _ []byte) error { return inboxBucket.Delete(k) }); err != nil {
			return err
		}
		for i, item := range snap.Inbox {
			sealed, err := s.seal(item)
			if err != nil {
				return err
			}
			if err := inboxBucket.Put(messageIDKey(uint32(i+1)), sealed); err != nil {
				return err
			}
		}

		return nil
	})
}

// Load reconstructs a Messenger's Snapshot from the store; pass it to
// messenger.Restore to rebuild a Messenger.
func (s *Store) Load() (messenger.Snapshot, error) {
	var snap messenger.Snapshot

	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket([]byte(bucketMetadata)).Get([]byte(metadataKey))
		if raw == nil {
			return errors.New("persist: no stored metadata")
		}
		var meta metadataDoc
		if err := s.unseal(raw, &meta); err != nil {
			return err
		}
		snap.SelfUUID = meta.SelfUUID
		snap.OtherUUID = meta.OtherUUID
		snap.RetransmissionTimeout = time.Duration(meta.RetransmissionTimeoutNanos)
		snap.MaxSizeBytes = meta.MaxSizeBytes
		snap.TransmitNackHowManyTimes = meta.TransmitNackHowManyTimes
		snap.MultipartLimitSizeBytes = meta.MultipartLimitSizeBytes
		snap.CachedClockOther = meta.CachedClockOther
		snap.CachedOtherClockSelf = meta.CachedOtherClockSelf
		snap.NackIDs = meta.NackIDs
		snap.SentNackIDs = meta.SentNackIDs
		snap.NumSentPackets = meta.NumSentPackets

		outboxBucket := tx.Bucket([]byte(bucketOutbox))
		count := outboxBucket.Stats().KeyN
		snap.Outbox = make([]messenger.OutboxItem, count)
		i := 0
		if err := outboxBucket.ForEach(func(_, v []byte) error {
			var item messenger.OutboxItem
			if err := s.unseal(v, &item); err != nil {
				return err
			}
			snap.Outbox[i] = item
			i++
			return nil
		}); err != nil {
			return err
		}

		inboxBucket := tx.Bucket([]byte(bucketInbox))
		count = inboxBucket.Stats().KeyN
		snap.Inbox = make([]messenger.InboxItem, count)
		i = 0
		return inboxBucket.ForEach(func(_, v []byte) error {
			var item messenger.InboxItem
			if err := s.unseal(v, &item); err != nil {
				return err
			}
			snap.Inbox[i] = item
			i++
			return nil
		})
	})
	if err != nil {
		return messenger.Snapshot{}, err
	}
	log.Debugf("loaded state for %x: %d outbox, %d inbox", snap.SelfUUID, len(snap.Outbox), len(snap.Inbox))
	return snap, nil
}

func (s *Store) seal(v interface{}) ([]byte, error) {
	var plaintext []byte
	if err := codec.NewEncoderBytes(&plaintext, cborHandle).Encode(v); err != nil {
		return nil, fmt.Errorf("persist: encode: %w", err)
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, &s.key)
	return sealed, nil
}

func (s *Store) unseal(sealed []byte, v interface{}) error {
	if len(sealed) < nonceSize {
		return fmt.Errorf("persist: %w: value too short", ErrAuthFailure)
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])

	plaintext, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &s.key)
	if !ok {
		log.Warning("failed to decrypt stored value: wrong passphrase or tampered state file")
		return ErrAuthFailure
	}
	return codec.NewDecoderBytes(plaintext, cborHandle).Decode(v)
}

func messageIDKey(id uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, id)
	return b
}
