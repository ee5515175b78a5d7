// Package audit provides an optional append-only record of packet
// events (sent, received, nacked) to a Postgres database, for
// deployments that want a durable audit trail beyond the drop folder
// itself and the controller's in-memory Prometheus counters.
//
// This is ambient operational tooling, not part of the wire protocol:
// a Sink failing or being absent never affects delivery semantics.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/gofrs/uuid"
)

// Event is one recordable occurrence in the life of a packet.
type Event string

// Event kinds.
const (
	EventSent     Event = "sent"
	EventReceived Event = "received"
	EventNacked   Event = "nacked"
)

// Sink records packet events. Implementations must be safe for
// concurrent use.
type Sink interface {
	Record(ctx context.Context, selfUUID, peerUUID uuid.UUID, packetID uint32, event Event) error
	Close() error
}

// PostgresSink is a Sink backed by a Postgres table, via lib/pq's
// database/sql driver.
type PostgresSink struct {
	db *sql.DB
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS diode_bridge_packet_events (
	id          BIGSERIAL PRIMARY KEY,
	self_uuid   UUID NOT NULL,
	peer_uuid   UUID NOT NULL,
	packet_id   BIGINT NOT NULL,
	event       TEXT NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL
)`

// NewPostgresSink opens dsn (a postgres:// connection string) and
// ensures the audit table exists.
func NewPostgresSink(dsn string) (*PostgresSink, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: ping: %w", err)
	}
	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: create table: %w", err)
	}
	return &PostgresSink{db: db}, nil
}

// Record inserts one event row.
func (s *PostgresSink) Record(ctx context.Context, selfUUID, peerUUID uuid.UUID, packetID uint32, event Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO diode_bridge_packet_events (self_uuid, peer_uuid, packet_id, event, occurred_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		selfUUID.String(), peerUUID.String(), packetID, string(event), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// Close closes the underlying database connection pool.
func (s *PostgresSink) Close() error { return s.db.Close() }

// NoopSink discards every event. It is the default Sink when no
// AuditDSN is configured.
type NoopSink struct{}

// Record implements Sink.
func (NoopSink) Record(context.Context, uuid.UUID, uuid.UUID, uint32, Event) error { return nil }

// Close implements Sink.
func (NoopSink) Close() error { return nil }
