// Package config loads a bridge endpoint's TOML configuration: its own
// identity, folders, and the list of peers it exchanges packets with.
package config

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// PeerConfig describes one other bridge endpoint this instance talks
// to.
type PeerConfig struct {
	UUID string `toml:"uuid"`

	// SecretKeyHex is the 32-byte ChaCha20-Poly1305 key (keywrap.SecretKeyLen)
	// used to encapsulate per-packet hash keys for this peer, hex-encoded.
	SecretKeyHex string `toml:"secret_key"`

	// FileKeyHex is the 32-byte ChaCha20 stream key (layer0.KeyLen) used
	// to frame files exchanged with this peer, hex-encoded.
	FileKeyHex string `toml:"file_key"`
}

// Config is the full on-disk configuration for one controller.Server.
type Config struct {
	UUID         string `toml:"uuid"`
	InputFolder  string `toml:"input_folder"`
	OutputFolder string `toml:"output_folder"`

	RetransmissionTimeoutSeconds int `toml:"retransmission_timeout_seconds"`
	TransmitNackHowManyTimes     int `toml:"transmit_nack_how_many_times"`
	MaxSizeBytes                 int `toml:"max_size_bytes"`
	MultipartLimitSizeBytes      int `toml:"multipart_limit_size_bytes"`

	// DelayAssumeWriteFinishedUnsuccessfullySeconds overrides layer0's
	// readiness timeout (spec §6 tuning knobs). Zero means use the
	// layer0 default.
	DelayAssumeWriteFinishedUnsuccessfullySeconds int `toml:"delay_assume_write_finished_unsuccessfully_seconds"`

	// AuditDSN, if set, is a postgres connection string for the
	// optional audit sink (see controller/audit).
	AuditDSN string `toml:"audit_dsn"`

	Peers []PeerConfig `toml:"peers"`
}

// RetransmissionTimeout returns the configured retransmission timeout,
// defaulting to messenger.DefaultRetransmissionTimeout (5s) when unset.
func (c *Config) RetransmissionTimeout() time.Duration {
	if c.RetransmissionTimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.RetransmissionTimeoutSeconds) * time.Second
}

// ReadinessTimeout returns the configured layer0 readiness timeout. A
// zero result tells layer0 to fall back to its own default.
func (c *Config) ReadinessTimeout() time.Duration {
	if c.DelayAssumeWriteFinishedUnsuccessfullySeconds <= 0 {
		return 0
	}
	return time.Duration(c.DelayAssumeWriteFinishedUnsuccessfullySeconds) * time.Second
}

// Load parses a TOML config file at path.
func Load(path string) (*Config, error) {
	var c Config
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) validate() error {
	if c.UUID == "" {
		return fmt.Errorf("config: uuid is required")
	}
	if c.InputFolder == "" || c.OutputFolder == "" {
		return fmt.Errorf("config: input_folder and output_folder are required")
	}
	for _, p := range c.Peers {
		if p.UUID == "" {
			return fmt.Errorf("config: peer missing uuid")
		}
		if _, err := hex.DecodeString(p.SecretKeyHex); err != nil {
			return fmt.Errorf("config: peer %s: bad secret_key: %w", p.UUID, err)
		}
		if _, err := hex.DecodeString(p.FileKeyHex); err != nil {
			return fmt.Errorf("config: peer %s: bad file_key: %w", p.UUID, err)
		}
	}
	return nil
}
