// Command diode runs one end of a diode-bridge link: it polls a drop
// folder for incoming packet files from its peers, feeds them through
// layer0/wire/messenger, and writes outgoing packet files on an
// interval, persisting Messenger state across restarts.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/awnumar/memguard"
	"github.com/carlmjohnson/versioninfo"
	"github.com/gofrs/uuid"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/xendarboh/diode-bridge/controller"
	"github.com/xendarboh/diode-bridge/controller/audit"
	"github.com/xendarboh/diode-bridge/controller/config"
	"github.com/xendarboh/diode-bridge/layer0"
	"github.com/xendarboh/diode-bridge/messenger"
	"github.com/xendarboh/diode-bridge/persist"
)

var log = logging.MustGetLogger("diode")

func main() {
	var configPath string
	var statePath string
	var passphrase string
	var pollInterval time.Duration
	var showVersion bool

	flag.StringVar(&configPath, "config", "diode.toml", "path to TOML configuration")
	flag.StringVar(&statePath, "state", "diode.state", "path to encrypted Messenger state file")
	flag.StringVar(&passphrase, "passphrase", "", "passphrase protecting the state file (required)")
	flag.DurationVar(&pollInterval, "poll", time.Second, "drop-folder poll interval")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("diode %s (%s, built %s)\n", versioninfo.Version, versioninfo.Revision, versioninfo.LastCommit)
		return
	}

	if err := run(configPath, statePath, passphrase, pollInterval); err != nil {
		log.Fatalf("%v", err)
	}
}

func run(configPath, statePath, passphrase string, pollInterval time.Duration) error {
	if passphrase == "" {
		return fmt.Errorf("diode: -passphrase is required")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	selfUUID, err := uuid.FromString(cfg.UUID)
	if err != nil {
		return fmt.Errorf("diode: bad uuid in config: %w", err)
	}

	store, err := persist.Open(statePath, []byte(passphrase))
	if err != nil {
		return fmt.Errorf("diode: open state: %w", err)
	}
	defer store.Close()

	var auditSink audit.Sink = audit.NoopSink{}
	if cfg.AuditDSN != "" {
		pg, err := audit.NewPostgresSink(cfg.AuditDSN)
		if err != nil {
			return fmt.Errorf("diode: audit sink: %w", err)
		}
		defer pg.Close()
		auditSink = pg
	}

	srv := controller.NewServer(selfUUID, cfg.InputFolder, cfg.OutputFolder, nil)
	srv.Audit = auditSink
	srv.ReadinessTimeout = cfg.ReadinessTimeout()
	defer srv.Close()

	for _, pc := range cfg.Peers {
		peerUUID, err := uuid.FromString(pc.UUID)
		if err != nil {
			return fmt.Errorf("diode: bad peer uuid %q: %w", pc.UUID, err)
		}
		secretKeyBytes, err := hex.DecodeString(pc.SecretKeyHex)
		if err != nil {
			return fmt.Errorf("diode: peer %s: %w", pc.UUID, err)
		}
		// NewBufferFromBytes copies secretKeyBytes into locked memory
		// and wipes the plain slice it was given.
		secretKey := memguard.NewBufferFromBytes(secretKeyBytes)
		fileKeyBytes, err := hex.DecodeString(pc.FileKeyHex)
		if err != nil {
			return fmt.Errorf("diode: peer %s: %w", pc.UUID, err)
		}
		var fileKey [layer0.KeyLen]byte
		copy(fileKey[:], fileKeyBytes)

		m := messenger.New(selfUUID, peerUUID, nil)
		m.RetransmissionTimeout = cfg.RetransmissionTimeout()
		if cfg.TransmitNackHowManyTimes > 0 {
			m.TransmitNackHowManyTimes = cfg.TransmitNackHowManyTimes
		}
		if cfg.MaxSizeBytes > 0 {
			m.MaxSizeBytes = cfg.MaxSizeBytes
		}
		if cfg.MultipartLimitSizeBytes > 0 {
			m.MultipartLimitSizeBytes = cfg.MultipartLimitSizeBytes
		}

		srv.Peers[peerUUID] = &controller.Peer{
			Messenger: m,
			SecretKey: secretKey,
			FileKey:   fileKey,
		}
	}

	if snap, err := store.Load(); err == nil {
		restoreInto(srv, snap)
	} else {
		log.Infof("no prior state at %s, starting fresh: %v", statePath, err)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	log.Infof("diode %s running as %s, polling every %s", versioninfo.Version, selfUUID, pollInterval)

	for {
		select {
		case <-sigc:
			log.Info("shutting down")
			return persistAll(store, srv)
		case <-ticker.C:
			if err := srv.RunOnce(); err != nil {
				log.Errorf("run_once: %v", err)
			}
			if err := persistAll(store, srv); err != nil {
				log.Errorf("persist: %v", err)
			}
		}
	}
}

// restoreInto applies a persisted Snapshot back onto the Server's
// Messenger for the peer it belongs to. A one-peer-per-config
// deployment is the common case; a single persist.Store only ever
// holds one Messenger's state, so multi-peer persistence is future
// work.
func restoreInto(srv *controller.Server, snap messenger.Snapshot) {
	for _, peer := range srv.Peers {
		if peer.Messenger.OtherUUID == snap.OtherUUID {
			peer.Messenger = messenger.Restore(snap, nil)
			return
		}
	}
}

// persistAll saves the sole peer's Messenger state. See restoreInto.
func persistAll(store *persist.Store, srv *controller.Server) error {
	peer := solePeer(srv)
	if peer == nil {
		return nil
	}
	return store.Save(peer.Messenger.Snapshot())
}

func solePeer(srv *controller.Server) *controller.Peer {
	for _, peer := range srv.Peers {
		return peer
	}
	return nil
}

