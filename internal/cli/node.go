package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rudransh-shrivastava/ewonic/internal/air"
	"github.com/rudransh-shrivastava/ewonic/internal/config"
	"github.com/rudransh-shrivastava/ewonic/internal/db"
	"github.com/rudransh-shrivastava/ewonic/internal/orchestrator"
	"github.com/rudransh-shrivastava/ewonic/internal/radio"
	"github.com/rudransh-shrivastava/ewonic/internal/relay"
	"github.com/rudransh-shrivastava/ewonic/internal/store"
	"github.com/rudransh-shrivastava/ewonic/internal/transport/webrtc"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// node is one local participant: its database, its radio on the air hub
// and the orchestrator driving them.
type node struct {
	cfg   *config.Config
	log   *logrus.Logger
	gdb   *gorm.DB
	radio *air.Radio
	orc   *orchestrator.Orchestrator

	sightings *store.SightingStore
}

// randomAddress picks a radio address for this process on the hub.
func randomAddress() radio.Address {
	id := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return radio.Address(fmt.Sprintf("%s:%s:%s:%s:%s:%s", id[0:2], id[2:4], id[4:6], id[6:8], id[8:10], id[10:12]))
}

func openNode(ctx context.Context, cfg *config.Config, log *logrus.Logger, addr string) (*node, error) {
	gdb, err := db.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	n := &node{
		cfg:       cfg,
		log:       log,
		gdb:       gdb,
		sightings: store.NewSightingStore(gdb),
	}

	opts := orchestrator.Options{
		Config:    cfg,
		Identity:  store.NewIdentityStore(gdb),
		Registry:  store.NewIssuedStore(gdb),
		Sightings: n.sightings,
		WebRTCAPI: webrtc.LoopbackAPI(),
		Logger:    log,
	}

	if cfg.Platform == config.PlatformWebRTC {
		if addr == "" {
			addr = string(randomAddress())
		}
		n.radio, err = air.Dial(ctx, cfg.Air.URL, radio.Address(addr), log)
		if err != nil {
			_ = n.Close()
			return nil, err
		}
		opts.Radio = n.radio
	}

	n.orc = orchestrator.New(opts)
	return n, nil
}

// start initializes the local id, advertises it and opens the session.
func (n *node) start(ctx context.Context, cb orchestrator.Callbacks) error {
	id, err := n.orc.Initialize(ctx)
	if err != nil {
		return err
	}
	if n.radio != nil {
		name := relay.AdvertisedName(n.cfg.Relay.NamePrefix, id)
		if err := n.radio.StartAdvertising(n.cfg.Relay.ServiceUUID, name); err != nil {
			return fmt.Errorf("failed to advertise: %w", err)
		}
	}
	return n.orc.StartSession(ctx, cb)
}

func (n *node) Close() error {
	var errs []error
	if n.orc != nil {
		errs = append(errs, n.orc.StopSession())
	}
	if n.radio != nil {
		errs = append(errs, n.radio.Close())
	}
	errs = append(errs, db.Close(n.gdb))
	return errors.Join(errs...)
}
