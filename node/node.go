package node

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/blesync/blesync/ble"
	"github.com/blesync/blesync/log"
	"github.com/blesync/blesync/store"
	"github.com/blesync/blesync/sync"
)

// Node is a fully wired blesync service: identity, event store and
// reconciler over the supplied BLE driver surfaces.
type Node struct {
	cfg        *Config
	logger     *log.Logger
	identity   uuid.UUID
	store      *store.Store
	reconciler *sync.Reconciler
}

// NewNode loads the identity and persisted events from the data directory
// and builds the reconciler. device is the central-role driver; peripheral
// and scanner may be nil when the platform lacks the respective role.
func NewNode(cfg *Config, device ble.Device, peripheral ble.Peripheral, scanner ble.Scanner) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.InitDataDir(); err != nil {
		return nil, err
	}

	identity, err := LoadOrCreateIdentity(cfg.IdentityPath())
	if err != nil {
		return nil, err
	}

	st := store.NewStore()
	if err := st.LoadFile(cfg.EventsPath()); err != nil {
		return nil, fmt.Errorf("node: load events: %w", err)
	}

	logger := log.Default().Module("node").With("name", cfg.Name)
	logger.Info("node initialized",
		"identity", identity.String(),
		"events", st.Size(),
		"datadir", cfg.DataDir)

	rec := sync.NewReconciler(st, device, peripheral, scanner, sync.Config{
		LocalUUID:      identity,
		FrameSizeLimit: cfg.FrameSizeLimit,
		ScanInterval:   cfg.ScanInterval,
		ChunkDelay:     cfg.ChunkDelay,
	})

	return &Node{
		cfg:        cfg,
		logger:     logger,
		identity:   identity,
		store:      st,
		reconciler: rec,
	}, nil
}

// Identity returns the node's stable device UUID.
func (n *Node) Identity() uuid.UUID {
	return n.identity
}

// Store returns the node's event store.
func (n *Node) Store() *store.Store {
	return n.store
}

// Reconciler returns the node's session orchestrator.
func (n *Node) Reconciler() *sync.Reconciler {
	return n.reconciler
}

// Run executes the node until the context is cancelled, then persists the
// event store. Returns nil on a clean, cancellation-driven shutdown.
func (n *Node) Run(ctx context.Context) error {
	n.logger.Info("node starting")
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.reconciler.Run(ctx) })

	err := g.Wait()
	if saveErr := n.store.SaveFile(n.cfg.EventsPath()); saveErr != nil {
		n.logger.Error("persist events failed", "err", saveErr)
		if err == nil || errors.Is(err, context.Canceled) {
			err = saveErr
		}
	} else {
		n.logger.Info("events persisted", "count", n.store.Size())
	}

	if errors.Is(err, context.Canceled) {
		n.logger.Info("node stopped")
		return nil
	}
	return err
}
