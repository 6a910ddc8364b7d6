// Package cluster coordinates simulation nodes: membership with a master
// lock, device partitions leased to nodes, and the SimulationManager that
// runs the devices of the partitions a node holds.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/arloliu/devicesim/model"
	"github.com/arloliu/devicesim/storage"
)

// masterLockKey is the key of the master lock in the main locks collection.
const masterLockKey = "master"

// Config configures the cluster components.
type Config struct {
	// NodeID defaults to a random UUID.
	NodeID string `yaml:"nodeId" env:"DEVICESIM_NODE_ID"`
	// NodeTTL is how long a node stays a member without a keep-alive.
	NodeTTL time.Duration `yaml:"nodeTtl" default:"1m" validate:"gt=0"`
	// MasterLockDuration is how long the master keeps the lock without
	// renewing it.
	MasterLockDuration time.Duration `yaml:"masterLockDuration" default:"2m" validate:"gt=0"`
	// PartitionSize is the number of devices per partition.
	PartitionSize int `yaml:"partitionSize" default:"1000" validate:"gt=0"`
	// PartitionLease is how long a node holds a partition without renewing.
	PartitionLease time.Duration `yaml:"partitionLease" default:"2m" validate:"gt=0"`
	// MaxDevicesPerNode stops partition assignment once reached.
	MaxDevicesPerNode int `yaml:"maxDevicesPerNode" default:"5000" validate:"gt=0"`
}

func (c Config) withDefaults() Config {
	if c.NodeID == "" {
		c.NodeID = uuid.NewString()
	}
	if c.NodeTTL <= 0 {
		c.NodeTTL = time.Minute
	}
	if c.MasterLockDuration <= 0 {
		c.MasterLockDuration = 2 * time.Minute
	}
	if c.PartitionSize <= 0 {
		c.PartitionSize = 1000
	}
	if c.PartitionLease <= 0 {
		c.PartitionLease = 2 * time.Minute
	}
	if c.MaxDevicesPerNode <= 0 {
		c.MaxDevicesPerNode = 5000
	}

	return c
}

// Option configures the cluster components.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func applyOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	return o
}

// Nodes tracks cluster membership in the nodes collection.
type Nodes struct {
	store storage.Engine
	cfg   Config
	log   zerolog.Logger
	now   func() time.Time
}

// NewNodes creates the membership tracker of the local node.
//
// Panics if store is nil.
func NewNodes(store storage.Engine, cfg Config, logger zerolog.Logger, opts ...Option) *Nodes {
	if store == nil {
		panic("devicesim/cluster: store must not be nil")
	}
	cfg = cfg.withDefaults()
	o := applyOptions(opts)

	return &Nodes{
		store: store,
		cfg:   cfg,
		log:   logger.With().Str("node_id", cfg.NodeID).Logger(),
		now:   o.now,
	}
}

// ID returns the local node id.
func (n *Nodes) ID() string {
	return n.cfg.NodeID
}

// KeepAlive records that the local node is alive.
func (n *Nodes) KeepAlive(ctx context.Context) error {
	node := model.Node{ID: n.cfg.NodeID, LastSeen: n.now().UTC()}
	if _, err := storage.UpsertJSON(ctx, n.store, storage.Nodes, node.ID, &node, ""); err != nil {
		return fmt.Errorf("keep node %s alive: %w", node.ID, err)
	}

	return nil
}

// GetSortedIDList returns the ids of the live nodes, sorted.
func (n *Nodes) GetSortedIDList(ctx context.Context) ([]string, error) {
	nodes, err := n.list(ctx)
	if err != nil {
		return nil, err
	}
	now := n.now()
	ids := make([]string, 0, len(nodes))
	for _, node := range nodes {
		if !n.isStale(node, now) {
			ids = append(ids, node.ID)
		}
	}
	slices.Sort(ids)

	return ids, nil
}

// RemoveStaleNodes deletes the nodes that missed their keep-alive. A node
// that renewed meanwhile is left alone.
func (n *Nodes) RemoveStaleNodes(ctx context.Context) error {
	nodes, err := n.list(ctx)
	if err != nil {
		return err
	}
	now := n.now()
	var errs []error
	for _, node := range nodes {
		if !n.isStale(node, now) {
			continue
		}
		err := n.store.Delete(ctx, storage.Nodes, node.ID, node.ETag)
		switch {
		case err == nil:
			n.log.Info().Str("stale_node_id", node.ID).Time("last_seen", node.LastSeen).Msg("removed stale node")
		case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrConflict):
		default:
			errs = append(errs, fmt.Errorf("remove node %s: %w", node.ID, err))
		}
	}

	return errors.Join(errs...)
}

// SelfElectToMaster takes or renews the master lock. It reports whether the
// local node is the master.
func (n *Nodes) SelfElectToMaster(ctx context.Context) (bool, error) {
	now := n.now().UTC()
	lock := model.MasterLock{NodeID: n.cfg.NodeID, Expiration: now.Add(n.cfg.MasterLockDuration)}

	var current model.MasterLock
	etag, err := storage.GetJSON(ctx, n.store, storage.MainLocks, masterLockKey, &current)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		_, err = storage.CreateJSON(ctx, n.store, storage.MainLocks, masterLockKey, &lock)
	case err != nil:
		return false, fmt.Errorf("read master lock: %w", err)
	case current.NodeID != n.cfg.NodeID && now.Before(current.Expiration):
		return false, nil
	default:
		_, err = storage.UpsertJSON(ctx, n.store, storage.MainLocks, masterLockKey, &lock, etag)
	}

	switch {
	case err == nil:
		if current.NodeID != n.cfg.NodeID {
			n.log.Info().Msg("elected cluster master")
		}

		return true, nil
	case errors.Is(err, storage.ErrConflict), errors.Is(err, storage.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("write master lock: %w", err)
	}
}

func (n *Nodes) list(ctx context.Context) ([]model.Node, error) {
	recs, err := n.store.List(ctx, storage.Nodes)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	out := make([]model.Node, 0, len(recs))
	for _, rec := range recs {
		var node model.Node
		if err := storage.Decode(rec, &node); err != nil {
			n.log.Warn().Err(err).Msg("skipping unreadable node")
			continue
		}
		node.ETag = rec.ETag
		out = append(out, node)
	}

	return out, nil
}

func (n *Nodes) isStale(node model.Node, now time.Time) bool {
	return now.Sub(node.LastSeen) > n.cfg.NodeTTL
}
