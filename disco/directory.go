// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package disco

import (
	"context"
	"log/slog"
	"sync"

	"mellium.im/xmppd/cluster"
)

// Directory aggregates the feature namespaces advertised by every node of the
// server.
//
// Each node keeps a local record of the features it registered itself; the
// shared store maps each namespace to the set of nodes currently advertising
// it. Mutations to a namespace's entry happen under that namespace's lock,
// never under a directory-wide lock, so churn on one feature does not
// serialize registration of unrelated features.
type Directory struct {
	locks cluster.LockManager
	store cluster.SetStore
	self  cluster.Membership

	// Logger is used for cleanup diagnostics. If it is nil the default logger
	// is used.
	Logger *slog.Logger

	mu    sync.Mutex
	local map[string]struct{}
}

// NewDirectory allocates and returns a new feature directory.
func NewDirectory(locks cluster.LockManager, store cluster.SetStore, self cluster.Membership) *Directory {
	return &Directory{
		locks: locks,
		store: store,
		self:  self,
		local: make(map[string]struct{}),
	}
}

func (d *Directory) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// AddFeature registers the given feature namespace as advertised by this
// node. Adding a namespace the node already advertises is a no-op.
func (d *Directory) AddFeature(ctx context.Context, namespace string) error {
	d.mu.Lock()
	if _, ok := d.local[namespace]; ok {
		d.mu.Unlock()
		return nil
	}
	d.local[namespace] = struct{}{}
	d.mu.Unlock()

	unlock, err := d.locks.Lock(ctx, namespace)
	if err == nil {
		defer unlock()
		err = d.store.Add(ctx, namespace, d.self.NodeID())
	}
	if err != nil {
		d.mu.Lock()
		delete(d.local, namespace)
		d.mu.Unlock()
		return err
	}
	return nil
}

// RemoveFeature removes this node from the given feature namespace's entry.
// If this node was the namespace's last advertiser the entry disappears from
// the shared directory entirely. Removing a namespace the node never
// advertised is a no-op.
func (d *Directory) RemoveFeature(ctx context.Context, namespace string) error {
	d.mu.Lock()
	if _, ok := d.local[namespace]; !ok {
		d.mu.Unlock()
		return nil
	}
	delete(d.local, namespace)
	d.mu.Unlock()

	unlock, err := d.locks.Lock(ctx, namespace)
	if err != nil {
		return err
	}
	defer unlock()
	return d.store.Remove(ctx, namespace, d.self.NodeID())
}

// Features returns every feature namespace advertised by at least one node.
func (d *Directory) Features(ctx context.Context) ([]string, error) {
	return d.store.Keys(ctx)
}

// HasFeature reports whether the given namespace is advertised by at least
// one node.
func (d *Directory) HasFeature(ctx context.Context, namespace string) (bool, error) {
	members, err := d.store.Members(ctx, namespace)
	return len(members) > 0, err
}

// LocalFeatures returns the feature namespaces registered by this node.
func (d *Directory) LocalFeatures() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	features := make([]string, 0, len(d.local))
	for f := range d.local {
		features = append(features, f)
	}
	return features
}

// OnJoinedCluster merges this node's locally registered features into the
// now-shared directory. It handles the node having operated standalone before
// joining: everything it advertised alone must become visible cluster-wide.
func (d *Directory) OnJoinedCluster(ctx context.Context) error {
	for _, namespace := range d.LocalFeatures() {
		unlock, err := d.locks.Lock(ctx, namespace)
		if err != nil {
			return err
		}
		err = d.store.Add(ctx, namespace, d.self.NodeID())
		unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// OnLeftCluster removes the departed node from every directory entry it
// appears in. Only the cluster's senior member performs the walk so that
// surviving nodes do not race each other cleaning up the same departure.
func (d *Directory) OnLeftCluster(ctx context.Context, nodeID string) error {
	if !d.self.IsSenior() {
		return nil
	}

	namespaces, err := d.store.Keys(ctx)
	if err != nil {
		return err
	}
	for _, namespace := range namespaces {
		unlock, err := d.locks.Lock(ctx, namespace)
		if err != nil {
			return err
		}
		err = d.store.Remove(ctx, namespace, nodeID)
		unlock()
		if err != nil {
			d.logger().Warn("failed to clean up feature entry for departed node",
				"namespace", namespace, "node", nodeID, "err", err)
			return err
		}
	}
	return nil
}
