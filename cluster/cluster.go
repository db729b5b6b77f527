// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package cluster defines the coordination primitives consumed by the parts
// of the routing core that share state between server nodes.
//
// A standalone server uses the in-process implementations in this package; a
// clustered deployment swaps in a backend such as the redis one in the
// redisdir subpackage. All locks are scoped to a single key so that unrelated
// keys never contend.
package cluster // import "mellium.im/xmppd/cluster"

import "context"

// LockManager hands out key-scoped locks. Two callers locking the same key
// are serialized; callers locking different keys are (modulo backend
// sharding) independent.
type LockManager interface {
	// Lock acquires the lock for the given key, blocking until it is held or
	// ctx is done. On success it returns the function that releases the lock.
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// SetStore is a shared map of string sets. An empty set is indistinguishable
// from an absent one: removing the last member of a set removes the set.
type SetStore interface {
	// Add inserts member into the set stored at key, creating the set if
	// needed.
	Add(ctx context.Context, key, member string) error

	// Remove deletes member from the set stored at key. Removing the last
	// member deletes the set. Removing from an absent set is a no-op.
	Remove(ctx context.Context, key, member string) error

	// Members returns the members of the set stored at key, or nil if the set
	// does not exist.
	Members(ctx context.Context, key string) ([]string, error)

	// Keys returns every key with a non-empty set.
	Keys(ctx context.Context) ([]string, error)
}

// Membership reports this node's identity and role within the cluster.
// A standalone server is its own senior member.
type Membership interface {
	// NodeID returns the stable identifier of the local node.
	NodeID() string

	// IsSenior reports whether the local node is the cluster's elected senior
	// member. Cleanup work that must happen exactly once cluster-wide is
	// performed only by the senior member.
	IsSenior() bool
}

// Static is a fixed Membership, used by standalone servers and tests.
type Static struct {
	ID     string
	Senior bool
}

// NodeID satisfies the Membership interface.
func (s Static) NodeID() string { return s.ID }

// IsSenior satisfies the Membership interface.
func (s Static) IsSenior() bool { return s.Senior }
