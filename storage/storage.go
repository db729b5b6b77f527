// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package storage defines the persistence interfaces consumed by the routing
// core. The core never touches a database directly; implementations live in
// subpackages.
package storage // import "mellium.im/xmppd/storage"

import (
	"context"

	"mellium.im/xmppd/component"
	"mellium.im/xmppd/jid"
)

// ComponentConfigRepo persists external component handshake policy keyed by
// subdomain.
type ComponentConfigRepo interface {
	component.ConfigStore

	// Upsert creates or replaces the policy entry for its subdomain.
	Upsert(ctx context.Context, cfg component.Configuration) error

	// Delete removes the policy entry for the given subdomain.
	Delete(ctx context.Context, subdomain string) error

	// All returns every policy entry ordered by subdomain.
	All(ctx context.Context) ([]component.Configuration, error)
}

// AdminRepo answers administrative authorization checks.
type AdminRepo interface {
	// IsAdmin reports whether the bare JID belongs to a server
	// administrator.
	IsAdmin(ctx context.Context, addr jid.JID) (bool, error)
}
