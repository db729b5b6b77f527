// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package component

import (
	"context"
)

// Permission controls whether an external component may bind a subdomain.
type Permission string

const (
	// Allowed permits an external component to bind the subdomain.
	Allowed Permission = "allowed"

	// Blocked rejects any external component handshake for the subdomain.
	Blocked Permission = "blocked"
)

// Configuration is the per-subdomain external component policy.
type Configuration struct {
	Subdomain  string
	Secret     string
	Permission Permission
}

// SecretOr returns the configured handshake secret, falling back to def when
// no per-subdomain secret is set.
func (c Configuration) SecretOr(def string) string {
	if c.Secret != "" {
		return c.Secret
	}
	return def
}

// ConfigStore looks up external component policy. Implementations must be
// safe for concurrent use.
type ConfigStore interface {
	// Configuration returns the policy for the given subdomain and whether
	// an explicit entry exists for it.
	Configuration(ctx context.Context, subdomain string) (Configuration, bool, error)
}
