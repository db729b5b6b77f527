// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"mellium.im/xmppd/component"
	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/storage/sqlite"
)

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "xmppd.db"))
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close() = %v", err)
		}
	})
	return s
}

func TestComponentConfigRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	if _, found, err := s.Configuration(ctx, "muc"); err != nil || found {
		t.Fatalf("Configuration() on empty store = found %t, err %v", found, err)
	}

	want := component.Configuration{
		Subdomain:  "muc",
		Secret:     "hunter2",
		Permission: component.Allowed,
	}
	if err := s.Upsert(ctx, want); err != nil {
		t.Fatalf("Upsert() = %v", err)
	}
	got, found, err := s.Configuration(ctx, "muc")
	if err != nil || !found {
		t.Fatalf("Configuration() = found %t, err %v", found, err)
	}
	if got != want {
		t.Errorf("Configuration() = %+v, want %+v", got, want)
	}

	// Upsert replaces in place.
	want.Permission = component.Blocked
	want.Secret = ""
	if err := s.Upsert(ctx, want); err != nil {
		t.Fatalf("second Upsert() = %v", err)
	}
	got, _, err = s.Configuration(ctx, "muc")
	if err != nil {
		t.Fatalf("Configuration() = %v", err)
	}
	if got.Permission != component.Blocked || got.Secret != "" {
		t.Errorf("Configuration() after replace = %+v", got)
	}

	if err := s.Upsert(ctx, component.Configuration{Subdomain: "pubsub", Permission: component.Allowed}); err != nil {
		t.Fatalf("Upsert() = %v", err)
	}
	all, err := s.All(ctx)
	if err != nil {
		t.Fatalf("All() = %v", err)
	}
	if len(all) != 2 || all[0].Subdomain != "muc" || all[1].Subdomain != "pubsub" {
		t.Errorf("All() = %+v, want muc and pubsub in order", all)
	}

	if err := s.Delete(ctx, "muc"); err != nil {
		t.Fatalf("Delete() = %v", err)
	}
	if _, found, _ := s.Configuration(ctx, "muc"); found {
		t.Error("entry survived Delete()")
	}
}

func TestAdmins(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	admin := jid.MustParse("admin@example.net/console")
	if ok, err := s.IsAdmin(ctx, admin); err != nil || ok {
		t.Fatalf("IsAdmin() on empty store = %t, %v", ok, err)
	}
	if err := s.AddAdmin(ctx, admin); err != nil {
		t.Fatalf("AddAdmin() = %v", err)
	}
	// Adding again is a no-op.
	if err := s.AddAdmin(ctx, admin); err != nil {
		t.Fatalf("second AddAdmin() = %v", err)
	}

	// Admin status attaches to the bare JID, not the resource.
	if ok, err := s.IsAdmin(ctx, jid.MustParse("admin@example.net/phone")); err != nil || !ok {
		t.Errorf("IsAdmin() with other resource = %t, %v, want true", ok, err)
	}
	if ok, _ := s.IsAdmin(ctx, jid.MustParse("mallory@example.net")); ok {
		t.Error("IsAdmin() granted a non-admin")
	}

	if err := s.RemoveAdmin(ctx, admin); err != nil {
		t.Fatalf("RemoveAdmin() = %v", err)
	}
	if ok, _ := s.IsAdmin(ctx, admin); ok {
		t.Error("admin survived RemoveAdmin()")
	}
}
