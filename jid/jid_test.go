// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package jid_test

import (
	"encoding/xml"
	"testing"

	"mellium.im/xmppd/jid"
)

var (
	_ xml.MarshalerAttr   = jid.JID{}
	_ xml.UnmarshalerAttr = (*jid.JID)(nil)
)

var parseTests = [...]struct {
	in       string
	local    string
	domain   string
	resource string
	err      bool
}{
	0: {in: "example.com", domain: "example.com"},
	1: {in: "romeo@example.com", local: "romeo", domain: "example.com"},
	2: {in: "romeo@example.com/orchard", local: "romeo", domain: "example.com", resource: "orchard"},
	3: {in: "example.com/orchard", domain: "example.com", resource: "orchard"},
	4: {in: "muc.example.com", domain: "muc.example.com"},
	5: {in: "ROMEO@EXAMPLE.COM", local: "romeo", domain: "example.com"},
	6: {in: "example.com.", domain: "example.com"},
	7: {in: "", err: true},
	8: {in: "romeo@", err: true},
	9: {in: `ro"meo@example.com`, err: true},
	10: {in: "room@muc.example.com/nick", local: "room", domain: "muc.example.com", resource: "nick"},
}

func TestParse(t *testing.T) {
	for i, tc := range parseTests {
		j, err := jid.Parse(tc.in)
		switch {
		case tc.err && err == nil:
			t.Errorf("%d: expected error parsing %q", i, tc.in)
		case !tc.err && err != nil:
			t.Errorf("%d: unexpected error parsing %q: %v", i, tc.in, err)
		case err != nil:
			continue
		}
		if j.Localpart() != tc.local {
			t.Errorf("%d: wrong localpart: want=%q, got=%q", i, tc.local, j.Localpart())
		}
		if j.Domainpart() != tc.domain {
			t.Errorf("%d: wrong domainpart: want=%q, got=%q", i, tc.domain, j.Domainpart())
		}
		if j.Resourcepart() != tc.resource {
			t.Errorf("%d: wrong resourcepart: want=%q, got=%q", i, tc.resource, j.Resourcepart())
		}
	}
}

func TestBareAndDomain(t *testing.T) {
	j := jid.MustParse("romeo@example.com/orchard")
	if bare := j.Bare().String(); bare != "romeo@example.com" {
		t.Errorf("wrong bare JID: %q", bare)
	}
	if d := j.Domain().String(); d != "example.com" {
		t.Errorf("wrong domain JID: %q", d)
	}
	if !j.Equal(j) {
		t.Errorf("JID should equal itself")
	}
	if j.Bare().Equal(j) {
		t.Errorf("bare JID should not equal full JID")
	}
}

func TestXMLAttrRoundTrip(t *testing.T) {
	j := jid.MustParse("romeo@example.com/orchard")
	attr, err := j.MarshalXMLAttr(xml.Name{Local: "to"})
	if err != nil {
		t.Fatalf("unexpected error marshaling: %v", err)
	}
	var got jid.JID
	if err := got.UnmarshalXMLAttr(attr); err != nil {
		t.Fatalf("unexpected error unmarshaling: %v", err)
	}
	if !got.Equal(j) {
		t.Errorf("round trip changed the address: want=%v, got=%v", j, got)
	}

	var zero jid.JID
	attr, err = zero.MarshalXMLAttr(xml.Name{Local: "to"})
	if err != nil {
		t.Fatalf("unexpected error marshaling zero value: %v", err)
	}
	if attr.Value != "" {
		t.Errorf("zero value should marshal to empty attr, got %q", attr.Value)
	}
}
