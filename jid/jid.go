// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package jid implements the XMPP address format.
//
// Addresses (historically "Jabber IDs" or JIDs) comprise an optional
// localpart, a required domainpart, and an optional resourcepart. All parts
// are canonicalized on construction, which gives comparison the greatest
// chance of succeeding.
package jid // import "mellium.im/xmppd/jid"

import (
	"encoding/xml"
	"errors"
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/text/secure/precis"
)

// Errors returned by the package.
var (
	ErrEmpty        = errors.New("jid: address is empty")
	ErrNoDomain     = errors.New("jid: address has no domainpart")
	ErrLongPart     = errors.New("jid: part is longer than 1023 bytes")
	ErrInvalidLocal = errors.New("jid: localpart contains forbidden characters")
)

const maxPartLen = 1023

// JID represents an XMPP address comprising a localpart, domainpart, and
// resourcepart. The zero value is the empty address.
type JID struct {
	local    string
	domain   string
	resource string
}

// Parse constructs a JID from its string representation of the form
// [localpart"@"]domainpart["/"resourcepart].
func Parse(s string) (JID, error) {
	if s == "" {
		return JID{}, ErrEmpty
	}

	var local, resource string
	if i := strings.Index(s, "/"); i >= 0 {
		resource = s[i+1:]
		s = s[:i]
	}
	if i := strings.Index(s, "@"); i >= 0 {
		local = s[:i]
		s = s[i+1:]
	}
	return New(local, s, resource)
}

// MustParse is like Parse but panics if the address cannot be parsed.
// It simplifies safe initialization of JIDs from known-good constants.
func MustParse(s string) JID {
	j, err := Parse(s)
	if err != nil {
		panic(`jid: Parse("` + s + `"): ` + err.Error())
	}
	return j
}

// New constructs a JID from the given localpart, domainpart, and resourcepart,
// applying the canonical form for each.
func New(local, domain, resource string) (JID, error) {
	if domain == "" {
		return JID{}, ErrNoDomain
	}

	domain, err := prepDomain(domain)
	if err != nil {
		return JID{}, err
	}
	if local != "" {
		local, err = precis.UsernameCaseMapped.String(local)
		if err != nil {
			return JID{}, err
		}
		if strings.ContainsAny(local, `"&'/:<>@`) {
			return JID{}, ErrInvalidLocal
		}
	}
	if resource != "" {
		resource, err = precis.OpaqueString.String(resource)
		if err != nil {
			return JID{}, err
		}
	}
	for _, part := range []string{local, domain, resource} {
		if len(part) > maxPartLen {
			return JID{}, ErrLongPart
		}
	}

	return JID{local: local, domain: domain, resource: resource}, nil
}

func prepDomain(domain string) (string, error) {
	// Leave IPv6 literals alone; everything else goes through IDNA mapping so
	// that equivalent domain names compare equal.
	if strings.HasPrefix(domain, "[") && strings.HasSuffix(domain, "]") {
		return domain, nil
	}
	return idna.Lookup.ToUnicode(strings.TrimSuffix(domain, "."))
}

// Localpart returns the localpart of the address (the part before the '@').
func (j JID) Localpart() string { return j.local }

// Domainpart returns the domainpart of the address.
func (j JID) Domainpart() string { return j.domain }

// Resourcepart returns the resourcepart of the address (the part after the
// '/').
func (j JID) Resourcepart() string { return j.resource }

// Bare returns a copy of the address without its resourcepart. This is the
// canonical form used for routing table keys.
func (j JID) Bare() JID {
	return JID{local: j.local, domain: j.domain}
}

// Domain returns a copy of the address with only its domainpart set.
func (j JID) Domain() JID {
	return JID{domain: j.domain}
}

// WithResource returns a copy of the address with the given (already
// canonical) resourcepart.
func (j JID) WithResource(resource string) (JID, error) {
	return New(j.local, j.domain, resource)
}

// Equal reports whether two addresses are identical after canonicalization.
func (j JID) Equal(other JID) bool {
	return j.local == other.local && j.domain == other.domain && j.resource == other.resource
}

// IsZero reports whether the address is the empty address.
func (j JID) IsZero() bool {
	return j.local == "" && j.domain == "" && j.resource == ""
}

// String converts the address back into its string representation.
func (j JID) String() string {
	var b strings.Builder
	b.Grow(len(j.local) + len(j.domain) + len(j.resource) + 2)
	if j.local != "" {
		b.WriteString(j.local)
		b.WriteByte('@')
	}
	b.WriteString(j.domain)
	if j.resource != "" {
		b.WriteByte('/')
		b.WriteString(j.resource)
	}
	return b.String()
}

// MarshalXMLAttr satisfies the xml.MarshalerAttr interface. The zero address
// marshals to no attribute at all.
func (j JID) MarshalXMLAttr(name xml.Name) (xml.Attr, error) {
	if j.IsZero() {
		return xml.Attr{}, nil
	}
	return xml.Attr{Name: name, Value: j.String()}, nil
}

// UnmarshalXMLAttr satisfies the xml.UnmarshalerAttr interface. An empty
// attribute unmarshals to the zero address without error.
func (j *JID) UnmarshalXMLAttr(attr xml.Attr) error {
	if attr.Value == "" {
		*j = JID{}
		return nil
	}
	parsed, err := Parse(attr.Value)
	if err != nil {
		return err
	}
	*j = parsed
	return nil
}
