// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package disco

import (
	"context"
	"sort"
	"sync"

	"mellium.im/xmppd/disco/info"
	"mellium.im/xmppd/disco/items"
	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/stanza"
)

// InfoProvider answers discovery queries for a domain that is not the
// server's own, typically a registered component.
type InfoProvider interface {
	// Identities returns the identities advertised for the given node.
	Identities(node string) []info.Identity

	// Features returns the feature namespaces advertised for the given node.
	Features(node string) []string
}

// ItemSource lists the items advertised under the server's domain, typically
// the addresses of the registered components.
type ItemSource interface {
	Items() []items.Item
}

// Handler answers disco#info and disco#items IQs addressed to the server's
// domain, and to any other domain for which an InfoProvider has been
// registered.
type Handler struct {
	domain jid.JID
	dir    *Directory
	items  ItemSource

	mu         sync.RWMutex
	name       string
	identities []info.Identity
	providers  map[string]InfoProvider
}

// NewHandler allocates and returns a new discovery handler. The item source
// may be nil, in which case the server advertises no items.
func NewHandler(domain jid.JID, name string, dir *Directory, src ItemSource) *Handler {
	return &Handler{
		domain:    domain,
		dir:       dir,
		items:     src,
		name:      name,
		providers: make(map[string]InfoProvider),
	}
}

// SetServerName changes the human-readable server name advertised in the
// server's identity and invalidates the cached identity list.
func (h *Handler) SetServerName(name string) {
	h.mu.Lock()
	h.name = name
	h.identities = nil
	h.mu.Unlock()
}

// ServerIdentities returns the identities advertised for the server domain.
// The list is computed once and cached until the server name changes.
func (h *Handler) ServerIdentities() []info.Identity {
	h.mu.RLock()
	cached := h.identities
	h.mu.RUnlock()
	if cached != nil {
		return cached
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.identities == nil {
		h.identities = []info.Identity{{
			Category: "server",
			Type:     "im",
			Name:     h.name,
		}}
	}
	return h.identities
}

// RegisterProvider registers a discovery provider for the given domain,
// replacing any previous provider for the same domain.
func (h *Handler) RegisterProvider(domain string, p InfoProvider) {
	h.mu.Lock()
	h.providers[domain] = p
	h.mu.Unlock()
}

// UnregisterProvider removes the discovery provider for the given domain.
func (h *Handler) UnregisterProvider(domain string) {
	h.mu.Lock()
	delete(h.providers, domain)
	h.mu.Unlock()
}

func (h *Handler) provider(domain string) (InfoProvider, bool) {
	h.mu.RLock()
	p, ok := h.providers[domain]
	h.mu.RUnlock()
	return p, ok
}

// HandleIQ answers a discovery IQ. The reply is always a well-formed result
// or stanza-error IQ; err is reserved for serialization failures.
func (h *Handler) HandleIQ(ctx context.Context, iq stanza.IQ) (stanza.IQ, error) {
	if iq.Type != stanza.GetIQ {
		return iq.ErrorReply(stanza.Error{
			Type:      stanza.Cancel,
			Condition: stanza.BadRequest,
		}), nil
	}

	switch iq.PayloadName().Space {
	case NSInfo:
		return h.handleInfo(ctx, iq)
	case NSItems:
		return h.handleItems(iq)
	}
	return iq.ErrorReply(stanza.Error{
		Type:      stanza.Cancel,
		Condition: stanza.ServiceUnavailable,
	}), nil
}

func (h *Handler) handleInfo(ctx context.Context, iq stanza.IQ) (stanza.IQ, error) {
	var query InfoQuery
	if err := stanza.UnmarshalPayload(iq.InnerXML, &query); err != nil {
		return iq.ErrorReply(stanza.Error{
			Type:      stanza.Modify,
			Condition: stanza.BadRequest,
		}), nil
	}

	domain := iq.To.Domainpart()
	if p, ok := h.provider(domain); ok {
		result := InfoResult{Node: query.Node, Identities: p.Identities(query.Node)}
		for _, f := range p.Features(query.Node) {
			result.Features = append(result.Features, info.Feature{Var: f})
		}
		return iq.Result(result.TokenReader())
	}

	if !iq.To.Domain().Equal(h.domain) {
		return iq.ErrorReply(stanza.Error{
			Type:      stanza.Cancel,
			Condition: stanza.ItemNotFound,
		}), nil
	}
	if query.Node != "" {
		// The server itself advertises no nodes.
		return iq.ErrorReply(stanza.Error{
			Type:      stanza.Cancel,
			Condition: stanza.ItemNotFound,
		}), nil
	}

	features, err := h.dir.Features(ctx)
	if err != nil {
		return iq.ErrorReply(stanza.Error{
			Type:      stanza.Wait,
			Condition: stanza.InternalServerError,
		}), nil
	}
	features = append(features, NSInfo, NSItems)
	sort.Strings(features)

	result := InfoResult{Identities: h.ServerIdentities()}
	prev := ""
	for _, f := range features {
		if f == prev {
			continue
		}
		prev = f
		result.Features = append(result.Features, info.Feature{Var: f})
	}
	return iq.Result(result.TokenReader())
}

func (h *Handler) handleItems(iq stanza.IQ) (stanza.IQ, error) {
	if !iq.To.Domain().Equal(h.domain) {
		return iq.ErrorReply(stanza.Error{
			Type:      stanza.Cancel,
			Condition: stanza.ItemNotFound,
		}), nil
	}
	result := ItemsResult{}
	if h.items != nil {
		result.Items = h.items.Items()
	}
	return iq.Result(result.TokenReader())
}
