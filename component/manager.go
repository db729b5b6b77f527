// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package component

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"mellium.im/xmppd/cluster"
	"mellium.im/xmppd/disco"
	"mellium.im/xmppd/disco/items"
	"mellium.im/xmppd/internal/idgen"
	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/router"
	"mellium.im/xmppd/stanza"
)

// infoRequestTimeout bounds the fire-and-forget discovery query sent to a
// freshly registered component.
const infoRequestTimeout = 30 * time.Second

type binding struct {
	subdomain string
	addr      jid.JID
	comp      Component
	state     State
	info      *disco.InfoResult
}

// Manager owns the subdomain to component mapping. It issues routable
// addresses, drives component lifecycle, and fires lifecycle events to
// registered listeners.
//
// A Manager is constructed once during server startup and passed by handle to
// every consumer; there is no process-wide instance.
type Manager struct {
	domain jid.JID
	router router.Router
	locks  *cluster.ShardedLocks

	// Logger is used for lifecycle diagnostics. If it is nil the default
	// logger is used.
	Logger *slog.Logger

	mu        sync.RWMutex
	bindings  map[string]*binding
	probes    map[string][]stanza.Presence
	listeners map[int]Listener
	nextID    int
}

// NewManager allocates and returns a new registry for the given server
// domain. Component routes are registered in r as subdomains are bound.
func NewManager(domain jid.JID, r router.Router) *Manager {
	return &Manager{
		domain:    domain.Domain(),
		router:    r,
		locks:     cluster.NewShardedLocks(0),
		bindings:  make(map[string]*binding),
		probes:    make(map[string][]stanza.Presence),
		listeners: make(map[int]Listener),
	}
}

func (m *Manager) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

// Domain returns the server domain used to derive routable addresses.
func (m *Manager) Domain() jid.JID { return m.domain }

// Address returns the routable address a component registered under the
// given subdomain has (or would have).
func (m *Manager) Address(subdomain string) (jid.JID, error) {
	if subdomain == "" || strings.ContainsAny(subdomain, "@/ \t\r\n") ||
		strings.HasPrefix(subdomain, ".") || strings.HasSuffix(subdomain, ".") {
		return jid.JID{}, ErrBadSubdomain
	}
	addr, err := jid.New("", subdomain+"."+m.domain.Domainpart(), "")
	if err != nil {
		return jid.JID{}, ErrBadSubdomain
	}
	return addr, nil
}

// componentHandler is the thin routing-table adapter that forwards delivery
// to the component.
type componentHandler struct {
	comp Component
}

func (h componentHandler) HandleStanza(ctx context.Context, st stanza.Stanza) error {
	return h.comp.ProcessStanza(ctx, st)
}

// Register binds the component to the given subdomain, inserts a routing
// entry for its derived address, and starts it.
//
// Re-registering the same component instance is a no-op. Registering a
// different instance under a bound subdomain fails with ErrAlreadyBound. If
// the component's Initialize or Start call fails, both the binding and the
// routing entry are rolled back and an InitializationError wrapping the cause
// is returned: registry state never contains a binding whose component failed
// to start.
func (m *Manager) Register(ctx context.Context, subdomain string, comp Component) error {
	addr, err := m.Address(subdomain)
	if err != nil {
		return err
	}
	subdomain = strings.TrimSuffix(addr.Domainpart(), "."+m.domain.Domainpart())

	unlock, err := m.locks.Lock(ctx, subdomain)
	if err != nil {
		return err
	}
	defer unlock()

	m.mu.Lock()
	if b, ok := m.bindings[subdomain]; ok {
		m.mu.Unlock()
		if b.comp == comp {
			return nil
		}
		return ErrAlreadyBound
	}
	b := &binding{subdomain: subdomain, addr: addr, comp: comp, state: StateInitializing}
	m.bindings[subdomain] = b
	m.mu.Unlock()

	if err := m.router.AddRoute(addr, componentHandler{comp: comp}); err != nil {
		m.mu.Lock()
		delete(m.bindings, subdomain)
		m.mu.Unlock()
		return &InitializationError{Subdomain: subdomain, Err: err}
	}

	if err := m.initialize(addr, comp); err != nil {
		m.mu.Lock()
		delete(m.bindings, subdomain)
		m.mu.Unlock()
		m.router.RemoveRoute(addr)
		return &InitializationError{Subdomain: subdomain, Err: err}
	}

	m.mu.Lock()
	b.state = StateBound
	pending := m.probes[addr.Domainpart()]
	delete(m.probes, addr.Domainpart())
	m.mu.Unlock()

	m.logger().Info("component registered", "subdomain", subdomain, "address", addr.String())
	m.notify(Event{Type: Registered, Subdomain: subdomain, Addr: addr})

	m.flushProbes(ctx, comp, pending)
	go m.requestInfo(addr, comp)
	return nil
}

func (m *Manager) initialize(addr jid.JID, comp Component) error {
	if err := comp.Initialize(addr, m); err != nil {
		return err
	}
	return comp.Start()
}

// Unregister removes the binding and routing entry for the given subdomain,
// drops its cached discovery info, and shuts the component down.
//
// The Unregistered event is fired even when the subdomain was not bound, so
// downstream listeners can drop per-component state unconditionally.
func (m *Manager) Unregister(ctx context.Context, subdomain string) error {
	unlock, err := m.locks.Lock(ctx, subdomain)
	if err != nil {
		return err
	}
	defer unlock()

	m.mu.Lock()
	b, ok := m.bindings[subdomain]
	if ok {
		b.state = StateShuttingDown
		delete(m.bindings, subdomain)
	}
	m.mu.Unlock()

	var addr jid.JID
	if ok {
		addr = b.addr
		m.router.RemoveRoute(b.addr)
		if err := b.comp.Shutdown(); err != nil {
			m.logger().Warn("component shutdown failed", "subdomain", subdomain, "err", err)
		}
		m.logger().Info("component unregistered", "subdomain", subdomain)
	}

	m.notify(Event{Type: Unregistered, Subdomain: subdomain, Addr: addr})
	if !ok {
		return ErrNotBound
	}
	return nil
}

// Get returns the component bound to the given subdomain.
func (m *Manager) Get(subdomain string) (Component, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if b, ok := m.bindings[subdomain]; ok && b.state == StateBound {
		return b.comp, true
	}
	return nil, false
}

// Resolve maps an address to the component that handles it.
//
// Component addresses are bare, subdomain-only addresses: a JID with a
// localpart never resolves to a component. Resolution tries the longest
// candidate subdomain first and only then strips leading labels, so a
// subdomain that happens to be a suffix of another never shadows it. An
// address below a bound subdomain (foo.muc.example.com when "muc" is bound)
// resolves to that component.
func (m *Manager) Resolve(j jid.JID) (Component, bool) {
	if j.Localpart() != "" {
		return nil, false
	}
	rest, ok := strings.CutSuffix(j.Domainpart(), "."+m.domain.Domainpart())
	if !ok {
		return nil, false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for {
		if b, ok := m.bindings[rest]; ok && b.state == StateBound {
			return b.comp, true
		}
		i := strings.Index(rest, ".")
		if i < 0 {
			return nil, false
		}
		rest = rest[i+1:]
	}
}

// Subdomains returns the currently bound subdomains in sorted order.
func (m *Manager) Subdomains() []string {
	m.mu.RLock()
	subs := make([]string, 0, len(m.bindings))
	for sd, b := range m.bindings {
		if b.state == StateBound {
			subs = append(subs, sd)
		}
	}
	m.mu.RUnlock()
	sort.Strings(subs)
	return subs
}

// Items lists the bound components as service discovery items. It satisfies
// the disco.ItemSource interface.
func (m *Manager) Items() []items.Item {
	m.mu.RLock()
	list := make([]items.Item, 0, len(m.bindings))
	for _, b := range m.bindings {
		if b.state != StateBound {
			continue
		}
		item := items.Item{JID: b.addr}
		if b.info != nil && len(b.info.Identities) > 0 {
			item.Name = b.info.Identities[0].Name
		}
		list = append(list, item)
	}
	m.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].JID.String() < list[j].JID.String() })
	return list
}

// Info returns the cached discovery metadata for the given subdomain, if a
// component is bound to it and has answered the registry's discovery query.
func (m *Manager) Info(subdomain string) (disco.InfoResult, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if b, ok := m.bindings[subdomain]; ok && b.info != nil {
		return *b.info, true
	}
	return disco.InfoResult{}, false
}

// AddListener registers a lifecycle event listener and returns the function
// that removes it.
func (m *Manager) AddListener(l Listener) (remove func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

func (m *Manager) notify(ev Event) {
	m.mu.RLock()
	ls := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		ls = append(ls, l)
	}
	m.mu.RUnlock()
	for _, l := range ls {
		l(ev)
	}
}

// QueueProbe buffers a presence probe addressed to a subdomain that is not
// bound yet. The probe is delivered when a component registers for the
// target address.
func (m *Manager) QueueProbe(p stanza.Presence) {
	p.Type = stanza.ProbePresence
	key := p.To.Domainpart()
	m.mu.Lock()
	m.probes[key] = append(m.probes[key], p)
	m.mu.Unlock()
}

func (m *Manager) flushProbes(ctx context.Context, comp Component, pending []stanza.Presence) {
	for _, p := range pending {
		if err := comp.ProcessStanza(ctx, p); err != nil {
			m.logger().Warn("failed to deliver queued presence probe",
				"to", p.To.String(), "from", p.From.String(), "err", err)
		}
	}
}

// requestInfo sends a best-effort discovery query to a freshly registered
// component. No request ID is tracked: the eventual result is matched by
// namespace and stanza type in ConsumeInfoResult.
func (m *Manager) requestInfo(addr jid.JID, comp Component) {
	ctx, cancel := context.WithTimeout(context.Background(), infoRequestTimeout)
	defer cancel()

	inner, err := stanza.MarshalPayload(disco.InfoQuery{}.TokenReader())
	if err != nil {
		m.logger().Warn("failed to build discovery query", "err", err)
		return
	}
	iq := stanza.IQ{
		ID:       idgen.RandomID(idgen.IDLen),
		To:       addr,
		From:     m.domain,
		Type:     stanza.GetIQ,
		InnerXML: inner,
	}
	if err := comp.ProcessStanza(ctx, iq); err != nil {
		m.logger().Debug("discovery query not accepted by component",
			"address", addr.String(), "err", err)
	}
}

// ConsumeInfoResult offers an IQ originating from a component to the
// registry's discovery cache. It reports whether the IQ was consumed: a
// disco#info result from a bound component address updates the cached
// identity metadata and fires the InfoReceived event.
//
// Correlation is deliberately loose (namespace and stanza type, not request
// ID): the cache is best-effort passive metadata, not query/response
// tracking.
func (m *Manager) ConsumeInfoResult(iq stanza.IQ) bool {
	if iq.Type != stanza.ResultIQ || iq.PayloadName().Space != disco.NSInfo {
		return false
	}
	rest, ok := strings.CutSuffix(iq.From.Domainpart(), "."+m.domain.Domainpart())
	if !ok || iq.From.Localpart() != "" {
		return false
	}

	var result disco.InfoResult
	if err := stanza.UnmarshalPayload(iq.InnerXML, &result); err != nil {
		m.logger().Debug("malformed discovery result from component",
			"from", iq.From.String(), "err", err)
		return false
	}

	m.mu.Lock()
	b, ok := m.bindings[rest]
	if !ok {
		m.mu.Unlock()
		return false
	}
	b.info = &result
	addr := b.addr
	m.mu.Unlock()

	m.notify(Event{Type: InfoReceived, Subdomain: rest, Addr: addr, Info: &result})
	return true
}

// Shutdown unregisters every bound component in parallel and waits for all
// of them to stop.
func (m *Manager) Shutdown(ctx context.Context) error {
	var group errgroup.Group
	for _, subdomain := range m.Subdomains() {
		group.Go(func() error {
			return m.Unregister(ctx, subdomain)
		})
	}
	return group.Wait()
}
