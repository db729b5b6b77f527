// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package server wires the routing core together: every stanza passes
// through the interceptor chain and audit copier, is resolved to the server
// itself, a registered component, or an ordinary session route, and IQ
// request/response correlation is tracked for blocking callers.
package server // import "mellium.im/xmppd/server"

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"mellium.im/xmppd/component"
	"mellium.im/xmppd/intercept"
	"mellium.im/xmppd/internal/idgen"
	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/router"
	"mellium.im/xmppd/stanza"
)

// IQHandler answers an IQ addressed to the server itself. The reply must be
// a well-formed result or stanza-error IQ.
type IQHandler interface {
	HandleIQ(ctx context.Context, iq stanza.IQ) (stanza.IQ, error)
}

// Server is the stanza routing pipeline.
type Server struct {
	domain     jid.JID
	table      *router.Table
	components *component.Manager
	chain      *intercept.Chain
	copier     *intercept.Copier
	Logger     *slog.Logger

	mu       sync.RWMutex
	handlers map[string]IQHandler
	pending  map[string]chan stanza.IQ
}

// New assembles a server pipeline. The chain and copier may be nil when
// interception or auditing is not configured.
func New(domain jid.JID, table *router.Table, components *component.Manager, chain *intercept.Chain, copier *intercept.Copier) *Server {
	return &Server{
		domain:     domain.Domain(),
		table:      table,
		components: components,
		chain:      chain,
		copier:     copier,
		handlers:   make(map[string]IQHandler),
		pending:    make(map[string]chan stanza.IQ),
	}
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// RegisterIQHandler routes IQs addressed to the server itself whose payload
// is in the given namespace to h.
func (s *Server) RegisterIQHandler(namespace string, h IQHandler) {
	s.mu.Lock()
	s.handlers[namespace] = h
	s.mu.Unlock()
}

func (s *Server) handler(namespace string) (IQHandler, bool) {
	s.mu.RLock()
	h, ok := s.handlers[namespace]
	s.mu.RUnlock()
	return h, ok
}

// Handle runs the incoming pipeline for a stanza read from a session or
// component connection. Interceptor vetoes become protocol errors to the
// sender for IQs and silent drops otherwise; they are never returned as Go
// errors.
func (s *Server) Handle(ctx context.Context, st stanza.Stanza) error {
	if err := s.interceptPre(ctx, st, st.Sender(), true); err != nil {
		s.bounceRejected(ctx, st, err)
		return nil
	}
	s.snapshot(st, true, false)

	err := s.deliver(ctx, st)

	s.interceptPost(ctx, st, st.Sender(), true)
	s.snapshot(st, true, true)
	return err
}

// Send runs the outgoing pipeline for a stanza produced by the server or one
// of its internal handlers. A veto silently aborts the send.
func (s *Server) Send(ctx context.Context, st stanza.Stanza) error {
	if err := s.interceptPre(ctx, st, st.Dest(), false); err != nil {
		s.logger().Debug("outgoing stanza vetoed",
			"kind", st.Kind(), "to", st.Dest().String(), "err", err)
		return nil
	}
	s.snapshot(st, false, false)

	err := s.route(ctx, st)

	s.interceptPost(ctx, st, st.Dest(), false)
	s.snapshot(st, false, true)
	return err
}

func (s *Server) interceptPre(ctx context.Context, st stanza.Stanza, sess jid.JID, incoming bool) error {
	if s.chain == nil {
		return nil
	}
	return s.chain.Intercept(ctx, st, sess, incoming, false)
}

func (s *Server) interceptPost(ctx context.Context, st stanza.Stanza, sess jid.JID, incoming bool) {
	if s.chain == nil {
		return
	}
	// Rejections are meaningless after processing; the chain logs and
	// swallows them.
	_ = s.chain.Intercept(ctx, st, sess, incoming, true)
}

func (s *Server) snapshot(st stanza.Stanza, incoming, processed bool) {
	if s.copier != nil {
		s.copier.Enqueue(st, incoming, processed)
	}
}

// bounceRejected turns a pre-processing veto of an incoming stanza into a
// protocol error for the sender. Only IQs are bounced; vetoed messages and
// presence are dropped.
func (s *Server) bounceRejected(ctx context.Context, st stanza.Stanza, err error) {
	iq, ok := st.(stanza.IQ)
	if !ok || !iq.Request() {
		s.logger().Debug("incoming stanza vetoed",
			"kind", st.Kind(), "from", st.Sender().String(), "err", err)
		return
	}
	se := stanza.Error{Type: stanza.Cancel, Condition: stanza.NotAllowed}
	var rej *intercept.RejectedError
	if errors.As(err, &rej) {
		se.Text = rej.Text
	}
	if err := s.route(ctx, iq.ErrorReply(se)); err != nil {
		s.logger().Debug("failed to bounce vetoed stanza",
			"to", iq.From.String(), "err", err)
	}
}

// deliver resolves the destination of an incoming stanza.
func (s *Server) deliver(ctx context.Context, st stanza.Stanza) error {
	to := st.Dest()
	if iq, ok := st.(stanza.IQ); ok && !iq.Request() {
		if s.correlate(iq) {
			return nil
		}
		if s.components != nil && s.components.ConsumeInfoResult(iq) {
			return nil
		}
	}

	if s.isSelf(to) {
		return s.handleSelf(ctx, st)
	}
	return s.route(ctx, st)
}

func (s *Server) isSelf(to jid.JID) bool {
	if to.IsZero() {
		return true
	}
	return to.Localpart() == "" && to.Domainpart() == s.domain.Domainpart()
}

// handleSelf dispatches a stanza addressed to the server's own domain.
func (s *Server) handleSelf(ctx context.Context, st stanza.Stanza) error {
	iq, ok := st.(stanza.IQ)
	if !ok {
		// The server consumes bare-domain messages and presence itself;
		// nothing further to do at this layer.
		return nil
	}
	if !iq.Request() {
		// An unclaimed result; correlation has already had its chance.
		return nil
	}

	h, ok := s.handler(iq.PayloadName().Space)
	if !ok {
		return s.Send(ctx, iq.ErrorReply(stanza.Error{
			Type:      stanza.Cancel,
			Condition: stanza.ServiceUnavailable,
		}))
	}
	reply, err := h.HandleIQ(ctx, iq)
	if err != nil {
		return err
	}
	return s.Send(ctx, reply)
}

// route delivers a stanza to a component or an ordinary session route.
func (s *Server) route(ctx context.Context, st stanza.Stanza) error {
	to := st.Dest()
	if s.components != nil {
		if comp, ok := s.components.Resolve(to); ok {
			return comp.ProcessStanza(ctx, st)
		}
	}

	err := s.table.Route(ctx, st)
	if errors.Is(err, router.ErrNoRoute) && s.queueProbe(st) {
		return nil
	}
	return err
}

// queueProbe buffers presence probes aimed at a not-yet-registered component
// subdomain so they can be flushed on registration.
func (s *Server) queueProbe(st stanza.Stanza) bool {
	p, ok := st.(stanza.Presence)
	if !ok || p.Type != stanza.ProbePresence || s.components == nil {
		return false
	}
	to := p.To
	if to.Localpart() != "" ||
		!strings.HasSuffix(to.Domainpart(), "."+s.domain.Domainpart()) {
		return false
	}
	s.components.QueueProbe(p)
	return true
}

// correlate hands an IQ response to a blocked RequestIQ caller. It reports
// whether a caller claimed the response.
func (s *Server) correlate(iq stanza.IQ) bool {
	s.mu.Lock()
	ch, ok := s.pending[iq.ID]
	if ok {
		delete(s.pending, iq.ID)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	ch <- iq
	return true
}

// RequestIQ sends an IQ request and blocks until the matching response
// arrives or ctx expires. On timeout it synthesizes an item-not-found error
// response: the protocol peer always sees a stanza, never a transport
// failure.
func (s *Server) RequestIQ(ctx context.Context, iq stanza.IQ) (stanza.IQ, error) {
	if iq.ID == "" {
		iq.ID = idgen.RandomID(idgen.IDLen)
	}
	ch := make(chan stanza.IQ, 1)
	s.mu.Lock()
	s.pending[iq.ID] = ch
	s.mu.Unlock()

	if err := s.Send(ctx, iq); err != nil {
		s.mu.Lock()
		delete(s.pending, iq.ID)
		s.mu.Unlock()
		return stanza.IQ{}, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, iq.ID)
		s.mu.Unlock()
		return iq.ErrorReply(stanza.Error{
			Type:      stanza.Cancel,
			Condition: stanza.ItemNotFound,
		}), nil
	}
}
