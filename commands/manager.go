// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package commands

import (
	"container/heap"
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"mellium.im/xmppd/disco/items"
	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/stanza"
)

// Defaults applied when the corresponding SessionManager fields are zero.
const (
	DefaultTimeout         = 10 * time.Minute
	DefaultMaxPerRequester = 100
)

// Handler is implemented by each provisioned command node.
type Handler interface {
	// Node returns the identifier the command is addressed by.
	Node() string

	// Name returns the human readable command name.
	Name() string

	// Stages returns the number of form stages. Zero-stage commands execute
	// immediately without creating a session.
	Stages() int

	// Allowed reports whether the requester may execute the command.
	Allowed(requester jid.JID) bool

	// Stage computes the form presented for the stage following the
	// session's current one, along with the actions offered on it.
	Stage(s *Session) (Form, Actions, error)

	// Complete executes the command's terminal logic using the data
	// accumulated across stages.
	Complete(s *Session) error
}

// Session is one in-flight multi-stage command execution. It is reachable
// only via its unguessable session ID; the owner's identity authorizes all
// actions against it.
type Session struct {
	id      string
	owner   jid.JID
	node    string
	created time.Time

	// mu serializes all action processing against this session.
	mu      sync.Mutex
	stage   int
	data    map[int]map[string][]string
	allowed Actions
	notes   []Note
}

// ID returns the opaque session identifier.
func (s *Session) ID() string { return s.id }

// Owner returns the address of the requester that created the session.
func (s *Session) Owner() jid.JID { return s.owner }

// Node returns the node of the command being executed.
func (s *Session) Node() string { return s.node }

// Stage returns the current stage. A fresh session is at stage -1: no form
// has been presented yet.
func (s *Session) Stage() int { return s.stage }

// Values returns the form data submitted for the given stage.
func (s *Session) Values(stage int) map[string][]string {
	return s.data[stage]
}

// Value returns the first submitted value of the named field from any stage,
// latest stage first.
func (s *Session) Value(field string) (string, bool) {
	stages := make([]int, 0, len(s.data))
	for stage := range s.data {
		stages = append(stages, stage)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(stages)))
	for _, stage := range stages {
		if vals := s.data[stage][field]; len(vals) > 0 {
			return vals[0], true
		}
	}
	return "", false
}

// AddNote attaches a status note that is included in the next response for
// this session.
func (s *Session) AddNote(n Note) {
	s.notes = append(s.notes, n)
}

func (s *Session) takeNotes() []Note {
	notes := s.notes
	s.notes = nil
	return notes
}

// expiryHeap is a min-heap of sessions ordered by creation time, drained by
// the background sweeper.
type expiryHeap []*Session

func (h expiryHeap) Len() int            { return len(h) }
func (h expiryHeap) Less(i, j int) bool  { return h[i].created.Before(h[j].created) }
func (h expiryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *expiryHeap) Push(x interface{}) { *h = append(*h, x.(*Session)) }
func (h *expiryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	s := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return s
}

// SessionManager tracks multi-stage ad-hoc command executions. It enforces a
// per-requester concurrency cap and reclaims expired sessions both on access
// and from a background sweeper.
type SessionManager struct {
	// Timeout is the maximum age of a session. Zero means DefaultTimeout.
	Timeout time.Duration

	// MaxPerRequester caps the number of live sessions per requester bare
	// JID. Zero means DefaultMaxPerRequester.
	MaxPerRequester int

	Logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	sessions map[string]*Session
	counters map[string]*atomic.Int64
	expiry   expiryHeap

	sweepOnce sync.Once
	stopped   chan struct{}
}

// NewSessionManager allocates a session manager and starts its expiry
// sweeper. Stop must be called to release the sweeper.
func NewSessionManager() *SessionManager {
	m := &SessionManager{
		handlers: make(map[string]Handler),
		sessions: make(map[string]*Session),
		counters: make(map[string]*atomic.Int64),
		stopped:  make(chan struct{}),
	}
	go m.sweep()
	return m
}

func (m *SessionManager) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

func (m *SessionManager) timeout() time.Duration {
	if m.Timeout > 0 {
		return m.Timeout
	}
	return DefaultTimeout
}

func (m *SessionManager) cap() int64 {
	if m.MaxPerRequester > 0 {
		return int64(m.MaxPerRequester)
	}
	return DefaultMaxPerRequester
}

// RegisterHandler provisions a command node, replacing any previous handler
// for the same node.
func (m *SessionManager) RegisterHandler(h Handler) {
	m.mu.Lock()
	m.handlers[h.Node()] = h
	m.mu.Unlock()
}

// UnregisterHandler removes the handler for the given node. Existing
// sessions for the node are left to expire.
func (m *SessionManager) UnregisterHandler(node string) {
	m.mu.Lock()
	delete(m.handlers, node)
	m.mu.Unlock()
}

func (m *SessionManager) handler(node string) (Handler, bool) {
	m.mu.RLock()
	h, ok := m.handlers[node]
	m.mu.RUnlock()
	return h, ok
}

// Items lists the provisioned commands as service discovery items under the
// given address. It satisfies the disco item source shape used for command
// list queries.
func (m *SessionManager) Items(addr jid.JID) []items.Item {
	m.mu.RLock()
	list := make([]items.Item, 0, len(m.handlers))
	for node, h := range m.handlers {
		list = append(list, items.Item{JID: addr, Node: node, Name: h.Name()})
	}
	m.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].Node < list[j].Node })
	return list
}

// Len returns the number of live sessions.
func (m *SessionManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// SessionCount returns the live session count for the given requester.
func (m *SessionManager) SessionCount(requester jid.JID) int64 {
	m.mu.RLock()
	c := m.counters[requester.Bare().String()]
	m.mu.RUnlock()
	if c == nil {
		return 0
	}
	return c.Load()
}

func (m *SessionManager) counter(owner string) *atomic.Int64 {
	m.mu.Lock()
	c, ok := m.counters[owner]
	if !ok {
		c = new(atomic.Int64)
		m.counters[owner] = c
	}
	m.mu.Unlock()
	return c
}

// HandleIQ runs one step of the command state machine. The reply is always a
// well-formed result or stanza-error IQ; err is reserved for serialization
// failures.
func (m *SessionManager) HandleIQ(ctx context.Context, iq stanza.IQ) (stanza.IQ, error) {
	var cmd Command
	if iq.Type != stanza.SetIQ || stanza.UnmarshalPayload(iq.InnerXML, &cmd) != nil {
		return iq.ErrorReply(stanza.Error{
			Type:      stanza.Modify,
			Condition: stanza.BadRequest,
		}), nil
	}
	if cmd.SID == "" {
		return m.execute(iq, cmd)
	}
	return m.advance(iq, cmd)
}

// execute handles a sessionless request: a command invoked for the first
// time.
func (m *SessionManager) execute(iq stanza.IQ, cmd Command) (stanza.IQ, error) {
	h, ok := m.handler(cmd.Node)
	if !ok {
		return iq.ErrorReply(stanza.Error{
			Type:      stanza.Cancel,
			Condition: stanza.ItemNotFound,
		}), nil
	}
	requester := iq.From.Bare()
	if !h.Allowed(requester) {
		return iq.ErrorReply(stanza.Error{
			Type:      stanza.Auth,
			Condition: stanza.Forbidden,
		}), nil
	}

	if h.Stages() == 0 {
		// Nothing to collect: execute synchronously without persisting a
		// session.
		sess := &Session{owner: requester, node: cmd.Node, stage: -1, created: time.Now()}
		if err := h.Complete(sess); err != nil {
			return m.handlerError(iq, cmd.Node, err)
		}
		return iq.Result(Command{
			Node:   cmd.Node,
			Status: StatusCompleted,
			Notes:  sess.takeNotes(),
		}.TokenReader())
	}

	// Increment optimistically so two concurrent creations cannot both pass
	// a check-then-increment window.
	counter := m.counter(requester.String())
	if counter.Add(1) > m.cap() {
		counter.Add(-1)
		return iq.ErrorReply(stanza.Error{
			Type:      stanza.Cancel,
			Condition: stanza.NotAllowed,
			Text:      "too many concurrent command sessions",
		}), nil
	}

	sess := &Session{
		id:      uuid.NewString(),
		owner:   requester,
		node:    cmd.Node,
		stage:   -1,
		created: time.Now(),
		data:    make(map[int]map[string][]string),
	}
	form, actions, err := h.Stage(sess)
	if err != nil {
		counter.Add(-1)
		return m.handlerError(iq, cmd.Node, err)
	}
	sess.allowed = actions

	m.mu.Lock()
	m.sessions[sess.id] = sess
	heap.Push(&m.expiry, sess)
	m.mu.Unlock()

	return iq.Result(Command{
		Node:    cmd.Node,
		SID:     sess.id,
		Status:  StatusExecuting,
		Actions: &actions,
		Notes:   sess.takeNotes(),
		Form:    &form,
	}.TokenReader())
}

// advance handles a request against an existing session.
func (m *SessionManager) advance(iq stanza.IQ, cmd Command) (stanza.IQ, error) {
	m.mu.RLock()
	sess := m.sessions[cmd.SID]
	m.mu.RUnlock()
	if sess == nil || !sess.owner.Equal(iq.From.Bare()) {
		return iq.ErrorReply(stanza.Error{
			Type:      stanza.Modify,
			Condition: stanza.BadRequest,
			Text:      "bad-sessionid",
		}), nil
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if time.Since(sess.created) > m.timeout() {
		m.destroy(sess)
		return iq.ErrorReply(stanza.Error{
			Type:      stanza.Cancel,
			Condition: stanza.NotAllowed,
			Text:      "session-expired",
		}), nil
	}

	h, ok := m.handler(sess.node)
	if !ok {
		m.destroy(sess)
		return iq.ErrorReply(stanza.Error{
			Type:      stanza.Cancel,
			Condition: stanza.ItemNotFound,
		}), nil
	}

	action, ok := m.resolveAction(sess, cmd.Action)
	if !ok {
		return iq.ErrorReply(stanza.Error{
			Type:      stanza.Modify,
			Condition: stanza.BadRequest,
			Text:      "bad-action",
		}), nil
	}

	switch action {
	case "cancel":
		m.destroy(sess)
		return iq.Result(Command{
			Node:   sess.node,
			SID:    sess.id,
			Status: StatusCanceled,
		}.TokenReader())

	case "prev":
		sess.stage--
		return m.stageReply(iq, h, sess)

	case "next":
		m.persist(sess, cmd.Form)
		sess.stage++
		return m.stageReply(iq, h, sess)

	case "complete":
		m.persist(sess, cmd.Form)
		err := h.Complete(sess)
		m.destroy(sess)
		if err != nil {
			return m.handlerError(iq, sess.node, err)
		}
		return iq.Result(Command{
			Node:   sess.node,
			SID:    sess.id,
			Status: StatusCompleted,
			Notes:  sess.takeNotes(),
		}.TokenReader())
	}
	return iq.ErrorReply(stanza.Error{
		Type:      stanza.Modify,
		Condition: stanza.BadRequest,
		Text:      "bad-action",
	}), nil
}

// resolveAction maps the request's action attribute to the action actually
// performed, validating it against the set offered at the current stage.
// Cancel is always permitted.
func (m *SessionManager) resolveAction(sess *Session, requested string) (string, bool) {
	switch requested {
	case "cancel":
		return "cancel", true
	case "", "execute":
		if def, ok := sess.allowed.Default(); ok {
			return def.String(), true
		}
		// With no default configured an execute request means "advance".
		if sess.allowed.Has(Next) {
			return "next", true
		}
		if sess.allowed.Has(Complete) {
			return "complete", true
		}
		return "", false
	case "prev":
		return "prev", sess.allowed.Has(Prev)
	case "next":
		return "next", sess.allowed.Has(Next)
	case "complete":
		return "complete", sess.allowed.Has(Complete)
	}
	return "", false
}

func (m *SessionManager) persist(sess *Session, form *Form) {
	if form == nil {
		return
	}
	vals := form.Values()
	if len(vals) == 0 {
		return
	}
	existing := sess.data[sess.stage]
	if existing == nil {
		sess.data[sess.stage] = vals
		return
	}
	for k, v := range vals {
		existing[k] = v
	}
}

func (m *SessionManager) stageReply(iq stanza.IQ, h Handler, sess *Session) (stanza.IQ, error) {
	form, actions, err := h.Stage(sess)
	if err != nil {
		m.destroy(sess)
		return m.handlerError(iq, sess.node, err)
	}
	sess.allowed = actions
	return iq.Result(Command{
		Node:    sess.node,
		SID:     sess.id,
		Status:  StatusExecuting,
		Actions: &actions,
		Notes:   sess.takeNotes(),
		Form:    &form,
	}.TokenReader())
}

func (m *SessionManager) handlerError(iq stanza.IQ, node string, err error) (stanza.IQ, error) {
	m.logger().Error("ad-hoc command failed", "node", node, "err", err)
	return iq.ErrorReply(stanza.Error{
		Type:      stanza.Wait,
		Condition: stanza.InternalServerError,
	}), nil
}

// destroy removes the session and releases its slot in the owner's counter.
// The heap entry is left behind and skipped by the sweeper.
func (m *SessionManager) destroy(sess *Session) {
	m.mu.Lock()
	_, live := m.sessions[sess.id]
	delete(m.sessions, sess.id)
	m.mu.Unlock()
	if live {
		m.counter(sess.owner.String()).Add(-1)
	}
}

// sweep proactively reclaims expired sessions so abandoned executions do not
// hold their requester's quota until the next access.
func (m *SessionManager) sweep() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopped:
			return
		case now := <-ticker.C:
			m.reap(now)
		}
	}
}

func (m *SessionManager) reap(now time.Time) {
	timeout := m.timeout()
	for {
		m.mu.Lock()
		if len(m.expiry) == 0 || now.Sub(m.expiry[0].created) <= timeout {
			m.mu.Unlock()
			return
		}
		sess := heap.Pop(&m.expiry).(*Session)
		_, live := m.sessions[sess.id]
		delete(m.sessions, sess.id)
		m.mu.Unlock()

		if live {
			m.counter(sess.owner.String()).Add(-1)
			m.logger().Debug("reclaimed expired command session",
				"node", sess.node, "owner", sess.owner.String())
		}
	}
}

// Stop halts the sweeper and clears all sessions and counters. In-flight
// executions are abandoned, not drained.
func (m *SessionManager) Stop() {
	m.sweepOnce.Do(func() { close(m.stopped) })
	m.mu.Lock()
	m.sessions = make(map[string]*Session)
	m.counters = make(map[string]*atomic.Int64)
	m.expiry = nil
	m.mu.Unlock()
}
