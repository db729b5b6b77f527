// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package commands_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"mellium.im/xmppd/commands"
	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/stanza"
)

// stagedCommand collects a fixed number of form stages and records completed
// executions.
type stagedCommand struct {
	node   string
	name   string
	stages int
	deny   bool

	mu        sync.Mutex
	completed []*commands.Session
}

func (c *stagedCommand) Node() string  { return c.node }
func (c *stagedCommand) Name() string  { return c.name }
func (c *stagedCommand) Stages() int   { return c.stages }
func (c *stagedCommand) Allowed(_ jid.JID) bool {
	return !c.deny
}

func (c *stagedCommand) Stage(s *commands.Session) (commands.Form, commands.Actions, error) {
	presenting := s.Stage() + 1
	form := commands.Form{
		Title: fmt.Sprintf("stage %d", presenting),
		Fields: []commands.Field{
			{Var: fmt.Sprintf("field%d", presenting), Type: "text-single"},
		},
	}
	var actions commands.Actions
	if presenting < c.stages-1 {
		actions |= commands.Next | commands.Next<<3
	} else {
		actions |= commands.Complete | commands.Complete<<3
	}
	if s.Stage() >= 0 {
		actions |= commands.Prev
	}
	return form, actions, nil
}

func (c *stagedCommand) Complete(s *commands.Session) error {
	c.mu.Lock()
	c.completed = append(c.completed, s)
	c.mu.Unlock()
	s.AddNote(commands.Note{Type: commands.NoteInfo, Value: "done"})
	return nil
}

func commandIQ(t *testing.T, from string, cmd commands.Command) stanza.IQ {
	t.Helper()
	inner, err := stanza.MarshalPayload(cmd.TokenReader())
	if err != nil {
		t.Fatalf("marshaling command payload: %v", err)
	}
	return stanza.IQ{
		ID:       "c1",
		To:       jid.MustParse("example.net"),
		From:     jid.MustParse(from),
		Type:     stanza.SetIQ,
		InnerXML: inner,
	}
}

func replyCommand(t *testing.T, reply stanza.IQ) commands.Command {
	t.Helper()
	if reply.Type != stanza.ResultIQ {
		t.Fatalf("reply type = %q, want %q (payload %s)", reply.Type, stanza.ResultIQ, reply.InnerXML)
	}
	var cmd commands.Command
	if err := stanza.UnmarshalPayload(reply.InnerXML, &cmd); err != nil {
		t.Fatalf("unmarshaling reply payload: %v", err)
	}
	return cmd
}

func replyError(t *testing.T, reply stanza.IQ) stanza.Error {
	t.Helper()
	if reply.Type != stanza.ErrorIQ {
		t.Fatalf("reply type = %q, want %q (payload %s)", reply.Type, stanza.ErrorIQ, reply.InnerXML)
	}
	var se stanza.Error
	if err := stanza.UnmarshalPayload(reply.InnerXML, &se); err != nil {
		t.Fatalf("unmarshaling error payload: %v", err)
	}
	return se
}

func TestUnknownCommand(t *testing.T) {
	m := commands.NewSessionManager()
	defer m.Stop()

	reply, err := m.HandleIQ(context.Background(), commandIQ(t, "romeo@example.net/home", commands.Command{Node: "nope"}))
	if err != nil {
		t.Fatalf("HandleIQ() = %v", err)
	}
	if se := replyError(t, reply); se.Condition != stanza.ItemNotFound {
		t.Errorf("condition = %q, want %q", se.Condition, stanza.ItemNotFound)
	}
	if m.Len() != 0 {
		t.Error("a session was created for an unknown command")
	}
}

func TestForbiddenCommand(t *testing.T) {
	m := commands.NewSessionManager()
	defer m.Stop()
	m.RegisterHandler(&stagedCommand{node: "secret", name: "Secret", stages: 1, deny: true})

	reply, err := m.HandleIQ(context.Background(), commandIQ(t, "romeo@example.net/home", commands.Command{Node: "secret"}))
	if err != nil {
		t.Fatalf("HandleIQ() = %v", err)
	}
	if se := replyError(t, reply); se.Condition != stanza.Forbidden {
		t.Errorf("condition = %q, want %q", se.Condition, stanza.Forbidden)
	}
}

func TestZeroStageCommand(t *testing.T) {
	m := commands.NewSessionManager()
	defer m.Stop()
	cmd := &stagedCommand{node: "ping", name: "Ping", stages: 0}
	m.RegisterHandler(cmd)

	reply, err := m.HandleIQ(context.Background(), commandIQ(t, "romeo@example.net/home", commands.Command{Node: "ping"}))
	if err != nil {
		t.Fatalf("HandleIQ() = %v", err)
	}
	got := replyCommand(t, reply)
	if got.Status != commands.StatusCompleted {
		t.Errorf("status = %q, want %q", got.Status, commands.StatusCompleted)
	}
	if got.SID != "" {
		t.Errorf("zero-stage command persisted a session %q", got.SID)
	}
	if len(got.Notes) != 1 || got.Notes[0].Value != "done" {
		t.Errorf("notes = %v, want the handler's note", got.Notes)
	}
	if len(cmd.completed) != 1 {
		t.Errorf("command executed %d times, want 1", len(cmd.completed))
	}
	if m.Len() != 0 {
		t.Error("zero-stage execution left a session behind")
	}
}

func TestSessionCap(t *testing.T) {
	m := commands.NewSessionManager()
	defer m.Stop()
	m.MaxPerRequester = 2
	m.RegisterHandler(&stagedCommand{node: "config", name: "Configure", stages: 2})

	var created, rejected int
	for i := 0; i < 3; i++ {
		reply, err := m.HandleIQ(context.Background(), commandIQ(t, "romeo@example.net/home", commands.Command{Node: "config"}))
		if err != nil {
			t.Fatalf("HandleIQ() = %v", err)
		}
		switch reply.Type {
		case stanza.ResultIQ:
			created++
		case stanza.ErrorIQ:
			if se := replyError(t, reply); se.Condition != stanza.NotAllowed {
				t.Errorf("condition = %q, want %q", se.Condition, stanza.NotAllowed)
			}
			rejected++
		}
	}
	if created != 2 || rejected != 1 {
		t.Fatalf("created %d sessions and rejected %d, want 2 and 1", created, rejected)
	}
	if got := m.SessionCount(jid.MustParse("romeo@example.net")); got != 2 {
		t.Errorf("SessionCount() = %d, want 2", got)
	}

	// A different requester is not affected by the first one's quota.
	reply, err := m.HandleIQ(context.Background(), commandIQ(t, "juliet@example.net/balcony", commands.Command{Node: "config"}))
	if err != nil {
		t.Fatalf("HandleIQ() = %v", err)
	}
	if reply.Type != stanza.ResultIQ {
		t.Error("another requester was rejected under a foreign quota")
	}
}

func TestSessionExpiry(t *testing.T) {
	m := commands.NewSessionManager()
	defer m.Stop()
	m.Timeout = 50 * time.Millisecond
	m.RegisterHandler(&stagedCommand{node: "config", name: "Configure", stages: 2})

	reply, err := m.HandleIQ(context.Background(), commandIQ(t, "romeo@example.net/home", commands.Command{Node: "config"}))
	if err != nil {
		t.Fatalf("HandleIQ() = %v", err)
	}
	sid := replyCommand(t, reply).SID
	if sid == "" {
		t.Fatal("no session ID in reply")
	}

	time.Sleep(60 * time.Millisecond)

	reply, err = m.HandleIQ(context.Background(), commandIQ(t, "romeo@example.net/home", commands.Command{Node: "config", SID: sid, Action: "next"}))
	if err != nil {
		t.Fatalf("HandleIQ() = %v", err)
	}
	se := replyError(t, reply)
	if se.Condition != stanza.NotAllowed {
		t.Errorf("condition = %q, want %q", se.Condition, stanza.NotAllowed)
	}
	if se.Text != "session-expired" {
		t.Errorf("text = %q, want %q", se.Text, "session-expired")
	}
	if got := m.SessionCount(jid.MustParse("romeo@example.net")); got != 0 {
		t.Errorf("SessionCount() = %d after expiry, want 0", got)
	}
}

func TestSweeperReclaimsAbandonedSessions(t *testing.T) {
	m := commands.NewSessionManager()
	defer m.Stop()
	m.Timeout = 50 * time.Millisecond
	m.RegisterHandler(&stagedCommand{node: "config", name: "Configure", stages: 2})

	for i := 0; i < 3; i++ {
		reply, err := m.HandleIQ(context.Background(), commandIQ(t, "romeo@example.net/home", commands.Command{Node: "config"}))
		if err != nil {
			t.Fatalf("HandleIQ() = %v", err)
		}
		replyCommand(t, reply)
	}
	if m.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", m.Len())
	}

	// The sessions are never touched again: the sweeper alone must reclaim
	// them once they pass the timeout.
	deadline := time.Now().Add(3 * time.Second)
	for m.Len() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("sweeper left %d sessions after the timeout", m.Len())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := m.SessionCount(jid.MustParse("romeo@example.net")); got != 0 {
		t.Errorf("SessionCount() = %d after sweep, want 0", got)
	}
}

func TestStageProgression(t *testing.T) {
	m := commands.NewSessionManager()
	defer m.Stop()
	cmd := &stagedCommand{node: "wizard", name: "Wizard", stages: 3}
	m.RegisterHandler(cmd)

	requester := "romeo@example.net/home"
	reply, err := m.HandleIQ(context.Background(), commandIQ(t, requester, commands.Command{Node: "wizard"}))
	if err != nil {
		t.Fatalf("HandleIQ() = %v", err)
	}
	got := replyCommand(t, reply)
	if got.Status != commands.StatusExecuting {
		t.Fatalf("status = %q, want %q", got.Status, commands.StatusExecuting)
	}
	if got.Form == nil || got.Form.Title != "stage 0" {
		t.Fatalf("creation presented %v, want the stage 0 form", got.Form)
	}
	sid := got.SID

	step := func(action string, wantTitle string) commands.Command {
		t.Helper()
		reply, err := m.HandleIQ(context.Background(), commandIQ(t, requester, commands.Command{
			Node:   "wizard",
			SID:    sid,
			Action: action,
			Form: &commands.Form{Type: commands.FormTypeSubmit, Fields: []commands.Field{
				{Var: "answer", Values: []string{action + "-data"}},
			}},
		}))
		if err != nil {
			t.Fatalf("HandleIQ(%s) = %v", action, err)
		}
		got := replyCommand(t, reply)
		if got.Form == nil || got.Form.Title != wantTitle {
			t.Fatalf("%s presented %v, want title %q", action, got.Form, wantTitle)
		}
		return got
	}

	step("next", "stage 1")
	step("next", "stage 2")
	got = step("prev", "stage 1")
	if got.Status != commands.StatusExecuting {
		t.Errorf("status after prev = %q, want %q", got.Status, commands.StatusExecuting)
	}

	// Complete is not offered on a middle stage.
	reply, err = m.HandleIQ(context.Background(), commandIQ(t, requester, commands.Command{Node: "wizard", SID: sid, Action: "complete"}))
	if err != nil {
		t.Fatalf("HandleIQ() = %v", err)
	}
	se := replyError(t, reply)
	if se.Condition != stanza.BadRequest || se.Text != "bad-action" {
		t.Errorf("got %q/%q, want bad-request/bad-action", se.Condition, se.Text)
	}

	// Advance to the final stage and complete with the accumulated data.
	step("next", "stage 2")
	reply, err = m.HandleIQ(context.Background(), commandIQ(t, requester, commands.Command{
		Node:   "wizard",
		SID:    sid,
		Action: "complete",
		Form: &commands.Form{Type: commands.FormTypeSubmit, Fields: []commands.Field{
			{Var: "answer", Values: []string{"final"}},
		}},
	}))
	if err != nil {
		t.Fatalf("HandleIQ() = %v", err)
	}
	got = replyCommand(t, reply)
	if got.Status != commands.StatusCompleted {
		t.Fatalf("status = %q, want %q", got.Status, commands.StatusCompleted)
	}
	if len(cmd.completed) != 1 {
		t.Fatalf("command executed %d times, want 1", len(cmd.completed))
	}
	if v, ok := cmd.completed[0].Value("answer"); !ok || v != "final" {
		t.Errorf("Value(answer) = %q, %t, want the last submitted value", v, ok)
	}
	if got := m.SessionCount(jid.MustParse("romeo@example.net")); got != 0 {
		t.Errorf("SessionCount() = %d after completion, want 0", got)
	}
}

func TestBadSession(t *testing.T) {
	m := commands.NewSessionManager()
	defer m.Stop()
	m.RegisterHandler(&stagedCommand{node: "config", name: "Configure", stages: 2})

	// Unknown session ID.
	reply, err := m.HandleIQ(context.Background(), commandIQ(t, "romeo@example.net/home", commands.Command{Node: "config", SID: "no-such-session"}))
	if err != nil {
		t.Fatalf("HandleIQ() = %v", err)
	}
	se := replyError(t, reply)
	if se.Condition != stanza.BadRequest || se.Text != "bad-sessionid" {
		t.Errorf("got %q/%q, want bad-request/bad-sessionid", se.Condition, se.Text)
	}

	// A session is only reachable by its owner.
	reply, err = m.HandleIQ(context.Background(), commandIQ(t, "romeo@example.net/home", commands.Command{Node: "config"}))
	if err != nil {
		t.Fatalf("HandleIQ() = %v", err)
	}
	sid := replyCommand(t, reply).SID
	reply, err = m.HandleIQ(context.Background(), commandIQ(t, "mallory@example.net/x", commands.Command{Node: "config", SID: sid, Action: "next"}))
	if err != nil {
		t.Fatalf("HandleIQ() = %v", err)
	}
	if se := replyError(t, reply); se.Condition != stanza.BadRequest {
		t.Errorf("condition = %q, want %q", se.Condition, stanza.BadRequest)
	}
}

func TestCancel(t *testing.T) {
	m := commands.NewSessionManager()
	defer m.Stop()
	m.RegisterHandler(&stagedCommand{node: "config", name: "Configure", stages: 2})

	reply, err := m.HandleIQ(context.Background(), commandIQ(t, "romeo@example.net/home", commands.Command{Node: "config"}))
	if err != nil {
		t.Fatalf("HandleIQ() = %v", err)
	}
	sid := replyCommand(t, reply).SID

	reply, err = m.HandleIQ(context.Background(), commandIQ(t, "romeo@example.net/home", commands.Command{Node: "config", SID: sid, Action: "cancel"}))
	if err != nil {
		t.Fatalf("HandleIQ() = %v", err)
	}
	got := replyCommand(t, reply)
	if got.Status != commands.StatusCanceled {
		t.Errorf("status = %q, want %q", got.Status, commands.StatusCanceled)
	}
	if m.Len() != 0 {
		t.Error("canceled session was not destroyed")
	}
	if got := m.SessionCount(jid.MustParse("romeo@example.net")); got != 0 {
		t.Errorf("SessionCount() = %d after cancel, want 0", got)
	}
}

func TestItems(t *testing.T) {
	m := commands.NewSessionManager()
	defer m.Stop()
	m.RegisterHandler(&stagedCommand{node: "reload", name: "Reload", stages: 0})
	m.RegisterHandler(&stagedCommand{node: "config", name: "Configure", stages: 2})

	addr := jid.MustParse("example.net")
	items := m.Items(addr)
	if len(items) != 2 {
		t.Fatalf("Items() returned %d entries, want 2", len(items))
	}
	if items[0].Node != "config" || items[1].Node != "reload" {
		t.Errorf("items are not sorted by node: %v", items)
	}
	if items[0].Name != "Configure" {
		t.Errorf("item name = %q, want %q", items[0].Name, "Configure")
	}
}
