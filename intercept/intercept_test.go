// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package intercept_test

import (
	"context"
	"errors"
	"testing"

	"mellium.im/xmppd/intercept"
	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/stanza"
)

func TestChainOrderAndShortCircuit(t *testing.T) {
	var chain intercept.Chain
	var calls []string

	chain.Add(intercept.InterceptorFunc(func(_ context.Context, _ stanza.Stanza, _ jid.JID, _, _ bool) error {
		calls = append(calls, "first")
		return nil
	}))
	chain.Add(intercept.InterceptorFunc(func(_ context.Context, _ stanza.Stanza, _ jid.JID, _, _ bool) error {
		calls = append(calls, "second")
		return &intercept.RejectedError{Text: "blocked"}
	}))
	chain.Add(intercept.InterceptorFunc(func(_ context.Context, _ stanza.Stanza, _ jid.JID, _, _ bool) error {
		calls = append(calls, "third")
		return nil
	}))

	msg := stanza.Message{To: jid.MustParse("juliet@example.net")}
	err := chain.Intercept(context.Background(), msg, jid.MustParse("romeo@example.net/home"), true, false)

	var rej *intercept.RejectedError
	if !errors.As(err, &rej) {
		t.Fatalf("Intercept() = %v, want RejectedError", err)
	}
	if rej.Text != "blocked" {
		t.Errorf("rejection text = %q, want %q", rej.Text, "blocked")
	}
	if len(calls) != 2 || calls[0] != "first" || calls[1] != "second" {
		t.Errorf("calls = %v, want the rejection to short-circuit the third interceptor", calls)
	}
}

func TestChainIgnoresPostProcessingRejections(t *testing.T) {
	var chain intercept.Chain
	var calls int

	for i := 0; i < 3; i++ {
		chain.Add(intercept.InterceptorFunc(func(_ context.Context, _ stanza.Stanza, _ jid.JID, _, _ bool) error {
			calls++
			return &intercept.RejectedError{}
		}))
	}

	msg := stanza.Message{To: jid.MustParse("juliet@example.net")}
	err := chain.Intercept(context.Background(), msg, jid.MustParse("romeo@example.net/home"), true, true)
	if err != nil {
		t.Fatalf("post-processing Intercept() = %v, want nil", err)
	}
	if calls != 3 {
		t.Errorf("ran %d interceptors, want all 3 despite rejections", calls)
	}
}

func TestChainRemove(t *testing.T) {
	var chain intercept.Chain
	remove := chain.Add(intercept.InterceptorFunc(func(_ context.Context, _ stanza.Stanza, _ jid.JID, _, _ bool) error {
		return &intercept.RejectedError{}
	}))
	remove()

	msg := stanza.Message{To: jid.MustParse("juliet@example.net")}
	if err := chain.Intercept(context.Background(), msg, jid.JID{}, true, false); err != nil {
		t.Fatalf("Intercept() after remove = %v, want nil", err)
	}
}

func TestSubscriptionMatches(t *testing.T) {
	tests := [...]struct {
		sub       intercept.Subscription
		kind      string
		incoming  bool
		processed bool
		want      bool
	}{
		0: {
			sub:      intercept.Subscription{Message: true, Incoming: true, Unprocessed: true},
			kind:     "message", incoming: true, processed: false, want: true,
		},
		1: {
			sub:      intercept.Subscription{Message: true, Incoming: true, Unprocessed: true},
			kind:     "iq", incoming: true, processed: false, want: false,
		},
		2: {
			sub:      intercept.Subscription{Message: true, Incoming: true, Unprocessed: true},
			kind:     "message", incoming: false, processed: false, want: false,
		},
		3: {
			sub:      intercept.Subscription{Message: true, Incoming: true, Unprocessed: true},
			kind:     "message", incoming: true, processed: true, want: false,
		},
		4: {
			sub: intercept.Subscription{
				IQ: true, Message: true, Presence: true,
				Incoming: true, Outgoing: true,
				Unprocessed: true, Processed: true,
			},
			kind: "presence", incoming: false, processed: true, want: true,
		},
	}
	for i, tc := range tests {
		if got := tc.sub.Matches(tc.kind, tc.incoming, tc.processed); got != tc.want {
			t.Errorf("%d: Matches(%q, %t, %t) = %t, want %t", i, tc.kind, tc.incoming, tc.processed, got, tc.want)
		}
	}
}
