// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package commands_test

import (
	"encoding/xml"
	"strings"
	"testing"

	"mellium.im/xmppd/commands"
)

func TestActionsEncoding(t *testing.T) {
	tests := [...]struct {
		actions commands.Actions
		xml     string
	}{
		0: {
			actions: commands.Prev | commands.Next | commands.Complete,
			xml:     `<actions><prev></prev><next></next><complete></complete></actions>`,
		},
		1: {
			actions: commands.Next | commands.Complete | commands.Next<<3,
			xml:     `<actions execute="next"><next></next><complete></complete></actions>`,
		},
		2: {
			actions: commands.Next | commands.Complete | commands.Prev<<3,
			xml:     `<actions execute="prev"><next></next><complete></complete></actions>`,
		},
	}
	for i, tc := range tests {
		var buf strings.Builder
		e := xml.NewEncoder(&buf)
		if err := tc.actions.MarshalXML(e, xml.StartElement{}); err != nil {
			t.Fatalf("%d: marshal: %v", i, err)
		}
		if err := e.Flush(); err != nil {
			t.Fatalf("%d: flush: %v", i, err)
		}
		if buf.String() != tc.xml {
			t.Errorf("%d: got %s, want %s", i, buf.String(), tc.xml)
		}

		var decoded commands.Actions
		if err := xml.Unmarshal([]byte(tc.xml), &decoded); err != nil {
			t.Fatalf("%d: unmarshal: %v", i, err)
		}
		if decoded != tc.actions {
			t.Errorf("%d: round trip got %d, want %d", i, decoded, tc.actions)
		}
	}
}

func TestActionsDefault(t *testing.T) {
	a := commands.Next | commands.Complete | commands.Complete<<3
	def, ok := a.Default()
	if !ok || def != commands.Complete {
		t.Errorf("Default() = %v, %t, want complete", def, ok)
	}
	if _, ok := (commands.Next | commands.Prev).Default(); ok {
		t.Error("Default() reported a default where none is set")
	}
	if !a.Has(commands.Next) || a.Has(commands.Prev) {
		t.Error("Has() does not reflect the offered set")
	}
}
