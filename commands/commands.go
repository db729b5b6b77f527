// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package commands implements executable ad-hoc commands and the session
// manager that tracks their multi-stage execution.
package commands // import "mellium.im/xmppd/commands"

import (
	"encoding/xml"

	"mellium.im/xmlstream"

	"mellium.im/xmppd/internal/ns"
)

// NS is the namespace used by commands, provided as a convenience.
const NS = ns.Commands

// Command statuses reported in responses.
const (
	StatusExecuting = "executing"
	StatusCompleted = "completed"
	StatusCanceled  = "canceled"
)

// Command is the ad-hoc command payload: the request to execute (or advance)
// a command on the way in, and the command's current state on the way out.
type Command struct {
	XMLName xml.Name `xml:"http://jabber.org/protocol/commands command"`
	Node    string   `xml:"node,attr"`
	SID     string   `xml:"sessionid,attr,omitempty"`
	Action  string   `xml:"action,attr,omitempty"`
	Status  string   `xml:"status,attr,omitempty"`

	Actions *Actions `xml:"actions"`
	Notes   []Note   `xml:"note"`
	Form    *Form    `xml:"x"`
}

// TokenReader satisfies the xmlstream.Marshaler interface.
func (c Command) TokenReader() xml.TokenReader {
	attrs := []xml.Attr{
		{Name: xml.Name{Local: "node"}, Value: c.Node},
	}
	if c.SID != "" {
		attrs = append(attrs, xml.Attr{Name: xml.Name{Local: "sessionid"}, Value: c.SID})
	}
	if c.Action != "" {
		attrs = append(attrs, xml.Attr{Name: xml.Name{Local: "action"}, Value: c.Action})
	}
	if c.Status != "" {
		attrs = append(attrs, xml.Attr{Name: xml.Name{Local: "status"}, Value: c.Status})
	}

	var inner []xml.TokenReader
	if c.Actions != nil {
		inner = append(inner, c.Actions.TokenReader())
	}
	for _, note := range c.Notes {
		inner = append(inner, note.TokenReader())
	}
	if c.Form != nil {
		inner = append(inner, c.Form.TokenReader())
	}

	return xmlstream.Wrap(
		xmlstream.MultiReader(inner...),
		xml.StartElement{
			Name: xml.Name{Space: NS, Local: "command"},
			Attr: attrs,
		},
	)
}

// WriteXML satisfies the xmlstream.WriterTo interface.
// It is like MarshalXML except it writes tokens to w.
func (c Command) WriteXML(w xmlstream.TokenWriter) (n int, err error) {
	return xmlstream.Copy(w, c.TokenReader())
}

// MarshalXML implements xml.Marshaler.
func (c Command) MarshalXML(e *xml.Encoder, _ xml.StartElement) error {
	_, err := c.WriteXML(e)
	return err
}
