// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package disco implements service discovery for the server.
//
// It contains the payload types for disco#info and disco#items queries, the
// cluster-aware feature directory that aggregates the features advertised by
// every node, and the IQ handler that answers discovery queries addressed to
// the server's own domain.
package disco // import "mellium.im/xmppd/disco"

import (
	"encoding/xml"

	"mellium.im/xmlstream"

	"mellium.im/xmppd/disco/info"
	"mellium.im/xmppd/disco/items"
	"mellium.im/xmppd/internal/ns"
)

// Namespaces used by this package, provided as a convenience.
const (
	NSInfo  = ns.DiscoInfo
	NSItems = ns.DiscoItems
)

// InfoQuery is the payload of a query for a node's identities and features.
type InfoQuery struct {
	XMLName xml.Name `xml:"http://jabber.org/protocol/disco#info query"`
	Node    string   `xml:"node,attr,omitempty"`
}

// TokenReader implements xmlstream.Marshaler.
func (q InfoQuery) TokenReader() xml.TokenReader {
	start := xml.StartElement{Name: xml.Name{Space: NSInfo, Local: "query"}}
	if q.Node != "" {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "node"}, Value: q.Node})
	}
	return xmlstream.Wrap(nil, start)
}

// WriteXML implements xmlstream.WriterTo.
func (q InfoQuery) WriteXML(w xmlstream.TokenWriter) (int, error) {
	return xmlstream.Copy(w, q.TokenReader())
}

// MarshalXML implements xml.Marshaler.
func (q InfoQuery) MarshalXML(e *xml.Encoder, _ xml.StartElement) error {
	_, err := q.WriteXML(e)
	return err
}

// ItemsQuery is the payload of a query for a node's items.
type ItemsQuery struct {
	XMLName xml.Name `xml:"http://jabber.org/protocol/disco#items query"`
	Node    string   `xml:"node,attr,omitempty"`
}

// TokenReader implements xmlstream.Marshaler.
func (q ItemsQuery) TokenReader() xml.TokenReader {
	start := xml.StartElement{Name: xml.Name{Space: NSItems, Local: "query"}}
	if q.Node != "" {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "node"}, Value: q.Node})
	}
	return xmlstream.Wrap(nil, start)
}

// WriteXML implements xmlstream.WriterTo.
func (q ItemsQuery) WriteXML(w xmlstream.TokenWriter) (int, error) {
	return xmlstream.Copy(w, q.TokenReader())
}

// MarshalXML implements xml.Marshaler.
func (q ItemsQuery) MarshalXML(e *xml.Encoder, _ xml.StartElement) error {
	_, err := q.WriteXML(e)
	return err
}

// InfoResult is the payload of a reply to an info query.
type InfoResult struct {
	XMLName    xml.Name        `xml:"http://jabber.org/protocol/disco#info query"`
	Node       string          `xml:"node,attr,omitempty"`
	Identities []info.Identity `xml:"identity"`
	Features   []info.Feature  `xml:"feature"`
}

// TokenReader implements xmlstream.Marshaler.
func (r InfoResult) TokenReader() xml.TokenReader {
	inner := make([]xml.TokenReader, 0, len(r.Identities)+len(r.Features))
	for _, ident := range r.Identities {
		inner = append(inner, ident.TokenReader())
	}
	for _, f := range r.Features {
		inner = append(inner, f.TokenReader())
	}
	start := xml.StartElement{Name: xml.Name{Space: NSInfo, Local: "query"}}
	if r.Node != "" {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "node"}, Value: r.Node})
	}
	return xmlstream.Wrap(xmlstream.MultiReader(inner...), start)
}

// WriteXML implements xmlstream.WriterTo.
func (r InfoResult) WriteXML(w xmlstream.TokenWriter) (int, error) {
	return xmlstream.Copy(w, r.TokenReader())
}

// MarshalXML implements xml.Marshaler.
func (r InfoResult) MarshalXML(e *xml.Encoder, _ xml.StartElement) error {
	_, err := r.WriteXML(e)
	return err
}

// ItemsResult is the payload of a reply to an items query.
type ItemsResult struct {
	XMLName xml.Name     `xml:"http://jabber.org/protocol/disco#items query"`
	Node    string       `xml:"node,attr,omitempty"`
	Items   []items.Item `xml:"item"`
}

// TokenReader implements xmlstream.Marshaler.
func (r ItemsResult) TokenReader() xml.TokenReader {
	inner := make([]xml.TokenReader, 0, len(r.Items))
	for _, item := range r.Items {
		inner = append(inner, item.TokenReader())
	}
	start := xml.StartElement{Name: xml.Name{Space: NSItems, Local: "query"}}
	if r.Node != "" {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "node"}, Value: r.Node})
	}
	return xmlstream.Wrap(xmlstream.MultiReader(inner...), start)
}

// WriteXML implements xmlstream.WriterTo.
func (r ItemsResult) WriteXML(w xmlstream.TokenWriter) (int, error) {
	return xmlstream.Copy(w, r.TokenReader())
}

// MarshalXML implements xml.Marshaler.
func (r ItemsResult) MarshalXML(e *xml.Encoder, _ xml.StartElement) error {
	_, err := r.WriteXML(e)
	return err
}
