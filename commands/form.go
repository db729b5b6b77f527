// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package commands

import (
	"encoding/xml"

	"mellium.im/xmlstream"

	"mellium.im/xmppd/internal/ns"
)

// Form types understood in command payloads.
const (
	FormTypeForm   = "form"
	FormTypeSubmit = "submit"
	FormTypeResult = "result"
	FormTypeCancel = "cancel"
)

// Field is a single entry of a data form.
type Field struct {
	Var   string `xml:"var,attr,omitempty"`
	Type  string `xml:"type,attr,omitempty"`
	Label string `xml:"label,attr,omitempty"`

	// Required is non-nil when the field must be filled in before the form
	// can be submitted.
	Required *struct{} `xml:"required"`

	Values []string `xml:"value"`
}

// TokenReader satisfies the xmlstream.Marshaler interface.
func (f Field) TokenReader() xml.TokenReader {
	var attr []xml.Attr
	if f.Var != "" {
		attr = append(attr, xml.Attr{Name: xml.Name{Local: "var"}, Value: f.Var})
	}
	if f.Type != "" {
		attr = append(attr, xml.Attr{Name: xml.Name{Local: "type"}, Value: f.Type})
	}
	if f.Label != "" {
		attr = append(attr, xml.Attr{Name: xml.Name{Local: "label"}, Value: f.Label})
	}

	var inner []xml.TokenReader
	if f.Required != nil {
		inner = append(inner, xmlstream.Wrap(nil, xml.StartElement{
			Name: xml.Name{Local: "required"},
		}))
	}
	for _, v := range f.Values {
		inner = append(inner, xmlstream.Wrap(
			xmlstream.Token(xml.CharData(v)),
			xml.StartElement{Name: xml.Name{Local: "value"}},
		))
	}
	return xmlstream.Wrap(xmlstream.MultiReader(inner...), xml.StartElement{
		Name: xml.Name{Local: "field"},
		Attr: attr,
	})
}

// Form is a data form carried in a command payload: the form presented for
// the next stage of a command on the way out, or the submitted values on the
// way in.
type Form struct {
	XMLName      xml.Name `xml:"jabber:x:data x"`
	Type         string   `xml:"type,attr"`
	Title        string   `xml:"title,omitempty"`
	Instructions string   `xml:"instructions,omitempty"`
	Fields       []Field  `xml:"field"`
}

// Values flattens the form's fields into a map from field name to submitted
// values. Fields without a var attribute are skipped.
func (f Form) Values() map[string][]string {
	if len(f.Fields) == 0 {
		return nil
	}
	vals := make(map[string][]string, len(f.Fields))
	for _, field := range f.Fields {
		if field.Var == "" {
			continue
		}
		vals[field.Var] = append(vals[field.Var], field.Values...)
	}
	return vals
}

// TokenReader satisfies the xmlstream.Marshaler interface.
func (f Form) TokenReader() xml.TokenReader {
	typ := f.Type
	if typ == "" {
		typ = FormTypeForm
	}
	var inner []xml.TokenReader
	if f.Title != "" {
		inner = append(inner, xmlstream.Wrap(
			xmlstream.Token(xml.CharData(f.Title)),
			xml.StartElement{Name: xml.Name{Local: "title"}},
		))
	}
	if f.Instructions != "" {
		inner = append(inner, xmlstream.Wrap(
			xmlstream.Token(xml.CharData(f.Instructions)),
			xml.StartElement{Name: xml.Name{Local: "instructions"}},
		))
	}
	for _, field := range f.Fields {
		inner = append(inner, field.TokenReader())
	}
	return xmlstream.Wrap(xmlstream.MultiReader(inner...), xml.StartElement{
		Name: xml.Name{Space: ns.Forms, Local: "x"},
		Attr: []xml.Attr{{Name: xml.Name{Local: "type"}, Value: typ}},
	})
}

// WriteXML satisfies the xmlstream.WriterTo interface.
func (f Form) WriteXML(w xmlstream.TokenWriter) (int, error) {
	return xmlstream.Copy(w, f.TokenReader())
}

// MarshalXML implements xml.Marshaler.
func (f Form) MarshalXML(e *xml.Encoder, _ xml.StartElement) error {
	_, err := f.WriteXML(e)
	return err
}
