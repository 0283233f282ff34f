package psvalue

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Serializer marshals Values into the CLIXML-derived element tree MS-PSRP
// carries inside PSRP message payloads, coalescing repeated type-name
// chains into <TNRef> the way a real PowerShell session does.
type Serializer struct {
	nextRefID  int
	typeNameID map[string]int
}

// NewSerializer returns a Serializer with a fresh RefId/TNRef numbering
// space. Each Serializer corresponds to one PSRP message payload.
func NewSerializer() *Serializer {
	return &Serializer{typeNameID: make(map[string]int)}
}

// Marshal encodes v as a standalone element (e.g. the body of a
// PipelineInput or CreatePipeline argument).
func (s *Serializer) Marshal(v *Value) ([]byte, error) {
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	if err := s.encodeValue(enc, v, ""); err != nil {
		return nil, err
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func nameAttr(name string) []xml.Attr {
	if name == "" {
		return nil
	}
	return []xml.Attr{{Name: xml.Name{Local: "N"}, Value: name}}
}

func (s *Serializer) encodeValue(enc *xml.Encoder, v *Value, propName string) error {
	if v == nil {
		v = NewNil()
	}
	switch v.Kind {
	case KindString:
		return encodeLeaf(enc, "S", EscapeString(v.Str), propName)
	case KindBool:
		return encodeLeaf(enc, "B", fmt.Sprintf("%t", v.Bool), propName)
	case KindI32:
		return encodeLeaf(enc, "I32", strconv.FormatInt(int64(v.I32), 10), propName)
	case KindU32:
		return encodeLeaf(enc, "U32", strconv.FormatUint(uint64(v.U32), 10), propName)
	case KindI64:
		return encodeLeaf(enc, "I64", strconv.FormatInt(v.I64, 10), propName)
	case KindU64:
		return encodeLeaf(enc, "U64", strconv.FormatUint(v.U64, 10), propName)
	case KindGuid:
		return encodeLeaf(enc, "G", v.Guid.String(), propName)
	case KindChar:
		return encodeLeaf(enc, "C", strconv.Itoa(int(v.Char)), propName)
	case KindNil:
		start := xml.StartElement{Name: xml.Name{Local: "Nil"}, Attr: nameAttr(propName)}
		if err := enc.EncodeToken(start); err != nil {
			return err
		}
		return enc.EncodeToken(start.End())
	case KindBytes:
		return encodeLeaf(enc, "BA", base64.StdEncoding.EncodeToString(v.Bytes), propName)
	case KindVersion:
		return encodeLeaf(enc, "Version", v.Version, propName)
	case KindDateTime:
		return encodeLeaf(enc, "DT", v.DateTime.UTC().Format(time.RFC3339Nano), propName)
	case KindComplex:
		return s.encodeComplex(enc, v.Complex, propName)
	default:
		return fmt.Errorf("psvalue: unknown kind %d", v.Kind)
	}
}

func encodeLeaf(enc *xml.Encoder, tag, text, propName string) error {
	start := xml.StartElement{Name: xml.Name{Local: tag}, Attr: nameAttr(propName)}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	if text != "" {
		if err := enc.EncodeToken(xml.CharData(text)); err != nil {
			return err
		}
	}
	return enc.EncodeToken(start.End())
}

func (s *Serializer) encodeComplex(enc *xml.Encoder, c *Complex, propName string) error {
	if c == nil {
		c = &Complex{}
	}
	refID := s.nextRefID
	s.nextRefID++

	attrs := append(nameAttr(propName), xml.Attr{Name: xml.Name{Local: "RefId"}, Value: strconv.Itoa(refID)})
	start := xml.StartElement{Name: xml.Name{Local: "Obj"}, Attr: attrs}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}

	if len(c.TypeNames) > 0 {
		key := fmt.Sprintf("%v", c.TypeNames)
		if tnID, ok := s.typeNameID[key]; ok {
			tnr := xml.StartElement{Name: xml.Name{Local: "TNRef"}, Attr: []xml.Attr{{Name: xml.Name{Local: "RefId"}, Value: strconv.Itoa(tnID)}}}
			if err := enc.EncodeToken(tnr); err != nil {
				return err
			}
			if err := enc.EncodeToken(tnr.End()); err != nil {
				return err
			}
		} else {
			tnID := len(s.typeNameID)
			s.typeNameID[key] = tnID
			tn := xml.StartElement{Name: xml.Name{Local: "TN"}, Attr: []xml.Attr{{Name: xml.Name{Local: "RefId"}, Value: strconv.Itoa(tnID)}}}
			if err := enc.EncodeToken(tn); err != nil {
				return err
			}
			for _, t := range c.TypeNames {
				if err := encodeLeaf(enc, "T", t, ""); err != nil {
					return err
				}
			}
			if err := enc.EncodeToken(tn.End()); err != nil {
				return err
			}
		}
	}

	if c.ToString != "" {
		if err := encodeLeaf(enc, "ToString", EscapeString(c.ToString), ""); err != nil {
			return err
		}
	}

	if c.HasEnum {
		if err := encodeLeaf(enc, "I32", strconv.FormatInt(int64(c.EnumValue), 10), ""); err != nil {
			return err
		}
	}

	if len(c.Extended) > 0 {
		if err := s.encodeProps(enc, "MS", c.Extended); err != nil {
			return err
		}
	}
	if len(c.Adapted) > 0 {
		if err := s.encodeProps(enc, "Props", c.Adapted); err != nil {
			return err
		}
	}

	switch c.Container {
	case ContainerList:
		if err := s.encodeItems(enc, "LST", c.Items); err != nil {
			return err
		}
	case ContainerStack:
		if err := s.encodeItems(enc, "STK", c.Items); err != nil {
			return err
		}
	case ContainerQueue:
		if err := s.encodeItems(enc, "QUE", c.Items); err != nil {
			return err
		}
	case ContainerDictionary:
		if err := s.encodeDict(enc, c.Entries); err != nil {
			return err
		}
	}

	return enc.EncodeToken(start.End())
}

func (s *Serializer) encodeProps(enc *xml.Encoder, tag string, props []Property) error {
	start := xml.StartElement{Name: xml.Name{Local: tag}}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	for _, p := range props {
		if err := s.encodeValue(enc, p.Value, p.Name); err != nil {
			return err
		}
	}
	return enc.EncodeToken(start.End())
}

func (s *Serializer) encodeItems(enc *xml.Encoder, tag string, items []*Value) error {
	start := xml.StartElement{Name: xml.Name{Local: tag}}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	for _, item := range items {
		if err := s.encodeValue(enc, item, ""); err != nil {
			return err
		}
	}
	return enc.EncodeToken(start.End())
}

func (s *Serializer) encodeDict(enc *xml.Encoder, entries []DictEntry) error {
	start := xml.StartElement{Name: xml.Name{Local: "DCT"}}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	for _, e := range entries {
		en := xml.StartElement{Name: xml.Name{Local: "En"}}
		if err := enc.EncodeToken(en); err != nil {
			return err
		}
		if err := s.encodeValue(enc, e.Key, "Key"); err != nil {
			return err
		}
		if err := s.encodeValue(enc, e.Value, "Value"); err != nil {
			return err
		}
		if err := enc.EncodeToken(en.End()); err != nil {
			return err
		}
	}
	return enc.EncodeToken(start.End())
}

// Parser decodes a PSRP value element tree, resolving <Ref> and <TNRef>
// back-references within the scope of a single payload.
type Parser struct {
	dec     *xml.Decoder
	objRefs map[string]*Value
	tnRefs  map[string][]string
}

// ParseAll decodes every top-level value element in data, in document
// order. A PSRP payload is normally wrapped in a CLIXML <Objs> root; its
// children are unwrapped and returned as the top-level values. A payload
// with no <Objs> wrapper (a single bare <Obj> or leaf element, as used by
// CreatePipeline/PipelineInput) parses as one top-level value.
func ParseAll(data []byte) ([]*Value, error) {
	p := &Parser{
		dec:     xml.NewDecoder(bytes.NewReader(data)),
		objRefs: make(map[string]*Value),
		tnRefs:  make(map[string][]string),
	}
	var out []*Value
	for {
		tok, err := p.dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if se.Name.Local == "Objs" {
			vals, err := p.parseObjsChildren(se)
			if err != nil {
				return nil, err
			}
			out = append(out, vals...)
			continue
		}
		v, err := p.parseValue(se)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// parseObjsChildren parses every child value of an <Objs> envelope,
// consuming through its matching end tag.
func (p *Parser) parseObjsChildren(se xml.StartElement) ([]*Value, error) {
	var out []*Value
	for {
		tok, err := p.dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			v, err := p.parseValue(t)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		case xml.EndElement:
			if t.Name.Local == se.Name.Local {
				return out, nil
			}
		}
	}
}

func attrOf(se xml.StartElement, name string) (string, bool) {
	for _, a := range se.Attr {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

func (p *Parser) parseValue(se xml.StartElement) (*Value, error) {
	switch se.Name.Local {
	case "S":
		text, err := p.text(se)
		if err != nil {
			return nil, err
		}
		return NewString(UnescapeString(text)), nil
	case "B":
		text, err := p.text(se)
		if err != nil {
			return nil, err
		}
		return NewBool(text == "true" || text == "True" || text == "1"), nil
	case "I32":
		text, err := p.text(se)
		if err != nil {
			return nil, err
		}
		n, _ := strconv.ParseInt(text, 10, 32)
		return NewI32(int32(n)), nil
	case "U32":
		text, err := p.text(se)
		if err != nil {
			return nil, err
		}
		n, _ := strconv.ParseUint(text, 10, 32)
		return NewU32(uint32(n)), nil
	case "I64":
		text, err := p.text(se)
		if err != nil {
			return nil, err
		}
		n, _ := strconv.ParseInt(text, 10, 64)
		return NewI64(n), nil
	case "U64":
		text, err := p.text(se)
		if err != nil {
			return nil, err
		}
		n, _ := strconv.ParseUint(text, 10, 64)
		return NewU64(n), nil
	case "G":
		text, err := p.text(se)
		if err != nil {
			return nil, err
		}
		g, _ := uuid.Parse(text)
		return NewGuid(g), nil
	case "C":
		text, err := p.text(se)
		if err != nil {
			return nil, err
		}
		n, _ := strconv.Atoi(text)
		return NewChar(rune(n)), nil
	case "Nil":
		if err := p.skipChildren(); err != nil {
			return nil, err
		}
		return NewNil(), nil
	case "BA":
		text, err := p.text(se)
		if err != nil {
			return nil, err
		}
		b, _ := base64.StdEncoding.DecodeString(text)
		return NewBytes(b), nil
	case "Version":
		text, err := p.text(se)
		if err != nil {
			return nil, err
		}
		return NewVersion(text), nil
	case "DT":
		text, err := p.text(se)
		if err != nil {
			return nil, err
		}
		t, _ := time.Parse(time.RFC3339Nano, text)
		return NewDateTime(t), nil
	case "Ref":
		refID, _ := attrOf(se, "RefId")
		if err := p.skipChildren(); err != nil {
			return nil, err
		}
		return p.objRefs[refID], nil
	case "Obj":
		return p.parseObj(se)
	default:
		text, err := p.text(se)
		if err != nil {
			return nil, err
		}
		return NewString(UnescapeString(text)), nil
	}
}

// parseProperty reads one value element and returns it with its N
// attribute (if present) as the property name.
func (p *Parser) parseProperty(se xml.StartElement) (Property, error) {
	name, _ := attrOf(se, "N")
	v, err := p.parseValue(se)
	if err != nil {
		return Property{}, err
	}
	return Property{Name: name, Value: v}, nil
}

func (p *Parser) parseObj(se xml.StartElement) (*Value, error) {
	c := &Complex{}
	refID, hasRef := attrOf(se, "RefId")
	v := NewComplex(c)
	if hasRef {
		p.objRefs[refID] = v
		n, _ := strconv.Atoi(refID)
		c.RefID = n
	}

	for {
		tok, err := p.dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "TN":
				tnRefID, _ := attrOf(t, "RefId")
				names, err := p.parseTN(t)
				if err != nil {
					return nil, err
				}
				c.TypeNames = names
				if tnRefID != "" {
					p.tnRefs[tnRefID] = names
				}
			case "TNRef":
				tnRefID, _ := attrOf(t, "RefId")
				if err := p.skipChildren(); err != nil {
					return nil, err
				}
				c.TypeNames = p.tnRefs[tnRefID]
			case "ToString":
				text, err := p.text(t)
				if err != nil {
					return nil, err
				}
				c.ToString = UnescapeString(text)
			case "MS":
				props, err := p.parseProps(t)
				if err != nil {
					return nil, err
				}
				c.Extended = props
			case "Props":
				props, err := p.parseProps(t)
				if err != nil {
					return nil, err
				}
				c.Adapted = props
			case "LST":
				items, err := p.parseItems(t)
				if err != nil {
					return nil, err
				}
				c.Container = ContainerList
				c.Items = items
			case "STK":
				items, err := p.parseItems(t)
				if err != nil {
					return nil, err
				}
				c.Container = ContainerStack
				c.Items = items
			case "QUE":
				items, err := p.parseItems(t)
				if err != nil {
					return nil, err
				}
				c.Container = ContainerQueue
				c.Items = items
			case "DCT":
				entries, err := p.parseDCT(t)
				if err != nil {
					return nil, err
				}
				c.Container = ContainerDictionary
				c.Entries = entries
			case "I32":
				// A bare I32 directly under Obj (not inside Props/MS) is the
				// enum ordinal, per the PsEnums schema.
				text, err := p.text(t)
				if err != nil {
					return nil, err
				}
				n, _ := strconv.ParseInt(text, 10, 32)
				c.HasEnum = true
				c.EnumValue = int32(n)
			default:
				if err := p.skipElement(t); err != nil {
					return nil, err
				}
			}
		case xml.EndElement:
			if t.Name.Local == se.Name.Local {
				return v, nil
			}
		}
	}
}

func (p *Parser) parseTN(se xml.StartElement) ([]string, error) {
	var names []string
	for {
		tok, err := p.dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "T" {
				text, err := p.text(t)
				if err != nil {
					return nil, err
				}
				names = append(names, text)
			} else if err := p.skipElement(t); err != nil {
				return nil, err
			}
		case xml.EndElement:
			if t.Name.Local == se.Name.Local {
				return names, nil
			}
		}
	}
}

func (p *Parser) parseProps(se xml.StartElement) ([]Property, error) {
	var props []Property
	for {
		tok, err := p.dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			prop, err := p.parseProperty(t)
			if err != nil {
				return nil, err
			}
			props = append(props, prop)
		case xml.EndElement:
			if t.Name.Local == se.Name.Local {
				return props, nil
			}
		}
	}
}

func (p *Parser) parseItems(se xml.StartElement) ([]*Value, error) {
	var items []*Value
	for {
		tok, err := p.dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			v, err := p.parseValue(t)
			if err != nil {
				return nil, err
			}
			items = append(items, v)
		case xml.EndElement:
			if t.Name.Local == se.Name.Local {
				return items, nil
			}
		}
	}
}

func (p *Parser) parseDCT(se xml.StartElement) ([]DictEntry, error) {
	var entries []DictEntry
	for {
		tok, err := p.dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local != "En" {
				if err := p.skipElement(t); err != nil {
					return nil, err
				}
				continue
			}
			entry, err := p.parseEntry(t)
			if err != nil {
				return nil, err
			}
			entries = append(entries, entry)
		case xml.EndElement:
			if t.Name.Local == se.Name.Local {
				return entries, nil
			}
		}
	}
}

func (p *Parser) parseEntry(se xml.StartElement) (DictEntry, error) {
	var entry DictEntry
	for {
		tok, err := p.dec.Token()
		if err != nil {
			return entry, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			prop, err := p.parseProperty(t)
			if err != nil {
				return entry, err
			}
			switch prop.Name {
			case "Key":
				entry.Key = prop.Value
			case "Value":
				entry.Value = prop.Value
			}
		case xml.EndElement:
			if t.Name.Local == se.Name.Local {
				return entry, nil
			}
		}
	}
}

// text reads CharData up to se's matching end element.
func (p *Parser) text(se xml.StartElement) (string, error) {
	var buf bytes.Buffer
	for {
		tok, err := p.dec.Token()
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.CharData:
			buf.Write(t)
		case xml.EndElement:
			if t.Name.Local == se.Name.Local {
				return buf.String(), nil
			}
		case xml.StartElement:
			if err := p.skipElement(t); err != nil {
				return "", err
			}
		}
	}
}

// skipElement discards a whole subtree rooted at se (already consumed as a
// StartElement) including its matching end.
func (p *Parser) skipElement(se xml.StartElement) error {
	depth := 1
	for depth > 0 {
		tok, err := p.dec.Token()
		if err != nil {
			return err
		}
		switch tok.(type) {
		case xml.StartElement:
			depth++
		case xml.EndElement:
			depth--
		}
	}
	return nil
}

// skipChildren consumes tokens through the matching end element of the
// element most recently opened by the caller (used for self-closing or
// childless elements like <Nil/> and <Ref/>).
func (p *Parser) skipChildren() error {
	tok, err := p.dec.Token()
	if err != nil {
		return err
	}
	if _, ok := tok.(xml.EndElement); ok {
		return nil
	}
	return fmt.Errorf("psvalue: expected end element, got %T", tok)
}
