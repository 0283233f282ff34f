package serialization

import (
	"fmt"

	"github.com/halvarsen/go-psrp/psrpcore/psvalue"
)

// Deserializer converts a PSRP message payload (a CLIXML <Objs> envelope)
// back into plain Go values. It holds no resources beyond the call to
// Deserialize; Close exists so callers can defer cleanup symmetrically with
// NewSerializer/Serialize without caring which side owns a stream.
type Deserializer struct {
	closed bool
}

// NewDeserializer returns a ready Deserializer.
func NewDeserializer() *Deserializer {
	return &Deserializer{}
}

// Deserialize parses data (a complete PSRP message Data field) and returns
// one plain Go value per top-level element inside its <Objs> envelope.
func (d *Deserializer) Deserialize(data []byte) ([]interface{}, error) {
	vals, err := psvalue.ParseAll(data)
	if err != nil {
		return nil, err
	}
	out := make([]interface{}, len(vals))
	for i, v := range vals {
		out[i] = fromValue(v)
	}
	return out, nil
}

// Close releases any resources held by the Deserializer. It is always safe
// to call, including after the Deserializer has already been closed.
func (d *Deserializer) Close() error {
	d.closed = true
	return nil
}

func fromValue(v *psvalue.Value) interface{} {
	if v == nil {
		return nil
	}
	switch v.Kind {
	case psvalue.KindString:
		return v.Str
	case psvalue.KindBool:
		return v.Bool
	case psvalue.KindI32:
		return v.I32
	case psvalue.KindU32:
		return v.U32
	case psvalue.KindI64:
		return v.I64
	case psvalue.KindU64:
		return v.U64
	case psvalue.KindGuid:
		return v.Guid
	case psvalue.KindChar:
		return v.Char
	case psvalue.KindNil:
		return nil
	case psvalue.KindBytes:
		return v.Bytes
	case psvalue.KindVersion:
		return v.Version
	case psvalue.KindDateTime:
		return v.DateTime
	case psvalue.KindComplex:
		return fromComplex(v.Complex)
	default:
		return nil
	}
}

func fromComplex(c *psvalue.Complex) interface{} {
	if c == nil {
		return nil
	}

	switch c.Container {
	case psvalue.ContainerList, psvalue.ContainerStack, psvalue.ContainerQueue:
		items := make([]interface{}, len(c.Items))
		for i, it := range c.Items {
			items[i] = fromValue(it)
		}
		return items
	case psvalue.ContainerDictionary:
		m := make(map[string]interface{}, len(c.Entries))
		for _, e := range c.Entries {
			m[fmt.Sprintf("%v", fromValue(e.Key))] = fromValue(e.Value)
		}
		return m
	}

	if c.HasEnum && len(c.Adapted) == 0 && len(c.Extended) == 0 {
		return c.EnumValue
	}

	props := make(map[string]interface{}, len(c.Adapted)+len(c.Extended))
	for _, p := range c.Adapted {
		props[p.Name] = fromValue(p.Value)
	}
	for _, p := range c.Extended {
		if _, exists := props[p.Name]; !exists {
			props[p.Name] = fromValue(p.Value)
		}
	}

	if len(props) == 0 && c.ToString != "" {
		return c.ToString
	}

	return &PSObject{
		TypeNames:  c.TypeNames,
		ToString:   c.ToString,
		Properties: props,
	}
}
