package serialization

import (
	"bytes"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/halvarsen/go-psrp/psrpcore/psvalue"
)

const objsHeader = `<Objs Version="1.1.0.1" xmlns="http://schemas.microsoft.com/powershell/2004/04">`
const objsFooter = `</Objs>`

// Serializer encodes plain Go values as a PSRP message payload: a CLIXML
// <Objs> envelope wrapping one serialized value per call to Serialize.
type Serializer struct {
	ps *psvalue.Serializer
}

// NewSerializer returns a Serializer with a fresh RefId/TNRef numbering
// space, matching the scope of a single PSRP message payload.
func NewSerializer() *Serializer {
	return &Serializer{ps: psvalue.NewSerializer()}
}

// Serialize encodes v as a complete, <Objs>-wrapped PSRP message payload.
func (s *Serializer) Serialize(v interface{}) ([]byte, error) {
	val, err := toValue(reflect.ValueOf(v))
	if err != nil {
		return nil, err
	}
	body, err := s.ps.Marshal(val)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteString(objsHeader)
	buf.Write(body)
	buf.WriteString(objsFooter)
	return buf.Bytes(), nil
}

func toValue(rv reflect.Value) (*psvalue.Value, error) {
	if !rv.IsValid() {
		return psvalue.NewNil(), nil
	}

	switch x := rv.Interface().(type) {
	case psvalue.Value:
		return &x, nil
	case *psvalue.Value:
		return x, nil
	case uuid.UUID:
		return psvalue.NewGuid(x), nil
	case time.Time:
		return psvalue.NewDateTime(x), nil
	case []byte:
		return psvalue.NewBytes(x), nil
	}

	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return psvalue.NewNil(), nil
		}
		return toValue(rv.Elem())
	case reflect.String:
		return psvalue.NewString(rv.String()), nil
	case reflect.Bool:
		return psvalue.NewBool(rv.Bool()), nil
	case reflect.Int32:
		return psvalue.NewI32(int32(rv.Int())), nil
	case reflect.Int, reflect.Int64, reflect.Int16, reflect.Int8:
		return psvalue.NewI64(rv.Int()), nil
	case reflect.Uint32:
		return psvalue.NewU32(uint32(rv.Uint())), nil
	case reflect.Uint, reflect.Uint64, reflect.Uint16, reflect.Uint8:
		return psvalue.NewU64(rv.Uint()), nil
	case reflect.Slice, reflect.Array:
		items := make([]*psvalue.Value, rv.Len())
		for i := range items {
			item, err := toValue(rv.Index(i))
			if err != nil {
				return nil, err
			}
			items[i] = item
		}
		return psvalue.NewList(items...), nil
	case reflect.Map:
		entries := make([]psvalue.DictEntry, 0, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			key, err := toValue(iter.Key())
			if err != nil {
				return nil, err
			}
			val, err := toValue(iter.Value())
			if err != nil {
				return nil, err
			}
			entries = append(entries, psvalue.DictEntry{Key: key, Value: val})
		}
		return psvalue.NewDictionary(entries...), nil
	default:
		return nil, fmt.Errorf("serialization: unsupported Go type %s", rv.Type())
	}
}
