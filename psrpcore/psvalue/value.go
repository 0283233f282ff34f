// Package psvalue implements the PSRP value model (MS-PSRP 2.2.5): the
// primitive/complex/container sum type carried inside every PSRP message
// payload, and its CLIXML-derived element serialization.
package psvalue

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the variant held by a Value.
type Kind int

const (
	KindString Kind = iota
	KindBool
	KindI32
	KindU32
	KindI64
	KindU64
	KindGuid
	KindChar
	KindNil
	KindBytes
	KindVersion
	KindDateTime
	KindComplex
)

// ContainerKind discriminates the collection shape of a Complex value.
type ContainerKind int

const (
	ContainerNone ContainerKind = iota
	ContainerStack
	ContainerQueue
	ContainerList
	ContainerDictionary
)

// Property is a named, optionally ref-tracked member of a Complex value's
// adapted (Props) or extended (MS) property set.
type Property struct {
	Name  string
	Value *Value
}

// DictEntry is one <En> pair inside a Complex value's Dictionary container.
type DictEntry struct {
	Key   *Value
	Value *Value
}

// Complex is an <Obj> element: zero or more type names, an optional
// ToString rendering, an optional enum ordinal, adapted/extended property
// sets, and at most one container payload.
type Complex struct {
	RefID     int
	TypeNames []string
	ToString  string
	HasEnum   bool
	EnumValue int32

	Adapted  []Property
	Extended []Property

	Container ContainerKind
	Items     []*Value
	Entries   []DictEntry
}

// Value is a PSRP value: either one of the twelve primitive kinds or a
// Complex object/container.
type Value struct {
	Kind Kind

	Str      string
	Bool     bool
	I32      int32
	U32      uint32
	I64      int64
	U64      uint64
	Guid     uuid.UUID
	Char     rune
	Bytes    []byte
	Version  string
	DateTime time.Time

	Complex *Complex
}

func NewString(s string) *Value  { return &Value{Kind: KindString, Str: s} }
func NewBool(b bool) *Value      { return &Value{Kind: KindBool, Bool: b} }
func NewI32(i int32) *Value      { return &Value{Kind: KindI32, I32: i} }
func NewU32(u uint32) *Value     { return &Value{Kind: KindU32, U32: u} }
func NewI64(i int64) *Value      { return &Value{Kind: KindI64, I64: i} }
func NewU64(u uint64) *Value     { return &Value{Kind: KindU64, U64: u} }
func NewGuid(g uuid.UUID) *Value { return &Value{Kind: KindGuid, Guid: g} }
func NewChar(c rune) *Value      { return &Value{Kind: KindChar, Char: c} }
func NewNil() *Value             { return &Value{Kind: KindNil} }
func NewBytes(b []byte) *Value   { return &Value{Kind: KindBytes, Bytes: b} }
func NewVersion(v string) *Value { return &Value{Kind: KindVersion, Version: v} }
func NewDateTime(t time.Time) *Value {
	return &Value{Kind: KindDateTime, DateTime: t}
}

// NewComplex wraps a Complex object into a Value.
func NewComplex(c *Complex) *Value {
	return &Value{Kind: KindComplex, Complex: c}
}

// NewObject builds the common case: a complex object with a type-name
// chain and an adapted property set, no container.
func NewObject(typeNames []string, props ...Property) *Value {
	return NewComplex(&Complex{TypeNames: typeNames, Adapted: props})
}

// NewEnum builds a complex object representing an enum value.
func NewEnum(typeNames []string, value int32, toString string) *Value {
	return NewComplex(&Complex{
		TypeNames: typeNames,
		ToString:  toString,
		HasEnum:   true,
		EnumValue: value,
	})
}

// NewList builds a <LST> container value.
func NewList(items ...*Value) *Value {
	return NewComplex(&Complex{Container: ContainerList, Items: items})
}

// NewStack builds a <Stack> container value.
func NewStack(items ...*Value) *Value {
	return NewComplex(&Complex{Container: ContainerStack, Items: items})
}

// NewQueue builds a <Queue> container value.
func NewQueue(items ...*Value) *Value {
	return NewComplex(&Complex{Container: ContainerQueue, Items: items})
}

// NewDictionary builds a <DCT> container value.
func NewDictionary(entries ...DictEntry) *Value {
	return NewComplex(&Complex{Container: ContainerDictionary, Entries: entries})
}

// AsString renders a Value the way PowerShell's ToString would, used for
// both the <ToString> element of complex objects and plain display.
func (v *Value) AsString() string {
	if v == nil {
		return ""
	}
	switch v.Kind {
	case KindString:
		return v.Str
	case KindBool:
		return fmt.Sprintf("%t", v.Bool)
	case KindI32:
		return fmt.Sprintf("%d", v.I32)
	case KindU32:
		return fmt.Sprintf("%d", v.U32)
	case KindI64:
		return fmt.Sprintf("%d", v.I64)
	case KindU64:
		return fmt.Sprintf("%d", v.U64)
	case KindGuid:
		return v.Guid.String()
	case KindChar:
		return string(v.Char)
	case KindNil:
		return ""
	case KindBytes:
		return "System.Byte[]"
	case KindVersion:
		return v.Version
	case KindDateTime:
		return v.DateTime.Format(time.RFC3339Nano)
	case KindComplex:
		if v.Complex != nil {
			return v.Complex.ToString
		}
		return ""
	default:
		return ""
	}
}

// Property looks up a named property in a complex value's adapted set
// first, then its extended set. Returns nil if absent or v is not complex.
func (v *Value) Property(name string) *Value {
	if v == nil || v.Kind != KindComplex || v.Complex == nil {
		return nil
	}
	for _, p := range v.Complex.Adapted {
		if p.Name == name {
			return p.Value
		}
	}
	for _, p := range v.Complex.Extended {
		if p.Name == name {
			return p.Value
		}
	}
	return nil
}
