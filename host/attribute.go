package host

import (
	"fmt"
	"slices"
)

// AttributeType of a node attribute, numbered as ONNX AttributeProto.AttributeType.
type AttributeType int32

const (
	AttrUndefined AttributeType = 0
	AttrFloat     AttributeType = 1
	AttrInt       AttributeType = 2
	AttrString    AttributeType = 3
	AttrTensor    AttributeType = 4
	AttrFloats    AttributeType = 6
	AttrInts      AttributeType = 7
	AttrStrings   AttributeType = 8
)

// String implements fmt.Stringer.
func (t AttributeType) String() string {
	switch t {
	case AttrUndefined:
		return "UNDEFINED"
	case AttrFloat:
		return "FLOAT"
	case AttrInt:
		return "INT"
	case AttrString:
		return "STRING"
	case AttrTensor:
		return "TENSOR"
	case AttrFloats:
		return "FLOATS"
	case AttrInts:
		return "INTS"
	case AttrStrings:
		return "STRINGS"
	}
	return fmt.Sprintf("AttributeType(%d)", int32(t))
}

// Attribute is a named node attribute. Only the field matching Type is meaningful.
type Attribute struct {
	Name string
	Type AttributeType

	F       float32
	I       int64
	S       string
	T       *Tensor
	Floats  []float32
	Ints    []int64
	Strings []string
}

// IntAttr creates an INT attribute.
func IntAttr(name string, value int64) *Attribute {
	return &Attribute{Name: name, Type: AttrInt, I: value}
}

// IntsAttr creates an INTS attribute.
func IntsAttr(name string, values ...int64) *Attribute {
	return &Attribute{Name: name, Type: AttrInts, Ints: slices.Clone(values)}
}

// FloatAttr creates a FLOAT attribute.
func FloatAttr(name string, value float32) *Attribute {
	return &Attribute{Name: name, Type: AttrFloat, F: value}
}

// StringAttr creates a STRING attribute.
func StringAttr(name, value string) *Attribute {
	return &Attribute{Name: name, Type: AttrString, S: value}
}

// String implements fmt.Stringer.
func (a *Attribute) String() string {
	var value any
	switch a.Type {
	case AttrFloat:
		value = a.F
	case AttrInt:
		value = a.I
	case AttrString:
		value = fmt.Sprintf("%q", a.S)
	case AttrTensor:
		value = a.T
	case AttrFloats:
		value = a.Floats
	case AttrInts:
		value = a.Ints
	case AttrStrings:
		value = a.Strings
	default:
		value = "?"
	}
	return fmt.Sprintf("%s=%v", a.Name, value)
}
