package host

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// ElementType of a tensor value, numbered as ONNX TensorProto.DataType.
type ElementType int32

const (
	Undefined ElementType = 0
	Float     ElementType = 1
	Uint8     ElementType = 2
	Int8      ElementType = 3
	Uint16    ElementType = 4
	Int16     ElementType = 5
	Int32     ElementType = 6
	Int64     ElementType = 7
	String    ElementType = 8
	Bool      ElementType = 9
	Float16   ElementType = 10
	Double    ElementType = 11
	Uint32    ElementType = 12
	Uint64    ElementType = 13
	BFloat16  ElementType = 16
)

var elementTypeNames = map[ElementType]string{
	Undefined: "UNDEFINED",
	Float:     "FLOAT",
	Uint8:     "UINT8",
	Int8:      "INT8",
	Uint16:    "UINT16",
	Int16:     "INT16",
	Int32:     "INT32",
	Int64:     "INT64",
	String:    "STRING",
	Bool:      "BOOL",
	Float16:   "FLOAT16",
	Double:    "DOUBLE",
	Uint32:    "UINT32",
	Uint64:    "UINT64",
	BFloat16:  "BFLOAT16",
}

// String implements fmt.Stringer.
func (t ElementType) String() string {
	if name, found := elementTypeNames[t]; found {
		return name
	}
	return fmt.Sprintf("ElementType(%d)", int32(t))
}

// Size in bytes of one element, or 0 for types without a fixed size (STRING, UNDEFINED).
func (t ElementType) Size() int {
	switch t {
	case Uint8, Int8, Bool:
		return 1
	case Uint16, Int16, Float16, BFloat16:
		return 2
	case Float, Int32, Uint32:
		return 4
	case Double, Int64, Uint64:
		return 8
	default:
		return 0
	}
}

// IsFloat returns whether t is one of the floating point types.
func (t ElementType) IsFloat() bool {
	return t == Float || t == Float16 || t == BFloat16 || t == Double
}

// DType converts the element type to the corresponding GoMLX data type.
func (t ElementType) DType() (dtypes.DType, error) {
	switch t {
	case Float:
		return dtypes.Float32, nil
	case Float16:
		return dtypes.Float16, nil
	case BFloat16:
		return dtypes.BFloat16, nil
	case Double:
		return dtypes.Float64, nil
	case Int32:
		return dtypes.Int32, nil
	case Int64:
		return dtypes.Int64, nil
	case Uint8:
		return dtypes.Uint8, nil
	case Int8:
		return dtypes.Int8, nil
	case Int16:
		return dtypes.Int16, nil
	case Uint16:
		return dtypes.Uint16, nil
	case Uint32:
		return dtypes.Uint32, nil
	case Uint64:
		return dtypes.Uint64, nil
	case Bool:
		return dtypes.Bool, nil
	default:
		return dtypes.InvalidDType, errors.Errorf("unsupported/unknown element type %s", t)
	}
}
