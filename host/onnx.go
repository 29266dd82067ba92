package host

import (
	"encoding/binary"
	"math"
	"path/filepath"
	"slices"

	"github.com/pkg/errors"
	"golang.org/x/exp/mmap"
	"google.golang.org/protobuf/encoding/protowire"
)

// Model is a parsed ONNX model: metadata plus its main graph.
type Model struct {
	IRVersion       int64
	ProducerName    string
	ProducerVersion string
	DocString       string
	OperatorSets    []OperatorSetID
	Graph           *GraphDef
}

// OperatorSetID identifies the version of an operator domain used by a model.
type OperatorSetID struct {
	Domain  string
	Version int64
}

// Field numbers from onnx.proto.
const (
	modelIRVersion       protowire.Number = 1
	modelProducerName    protowire.Number = 2
	modelProducerVersion protowire.Number = 3
	modelDocString       protowire.Number = 6
	modelGraph           protowire.Number = 7
	modelOpsetImport     protowire.Number = 8

	opsetDomain  protowire.Number = 1
	opsetVersion protowire.Number = 2

	graphNode        protowire.Number = 1
	graphName        protowire.Number = 2
	graphInitializer protowire.Number = 5
	graphInput       protowire.Number = 11
	graphOutput      protowire.Number = 12
	graphValueInfo   protowire.Number = 13

	nodeInput     protowire.Number = 1
	nodeOutput    protowire.Number = 2
	nodeName      protowire.Number = 3
	nodeOpType    protowire.Number = 4
	nodeAttribute protowire.Number = 5
	nodeDomain    protowire.Number = 7

	attrName    protowire.Number = 1
	attrF       protowire.Number = 2
	attrI       protowire.Number = 3
	attrS       protowire.Number = 4
	attrT       protowire.Number = 5
	attrFloats  protowire.Number = 7
	attrInts    protowire.Number = 8
	attrStrings protowire.Number = 9
	attrType    protowire.Number = 20

	valueInfoName protowire.Number = 1
	valueInfoType protowire.Number = 2

	typeTensorType   protowire.Number = 1
	tensorTypeElem   protowire.Number = 1
	tensorTypeShape  protowire.Number = 2
	shapeDim         protowire.Number = 1
	dimValue         protowire.Number = 1
	dimParam         protowire.Number = 2
	tensorDims       protowire.Number = 1
	tensorDataType   protowire.Number = 2
	tensorFloatData  protowire.Number = 4
	tensorInt32Data  protowire.Number = 5
	tensorInt64Data  protowire.Number = 7
	tensorName       protowire.Number = 8
	tensorRawData    protowire.Number = 9
	tensorExternal   protowire.Number = 13
	tensorDataLocate protowire.Number = 14

	stringEntryKey   protowire.Number = 1
	stringEntryValue protowire.Number = 2
)

// dataLocationExternal is the TensorProto.DataLocation of tensors stored in external files.
const dataLocationExternal = 1

// Parse parses a serialized ONNX ModelProto. Tensors with external data are not supported, use ReadFile for those.
func Parse(contents []byte) (*Model, error) {
	return parseModel(contents, nil)
}

func parseModel(contents []byte, external *externalDataReader) (*Model, error) {
	m := &Model{}
	var graphBytes []byte
	err := walkFields(contents, func(f *wireField) error {
		switch f.num {
		case modelIRVersion:
			m.IRVersion = int64(f.varint)
		case modelProducerName:
			m.ProducerName = string(f.bytes)
		case modelProducerVersion:
			m.ProducerVersion = string(f.bytes)
		case modelDocString:
			m.DocString = string(f.bytes)
		case modelGraph:
			graphBytes = f.bytes
		case modelOpsetImport:
			var opset OperatorSetID
			err := walkFields(f.bytes, func(f *wireField) error {
				switch f.num {
				case opsetDomain:
					opset.Domain = string(f.bytes)
				case opsetVersion:
					opset.Version = int64(f.varint)
				}
				return nil
			})
			if err != nil {
				return err
			}
			m.OperatorSets = append(m.OperatorSets, opset)
		}
		return nil
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to parse ONNX model proto")
	}
	if graphBytes == nil {
		return nil, errors.New("ONNX model has no graph")
	}
	m.Graph, err = parseGraph(graphBytes, external)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to parse ONNX graph proto")
	}
	return m, nil
}

// ReadFile memory-maps and parses an ONNX model file. External tensor data is read from files
// relative to the model's directory.
func ReadFile(filePath string) (*Model, error) {
	reader, err := mmap.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to mmap ONNX model file %q", filePath)
	}
	defer func() { _ = reader.Close() }()

	// Parsed tensors keep references to the contents, so they can't point to the mapped region.
	contents := make([]byte, reader.Len())
	if _, err := reader.ReadAt(contents, 0); err != nil {
		return nil, errors.Wrapf(err, "failed to read ONNX model file %q", filePath)
	}
	external := newExternalDataReader(filepath.Dir(filePath))
	defer func() { _ = external.Close() }()
	return parseModel(contents, external)
}

type parsedNode struct {
	name, opType, domain string
	inputs, outputs      []string
	attributes           []*Attribute
}

func parseGraph(b []byte, external *externalDataReader) (*GraphDef, error) {
	var (
		name                   string
		nodes                  []*parsedNode
		inputs, outputs, infos []*ValueInfo
		initializerNames       []string
		initializers           = make(map[string]*Tensor)
	)
	err := walkFields(b, func(f *wireField) error {
		switch f.num {
		case graphName:
			name = string(f.bytes)
		case graphNode:
			node, err := parseNode(f.bytes)
			if err != nil {
				return err
			}
			nodes = append(nodes, node)
		case graphInitializer:
			tensorName, t, err := parseTensor(f.bytes, external)
			if err != nil {
				return errors.WithMessagef(err, "initializer %q", tensorName)
			}
			initializerNames = append(initializerNames, tensorName)
			initializers[tensorName] = t
		case graphInput, graphOutput, graphValueInfo:
			vi, err := parseValueInfo(f.bytes)
			if err != nil {
				return err
			}
			switch f.num {
			case graphInput:
				inputs = append(inputs, vi)
			case graphOutput:
				outputs = append(outputs, vi)
			default:
				infos = append(infos, vi)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	g := NewGraph(name)
	for _, tensorName := range initializerNames {
		g.AddInitializer(tensorName, initializers[tensorName])
	}
	for _, vi := range infos {
		g.SetValueInfo(vi)
	}
	for _, vi := range inputs {
		// Older IR versions list initializers also as graph inputs.
		if _, isInitializer := initializers[vi.Name]; isInitializer {
			continue
		}
		g.AddInput(vi)
	}
	for _, vi := range outputs {
		g.AddOutput(vi)
	}
	for _, node := range nodes {
		g.AddNode(node.opType, node.name, node.inputs, node.outputs, node.attributes...).SetDomain(node.domain)
	}
	return g, nil
}

func parseNode(b []byte) (*parsedNode, error) {
	node := &parsedNode{}
	err := walkFields(b, func(f *wireField) error {
		switch f.num {
		case nodeInput:
			node.inputs = append(node.inputs, string(f.bytes))
		case nodeOutput:
			node.outputs = append(node.outputs, string(f.bytes))
		case nodeName:
			node.name = string(f.bytes)
		case nodeOpType:
			node.opType = string(f.bytes)
		case nodeDomain:
			node.domain = string(f.bytes)
		case nodeAttribute:
			attr, err := parseAttribute(f.bytes)
			if err != nil {
				return err
			}
			node.attributes = append(node.attributes, attr)
		}
		return nil
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "node %q (%s)", node.name, node.opType)
	}
	return node, nil
}

func parseAttribute(b []byte) (*Attribute, error) {
	attr := &Attribute{}
	err := walkFields(b, func(f *wireField) error {
		switch f.num {
		case attrName:
			attr.Name = string(f.bytes)
		case attrType:
			attr.Type = AttributeType(f.varint)
		case attrF:
			attr.F = math.Float32frombits(f.fixed32)
		case attrI:
			attr.I = int64(f.varint)
		case attrS:
			attr.S = string(f.bytes)
		case attrT:
			_, t, err := parseTensor(f.bytes, nil)
			if err != nil {
				return err
			}
			attr.T = t
		case attrFloats:
			values, err := f.float32s()
			if err != nil {
				return err
			}
			attr.Floats = append(attr.Floats, values...)
		case attrInts:
			values, err := f.int64s()
			if err != nil {
				return err
			}
			attr.Ints = append(attr.Ints, values...)
		case attrStrings:
			attr.Strings = append(attr.Strings, string(f.bytes))
		}
		return nil
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "attribute %q", attr.Name)
	}
	if attr.Type == AttrUndefined {
		// Very old producers don't set the type: infer it from the field set.
		switch {
		case attr.Ints != nil:
			attr.Type = AttrInts
		case attr.Floats != nil:
			attr.Type = AttrFloats
		case attr.Strings != nil:
			attr.Type = AttrStrings
		case attr.T != nil:
			attr.Type = AttrTensor
		case attr.S != "":
			attr.Type = AttrString
		case attr.F != 0:
			attr.Type = AttrFloat
		default:
			attr.Type = AttrInt
		}
	}
	return attr, nil
}

func parseValueInfo(b []byte) (*ValueInfo, error) {
	vi := &ValueInfo{}
	err := walkFields(b, func(f *wireField) error {
		switch f.num {
		case valueInfoName:
			vi.Name = string(f.bytes)
		case valueInfoType:
			return walkFields(f.bytes, func(f *wireField) error {
				if f.num != typeTensorType {
					return errors.New("only tensor types are supported")
				}
				return walkFields(f.bytes, func(f *wireField) error {
					switch f.num {
					case tensorTypeElem:
						vi.ElemType = ElementType(f.varint)
					case tensorTypeShape:
						vi.HasShape = true
						vi.Dims = []int64{}
						return walkFields(f.bytes, func(f *wireField) error {
							if f.num != shapeDim {
								return nil
							}
							dim := int64(-1)
							err := walkFields(f.bytes, func(f *wireField) error {
								if f.num == dimValue {
									dim = int64(f.varint)
								}
								return nil
							})
							vi.Dims = append(vi.Dims, dim)
							return err
						})
					}
					return nil
				})
			})
		}
		return nil
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "value %q", vi.Name)
	}
	return vi, nil
}

func parseTensor(b []byte, external *externalDataReader) (name string, t *Tensor, err error) {
	t = &Tensor{Device: CPUDevice, Dims: []int64{}}
	var (
		rawData    []byte
		hasRawData bool
		floatData  []float32
		int32Data  []int64
		int64Data  []int64
		isExternal bool
		info       externalDataInfo
	)
	err = walkFields(b, func(f *wireField) error {
		var err error
		var values []int64
		switch f.num {
		case tensorName:
			name = string(f.bytes)
		case tensorDims:
			values, err = f.int64s()
			t.Dims = append(t.Dims, values...)
		case tensorDataType:
			t.ElemType = ElementType(f.varint)
		case tensorRawData:
			rawData, hasRawData = f.bytes, true
		case tensorFloatData:
			var floats []float32
			floats, err = f.float32s()
			floatData = append(floatData, floats...)
		case tensorInt32Data:
			values, err = f.int64s()
			int32Data = append(int32Data, values...)
		case tensorInt64Data:
			values, err = f.int64s()
			int64Data = append(int64Data, values...)
		case tensorExternal:
			var key, value string
			err = walkFields(f.bytes, func(entry *wireField) error {
				switch entry.num {
				case stringEntryKey:
					key = string(entry.bytes)
				case stringEntryValue:
					value = string(entry.bytes)
				}
				return nil
			})
			if err == nil {
				err = info.set(key, value)
			}
		case tensorDataLocate:
			isExternal = f.varint == dataLocationExternal
		}
		return err
	})
	if err != nil {
		return
	}
	size := t.ElemType.Size()
	if size == 0 {
		err = errors.Errorf("tensor %q has unsupported element type %s", name, t.ElemType)
		return
	}
	numElements := t.NumElements()
	t.Data = make([]byte, numElements*int64(size))
	if isExternal {
		if external == nil {
			err = errors.Errorf("tensor %q uses external data, which requires reading the model with ReadFile", name)
			return
		}
		err = errors.WithMessagef(external.readInto(&info, t.Data), "tensor %q", name)
		return
	}
	switch {
	case hasRawData:
		if len(rawData) != len(t.Data) {
			err = errors.Errorf("tensor %q (%s)%v has %d bytes of raw data, expected %d",
				name, t.ElemType, t.Dims, len(rawData), len(t.Data))
			return
		}
		copy(t.Data, rawData)
	case floatData != nil:
		err = checkDataLen(name, t, len(floatData), Float)
		if err == nil {
			err = t.SetFloat32s(floatData)
		}
	case int64Data != nil:
		err = checkDataLen(name, t, len(int64Data), Int64)
		if err == nil {
			for ii, v := range int64Data {
				binary.LittleEndian.PutUint64(t.Data[8*ii:], uint64(v))
			}
		}
	case int32Data != nil:
		if int64(len(int32Data)) != numElements {
			err = errors.Errorf("tensor %q has %d values, expected %d", name, len(int32Data), numElements)
			return
		}
		// int32_data holds INT32 and all narrower types, FLOAT16 as its bit pattern.
		for ii, v := range int32Data {
			switch size {
			case 1:
				t.Data[ii] = byte(v)
			case 2:
				binary.LittleEndian.PutUint16(t.Data[2*ii:], uint16(v))
			case 4:
				binary.LittleEndian.PutUint32(t.Data[4*ii:], uint32(v))
			default:
				err = errors.Errorf("tensor %q of type %s can't use int32_data", name, t.ElemType)
				return
			}
		}
	case numElements > 0:
		err = errors.Errorf("tensor %q has no data", name)
	}
	return
}

func checkDataLen(name string, t *Tensor, n int, expected ElementType) error {
	if t.ElemType != expected {
		return errors.Errorf("tensor %q of type %s has data for %s", name, t.ElemType, expected)
	}
	if int64(n) != t.NumElements() {
		return errors.Errorf("tensor %q has %d values, expected %d", name, n, t.NumElements())
	}
	return nil
}

// Marshal serializes the model as an ONNX ModelProto. Tensors are written as raw data.
func (m *Model) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, modelIRVersion, m.IRVersion)
	b = appendStringField(b, modelProducerName, m.ProducerName)
	b = appendStringField(b, modelProducerVersion, m.ProducerVersion)
	b = appendStringField(b, modelDocString, m.DocString)
	if m.Graph != nil {
		b = appendBytesField(b, modelGraph, marshalGraph(m.Graph))
	}
	for _, opset := range m.OperatorSets {
		var ob []byte
		ob = appendStringField(ob, opsetDomain, opset.Domain)
		ob = appendVarintField(ob, opsetVersion, opset.Version)
		b = appendBytesField(b, modelOpsetImport, ob)
	}
	return b
}

func marshalGraph(g *GraphDef) []byte {
	var b []byte
	for _, node := range g.nodes {
		var nb []byte
		for _, input := range node.inputs {
			nb = protowire.AppendTag(nb, nodeInput, protowire.BytesType)
			nb = protowire.AppendString(nb, input)
		}
		for _, output := range node.outputs {
			nb = appendStringField(nb, nodeOutput, output)
		}
		nb = appendStringField(nb, nodeName, node.name)
		nb = appendStringField(nb, nodeOpType, node.opType)
		for _, attr := range node.attributes {
			nb = appendBytesField(nb, nodeAttribute, marshalAttribute(attr))
		}
		nb = appendStringField(nb, nodeDomain, node.domain)
		b = appendBytesField(b, graphNode, nb)
	}
	b = appendStringField(b, graphName, g.name)
	for _, name := range g.InitializerNames() {
		b = appendBytesField(b, graphInitializer, marshalTensor(name, g.initializers[name]))
	}
	for _, vi := range g.Inputs() {
		b = appendBytesField(b, graphInput, marshalValueInfo(vi))
	}
	for _, vi := range g.Outputs() {
		b = appendBytesField(b, graphOutput, marshalValueInfo(vi))
	}
	declared := slices.Concat(g.inputs, g.outputs, g.InitializerNames())
	for _, node := range g.nodes {
		for _, name := range node.outputs {
			if vi := g.valueInfos[name]; vi != nil && !slices.Contains(declared, name) {
				b = appendBytesField(b, graphValueInfo, marshalValueInfo(vi))
			}
		}
	}
	return b
}

func marshalAttribute(attr *Attribute) []byte {
	var b []byte
	b = appendStringField(b, attrName, attr.Name)
	switch attr.Type {
	case AttrFloat:
		b = protowire.AppendTag(b, attrF, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(attr.F))
	case AttrInt:
		b = appendVarintField(b, attrI, attr.I)
	case AttrString:
		b = appendBytesField(b, attrS, []byte(attr.S))
	case AttrTensor:
		b = appendBytesField(b, attrT, marshalTensor("", attr.T))
	case AttrFloats:
		b = appendPackedFloat32s(b, attrFloats, attr.Floats)
	case AttrInts:
		b = appendPackedInt64s(b, attrInts, attr.Ints)
	case AttrStrings:
		for _, s := range attr.Strings {
			b = appendBytesField(b, attrStrings, []byte(s))
		}
	}
	return appendVarintField(b, attrType, int64(attr.Type))
}

func marshalValueInfo(vi *ValueInfo) []byte {
	var tb []byte
	tb = appendVarintField(tb, tensorTypeElem, int64(vi.ElemType))
	if vi.HasShape {
		var sb []byte
		for _, dim := range vi.Dims {
			var db []byte
			if dim >= 0 {
				db = appendVarintField(db, dimValue, dim)
			} else {
				db = appendStringField(db, dimParam, "?")
			}
			sb = appendBytesField(sb, shapeDim, db)
		}
		tb = appendBytesField(tb, tensorTypeShape, sb)
	}
	var b []byte
	b = appendStringField(b, valueInfoName, vi.Name)
	return appendBytesField(b, valueInfoType, appendBytesField(nil, typeTensorType, tb))
}

func marshalTensor(name string, t *Tensor) []byte {
	var b []byte
	b = appendPackedInt64s(b, tensorDims, t.Dims)
	b = appendVarintField(b, tensorDataType, int64(t.ElemType))
	b = appendStringField(b, tensorName, name)
	return appendBytesField(b, tensorRawData, t.Data)
}
