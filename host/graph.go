// Package host defines the boundary with the host tensor-graph engine: its graph IR, node attributes,
// tensors and memory devices, and the per-call kernel context handed to compiled kernels.
//
//   - Graph, Node: read-only views of a host graph consumed by execution providers.
//   - GraphDef: an in-memory Graph, built programmatically or with Parse/ReadFile from an ONNX model.
//   - Tensor: a dense tensor in host or device memory.
//   - KernelContext: what a compiled kernel sees when it is invoked.
package host

import (
	"slices"

	"github.com/pkg/errors"
)

// ValueInfo describes a tensor value of the graph: its name, element type and (optional) shape.
type ValueInfo struct {
	Name     string
	ElemType ElementType

	// Dims of the value. Negative dimensions are symbolic (unknown until runtime).
	// Only meaningful if HasShape is true.
	Dims     []int64
	HasShape bool
}

// NewValueInfo returns a ValueInfo with a known shape.
func NewValueInfo(name string, elemType ElementType, dims ...int64) *ValueInfo {
	return &ValueInfo{Name: name, ElemType: elemType, Dims: slices.Clone(dims), HasShape: true}
}

// StaticShape returns the dimensions of the value if its shape is known and fully static.
func (v *ValueInfo) StaticShape() ([]int64, bool) {
	if v == nil || !v.HasShape {
		return nil, false
	}
	for _, dim := range v.Dims {
		if dim < 0 {
			return nil, false
		}
	}
	return v.Dims, true
}

// Node is an operator instance of a host graph. It is immutable and owned by the graph.
type Node interface {
	Name() string
	OpType() string
	Domain() string

	// Inputs in declaration order. Omitted optional inputs are not listed.
	Inputs() []*ValueInfo
	Outputs() []*ValueInfo

	// Attribute returns the named attribute or nil if it is not set.
	Attribute(name string) *Attribute
}

// Graph is a read-only view of a host graph: ordered inputs, outputs and nodes.
type Graph interface {
	Name() string
	Inputs() []*ValueInfo
	Outputs() []*ValueInfo
	Nodes() []Node
}

// GraphDef is an in-memory Graph.
//
// Values are referenced by name: every name used by a node must have its ValueInfo
// registered (as an input, initializer, output or with SetValueInfo) before Nodes is called.
type GraphDef struct {
	name         string
	inputs       []string
	outputs      []string
	nodes        []*GraphNode
	valueInfos   map[string]*ValueInfo
	initializers map[string]*Tensor
}

var _ Graph = (*GraphDef)(nil)

// NewGraph creates an empty GraphDef.
func NewGraph(name string) *GraphDef {
	return &GraphDef{
		name:         name,
		valueInfos:   make(map[string]*ValueInfo),
		initializers: make(map[string]*Tensor),
	}
}

// Name implements Graph.
func (g *GraphDef) Name() string { return g.name }

// SetValueInfo registers (or replaces) the description of a value.
func (g *GraphDef) SetValueInfo(vi *ValueInfo) *GraphDef {
	g.valueInfos[vi.Name] = vi
	return g
}

// ValueInfo returns the registered description of the named value, or nil.
func (g *GraphDef) ValueInfo(name string) *ValueInfo {
	return g.valueInfos[name]
}

// AddInput declares a graph input.
func (g *GraphDef) AddInput(vi *ValueInfo) *GraphDef {
	g.SetValueInfo(vi)
	g.inputs = append(g.inputs, vi.Name)
	return g
}

// AddOutput declares a graph output.
func (g *GraphDef) AddOutput(vi *ValueInfo) *GraphDef {
	g.SetValueInfo(vi)
	g.outputs = append(g.outputs, vi.Name)
	return g
}

// AddInitializer adds a constant value to the graph. Initializers are not graph inputs.
func (g *GraphDef) AddInitializer(name string, t *Tensor) *GraphDef {
	g.SetValueInfo(NewValueInfo(name, t.ElemType, t.Dims...))
	g.initializers[name] = t
	return g
}

// Initializer returns the constant value with the given name, or nil.
func (g *GraphDef) Initializer(name string) *Tensor {
	return g.initializers[name]
}

// InitializerNames returns the sorted names of the initializers.
func (g *GraphDef) InitializerNames() []string {
	names := make([]string, 0, len(g.initializers))
	for name := range g.initializers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// AddNode appends a node to the graph and returns it. Empty input names denote omitted optional inputs.
func (g *GraphDef) AddNode(opType, name string, inputs, outputs []string, attrs ...*Attribute) *GraphNode {
	node := &GraphNode{
		graph:      g,
		name:       name,
		opType:     opType,
		inputs:     slices.Clone(inputs),
		outputs:    slices.Clone(outputs),
		attributes: attrs,
	}
	g.nodes = append(g.nodes, node)
	return node
}

// Inputs implements Graph.
func (g *GraphDef) Inputs() []*ValueInfo { return g.lookup(g.inputs) }

// Outputs implements Graph.
func (g *GraphDef) Outputs() []*ValueInfo { return g.lookup(g.outputs) }

// Nodes implements Graph.
func (g *GraphDef) Nodes() []Node {
	nodes := make([]Node, len(g.nodes))
	for ii, node := range g.nodes {
		nodes[ii] = node
	}
	return nodes
}

// lookup returns the value infos for the given names. Unknown names get a ValueInfo with unknown type and shape.
func (g *GraphDef) lookup(names []string) []*ValueInfo {
	infos := make([]*ValueInfo, 0, len(names))
	for _, name := range names {
		if name == "" {
			continue
		}
		vi, found := g.valueInfos[name]
		if !found {
			vi = &ValueInfo{Name: name}
		}
		infos = append(infos, vi)
	}
	return infos
}

// Check verifies that all values used by the nodes are described and that node names are unique.
func (g *GraphDef) Check() error {
	nodeNames := make(map[string]bool, len(g.nodes))
	for _, node := range g.nodes {
		if node.name != "" {
			if nodeNames[node.name] {
				return errors.Errorf("graph %q has duplicate node name %q", g.name, node.name)
			}
			nodeNames[node.name] = true
		}
		for _, name := range slices.Concat(node.inputs, node.outputs) {
			if name == "" {
				continue
			}
			if _, found := g.valueInfos[name]; !found {
				return errors.Errorf("graph %q: value %q used by node %q (%s) has no type information",
					g.name, name, node.name, node.opType)
			}
		}
	}
	for _, name := range g.outputs {
		if _, found := g.valueInfos[name]; !found {
			return errors.Errorf("graph %q: output %q has no type information", g.name, name)
		}
	}
	return nil
}

// NodeSubgraph returns a new graph containing only node: its inputs are the node's inputs
// (initializers included) and its outputs are the node's outputs.
func (g *GraphDef) NodeSubgraph(node Node, name string) *GraphDef {
	sub := NewGraph(name)
	for _, vi := range node.Inputs() {
		sub.AddInput(vi)
	}
	for _, vi := range node.Outputs() {
		sub.AddOutput(vi)
	}
	var attrs []*Attribute
	var inputNames, outputNames []string
	if gn, ok := node.(*GraphNode); ok {
		attrs = gn.attributes
		inputNames, outputNames = gn.inputs, gn.outputs
	} else {
		for _, vi := range node.Inputs() {
			inputNames = append(inputNames, vi.Name)
		}
		for _, vi := range node.Outputs() {
			outputNames = append(outputNames, vi.Name)
		}
	}
	sub.nodes = append(sub.nodes, &GraphNode{
		graph:      sub,
		name:       node.Name(),
		opType:     node.OpType(),
		domain:     node.Domain(),
		inputs:     slices.Clone(inputNames),
		outputs:    slices.Clone(outputNames),
		attributes: attrs,
		wrapped:    node,
	})
	return sub
}

// GraphNode is the Node implementation of GraphDef.
type GraphNode struct {
	graph           *GraphDef
	name, opType    string
	domain          string
	inputs, outputs []string
	attributes      []*Attribute

	// wrapped is set for nodes copied from a foreign Node implementation into a subgraph.
	wrapped Node
}

var _ Node = (*GraphNode)(nil)

// Name implements Node.
func (n *GraphNode) Name() string { return n.name }

// OpType implements Node.
func (n *GraphNode) OpType() string { return n.opType }

// Domain implements Node.
func (n *GraphNode) Domain() string { return n.domain }

// SetDomain sets the operator domain, "" being the default ONNX domain.
func (n *GraphNode) SetDomain(domain string) *GraphNode {
	n.domain = domain
	return n
}

// InputNames returns the names of the node inputs, including empty names of omitted optional inputs.
func (n *GraphNode) InputNames() []string { return n.inputs }

// OutputNames returns the names of the node outputs.
func (n *GraphNode) OutputNames() []string { return n.outputs }

// Inputs implements Node.
func (n *GraphNode) Inputs() []*ValueInfo { return n.graph.lookup(n.inputs) }

// Outputs implements Node.
func (n *GraphNode) Outputs() []*ValueInfo { return n.graph.lookup(n.outputs) }

// Attribute implements Node.
func (n *GraphNode) Attribute(name string) *Attribute {
	if n.wrapped != nil {
		return n.wrapped.Attribute(name)
	}
	for _, attr := range n.attributes {
		if attr.Name == name {
			return attr
		}
	}
	return nil
}

// Attributes returns all attributes of the node.
func (n *GraphNode) Attributes() []*Attribute { return n.attributes }
