package host

import (
	"bytes"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/support/sets"
)

// String implements fmt.Stringer, and pretty prints model information.
func (m *Model) String() string {
	var buf bytes.Buffer
	w := func(format string, args ...any) {
		if len(args) == 0 {
			buf.WriteString(format)
		} else {
			buf.WriteString(fmt.Sprintf(format, args...))
		}
	}
	w("ONNX Model:\n")
	if m.DocString != "" {
		w("%s\n", m.DocString)
	}
	if m.ProducerName != "" {
		w("\tProducer:\t%s / %s\n", m.ProducerName, m.ProducerVersion)
	}
	w("\tIR Version:\t%d\n", m.IRVersion)
	w("\tOperator Sets:\t[")
	for ii, opSet := range m.OperatorSets {
		if ii > 0 {
			w(", ")
		}
		if opSet.Domain != "" {
			w("v%d (%s)", opSet.Version, opSet.Domain)
		} else {
			w("v%d", opSet.Version)
		}
	}
	w("]\n")
	if m.Graph != nil {
		buf.WriteString(GraphString(m.Graph))
	}
	return buf.String()
}

// GraphString pretty prints the inputs, outputs and nodes of a graph.
func GraphString(g Graph) string {
	var buf bytes.Buffer
	w := func(format string, args ...any) {
		buf.WriteString(fmt.Sprintf(format, args...))
	}
	nodes := g.Nodes()
	w("\tGraph %q:\n", g.Name())
	w("\t# nodes:\t%d\n", len(nodes))
	opTypesSet := sets.Make[string]()
	for _, n := range nodes {
		opTypesSet.Insert(n.OpType())
	}
	w("\tOp types:\t%#v\n", slices.Sorted(maps.Keys(opTypesSet)))
	w("\tInputs:\t[%s]\n", valueInfosString(g.Inputs()))
	w("\tOutputs:\t[%s]\n", valueInfosString(g.Outputs()))
	for _, n := range nodes {
		w("\t\t%s\n", NodeString(n))
	}
	return buf.String()
}

// NodeString returns a one-line description of the node.
func NodeString(n Node) string {
	var parts []string
	if gn, ok := n.(*GraphNode); ok {
		for _, attr := range gn.Attributes() {
			parts = append(parts, attr.String())
		}
	}
	return fmt.Sprintf("%s %q(%s) -> [%s] {%s}",
		n.OpType(), n.Name(), valueInfosString(n.Inputs()), valueInfosString(n.Outputs()), strings.Join(parts, ", "))
}

func valueInfosString(infos []*ValueInfo) string {
	parts := make([]string, len(infos))
	for ii, vi := range infos {
		parts[ii] = vi.String()
	}
	return strings.Join(parts, ", ")
}

// String implements fmt.Stringer.
func (v *ValueInfo) String() string {
	if !v.HasShape {
		return fmt.Sprintf("%s:(%s)[?]", v.Name, v.ElemType)
	}
	return fmt.Sprintf("%s:(%s)%v", v.Name, v.ElemType, v.Dims)
}
