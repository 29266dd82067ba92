package ep

import (
	"slices"

	"github.com/gomlx/dnn-ep/host"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// supportRule checks whether a node can be claimed by the provider.
// It returns nil if the node is supported, or the reason it is not.
// It may panic (e.g. on a malformed attribute): the node is then not supported.
type supportRule func(node host.Node) error

// supportRules per ONNX op type. Op types not listed are never supported.
var supportRules = map[string]supportRule{
	"Conv": convSupported,
}

// IsSupported returns whether the provider can compile node.
// It never panics: any failure while inspecting the node means it is not supported.
func IsSupported(node host.Node) bool {
	return CheckSupport(node) == nil
}

// CheckSupport returns nil if the provider can compile node, or an error describing why not.
func CheckSupport(node host.Node) error {
	var reason error
	err := exceptions.TryCatch[error](func() {
		if domain := node.Domain(); domain != "" && domain != "ai.onnx" {
			reason = errors.Errorf("domain %q not supported", domain)
			return
		}
		rule, found := supportRules[node.OpType()]
		if !found {
			reason = errors.Errorf("op type %q not supported", node.OpType())
			return
		}
		reason = rule(node)
	})
	if err != nil {
		return errors.WithMessagef(err, "failed to inspect node %q", node.Name())
	}
	return reason
}

// convSupported claims a 2D Conv over FLOAT or FLOAT16 with static shapes, explicit padding,
// a single group and unit dilations.
func convSupported(node host.Node) error {
	inputs, outputs := node.Inputs(), node.Outputs()
	if len(inputs) < 2 || len(inputs) > 3 || len(outputs) != 1 {
		return errors.Errorf("Conv with %d inputs and %d outputs", len(inputs), len(outputs))
	}

	elemType := inputs[0].ElemType
	if elemType != host.Float && elemType != host.Float16 {
		return errors.Errorf("Conv over %s not supported, only FLOAT and FLOAT16", elemType)
	}
	for _, vi := range slices.Concat(inputs[1:], outputs) {
		if vi.ElemType != elemType {
			return errors.Errorf("Conv value %q is %s, but X is %s", vi.Name, vi.ElemType, elemType)
		}
	}

	for _, vi := range inputs[:2] {
		dims, ok := vi.StaticShape()
		if !ok {
			return errors.Errorf("Conv value %q has no static shape", vi.Name)
		}
		if len(dims) != 4 {
			return errors.Errorf("Conv value %q has rank %d, only 2D convolutions (rank 4) are supported",
				vi.Name, len(dims))
		}
	}

	if autoPad := stringAttrOr(node, "auto_pad", "NOTSET"); autoPad != "NOTSET" {
		return errors.Errorf("Conv auto_pad=%q not supported", autoPad)
	}
	if group := intAttrOr(node, "group", 1); group != 1 {
		return errors.Errorf("Conv group=%d not supported", group)
	}
	dilations := intsAttrOr(node, "dilations", []int64{1, 1})
	if len(dilations) != 2 || dilations[0] != 1 || dilations[1] != 1 {
		return errors.Errorf("Conv dilations=%v not supported", dilations)
	}
	return nil
}
