// Package dnn is a declarative deep-learning graph library: tensors identified by UIDs are connected by operations,
// and the resulting graph is compiled through a fixed sequence of stages before it can be executed.
//
// The stages must be called in order, each one once:
//
//  1. Graph.Validate: checks tensors and operation parameters, infers missing output dimensions.
//  2. Graph.BuildOperationGraph: lowers the graph for a Handle (the device context).
//  3. Graph.CreateExecutionPlans: lists candidate engines with a heuristic.
//  4. Graph.CheckSupport: drops candidates that can't run this graph on this Handle.
//  5. Graph.BuildPlans: builds an executable plan with the first supported candidate.
//  6. Graph.WorkspaceSize: scratch memory required by Graph.Execute.
//
// After that Graph.Execute can be called any number of times with a VariantPack binding a buffer to
// the UID of every non-virtual tensor.
package dnn

import (
	"cmp"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// operation is a node of the Graph.
type operation interface {
	opName() string
	inputs() []*TensorAttributes
	outputs() []*TensorAttributes
	validate() error
}

// buildState tracks the last completed compilation stage.
type buildState int

const (
	stateNew buildState = iota
	stateValidated
	stateOperationGraphBuilt
	statePlansCreated
	stateSupportChecked
	statePlansBuilt
)

var stageNames = []string{
	"new",
	"validate",
	"build_operation_graph",
	"create_execution_plans",
	"check_support",
	"build_plans",
}

// HeuristicMode selects how candidate engines are ordered by Graph.CreateExecutionPlans.
type HeuristicMode int

const (
	// HeuristicModeFallback lists every registered engine in registration order, without any tuning.
	HeuristicModeFallback HeuristicMode = iota
)

// VariantPack binds tensor UIDs to their buffers for one Graph.Execute call.
type VariantPack map[int64][]byte

// Graph of operations over tensors.
type Graph struct {
	name            string
	ioDataType      DataType
	computeDataType DataType
	ops             []operation
	state           buildState

	handle   *Handle
	tensors  []*TensorAttributes // All tensors, sorted by UID.
	external []*TensorAttributes // Non-virtual tensors, sorted by UID.

	engineFilter func(name string) bool
	candidates   []Engine
	plan         Plan
	engineName   string
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{}
}

func (g *Graph) SetName(name string) *Graph {
	g.name = name
	return g
}

func (g *Graph) Name() string { return g.name }

// SetIODataType sets the default data type of tensors that don't have one.
func (g *Graph) SetIODataType(dataType DataType) *Graph {
	g.ioDataType = dataType
	return g
}

// SetComputeDataType sets the default compute data type of operations that don't have one.
func (g *Graph) SetComputeDataType(dataType DataType) *Graph {
	g.computeDataType = dataType
	return g
}

// SelectEngines restricts the candidates of CreateExecutionPlans to the given engine names.
func (g *Graph) SelectEngines(names ...string) *Graph {
	g.engineFilter = func(name string) bool { return slices.Contains(names, name) }
	return g
}

// DeselectEngines excludes the given engine names from the candidates of CreateExecutionPlans.
func (g *Graph) DeselectEngines(names ...string) *Graph {
	g.engineFilter = func(name string) bool { return !slices.Contains(names, name) }
	return g
}

// ConvFprop adds a forward convolution of x by the filter w and returns its output, a virtual tensor
// without UID. The output dimensions are inferred during Validate if not set.
func (g *Graph) ConvFprop(x, w *TensorAttributes, attrs *ConvFpropAttributes) *TensorAttributes {
	y := NewTensorAttributes().SetIsVirtual(true)
	op := &convFpropOp{x: x, w: w, y: y, attrs: attrs}
	if attrs.name != "" {
		y.name = attrs.name + "::Y"
	}
	y.producer = op
	g.ops = append(g.ops, op)
	g.state = stateNew
	return y
}

// NumOperations in the graph.
func (g *Graph) NumOperations() int { return len(g.ops) }

// ExternalTensors returns the non-virtual tensors sorted by UID. Available after BuildOperationGraph.
func (g *Graph) ExternalTensors() []*TensorAttributes { return g.external }

// EngineName returns the name of the engine used by the built plan. Available after BuildPlans.
func (g *Graph) EngineName() string { return g.engineName }

func (g *Graph) requireState(stage string, state buildState) error {
	if g.state != state {
		return errorf(StatusInvalidState, "graph %q: %s requires stage %q to be the last one completed, but it is %q",
			g.name, stage, stageNames[state], stageNames[g.state])
	}
	return nil
}

// Validate checks the graph: tensors have unique UIDs and known data types, operation parameters are
// consistent with their inputs, and output dimensions match what the operations produce.
func (g *Graph) Validate() error {
	if err := g.requireState("validate", stateNew); err != nil {
		return err
	}
	if len(g.ops) == 0 {
		return errorf(StatusBadParam, "graph %q has no operations", g.name)
	}

	// Collect tensors in order of first use.
	seen := make(map[*TensorAttributes]bool)
	var all []*TensorAttributes
	for _, op := range g.ops {
		for _, t := range slices.Concat(op.inputs(), op.outputs()) {
			if t == nil {
				return errorf(StatusBadParam, "graph %q: operation %q has a nil tensor", g.name, op.opName())
			}
			if !seen[t] {
				seen[t] = true
				all = append(all, t)
			}
		}
	}

	for _, t := range all {
		if t.dataType == DataTypeNotSet && t.producer == nil {
			t.dataType = g.ioDataType
		}
		if t.producer == nil && t.dataType == DataTypeNotSet {
			return errorf(StatusBadParam, "graph %q: tensor %s has no data type", g.name, t)
		}
	}
	for _, op := range g.ops {
		if conv, ok := op.(*convFpropOp); ok && conv.attrs.computeDataType == DataTypeNotSet {
			conv.attrs.computeDataType = g.computeDataType
		}
		if err := op.validate(); err != nil {
			return err
		}
	}

	uids := make(map[int64]*TensorAttributes, len(all))
	for _, t := range all {
		if t.uid == 0 {
			return errorf(StatusBadParam, "graph %q: tensor %s has no UID", g.name, t)
		}
		if other, found := uids[t.uid]; found {
			return errorf(StatusBadParam, "graph %q: UID %d used by tensors %q and %q", g.name, t.uid, other.name, t.name)
		}
		uids[t.uid] = t
		if t.dataType.Size() == 0 {
			return errorf(StatusBadParam, "graph %q: tensor %s has unsupported data type", g.name, t)
		}
		if len(t.strides) == 0 {
			t.strides = ComputeStrides(t.dims)
		} else if !slices.Equal(t.strides, ComputeStrides(t.dims)) {
			return errorf(StatusNotSupported, "graph %q: tensor %s has non-packed strides %v", g.name, t, t.strides)
		}
		if t.producer == nil && t.isVirtual {
			return errorf(StatusBadParam, "graph %q: tensor %s is virtual but no operation produces it", g.name, t)
		}
	}

	slices.SortFunc(all, func(a, b *TensorAttributes) int { return cmp.Compare(a.uid, b.uid) })
	g.tensors = all
	g.state = stateValidated
	return nil
}

// BuildOperationGraph lowers the validated graph for the given handle.
// Operations must be in definition-before-use order.
func (g *Graph) BuildOperationGraph(h *Handle) error {
	if err := g.requireState("build_operation_graph", stateValidated); err != nil {
		return err
	}
	if h == nil || h.Backend() == nil {
		return errorf(StatusNotInitialized, "graph %q: invalid handle", g.name)
	}
	produced := make(map[*TensorAttributes]bool)
	for _, op := range g.ops {
		for _, t := range op.inputs() {
			if t.producer != nil && !produced[t] {
				return errorf(StatusBadParam, "graph %q: operation %q uses tensor %s before it is produced",
					g.name, op.opName(), t)
			}
		}
		for _, t := range op.outputs() {
			produced[t] = true
		}
	}
	g.external = g.external[:0]
	for _, t := range g.tensors {
		if !t.isVirtual {
			g.external = append(g.external, t)
		}
	}
	g.handle = h
	g.state = stateOperationGraphBuilt
	return nil
}

// CreateExecutionPlans lists the candidate engines according to the heuristic modes.
func (g *Graph) CreateExecutionPlans(modes ...HeuristicMode) error {
	if err := g.requireState("create_execution_plans", stateOperationGraphBuilt); err != nil {
		return err
	}
	if len(modes) == 0 {
		return errorf(StatusBadParam, "graph %q: no heuristic mode given", g.name)
	}
	g.candidates = nil
	for _, mode := range modes {
		if mode != HeuristicModeFallback {
			return errorf(StatusNotSupported, "graph %q: heuristic mode %d not supported", g.name, mode)
		}
		for _, engine := range registeredEngines() {
			if g.engineFilter != nil && !g.engineFilter(engine.Name()) {
				continue
			}
			if !slices.Contains(g.candidates, engine) {
				g.candidates = append(g.candidates, engine)
			}
		}
	}
	if len(g.candidates) == 0 {
		return errorf(StatusNotSupported, "graph %q: no engine candidates", g.name)
	}
	g.state = statePlansCreated
	return nil
}

// CheckSupport removes the candidates that can't execute the graph on the handle.
func (g *Graph) CheckSupport() error {
	if err := g.requireState("check_support", statePlansCreated); err != nil {
		return err
	}
	var supported []Engine
	var reasons []string
	for _, engine := range g.candidates {
		if err := engine.Supports(g); err != nil {
			klog.V(2).Infof("dnn: graph %q: engine %q not supported: %v", g.name, engine.Name(), err)
			reasons = append(reasons, engine.Name()+": "+err.Error())
			continue
		}
		supported = append(supported, engine)
	}
	if len(supported) == 0 {
		return errorf(StatusNotSupported, "graph %q: no supported engine (%s)", g.name, strings.Join(reasons, "; "))
	}
	g.candidates = supported
	g.state = stateSupportChecked
	return nil
}

// BuildPlans builds the executable plan with the first supported candidate that builds successfully.
func (g *Graph) BuildPlans() error {
	if err := g.requireState("build_plans", stateSupportChecked); err != nil {
		return err
	}
	var reasons []string
	for _, engine := range g.candidates {
		var plan Plan
		err := exceptions.TryCatch[error](func() {
			var err error
			plan, err = engine.Build(g)
			if err != nil {
				panic(err)
			}
		})
		if err != nil {
			klog.V(1).Infof("dnn: graph %q: engine %q failed to build: %+v", g.name, engine.Name(), err)
			reasons = append(reasons, engine.Name()+": "+err.Error())
			continue
		}
		g.plan = plan
		g.engineName = engine.Name()
		g.state = statePlansBuilt
		klog.V(1).Infof("dnn: graph %q: built plan with engine %q", g.name, g.engineName)
		return nil
	}
	return errorf(StatusInternalError, "graph %q: failed to build any plan (%s)", g.name, strings.Join(reasons, "; "))
}

// WorkspaceSize returns the number of bytes of scratch memory Execute requires.
func (g *Graph) WorkspaceSize() (int64, error) {
	if err := g.requireState("get_workspace_size", statePlansBuilt); err != nil {
		return 0, err
	}
	return g.plan.WorkspaceSize(), nil
}

// Execute runs the built plan. The pack must bind every non-virtual tensor UID to a buffer of exactly its size,
// and workspace must have at least WorkspaceSize bytes (it may be nil if that is 0).
func (g *Graph) Execute(h *Handle, pack VariantPack, workspace []byte) error {
	if err := g.requireState("execute", statePlansBuilt); err != nil {
		return err
	}
	if h == nil || h != g.handle {
		return errorf(StatusBadParam, "graph %q: execute called with a handle different from the one it was built with", g.name)
	}
	for _, t := range g.external {
		buf, found := pack[t.uid]
		if !found {
			return errorf(StatusBadParam, "graph %q: no buffer bound for tensor %s", g.name, t)
		}
		if int64(len(buf)) != t.SizeBytes() {
			return errorf(StatusBadParam, "graph %q: buffer for tensor %s has %d bytes, expected %d",
				g.name, t, len(buf), t.SizeBytes())
		}
	}
	if required := g.plan.WorkspaceSize(); int64(len(workspace)) < required {
		return errorf(StatusBadParam, "graph %q: workspace has %d bytes, %d required", g.name, len(workspace), required)
	}
	err := exceptions.TryCatch[error](func() {
		if err := g.plan.Execute(pack, workspace); err != nil {
			panic(err)
		}
	})
	if err != nil {
		if StatusOf(err) != StatusInternalError {
			return err
		}
		return errors.WithStack(&Error{Status: StatusExecutionFailed,
			Message: "graph " + g.name + ": engine " + g.engineName + " failed: " + err.Error()})
	}
	return nil
}

// Finalize releases the resources of the built plan. The graph can't be executed afterwards.
func (g *Graph) Finalize() {
	if g.plan != nil {
		g.plan.Finalize()
		g.plan = nil
	}
	g.state = stateNew
}
