package ep

import (
	"slices"
	"sync"

	"github.com/gomlx/dnn-ep/dnn"
	"github.com/gomlx/dnn-ep/host"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Kernel is one compiled subgraph: a dnn graph built from the host nodes, and what's needed
// to bind the host buffers to it at execution time.
//
// Execute is safe for concurrent use: calls on the same Kernel are serialized.
type Kernel struct {
	name   string
	handle *dnn.Handle
	engine string

	excludedEngines []string

	graph   *dnn.Graph
	symbols map[string]*dnn.TensorAttributes
	nextUID int64

	inputUIDs    []int64
	outputUIDs   []int64
	outputShapes [][]int64
	workspace    []byte

	// mu serializes Execute: the workspace is shared by all calls.
	mu sync.Mutex
}

// NewKernel creates an empty kernel for the fused node name, to be compiled with BuildAndCompile.
// If engine is not empty, only that dnn engine is considered when building the plans.
func NewKernel(name string, handle *dnn.Handle, engine string) *Kernel {
	return &Kernel{
		name:    name,
		handle:  handle,
		engine:  engine,
		symbols: make(map[string]*dnn.TensorAttributes),
		nextUID: 1,
	}
}

// ExcludeEngines sets dnn engines that are never considered when building the plans. It is ignored
// if the kernel was created for a specific engine.
func (k *Kernel) ExcludeEngines(names ...string) *Kernel {
	k.excludedEngines = names
	return k
}

// Name of the fused node the kernel was compiled for.
func (k *Kernel) Name() string { return k.name }

// InputUIDs returns the UIDs bound to the graph inputs, in the graph input order.
func (k *Kernel) InputUIDs() []int64 { return k.inputUIDs }

// OutputUIDs returns the UIDs bound to the graph outputs, in the graph output order.
func (k *Kernel) OutputUIDs() []int64 { return k.outputUIDs }

// OutputShapes returns the static dimensions of each graph output.
func (k *Kernel) OutputShapes() [][]int64 { return k.outputShapes }

// WorkspaceSize returns the size of the scratch buffer allocated at compile time.
func (k *Kernel) WorkspaceSize() int { return len(k.workspace) }

// EngineName returns the dnn engine chosen for the kernel.
func (k *Kernel) EngineName() string {
	if k.graph == nil {
		return ""
	}
	return k.graph.EngineName()
}

// Symbol returns the dnn tensor bound to the host value name, or nil if there is none.
func (k *Kernel) Symbol(name string) *dnn.TensorAttributes { return k.symbols[name] }

// BuildAndCompile translates the subgraph g to a dnn graph and compiles it.
//
// Errors are translation errors (malformed or unsupported subgraph) or compile errors
// tagged with the failing stage.
func (k *Kernel) BuildAndCompile(g host.Graph) error {
	var err error
	exception := exceptions.TryCatch[error](func() { err = k.translate(g) })
	if exception != nil {
		err = wrapError(KindTranslation, exception, "failed to translate subgraph")
	}
	if err != nil {
		k.Release()
		return errors.WithMessagef(err, "kernel %q", k.name)
	}
	if err = k.compileGraph(); err != nil {
		k.Release()
		return errors.WithMessagef(err, "kernel %q", k.name)
	}
	klog.V(1).Infof("Kernel %q compiled: %d operations, engine %q, workspace %d bytes",
		k.name, k.graph.NumOperations(), k.graph.EngineName(), len(k.workspace))
	return nil
}

// translate builds the dnn graph: graph inputs first, then each node in order, then graph outputs.
func (k *Kernel) translate(g host.Graph) error {
	nodes := g.Nodes()
	if len(nodes) == 0 {
		return translationErrorf("Empty graph provided for compilation")
	}
	k.graph = dnn.NewGraph().
		SetName(k.name).
		SetIODataType(dnn.Float).
		SetComputeDataType(dnn.Float)

	for _, vi := range g.Inputs() {
		t := dnn.NewTensorAttributes()
		if err := k.tagTensor(t, vi); err != nil {
			return err
		}
		t.SetIsVirtual(false)
		k.symbols[vi.Name] = t
		k.inputUIDs = append(k.inputUIDs, t.UID())
	}

	for _, node := range nodes {
		inputs := make([]*dnn.TensorAttributes, 0, len(node.Inputs()))
		for _, vi := range node.Inputs() {
			t, found := k.symbols[vi.Name]
			if !found {
				return translationErrorf("Input not found in symbol table: %s", vi.Name)
			}
			inputs = append(inputs, t)
		}
		translator, found := nodeTranslators[node.OpType()]
		if !found {
			return translationErrorf("Unsupported op type %q for node %q", node.OpType(), node.Name())
		}
		outputs, err := translator(k, node, inputs)
		if err != nil {
			return err
		}
		nodeOutputs := node.Outputs()
		if len(outputs) != len(nodeOutputs) {
			return translationErrorf("Output count mismatch for node %s: expected %d, got %d",
				node.Name(), len(nodeOutputs), len(outputs))
		}
		for ii, t := range outputs {
			if err := k.tagTensor(t, nodeOutputs[ii]); err != nil {
				return err
			}
			k.symbols[nodeOutputs[ii].Name] = t
		}
	}

	for _, vi := range g.Outputs() {
		t, found := k.symbols[vi.Name]
		if !found {
			return translationErrorf("Graph output not found in symbol table: %s", vi.Name)
		}
		t.SetIsVirtual(false)
		k.outputUIDs = append(k.outputUIDs, t.UID())
		k.outputShapes = append(k.outputShapes, slices.Clone(t.Dims()))
	}
	return nil
}

// compileGraph runs the dnn compilation stages in order and allocates the workspace.
func (k *Kernel) compileGraph() error {
	if k.engine != "" {
		k.graph.SelectEngines(k.engine)
	} else if len(k.excludedEngines) > 0 {
		k.graph.DeselectEngines(k.excludedEngines...)
	}
	stages := []struct {
		name string
		run  func() error
	}{
		{StageValidate, k.graph.Validate},
		{StageBuildOperationGraph, func() error { return k.graph.BuildOperationGraph(k.handle) }},
		{StageCreateExecutionPlans, func() error { return k.graph.CreateExecutionPlans(dnn.HeuristicModeFallback) }},
		{StageCheckSupport, k.graph.CheckSupport},
		{StageBuildPlans, k.graph.BuildPlans},
	}
	for _, stage := range stages {
		if err := stage.run(); err != nil {
			return compileError(stage.name, err)
		}
		klog.V(2).Infof("Kernel %q: stage %s done", k.name, stage.name)
	}
	size, err := k.graph.WorkspaceSize()
	if err != nil {
		return compileError(StageWorkspaceSize, err)
	}
	if size > 0 {
		k.workspace = make([]byte, size)
	}
	return nil
}

// Execute runs the compiled graph: inputs are bound in graph input order, and outputs are
// requested from ctx with the shapes recorded at compile time.
func (k *Kernel) Execute(ctx host.KernelContext) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.graph == nil {
		return execErrorf("kernel %q is not compiled", k.name)
	}
	if ctx.NumInputs() != len(k.inputUIDs) {
		return execErrorf("Input count mismatch: expected %d, got %d", len(k.inputUIDs), ctx.NumInputs())
	}
	if ctx.NumOutputs() != len(k.outputUIDs) {
		return execErrorf("Output count mismatch: expected %d, got %d", len(k.outputUIDs), ctx.NumOutputs())
	}

	var err error
	exception := exceptions.Try(func() { err = k.execute(ctx) })
	if exception != nil {
		panicErr, ok := exception.(error)
		if !ok {
			panicErr = errors.Errorf("%v", exception)
		}
		return wrapError(KindExec, panicErr, "execute failed")
	}
	return err
}

// execute binds the buffers of ctx and runs the graph. Panics, from the host context or the graph, are
// recovered by Execute.
func (k *Kernel) execute(ctx host.KernelContext) error {
	pack := make(dnn.VariantPack, len(k.inputUIDs)+len(k.outputUIDs))
	for ii, uid := range k.inputUIDs {
		t, err := ctx.Input(ii)
		if err != nil {
			return wrapError(KindExec, err, "failed to get input")
		}
		if t == nil {
			return execErrorf("failed to get input: input #%d is nil", ii)
		}
		pack[uid] = t.Data
	}
	for ii, uid := range k.outputUIDs {
		t, err := ctx.Output(ii, k.outputShapes[ii])
		if err != nil {
			return wrapError(KindExec, err, "failed to get output")
		}
		if t == nil {
			return execErrorf("failed to get output: output #%d is nil", ii)
		}
		pack[uid] = t.Data
	}
	if err := k.graph.Execute(k.handle, pack, k.workspace); err != nil {
		return wrapError(KindExec, err, "execute failed")
	}
	return nil
}

// Release frees the compiled graph and its workspace. The kernel can't be executed afterwards.
func (k *Kernel) Release() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.graph != nil {
		k.graph.Finalize()
	}
	k.graph = nil
	k.workspace = nil
	k.outputShapes = nil
}
