package ep

import (
	"github.com/gomlx/dnn-ep/host"
)

// NodeComputeInfo is what the host engine uses to run a fused node compiled by Provider.Compile.
// It refers to its Kernel by name: the Provider owns the kernels.
type NodeComputeInfo struct {
	provider *Provider
	name     string
}

// ComputeState is created per execution of a fused node.
type ComputeState struct {
	kernel *Kernel
}

// Name of the fused node.
func (ci *NodeComputeInfo) Name() string { return ci.name }

// CreateState looks up the kernel of the fused node nodeName.
func (ci *NodeComputeInfo) CreateState(nodeName string) (*ComputeState, error) {
	if ci.provider == nil {
		return nil, execErrorf("compute info of %q was released", ci.name)
	}
	k := ci.provider.Kernel(nodeName)
	if k == nil {
		return nil, execErrorf("Kernel not found for node: %s", nodeName)
	}
	return &ComputeState{kernel: k}, nil
}

// Compute executes the kernel of state with the inputs and outputs of ctx.
func (ci *NodeComputeInfo) Compute(state *ComputeState, ctx host.KernelContext) error {
	if state == nil || state.kernel == nil {
		return execErrorf("Compute of %q called without a state", ci.name)
	}
	return state.kernel.Execute(ctx)
}

// ReleaseState releases a state created by CreateState. The kernel is not affected.
func (ci *NodeComputeInfo) ReleaseState(state *ComputeState) {
	if state != nil {
		state.kernel = nil
	}
}
