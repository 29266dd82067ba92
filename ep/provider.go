// Package ep implements an execution provider that offloads 2D convolutions of a host graph to the
// dnn graph library.
//
// The host engine asks the Provider which nodes it can run (GetCapability), hands it the claimed
// subgraphs under fused node names (Compile), and then runs each fused node through its NodeComputeInfo.
// The Factory describes the provider to the host (devices, memory, allocators and data transfer)
// and creates Provider instances from string options, see ParseConfig.
package ep

import (
	"sync"

	"github.com/gomlx/dnn-ep/dnn"
	"github.com/gomlx/dnn-ep/host"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Provider owns a dnn handle and the kernels compiled with it, keyed by fused node name.
type Provider struct {
	name   string
	config Config
	handle *dnn.Handle

	mu      sync.Mutex
	kernels map[string]*Kernel
	closed  bool
}

// NewProvider creates a provider and its dnn handle.
// Failing to create the handle is a resource error.
func NewProvider(name string, config Config) (*Provider, error) {
	handle, err := dnn.NewHandle(config.Backend)
	if err != nil {
		return nil, wrapError(KindResource, err, "failed to create dnn handle")
	}
	klog.Infof("Execution provider %q created: backend %q, device %d", name, handle.Backend().Name(), config.DeviceID)
	return &Provider{
		name:    name,
		config:  config,
		handle:  handle,
		kernels: make(map[string]*Kernel),
	}, nil
}

// Name of the provider.
func (p *Provider) Name() string { return p.name }

// Config the provider was created with.
func (p *Provider) Config() Config { return p.config }

// GetCapability returns the nodes of g the provider can run, each one to be compiled on its own.
// Nodes that can't be inspected are simply not claimed.
func (p *Provider) GetCapability(g host.Graph) []host.Node {
	var claimed []host.Node
	nodes := g.Nodes()
	for _, node := range nodes {
		if err := CheckSupport(node); err != nil {
			klog.V(2).Infof("Provider %q: node %q (%s) not claimed: %v", p.name, node.Name(), node.OpType(), err)
			continue
		}
		claimed = append(claimed, node)
	}
	klog.V(1).Infof("Provider %q: claimed %d of %d nodes of graph %q", p.name, len(claimed), len(nodes), g.Name())
	return claimed
}

// Compile builds one Kernel per graph, registered under the corresponding fused node name,
// and returns the NodeComputeInfo the host uses to run each of them.
//
// It is all-or-nothing: if any graph fails, no kernel of this call is registered.
func (p *Provider) Compile(graphs []host.Graph, fusedNodeNames []string) ([]*NodeComputeInfo, error) {
	if len(graphs) != len(fusedNodeNames) {
		return nil, errors.Errorf("Compile: %d graphs but %d fused node names", len(graphs), len(fusedNodeNames))
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, errors.Errorf("provider %q is closed", p.name)
	}

	kernels := make([]*Kernel, 0, len(graphs))
	releaseAll := func() {
		for _, k := range kernels {
			k.Release()
		}
	}
	seen := make(map[string]bool, len(graphs))
	for ii, g := range graphs {
		name := fusedNodeNames[ii]
		if seen[name] || p.Kernel(name) != nil {
			releaseAll()
			return nil, translationErrorf("fused node name %q compiled more than once", name)
		}
		seen[name] = true
		if len(g.Nodes()) == 0 {
			releaseAll()
			return nil, translationErrorf("Empty graph provided for compilation")
		}
		k := NewKernel(name, p.handle, p.config.Engine).ExcludeEngines(p.config.ExcludeEngines...)
		if err := k.BuildAndCompile(g); err != nil {
			releaseAll()
			klog.Errorf("Provider %q: failed to compile %q: %+v", p.name, name, err)
			return nil, err
		}
		kernels = append(kernels, k)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		releaseAll()
		return nil, errors.Errorf("provider %q is closed", p.name)
	}
	// Another Compile may have registered the same names meanwhile.
	for _, k := range kernels {
		if _, found := p.kernels[k.Name()]; found {
			releaseAll()
			return nil, translationErrorf("fused node name %q compiled more than once", k.Name())
		}
	}
	infos := make([]*NodeComputeInfo, len(kernels))
	for ii, k := range kernels {
		p.kernels[k.Name()] = k
		infos[ii] = &NodeComputeInfo{provider: p, name: k.Name()}
	}
	return infos, nil
}

// Kernel returns the kernel compiled for the fused node name, or nil if there is none.
func (p *Provider) Kernel(name string) *Kernel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kernels[name]
}

// NumKernels returns the number of kernels compiled and not yet released by Close.
func (p *Provider) NumKernels() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.kernels)
}

// ReleaseNodeComputeInfos releases the given compute infos, which can't create states afterwards.
// Kernels and the states already created are not affected: kernels are released by Close.
func (p *Provider) ReleaseNodeComputeInfos(infos []*NodeComputeInfo) {
	for _, info := range infos {
		if info != nil && info.provider == p {
			info.provider = nil
		}
	}
}

// Close releases all kernels and the dnn handle. It is safe to call more than once.
func (p *Provider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for name, k := range p.kernels {
		k.Release()
		delete(p.kernels, name)
	}
	p.handle.Destroy()
	klog.Infof("Execution provider %q closed", p.name)
}
