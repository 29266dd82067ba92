// Package session runs an ONNX model end-to-end through the dnn execution provider, playing the role
// of the host engine: it asks the provider which nodes it claims, compiles each one as a fused node,
// moves tensors between host and device memory and runs the nodes in topological order.
//
// Every node of the model must be claimed by the provider: there is no fallback engine.
package session

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/gomlx/dnn-ep/ep"
	"github.com/gomlx/dnn-ep/host"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// step is one fused node of the session.
type step struct {
	node  host.Node
	name  string
	info  *ep.NodeComputeInfo
	state *ep.ComputeState
}

// Session holds a model compiled by the execution provider. Run is safe for concurrent use.
type Session struct {
	graph        *host.GraphDef
	factory      *ep.Factory
	provider     *ep.Provider
	allocator    *ep.DeviceAllocator
	dataTransfer *ep.DataTransfer
	memoryInfo   host.MemoryInfo

	steps []*step

	// initializers copied to device memory once, at creation.
	initializers map[string]*host.Tensor

	mu     sync.Mutex
	closed bool
}

// Devices are the hardware devices the session offers to the provider factory.
// There is no enumeration of accelerators: the host CPU is offered.
var Devices = []host.HardwareDevice{{Type: host.DeviceCPU, Vendor: "host"}}

// New compiles model with the provider options (see ep.ParseConfig).
func New(model *host.Model, options map[string]string) (*Session, error) {
	if model == nil || model.Graph == nil {
		return nil, errors.New("session.New: model has no graph")
	}
	g := model.Graph
	if err := g.Check(); err != nil {
		return nil, err
	}
	s := &Session{
		graph:        g,
		factory:      ep.NewFactory(ep.DefaultName),
		initializers: make(map[string]*host.Tensor),
	}
	s.dataTransfer = s.factory.DataTransfer()
	if err := s.init(options); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) init(options map[string]string) error {
	devices := s.factory.SupportedDevices(Devices)
	if len(devices) == 0 {
		return errors.Errorf("no device supported by %s", s.factory.Name())
	}
	providerOptions := make(map[string]string, len(options)+1)
	for key, value := range devices[0].Options {
		providerOptions[key] = value
	}
	for key, value := range options {
		providerOptions[key] = value
	}

	var err error
	s.provider, err = s.factory.CreateProvider(providerOptions)
	if err != nil {
		return err
	}
	s.memoryInfo = s.factory.DefaultMemoryInfo(s.provider.Config().DeviceID)
	s.allocator, err = s.factory.CreateAllocator(s.memoryInfo, providerOptions)
	if err != nil {
		return err
	}

	nodes, err := host.SortNodes(s.graph, slices.Concat(graphInputNames(s.graph), s.graph.InitializerNames())...)
	if err != nil {
		return errors.WithMessagef(err, "graph %q", s.graph.Name())
	}
	claimed := s.provider.GetCapability(s.graph)
	if len(claimed) != len(nodes) {
		var unsupported []string
		for _, node := range nodes {
			if err := ep.CheckSupport(node); err != nil {
				unsupported = append(unsupported, fmt.Sprintf("%s (%s): %v", node.Name(), node.OpType(), err))
			}
		}
		return errors.Errorf("graph %q: %d of %d nodes not supported by %s: %s", s.graph.Name(),
			len(nodes)-len(claimed), len(nodes), s.provider.Name(), strings.Join(unsupported, "; "))
	}

	// One fused node per claimed node.
	prefix := s.provider.Name() + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	subgraphs := make([]host.Graph, len(nodes))
	names := make([]string, len(nodes))
	for ii, node := range nodes {
		names[ii] = prefix + "_" + strconv.Itoa(ii)
		subgraphs[ii] = s.graph.NodeSubgraph(node, names[ii])
	}
	infos, err := s.provider.Compile(subgraphs, names)
	if err != nil {
		return err
	}
	for ii, node := range nodes {
		st := &step{node: node, name: names[ii], info: infos[ii]}
		s.steps = append(s.steps, st)
		st.state, err = st.info.CreateState(st.name)
		if err != nil {
			return err
		}
	}

	// Move the initializers used by the nodes to the device.
	for _, name := range s.graph.InitializerNames() {
		t, err := s.toDevice(s.graph.Initializer(name))
		if err != nil {
			return errors.WithMessagef(err, "initializer %q", name)
		}
		s.initializers[name] = t
	}
	klog.V(1).Infof("Session for graph %q: %d fused nodes, %d initializers on %s",
		s.graph.Name(), len(s.steps), len(s.initializers), s.memoryInfo.Device)
	return nil
}

func graphInputNames(g host.Graph) []string {
	inputs := g.Inputs()
	names := make([]string, len(inputs))
	for ii, vi := range inputs {
		names[ii] = vi.Name
	}
	return names
}

// toDevice allocates a device tensor and copies t into it.
func (s *Session) toDevice(t *host.Tensor) (*host.Tensor, error) {
	onDevice := &host.Tensor{ElemType: t.ElemType, Dims: slices.Clone(t.Dims), Device: s.memoryInfo.Device}
	if size := int(t.SizeBytes()); size > 0 {
		onDevice.Data = s.allocator.Alloc(size)
		if onDevice.Data == nil {
			return nil, errors.Errorf("out of device memory allocating %d bytes for %s", size, t)
		}
	}
	if err := s.dataTransfer.CopyTensors([]*host.Tensor{t}, []*host.Tensor{onDevice}); err != nil {
		s.allocator.Free(onDevice.Data)
		return nil, err
	}
	return onDevice, nil
}

// Provider returns the execution provider of the session.
func (s *Session) Provider() *ep.Provider { return s.provider }

// Allocator returns the device allocator used by the session.
func (s *Session) Allocator() *ep.DeviceAllocator { return s.allocator }

// Graph returns the graph the session was created with.
func (s *Session) Graph() *host.GraphDef { return s.graph }

// FusedNodeNames returns the names of the fused nodes, in execution order.
func (s *Session) FusedNodeNames() []string {
	names := make([]string, len(s.steps))
	for ii, st := range s.steps {
		names[ii] = st.name
	}
	return names
}

// Run executes the model. inputs must have one host tensor per graph input, with the declared element type
// and, where the declared dimension is static, the same dimensions. It returns the graph outputs in host memory.
func (s *Session) Run(inputs map[string]*host.Tensor) (map[string]*host.Tensor, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, errors.New("session is closed")
	}

	values := make(map[string]*host.Tensor, len(s.initializers)+len(inputs))
	for name, t := range s.initializers {
		values[name] = t
	}
	var transient []*host.Tensor
	defer func() {
		for _, t := range transient {
			s.allocator.Free(t.Data)
		}
	}()

	for _, vi := range s.graph.Inputs() {
		t, found := inputs[vi.Name]
		if !found {
			return nil, errors.Errorf("missing input %q", vi.Name)
		}
		if err := checkInput(vi, t); err != nil {
			return nil, err
		}
		onDevice, err := s.toDevice(t)
		if err != nil {
			return nil, errors.WithMessagef(err, "input %q", vi.Name)
		}
		transient = append(transient, onDevice)
		values[vi.Name] = onDevice
	}

	for _, st := range s.steps {
		nodeInputs := st.node.Inputs()
		tensors := make([]*host.Tensor, len(nodeInputs))
		for ii, vi := range nodeInputs {
			tensors[ii] = values[vi.Name]
			if tensors[ii] == nil {
				return nil, errors.Errorf("node %q: value %q not computed", st.node.Name(), vi.Name)
			}
		}
		nodeOutputs := st.node.Outputs()
		outputTypes := make([]host.ElementType, len(nodeOutputs))
		for ii, vi := range nodeOutputs {
			outputTypes[ii] = vi.ElemType
		}
		ctx := host.NewCallContext(tensors, outputTypes, s.memoryInfo.Device, s.allocator.Alloc)
		err := st.info.Compute(st.state, ctx)
		for _, t := range ctx.Outputs() {
			if t != nil {
				transient = append(transient, t)
			}
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "node %q (fused node %q)", st.node.Name(), st.name)
		}
		for ii, t := range ctx.Outputs() {
			values[nodeOutputs[ii].Name] = t
		}
	}

	outputs := make(map[string]*host.Tensor, len(s.graph.Outputs()))
	for _, vi := range s.graph.Outputs() {
		onDevice := values[vi.Name]
		if onDevice == nil {
			return nil, errors.Errorf("output %q not computed", vi.Name)
		}
		t := host.NewTensor(onDevice.ElemType, onDevice.Dims...)
		if err := s.dataTransfer.CopyTensors([]*host.Tensor{onDevice}, []*host.Tensor{t}); err != nil {
			return nil, errors.WithMessagef(err, "output %q", vi.Name)
		}
		outputs[vi.Name] = t
	}
	return outputs, nil
}

func checkInput(vi *host.ValueInfo, t *host.Tensor) error {
	if t == nil {
		return errors.Errorf("input %q is nil", vi.Name)
	}
	if t.ElemType != vi.ElemType {
		return errors.Errorf("input %q is %s, expected %s", vi.Name, t.ElemType, vi.ElemType)
	}
	if vi.HasShape {
		if len(t.Dims) != len(vi.Dims) {
			return errors.Errorf("input %q has dimensions %v, expected %v", vi.Name, t.Dims, vi.Dims)
		}
		for ii, dim := range vi.Dims {
			if dim >= 0 && t.Dims[ii] != dim {
				return errors.Errorf("input %q has dimensions %v, expected %v", vi.Name, t.Dims, vi.Dims)
			}
		}
	}
	if int64(len(t.Data)) != t.SizeBytes() {
		return errors.Errorf("input %q has %d bytes, expected %d", vi.Name, len(t.Data), t.SizeBytes())
	}
	return nil
}

// Close releases the compiled nodes, the device memory and the provider. It is safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	infos := make([]*ep.NodeComputeInfo, 0, len(s.steps))
	for _, st := range s.steps {
		if st.state != nil {
			st.info.ReleaseState(st.state)
		}
		infos = append(infos, st.info)
	}
	if s.provider != nil {
		s.provider.ReleaseNodeComputeInfos(infos)
	}
	if s.allocator != nil {
		for _, t := range s.initializers {
			s.allocator.Free(t.Data)
		}
		klog.V(1).Infof("Session for graph %q closed: %s", s.graph.Name(), s.allocator.Stats())
		s.factory.ReleaseAllocator(s.allocator)
	}
	s.factory.ReleaseProvider(s.provider)
}
