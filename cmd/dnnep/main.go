// dnnep runs an ONNX model whose nodes are all 2D convolutions through the dnn execution provider,
// and prints the outputs, timings and device memory statistics.
//
// Without -model it runs a built-in convolution, which can be saved with -save_demo to be used
// with other runtimes.
package main

import (
	"flag"
	"fmt"
	"maps"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/dnn-ep/ep"
	"github.com/gomlx/dnn-ep/host"
	"github.com/gomlx/dnn-ep/internal/reference"
	"github.com/gomlx/dnn-ep/session"
	"github.com/gomlx/exceptions"
	"github.com/janpfeifer/must"
	"github.com/olekukonko/tablewriter"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagModel       = flag.String("model", "", "Path to the .onnx model to run. If empty a built-in 8x8 convolution is used.")
	flagSaveDemo    = flag.String("save_demo", "", "If set, saves the built-in convolution model to this path and exits.")
	flagBackend     = flag.String("backend", "", "GoMLX backend used by the provider, e.g. \"go\" or \"xla:cpu\". Defaults to $GOMLX_BACKEND or \"go\".")
	flagEngine      = flag.String("engine", "", "dnn engine to use: \"gomlx\" or \"im2col\". If empty the first one that supports the graph is used.")
	flagExclude     = flag.String("exclude_engines", "", "Comma separated dnn engines never to use, e.g. \"gomlx\".")
	flagMemoryLimit = flag.String("memory_limit", "", "Limit of device memory in use, e.g. \"256MiB\".")
	flagRuns        = flag.Int("runs", 10, "Number of times to run the model.")
	flagPrintModel  = flag.Bool("print_model", false, "Prints the model before running it.")
)

func demoModel() *host.Model {
	spec := reference.ConvSpec{
		ElemType: host.Float, XDims: [4]int{1, 1, 8, 8}, WDims: [4]int{1, 1, 3, 3},
		Params: reference.DefaultConvParams,
	}
	return reference.ConvModel(spec, reference.Ones(9), nil)
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	err := exceptions.TryCatch[error](run)
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

func run() {
	if *flagSaveDemo != "" {
		must.M(os.WriteFile(*flagSaveDemo, demoModel().Marshal(), 0o644))
		fmt.Printf("Demo model saved to %q\n", *flagSaveDemo)
		return
	}

	var model *host.Model
	if *flagModel == "" {
		model = demoModel()
	} else {
		model = must.M1(host.ReadFile(*flagModel))
	}
	if *flagPrintModel {
		fmt.Println(model)
	}

	options := map[string]string{
		ep.OptionBackend:        *flagBackend,
		ep.OptionEngine:         *flagEngine,
		ep.OptionExcludeEngines: *flagExclude,
		ep.OptionMemoryLimit:    *flagMemoryLimit,
	}
	start := time.Now()
	s := must.M1(session.New(model, options))
	defer s.Close()
	fmt.Printf("Compiled %d fused node(s) in %s\n", len(s.FusedNodeNames()), time.Since(start))

	inputs := make(map[string]*host.Tensor)
	inputsTable := tablewriter.NewWriter(os.Stdout)
	inputsTable.SetHeader([]string{"Input", "Type", "DType", "Shape"})
	for _, vi := range model.Graph.Inputs() {
		dims, ok := vi.StaticShape()
		if !ok {
			exceptions.Panicf("input %q has no static shape: only static shapes are supported", vi.Name)
		}
		dtype := must.M1(vi.ElemType.DType())
		inputs[vi.Name] = host.FromFloat32(vi.ElemType, dims, reference.Ramp(int(host.NumElements(dims))))
		inputsTable.Append([]string{vi.Name, vi.ElemType.String(), dtype.String(), fmt.Sprint(dims)})
	}
	inputsTable.Render()

	var outputs map[string]*host.Tensor
	var elapsed []time.Duration
	for range max(*flagRuns, 1) {
		runStart := time.Now()
		outputs = must.M1(s.Run(inputs))
		elapsed = append(elapsed, time.Since(runStart))
	}
	slices.Sort(elapsed)
	fmt.Printf("%d runs: min %s, median %s, max %s\n", len(elapsed), elapsed[0], elapsed[len(elapsed)/2], elapsed[len(elapsed)-1])

	outputsTable := tablewriter.NewWriter(os.Stdout)
	outputsTable.SetHeader([]string{"Output", "Type", "Shape", "First values"})
	for _, vi := range model.Graph.Outputs() {
		t := outputs[vi.Name]
		values := must.M1(t.Float32s())
		outputsTable.Append([]string{vi.Name, t.ElemType.String(), fmt.Sprint(t.Dims), fmt.Sprint(values[:min(len(values), 6)])})
	}
	outputsTable.Render()

	kernelsTable := tablewriter.NewWriter(os.Stdout)
	kernelsTable.SetHeader([]string{"Fused node", "Engine", "Workspace"})
	for _, name := range s.FusedNodeNames() {
		k := s.Provider().Kernel(name)
		kernelsTable.Append([]string{name, k.EngineName(), humanize.IBytes(uint64(k.WorkspaceSize()))})
	}
	kernelsTable.Render()

	statsTable := tablewriter.NewWriter(os.Stdout)
	statsTable.SetHeader([]string{"Allocator stat", "Value"})
	stats := s.Allocator().KeyValuePairs()
	for _, key := range slices.Sorted(maps.Keys(stats)) {
		value := stats[key]
		if key != "NumAllocs" {
			if n, err := strconv.ParseUint(value, 10, 64); err == nil {
				value = humanize.IBytes(n)
			}
		}
		statsTable.Append([]string{key, value})
	}
	statsTable.Render()
}
