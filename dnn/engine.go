package dnn

import (
	"sync"
)

// Engine implements the operations of a Graph on some device.
type Engine interface {
	// Name of the engine, used by Graph.SelectEngines.
	Name() string

	// Supports returns nil if the engine can execute g on the graph's handle, or an error explaining why not.
	Supports(g *Graph) error

	// Build creates an executable plan for g. It may panic with an error.
	Build(g *Graph) (Plan, error)
}

// Plan is an executable graph built by an Engine.
type Plan interface {
	// WorkspaceSize returns the scratch memory in bytes that Execute needs.
	WorkspaceSize() int64

	// Execute the plan with the buffers in pack. It may panic with an error.
	Execute(pack VariantPack, workspace []byte) error

	// Finalize releases the resources of the plan.
	Finalize()
}

var (
	enginesMu sync.Mutex
	engines   []Engine
)

// RegisterEngine adds an engine to the list considered by CreateExecutionPlans, after the ones already registered.
func RegisterEngine(engine Engine) {
	enginesMu.Lock()
	defer enginesMu.Unlock()
	engines = append(engines, engine)
}

func registeredEngines() []Engine {
	enginesMu.Lock()
	defer enginesMu.Unlock()
	return engines
}

// EngineNames returns the names of the registered engines, in registration order.
func EngineNames() []string {
	var names []string
	for _, engine := range registeredEngines() {
		names = append(names, engine.Name())
	}
	return names
}

func init() {
	RegisterEngine(&gomlxEngine{})
	RegisterEngine(&im2colEngine{})
}
