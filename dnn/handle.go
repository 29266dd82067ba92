package dnn

import (
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	// The pure Go backend is always available as "go".
	_ "github.com/gomlx/gomlx/backends/simplego"
)

// Handle is the device context graphs are built for and executed on. It wraps a GoMLX backend.
//
// A Handle is not safe for concurrent use: callers serialize access, or use one Handle per thread.
type Handle struct {
	config  string
	backend backends.Backend
	once    sync.Once
}

// NewHandle creates a handle for the GoMLX backend selected by config (e.g.: "go", "xla:cpu").
// An empty config uses GoMLX's default backend selection.
func NewHandle(config string) (*Handle, error) {
	var backend backends.Backend
	err := exceptions.TryCatch[error](func() {
		var err error
		if config == "" {
			backend, err = backends.New()
		} else {
			backend, err = backends.NewWithConfig(config)
		}
		if err != nil {
			panic(err)
		}
	})
	if err != nil {
		return nil, errors.WithMessagef(&Error{Status: StatusNotInitialized, Message: err.Error()},
			"failed to create handle for backend %q", config)
	}
	klog.V(1).Infof("dnn: created handle on backend %s (%s)", backend.Name(), backend.Description())
	return &Handle{config: config, backend: backend}, nil
}

// Backend returns the underlying GoMLX backend, or nil if the handle was destroyed.
func (h *Handle) Backend() backends.Backend {
	if h == nil {
		return nil
	}
	return h.backend
}

// Config used to create the handle.
func (h *Handle) Config() string { return h.config }

// Destroy releases the backend. It is safe to call more than once.
func (h *Handle) Destroy() {
	h.once.Do(func() {
		if h.backend != nil {
			h.backend.Finalize()
			h.backend = nil
		}
	})
}
