package ep

import (
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/dnn-ep/dnn"
	"github.com/pkg/errors"
)

// Provider option keys.
const (
	// OptionBackend selects the GoMLX backend used by the dnn handle, e.g. "go" or "xla:cpu".
	OptionBackend = "ep.dnn.backend"

	// OptionEngine restricts compilation to one dnn engine ("gomlx" or "im2col").
	// Empty means every engine is a candidate, in registration order.
	OptionEngine = "ep.dnn.engine"

	// OptionExcludeEngines is a comma separated list of dnn engines never used, e.g. "gomlx".
	// It can't exclude OptionEngine, nor every engine.
	OptionExcludeEngines = "ep.dnn.exclude_engines"

	// OptionMemoryLimit caps the bytes in use by the device allocator, e.g. "512MiB". Empty or 0 means no limit.
	OptionMemoryLimit = "ep.dnn.memory_limit"

	// OptionEnableEPContext is accepted for compatibility, pre-compiled context models are not supported.
	OptionEnableEPContext = "ep.dnn.enable_ep_context"

	// OptionDeviceID selects the device the provider runs on.
	OptionDeviceID = "device_id"

	// optionPrefix of the options owned by this provider: unknown keys with this prefix are an error.
	optionPrefix = "ep.dnn."
)

// DefaultBackend used if neither OptionBackend nor $GOMLX_BACKEND are set.
const DefaultBackend = "go"

// Config of a Provider, parsed from its string options.
type Config struct {
	Backend         string
	Engine          string
	ExcludeEngines  []string
	MemoryLimit     uint64
	EnableEPContext bool
	DeviceID        int
}

// DefaultConfig returns the configuration used for options not given.
// The backend is taken from $GOMLX_BACKEND if set.
func DefaultConfig() Config {
	backend := os.Getenv("GOMLX_BACKEND")
	if backend == "" {
		backend = DefaultBackend
	}
	return Config{Backend: backend}
}

// ParseConfig parses the provider options on top of DefaultConfig.
// Keys not starting with "ep.dnn." (other than "device_id") belong to the host and are ignored.
func ParseConfig(options map[string]string) (Config, error) {
	config := DefaultConfig()
	for key, value := range options {
		var err error
		switch key {
		case OptionBackend:
			if value != "" {
				config.Backend = value
			}
		case OptionEngine:
			if value != "" && !slices.Contains(dnn.EngineNames(), value) {
				err = errors.Errorf("unknown engine %q, valid values are %q", value, dnn.EngineNames())
			}
			config.Engine = value
		case OptionExcludeEngines:
			config.ExcludeEngines, err = parseEngineNames(value)
		case OptionMemoryLimit:
			config.MemoryLimit, err = parseMemoryLimit(value)
		case OptionEnableEPContext:
			config.EnableEPContext, err = strconv.ParseBool(value)
		case OptionDeviceID:
			config.DeviceID, err = strconv.Atoi(value)
			if err == nil && config.DeviceID < 0 {
				err = errors.Errorf("negative device id %d", config.DeviceID)
			}
		default:
			if strings.HasPrefix(key, optionPrefix) {
				err = errors.New("unknown option")
			}
		}
		if err != nil {
			return Config{}, errors.WithMessagef(err, "invalid provider option %s=%q", key, value)
		}
	}
	if slices.Contains(config.ExcludeEngines, config.Engine) {
		return Config{}, errors.Errorf("engine %q selected with %s is also excluded with %s", config.Engine, OptionEngine, OptionExcludeEngines)
	}
	if len(config.ExcludeEngines) > 0 && len(config.ExcludeEngines) >= len(dnn.EngineNames()) {
		return Config{}, errors.Errorf("%s excludes every engine", OptionExcludeEngines)
	}
	return config, nil
}

// parseEngineNames parses a comma separated list of known dnn engine names, without repetitions.
func parseEngineNames(value string) ([]string, error) {
	var names []string
	for _, name := range strings.Split(value, ",") {
		name = strings.TrimSpace(name)
		if name == "" || slices.Contains(names, name) {
			continue
		}
		if !slices.Contains(dnn.EngineNames(), name) {
			return nil, errors.Errorf("unknown engine %q, valid values are %q", name, dnn.EngineNames())
		}
		names = append(names, name)
	}
	return names, nil
}

func parseMemoryLimit(value string) (uint64, error) {
	if value == "" {
		return 0, nil
	}
	return humanize.ParseBytes(value)
}
