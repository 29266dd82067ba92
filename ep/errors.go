package ep

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies the errors returned by the execution provider.
type Kind int

const (
	KindUnknown Kind = iota

	// KindTranslation: the subgraph is malformed or unsupported (missing symbol, arity mismatch,
	// unsupported type, non-static shape, malformed padding).
	KindTranslation

	// KindCompile: a stage of the graph compilation failed. See Error.Stage.
	KindCompile

	// KindExec: execution failed, or was called with the wrong number of inputs/outputs.
	KindExec

	// KindResource: the device handle could not be created, or memory is exhausted.
	KindResource
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindTranslation:
		return "translation error"
	case KindCompile:
		return "compile error"
	case KindExec:
		return "execution error"
	case KindResource:
		return "resource error"
	}
	return "error"
}

// Error returned by the execution provider, tagged with its Kind.
type Error struct {
	Kind Kind

	// Stage of the compilation that failed, only set for KindCompile.
	Stage string

	err error
}

// Error implements error.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.err.Error())
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.err }

// Cause implements github.com/pkg/errors causer.
func (e *Error) Cause() error { return e.err }

// KindOf returns the Kind of err, or KindUnknown if it was not returned by this package.
func KindOf(err error) Kind {
	var epErr *Error
	if errors.As(err, &epErr) {
		return epErr.Kind
	}
	return KindUnknown
}

// StageOf returns the compilation stage that failed, or "" if err is not a compile error.
func StageOf(err error) string {
	var epErr *Error
	if errors.As(err, &epErr) {
		return epErr.Stage
	}
	return ""
}

func translationErrorf(format string, args ...any) error {
	return &Error{Kind: KindTranslation, err: errors.Errorf(format, args...)}
}

func execErrorf(format string, args ...any) error {
	return &Error{Kind: KindExec, err: errors.Errorf(format, args...)}
}

// stageMessages are the failure messages of each compilation stage.
var stageMessages = map[string]string{
	StageValidate:             "validation failed",
	StageBuildOperationGraph:  "build_operation_graph failed",
	StageCreateExecutionPlans: "create_execution_plans failed",
	StageCheckSupport:         "check_support failed",
	StageBuildPlans:           "build_plans failed",
	StageWorkspaceSize:        "get_workspace_size failed",
}

// Compilation stages, in the order they are run.
const (
	StageValidate             = "validate"
	StageBuildOperationGraph  = "build_operation_graph"
	StageCreateExecutionPlans = "create_execution_plans"
	StageCheckSupport         = "check_support"
	StageBuildPlans           = "build_plans"
	StageWorkspaceSize        = "get_workspace_size"
)

func compileError(stage string, err error) error {
	return &Error{Kind: KindCompile, Stage: stage, err: errors.WithMessage(err, stageMessages[stage])}
}

func wrapError(kind Kind, err error, message string) error {
	return &Error{Kind: kind, err: errors.WithMessage(err, message)}
}
