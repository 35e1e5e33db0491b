package orchestration

import (
	"context"
	"fmt"
	"time"

	"github.com/mattsolo1/grove-narrative/pkg/carousel"
	"github.com/mattsolo1/grove-narrative/pkg/narrative"
	"github.com/mattsolo1/grove-narrative/pkg/template"
)

// InputRequest is one act input to gather.
type InputRequest struct {
	Narrative *narrative.Narrative
	Act       *narrative.Act
	Index     int
	Input     *narrative.Input
	Resolver  *template.Resolver
	// BaseDir resolves relative file paths, normally the directory of the
	// definition document.
	BaseDir string
	// Chain is the sequence of narratives entered to reach this input.
	Chain       []string
	CallTimeout time.Duration
}

// CallContext detaches a collaborator call from cancellation, so an
// in-flight call runs to completion or to the call timeout.
func (r *InputRequest) CallContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return callContext(ctx, r.CallTimeout)
}

func callContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx = context.WithoutCancel(ctx)
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}

// InputOutcome is what gathering an input produced.
type InputOutcome struct {
	Record   *InputRecord
	Captures []template.Capture
	Usage    carousel.Usage
	// Warnings are recorded against the input.
	Warnings   []string
	MissingEnv []string
}

// InputExecutor gathers one kind of act input.
type InputExecutor interface {
	Execute(ctx context.Context, req *InputRequest) (*InputOutcome, error)
	Name() string
}

// ExecutorRegistry manages the available input executors.
type ExecutorRegistry struct {
	executors map[narrative.InputKind]InputExecutor
}

// NewExecutorRegistry creates an empty registry.
func NewExecutorRegistry() *ExecutorRegistry {
	return &ExecutorRegistry{
		executors: make(map[narrative.InputKind]InputExecutor),
	}
}

// Register adds an executor for an input kind.
func (r *ExecutorRegistry) Register(kind narrative.InputKind, executor InputExecutor) {
	r.executors[kind] = executor
}

// Get returns the executor for a given input kind.
func (r *ExecutorRegistry) Get(kind narrative.InputKind) (InputExecutor, error) {
	executor, exists := r.executors[kind]
	if !exists {
		return nil, fmt.Errorf("no executor registered for input kind: %s", kind)
	}
	return executor, nil
}

// Execute gathers an input using the executor for its kind.
func (r *ExecutorRegistry) Execute(ctx context.Context, req *InputRequest) (*InputOutcome, error) {
	kind, err := req.Input.Kind()
	if err != nil {
		return nil, err
	}
	executor, err := r.Get(kind)
	if err != nil {
		return nil, err
	}
	out, err := executor.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	out.Record.Kind = kind
	out.Record.Retention = req.Act.InputRetention(req.Index)
	if out.Record.Status == "" {
		out.Record.Status = InputResolved
	}
	return out, nil
}
