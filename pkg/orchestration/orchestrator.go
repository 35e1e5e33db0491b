package orchestration

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mattsolo1/grove-narrative/pkg/carousel"
	"github.com/mattsolo1/grove-narrative/pkg/exec"
	"github.com/mattsolo1/grove-narrative/pkg/generation"
	"github.com/mattsolo1/grove-narrative/pkg/narrative"
	"github.com/mattsolo1/grove-narrative/pkg/state"
	"github.com/mattsolo1/grove-narrative/pkg/table"
	"github.com/mattsolo1/grove-narrative/pkg/template"
)

const tracerName = "github.com/mattsolo1/grove-narrative/pkg/orchestration"

// OrchestratorConfig holds configuration for the orchestrator.
type OrchestratorConfig struct {
	// CompactionThreshold is the input size in bytes above which a history
	// entry is always summarized.
	CompactionThreshold int
	// CallTimeout bounds every collaborator call. Zero means no bound.
	CallTimeout time.Duration
	// MaxParallelInputs limits concurrent input gathering within one act.
	MaxParallelInputs int
	// StrictEnv fails on missing environment variables.
	StrictEnv    bool
	DefaultModel string
	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// Collaborators are the external systems acts dispatch to.
type Collaborators struct {
	Generator generation.Backend
	Commands  exec.CommandExecutor
	Tables    table.QueryExecutor
}

// Orchestrator runs narratives from a library against a state store.
type Orchestrator struct {
	library     *narrative.Library
	store       *state.Store
	generator   generation.Backend
	executors   *ExecutorRegistry
	config      *OrchestratorConfig
	logger      Logger
	tracer      trace.Tracer
	now         func() time.Time
	carouselOpt []carousel.Option
}

// NewOrchestrator validates the library and wires the collaborators.
func NewOrchestrator(library *narrative.Library, store *state.Store, collab Collaborators, config *OrchestratorConfig) (*Orchestrator, error) {
	if config == nil {
		config = &OrchestratorConfig{
			CompactionThreshold: DefaultCompactionThreshold,
			MaxParallelInputs:   4,
		}
	}
	if err := library.Validate(); err != nil {
		return nil, fmt.Errorf("validate narratives: %w", err)
	}

	orch := &Orchestrator{
		library:   library,
		store:     store,
		generator: collab.Generator,
		executors: NewExecutorRegistry(),
		config:    config,
		logger:    NewDefaultLogger(),
		tracer:    otel.Tracer(tracerName),
		now:       time.Now,
	}
	orch.registerExecutors(collab)

	for _, w := range library.Warnings() {
		orch.logger.Warn(w)
	}
	return orch, nil
}

func (o *Orchestrator) registerExecutors(collab Collaborators) {
	o.executors.Register(narrative.InputText, TextExecutor{})
	o.executors.Register(narrative.InputImage, ImageExecutor{})
	o.executors.Register(narrative.InputBotCommand, &CommandExecutor{Commands: collab.Commands})
	o.executors.Register(narrative.InputTable, &TableExecutor{Tables: collab.Tables})
	o.executors.Register(narrative.InputNarrative, &NarrativeExecutor{orchestrator: o})
}

// Executors exposes the registry so callers can replace an input executor.
func (o *Orchestrator) Executors() *ExecutorRegistry {
	return o.executors
}

// SetLogger sets a custom logger.
func (o *Orchestrator) SetLogger(logger Logger) {
	o.logger = logger
}

// SetCarouselOptions sets options applied to every carousel controller,
// such as a clock.
func (o *Orchestrator) SetCarouselOptions(opts ...carousel.Option) {
	o.carouselOpt = opts
}

// narrativeRun is the mutable context of one run.
type narrativeRun struct {
	narrative *narrative.Narrative
	exec      *NarrativeExecution
	scope     state.Scope
	view      *state.View
	chain     []string
	baseDir   string
	log       Logger
}

func (r *narrativeRun) warn(act string, input int, msg string) {
	r.exec.warn(Warning{Act: act, Input: input, Message: msg})
	r.log.Warn(msg, "narrative", r.narrative.Name, "act", act, "input", input)
}

// Run executes a narrative in step order.
func (o *Orchestrator) Run(ctx context.Context, name string) (*NarrativeExecution, error) {
	return o.run(ctx, name, nil, nil)
}

// RunActs executes only the given acts, still in step order.
func (o *Orchestrator) RunActs(ctx context.Context, name string, acts []string) (*NarrativeExecution, error) {
	return o.run(ctx, name, nil, acts)
}

func (o *Orchestrator) run(ctx context.Context, name string, chain []string, only []string) (*NarrativeExecution, error) {
	for _, entered := range chain {
		if entered == name {
			return nil, &CompositionError{Chain: appendCopy(chain, name)}
		}
	}
	n, ok := o.library.Narrative(name)
	if !ok {
		return nil, &CompositionError{Chain: appendCopy(chain, name), Missing: true}
	}
	order, err := selectActs(n, only)
	if err != nil {
		return nil, err
	}
	scope, err := state.ParseScope(n.StateScope, n.Name)
	if err != nil {
		return nil, fmt.Errorf("narrative %q: %w", name, err)
	}

	runID := "run-" + uuid.NewString()[:8]
	ctx, span := o.tracer.Start(ctx, "narrative.run", trace.WithAttributes(
		attribute.String("narrative", name),
		attribute.String("run_id", runID),
		attribute.Int("depth", len(chain)),
	))
	defer span.End()

	scopes := state.Chain(scope, n.Name)
	if err := o.store.Load(ctx, scopes...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "state load failed")
		return nil, err
	}

	r := &narrativeRun{
		narrative: n,
		exec:      newExecution(runID, name, o.config.CompactionThreshold, o.now()),
		scope:     scope,
		view:      o.store.View(scopes...),
		chain:     appendCopy(chain, name),
		log:       runLogger{next: o.logger, runID: runID},
	}
	if src := o.library.Source(name); src != "" {
		r.baseDir = filepath.Dir(src)
	}
	r.exec.onForced = func(act string, input, size int) {
		r.log.Warn("Forced compaction of oversized history entry",
			"narrative", name, "act", act, "input", input, "bytes", size)
	}

	r.log.Info("Starting narrative", "narrative", name, "acts", len(order), "scope", scope.String())
	for _, actName := range order {
		if err := ctx.Err(); err != nil {
			r.exec.Finished = o.now()
			return r.exec, fmt.Errorf("narrative %q cancelled before act %q: %w", name, actName, err)
		}
		act, _ := n.Act(actName)
		rec, err := o.runAct(ctx, r, act)
		if err != nil {
			r.exec.Failed = rec
			r.exec.Finished = o.now()
			span.RecordError(err)
			span.SetStatus(codes.Error, "act failed")
			r.log.Error("Narrative aborted", "narrative", name, "act", actName, "error", err)
			return r.exec, err
		}
		r.exec.append(rec)
	}
	r.exec.Finished = o.now()
	usage := r.exec.usage()
	span.SetAttributes(attribute.Int64("requests", usage.Requests), attribute.Int64("tokens", usage.Tokens))
	r.log.Info("Narrative completed", "narrative", name,
		"acts", len(r.exec.Acts),
		"warnings", len(r.exec.Warnings),
		"tokens", usage.Tokens)
	return r.exec, nil
}

// selectActs restricts the step order to a subsequence.
func selectActs(n *narrative.Narrative, only []string) ([]string, error) {
	order := n.Order()
	if len(only) == 0 {
		return order, nil
	}
	want := make(map[string]bool, len(only))
	for _, a := range only {
		want[a] = true
	}
	var selected []string
	for _, a := range order {
		if want[a] {
			selected = append(selected, a)
			delete(want, a)
		}
	}
	if len(want) > 0 {
		var unknown []string
		for _, a := range only {
			if want[a] {
				unknown = append(unknown, a)
			}
		}
		return nil, fmt.Errorf("narrative %q has no scheduled act(s) %s", n.Name, strings.Join(unknown, ", "))
	}
	return selected, nil
}

func (o *Orchestrator) runAct(ctx context.Context, r *narrativeRun, act *narrative.Act) (*ActExecution, error) {
	if act.Carousel != nil {
		return o.runActCarousel(ctx, r, act)
	}
	return o.runActOnce(ctx, r, act)
}

func (o *Orchestrator) runActOnce(ctx context.Context, r *narrativeRun, act *narrative.Act) (*ActExecution, error) {
	ctx, span := o.tracer.Start(ctx, "narrative.act", trace.WithAttributes(
		attribute.String("narrative", r.narrative.Name),
		attribute.String("act", act.Name),
		attribute.Int("inputs", len(act.Inputs)),
	))
	defer span.End()

	rec := newActExecution(act.Name, o.now())
	fail := func(err error) (*ActExecution, error) {
		rec.Err = err
		rec.Status = ActFailed
		rec.Finished = o.now()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return rec, err
	}

	if err := rec.transition(ActResolving); err != nil {
		return fail(err)
	}
	r.log.Debug("Resolving act inputs", "act", act.Name, "inputs", len(act.Inputs))
	outcomes, err := o.gather(ctx, r, act)
	if err != nil {
		return fail(err)
	}
	for _, out := range outcomes {
		rec.Inputs = append(rec.Inputs, out.Record)
	}
	for _, out := range outcomes {
		if err := o.capture(ctx, r, act.Name, out.Captures, true); err != nil {
			return fail(err)
		}
	}

	if err := rec.transition(ActDispatching); err != nil {
		return fail(err)
	}
	if act.Generative() {
		resp, err := o.generate(ctx, r, act, rec)
		if err != nil {
			if isFatal(err) || act.IsRequired() {
				return fail(err)
			}
			rec.Output = "input unavailable: " + errors.Unwrap(err).Error()
			r.warn(act.Name, GenerationInput, rec.Output)
			_ = rec.transition(ActSkipped)
			rec.Finished = o.now()
			return rec, nil
		}
		rec.Output = resp.Text()
		rec.Model = resp.Model
		rec.Usage = resp.Usage
		r.exec.addUsage(carousel.Usage{Requests: 1, Tokens: int64(resp.Usage.Total())})
	} else {
		texts := make([]string, len(rec.Inputs))
		for i, in := range rec.Inputs {
			texts[i] = in.Text
		}
		rec.Output = strings.Join(texts, "\n\n")
		rec.Derived = true
	}

	if len(act.StateCapture) > 0 {
		captures, problems := template.ExtractCaptures(rec.Output, act.StateCapture)
		if len(problems) > 0 {
			return fail(template.Errorf(act.Name, problems))
		}
		if err := o.capture(ctx, r, act.Name, captures, false); err != nil {
			return fail(err)
		}
	}

	if err := rec.transition(ActCompleted); err != nil {
		return fail(err)
	}
	rec.Finished = o.now()
	r.log.Debug("Act completed", "act", act.Name, "output_length", len(rec.Output))
	return rec, nil
}

// gather resolves and executes every input of an act concurrently and
// joins on all of them before classifying failures in input order.
func (o *Orchestrator) gather(ctx context.Context, r *narrativeRun, act *narrative.Act) ([]*InputOutcome, error) {
	outcomes := make([]*InputOutcome, len(act.Inputs))
	errs := make([]error, len(act.Inputs))

	var g errgroup.Group
	if o.config.MaxParallelInputs > 0 {
		g.SetLimit(o.config.MaxParallelInputs)
	}
	for i := range act.Inputs {
		req := &InputRequest{
			Narrative:   r.narrative,
			Act:         act,
			Index:       i,
			Input:       &act.Inputs[i],
			Resolver:    o.resolver(r, act.Name),
			BaseDir:     r.baseDir,
			Chain:       r.chain,
			CallTimeout: o.config.CallTimeout,
		}
		g.Go(func() error {
			outcomes[i], errs[i] = o.executors.Execute(ctx, req)
			return nil
		})
	}
	_ = g.Wait()

	for i, err := range errs {
		if err == nil {
			out := outcomes[i]
			for _, w := range out.Warnings {
				r.warn(act.Name, i, w)
			}
			for _, name := range out.MissingEnv {
				r.warn(act.Name, i, fmt.Sprintf("environment variable %s is not set; placeholder left in place", name))
			}
			r.exec.addUsage(out.Usage)
			continue
		}
		if isFatal(err) {
			return nil, err
		}
		kind, _ := act.Inputs[i].Kind()
		inputErr := &ActInputError{Narrative: r.narrative.Name, Act: act.Name, Input: i, Kind: kind, Err: err}
		if act.InputRequired(i) {
			return nil, inputErr
		}
		reason := "input unavailable: " + err.Error()
		outcomes[i] = &InputOutcome{Record: &InputRecord{
			Kind:      kind,
			Status:    InputSkipped,
			Text:      reason,
			Summary:   fmt.Sprintf("[%s: unavailable]", kind),
			Retention: act.InputRetention(i),
		}}
		r.warn(act.Name, i, reason)
	}
	return outcomes, nil
}

func (o *Orchestrator) resolver(r *narrativeRun, act string) *template.Resolver {
	return &template.Resolver{
		Act:       act,
		History:   r.exec,
		State:     r.view,
		LookupEnv: o.config.LookupEnv,
		StrictEnv: o.config.StrictEnv,
	}
}

func (o *Orchestrator) generate(ctx context.Context, r *narrativeRun, act *narrative.Act, rec *ActExecution) (*generation.Response, error) {
	inputErr := func(err error) error {
		return &ActInputError{Narrative: r.narrative.Name, Act: act.Name, Input: GenerationInput, Err: err}
	}
	if o.generator == nil {
		return nil, inputErr(errors.New("no generation backend configured"))
	}
	model := act.Model
	if model == "" {
		model = r.narrative.Model
	}
	if model == "" {
		model = o.config.DefaultModel
	}

	parts := make([]generation.Part, len(rec.Inputs))
	for i, in := range rec.Inputs {
		parts[i] = in.part()
	}
	req := &generation.Request{
		Model:    model,
		Messages: append(r.exec.Messages(), generation.Message{Role: generation.RoleUser, Parts: parts}),
	}

	callCtx, cancel := callContext(ctx, o.config.CallTimeout)
	defer cancel()
	resp, err := o.generator.Generate(callCtx, req)
	if err != nil {
		return nil, inputErr(err)
	}
	return resp, nil
}

// capture writes captured values to the run's write scope in one atomic
// update.
func (o *Orchestrator) capture(ctx context.Context, r *narrativeRun, act string, captures []template.Capture, auto bool) error {
	if len(captures) == 0 {
		return nil
	}
	type overwrite struct{ key, old, new string }
	var overwrites []overwrite
	err := o.store.Update(ctx, r.scope, func(values map[string]string) error {
		for _, c := range captures {
			if old, ok := values[c.Key]; ok && old != c.Value && auto && !strings.Contains(c.Key, ".") {
				overwrites = append(overwrites, overwrite{c.Key, old, c.Value})
			}
			values[c.Key] = c.Value
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, ow := range overwrites {
		r.warn(act, GenerationInput, fmt.Sprintf("captured key %q overwritten: %q -> %q", ow.key, ow.old, ow.new))
	}
	r.log.Debug("Captured state", "act", act, "keys", len(captures), "scope", r.scope.String())
	return nil
}

// runActCarousel repeats one act under its own budget. The act's output is
// the last successful iteration's.
func (o *Orchestrator) runActCarousel(ctx context.Context, r *narrativeRun, act *narrative.Act) (*ActExecution, error) {
	ctrl, err := carousel.NewController(*act.Carousel, o.carouselOpt...)
	if err != nil {
		return nil, fmt.Errorf("act %q: %w", act.Name, err)
	}
	var last, failed *ActExecution
	st, err := ctrl.Run(ctx, func(ctx context.Context, i int) (carousel.Usage, error) {
		before := r.exec.usage()
		rec, err := o.runActOnce(ctx, r, act)
		after := r.exec.usage()
		used := carousel.Usage{Requests: after.Requests - before.Requests, Tokens: after.Tokens - before.Tokens}
		if err != nil {
			failed = rec
			return used, err
		}
		last = rec
		return used, nil
	})
	if err != nil {
		if failed != nil {
			return failed, err
		}
		return nil, err
	}
	r.log.Info("Act carousel finished", "act", act.Name,
		"succeeded", st.Succeeded, "failed", st.Failed, "termination", st.Termination)
	if last == nil {
		reason := fmt.Sprintf("act carousel finished (%s) without a successful iteration", st.Termination)
		if st.BudgetExhausted {
			reason = fmt.Sprintf("act carousel budget %s exhausted before a successful iteration", st.ExhaustedMetric)
		}
		if act.IsRequired() {
			return nil, fmt.Errorf("act %q: %s", act.Name, reason)
		}
		return o.skipAct(r, act, reason), nil
	}
	return last, nil
}

// skipAct records a non-required act that produced no output.
func (o *Orchestrator) skipAct(r *narrativeRun, act *narrative.Act, reason string) *ActExecution {
	rec := newActExecution(act.Name, o.now())
	_ = rec.transition(ActResolving)
	_ = rec.transition(ActDispatching)
	_ = rec.transition(ActSkipped)
	rec.Output = "[" + act.Name + ": skipped, " + reason + "]"
	rec.Finished = o.now()
	r.warn(act.Name, GenerationInput, reason)
	return rec
}

// RunCarousel repeats a narrative, or the act subsequence named in the
// config, under the config's budgets. A nil cfg uses the narrative's own.
func (o *Orchestrator) RunCarousel(ctx context.Context, name string, cfg *carousel.Config) (*carousel.State, error) {
	n, ok := o.library.Narrative(name)
	if !ok {
		return nil, &CompositionError{Chain: []string{name}, Missing: true}
	}
	if cfg == nil {
		cfg = n.Carousel
	}
	if cfg == nil {
		return nil, fmt.Errorf("narrative %q has no carousel configuration", name)
	}
	if _, err := selectActs(n, cfg.Acts); err != nil {
		return nil, err
	}
	ctrl, err := carousel.NewController(*cfg, o.carouselOpt...)
	if err != nil {
		return nil, fmt.Errorf("narrative %q: %w", name, err)
	}

	ctx, span := o.tracer.Start(ctx, "narrative.carousel", trace.WithAttributes(
		attribute.String("narrative", name),
		attribute.Int("iterations", cfg.Iterations),
	))
	defer span.End()

	o.logger.Info("Starting carousel", "narrative", name, "iterations", cfg.Iterations)
	st, err := ctrl.Run(ctx, func(ctx context.Context, i int) (carousel.Usage, error) {
		ex, err := o.run(ctx, name, nil, cfg.Acts)
		if ex == nil {
			return carousel.Usage{}, err
		}
		return ex.usage(), err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "carousel aborted")
		return st, err
	}
	span.SetAttributes(
		attribute.Int("succeeded", st.Succeeded),
		attribute.Bool("budget_exhausted", st.BudgetExhausted),
	)
	o.logger.Info("Carousel finished", "narrative", name,
		"succeeded", st.Succeeded,
		"failed", st.Failed,
		"termination", st.Termination)
	return st, nil
}

func appendCopy(list []string, s string) []string {
	out := make([]string, len(list), len(list)+1)
	copy(out, list)
	return append(out, s)
}
