// Package pipeline implements the Pipeline Engine: the
// sequential preprocessing → planning → coding → voting → reviewing state
// machine that turns one user request into accepted code (or a plain
// answer), looping the coding/voting/reviewing stages on review rejection
// up to a bounded iteration count. Each run emits one ordered stream of
// stage-tagged text chunks that the Request Server relays to the client.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/makerforge/orchestrator/internal/agentclient"
	"github.com/makerforge/orchestrator/internal/config"
	"github.com/makerforge/orchestrator/internal/convcontext"
	"github.com/makerforge/orchestrator/internal/errorkind"
	"github.com/makerforge/orchestrator/internal/maker"
	"github.com/makerforge/orchestrator/internal/melody"
	"github.com/makerforge/orchestrator/internal/observability"
	"github.com/makerforge/orchestrator/internal/taskstate"
	"github.com/makerforge/orchestrator/internal/toolclient"
)

// Chunk is one unit of the Pipeline Engine's output stream. Stage is a
// well-known tag such as "PREPROCESSOR", "PLANNER", "MAKER", or
// "REVIEWER".
type Chunk struct {
	Stage   string
	Content string
	Done    bool
	Err     error
}

// Hooks is the seam an external skill/plugin system plugs into: a
// pre-query hook that may inject additional context into the task's
// conversation before any agent runs, and a post-completion hook that
// observes the terminal outcome. Both are best-effort; the pipeline never
// blocks on what a hook does with the data.
type Hooks interface {
	// BeforeTask may return extra context to prepend to the conversation.
	// An empty return injects nothing.
	BeforeTask(ctx context.Context, request string) string
	// AfterTask observes the task's terminal snapshot.
	AfterTask(ctx context.Context, snap taskstate.Snapshot)
}

// Engine runs tasks through the pipeline state machine.
type Engine struct {
	cfg     config.Config
	agents  *agentclient.Client
	voter   *maker.Voter
	melody  *melody.Store
	tasks   taskstate.Store
	tools   toolclient.Client // may be nil: no tool server configured
	metrics *observability.Metrics
	loader  *config.Loader // may be nil: config loaded once at startup, never hot-reloaded
	hooks   Hooks          // may be nil: no skill/plugin system attached
}

// SetHooks attaches a skill/plugin hook pair. Call during wiring, before
// any task runs.
func (e *Engine) SetHooks(h Hooks) { e.hooks = h }

// New builds an Engine wiring every component a task's run touches. tools
// may be nil when no tool server is configured. loader may be nil; when
// set, every new task picks up whatever config generation is current at
// the moment it is created or resumed rather than the cfg snapshot passed
// to New.
func New(cfg config.Config, agents *agentclient.Client, voter *maker.Voter, melodyStore *melody.Store, tasks taskstate.Store, tools toolclient.Client, metrics *observability.Metrics, loader *config.Loader) *Engine {
	return &Engine{cfg: cfg, agents: agents, voter: voter, melody: melodyStore, tasks: tasks, tools: tools, metrics: metrics, loader: loader}
}

// taskConfig resolves the config/agent-client/voter trio a new or resumed
// task should run with: the loader's current generation if one is wired,
// otherwise the cfg/agents/voter supplied to New. agents is rebound to the
// resolved endpoint table via WithEndpoints, a shallow copy that keeps
// reusing the shared HTTP connection pool rather than losing keep-alive on
// every reload.
func (e *Engine) taskConfig() (config.Config, *agentclient.Client, *maker.Voter) {
	if e.loader == nil {
		return e.cfg, e.agents, e.voter
	}
	cfg := e.loader.Current()
	if cfg == nil {
		return e.cfg, e.agents, e.voter
	}
	agents := e.agents.WithEndpoints(cfg.Agents)
	voter := maker.New(agents, cfg.MAKER, e.metrics)
	return *cfg, agents, voter
}

// Run creates a new Task for request, persists it, and starts executing the
// pipeline state machine in a background goroutine. The returned channel
// carries the stage-tagged output stream and is closed when the task
// reaches a terminal status or ctx is cancelled; the caller should inspect
// the final Task via Get after the channel closes for the terminal status
// and result.
func (e *Engine) Run(ctx context.Context, request string) (*taskstate.Task, <-chan Chunk, error) {
	cfg, agents, voter := e.taskConfig()

	task := taskstate.New(request, cfg.Task.TTL)
	if err := e.tasks.Save(ctx, task); err != nil {
		return nil, nil, err
	}
	release, err := e.tasks.Acquire(ctx, task.ID(), 5*time.Minute)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan Chunk, 64)
	go func() {
		defer close(out)
		defer release()
		if e.metrics != nil {
			e.metrics.TasksInFlight.Inc()
			defer e.metrics.TasksInFlight.Dec()
		}
		e.runStateMachine(ctx, task, cfg, agents, voter, out)
	}()

	return task, out, nil
}

// Resume reattaches to a persisted task and continues from its last
// completed stage. The status a task was persisted in names the
// stage that was being attempted when it stopped (SetStatus is always
// called immediately before a stage runs, and only advances on success),
// so runStateMachine re-enters at that same stage using the task's
// persisted normalized input, plan, and feedback rather than starting
// over from preprocessing.
func (e *Engine) Resume(ctx context.Context, taskID string) (*taskstate.Task, <-chan Chunk, error) {
	task, err := e.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	if task.Status().IsTerminal() {
		out := make(chan Chunk)
		close(out)
		return task, out, nil
	}
	release, err := e.tasks.Acquire(ctx, taskID, 5*time.Minute)
	if err != nil {
		return nil, nil, err
	}

	cfg, agents, voter := e.taskConfig()

	out := make(chan Chunk, 64)
	go func() {
		defer close(out)
		defer release()
		if e.metrics != nil {
			e.metrics.TasksInFlight.Inc()
			defer e.metrics.TasksInFlight.Dec()
		}
		e.runStateMachine(ctx, task, cfg, agents, voter, out)
	}()
	return task, out, nil
}

// runStateMachine drives task from its current status through to a
// terminal one. It branches on task.Status() at entry so a freshly created
// task starts at preprocessing while a resumed task re-enters at the exact
// stage it was last attempting, using whatever of normalized input, plan,
// and feedback that stage (or a later one) already persisted.
func (e *Engine) runStateMachine(ctx context.Context, task *taskstate.Task, cfg config.Config, agents *agentclient.Client, voter *maker.Voter, out chan<- Chunk) {
	chain := e.melody.OpenTask(task.ID())
	convCtx := convcontext.New(cfg.Context, mustCounter(), convcontext.NewAgentSummarizer(agents), e.metrics)
	if e.hooks != nil {
		if extra := e.hooks.BeforeTask(ctx, task.Request()); extra != "" {
			convCtx.Append("context", extra)
		}
	}
	convCtx.Append("user", task.Request())
	_ = convCtx.CompressIfNeeded(ctx)

	finish := func(status taskstate.Status, kerr *errorkind.Error) {
		task.SetStatus(status)
		if kerr != nil {
			task.SetError(kerr)
			slog.Warn("pipeline: task ended with error",
				"task_id", task.ID(), "status", string(status), "error", kerr)
		}
		if e.metrics != nil {
			e.metrics.TasksTotal.WithLabelValues(string(status)).Inc()
			e.metrics.IterationCount.Observe(float64(task.Iteration()))
		}
		if status.IsTerminal() {
			e.melody.Forget(task.ID())
		}
		_ = e.tasks.Save(ctx, task)
		if e.hooks != nil {
			e.hooks.AfterTask(ctx, task.Snapshot())
		}
		var chunkErr error
		if kerr != nil {
			chunkErr = kerr
		}
		select {
		case out <- Chunk{Done: true, Err: chunkErr}:
		default:
		}
	}

	observeStage := func(stage string, start time.Time) {
		if e.metrics != nil {
			e.metrics.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
		}
	}

	initialStatus := task.Status()

	var in intent
	var normalized, plan string
	switch initialStatus {
	case taskstate.StatusPlanning, taskstate.StatusCoding, taskstate.StatusVoting, taskstate.StatusReviewing:
		storedNormalized, storedIntent := task.Preprocessed()
		normalized = storedNormalized
		in = intent(storedIntent)
	}

	if initialStatus == taskstate.StatusCreated || initialStatus == taskstate.StatusPreprocessing {
		task.SetStatus(taskstate.StatusPreprocessing)
		_ = e.tasks.Save(ctx, task)
		start := time.Now()
		var err error
		in, normalized, err = e.preprocess(ctx, task, cfg, agents, chain, out)
		observeStage("preprocessing", start)
		if err != nil {
			finish(taskstate.StatusFailed, asKind(err))
			return
		}
		task.SetPreprocessed(normalized, string(in))
	}

	if initialStatus == taskstate.StatusCreated || initialStatus == taskstate.StatusPreprocessing || initialStatus == taskstate.StatusPlanning {
		task.SetStatus(taskstate.StatusPlanning)
		_ = e.tasks.Save(ctx, task)
		start := time.Now()
		var err error
		plan, err = e.plan(ctx, task, cfg, agents, chain, normalized, in, out)
		observeStage("planning", start)
		if err != nil {
			finish(taskstate.StatusFailed, asKind(err))
			return
		}
		task.SetPlan(plan)

		if in == intentQuestion {
			task.SetResult(plan)
			convCtx.Append("assistant", plan)
			finish(taskstate.StatusComplete, nil)
			return
		}
	} else {
		plan = task.Plan()
	}

	feedback := task.Feedback()
	// A task resumed directly into coding or voting already had its
	// iteration counter bumped for this attempt before it stopped; redoing
	// that stage must not double-count it. A task resumed into reviewing
	// skips coding on its first pass entirely, reusing the code already
	// persisted on the task.
	skipIncrement := initialStatus == taskstate.StatusCoding || initialStatus == taskstate.StatusVoting
	resumeIntoReview := initialStatus == taskstate.StatusReviewing
	firstPass := true

	for {
		select {
		case <-ctx.Done():
			finish(taskstate.StatusFailed, errorkind.New(errorkind.AgentTimeout, "context cancelled"))
			return
		default:
		}

		var code string
		if firstPass && resumeIntoReview {
			code = task.Result()
		} else {
			if !(firstPass && skipIncrement) {
				task.NextIteration()
			}

			task.SetStatus(taskstate.StatusCoding)
			_ = e.tasks.Save(ctx, task)
			start := time.Now()
			var err error
			code, err = e.code(ctx, task, cfg, agents, voter, chain, convCtx, plan, feedback, out)
			observeStage("coding", start)
			if err != nil {
				kerr := asKind(err)
				// A non-terminal coding failure (CandidateExhaustion) consumes
				// this iteration and re-enters coding while iterations remain.
				if !kerr.Kind.IsTerminal() && task.Iteration() < cfg.Task.MaxIterations {
					firstPass = false
					continue
				}
				finish(taskstate.StatusFailed, kerr)
				return
			}
			task.SetResult(code)
		}

		task.SetStatus(taskstate.StatusReviewing)
		_ = e.tasks.Save(ctx, task)
		reviewStart := time.Now()
		rv, err := e.review(ctx, task, cfg, agents, chain, convCtx, plan, code, out)
		observeStage("reviewing", reviewStart)
		if err != nil {
			finish(taskstate.StatusFailed, asKind(err))
			return
		}

		if rv.Approved {
			finish(taskstate.StatusComplete, nil)
			return
		}

		if task.Iteration() >= cfg.Task.MaxIterations {
			finish(taskstate.StatusMaxIterationsExceeded,
				errorkind.New(errorkind.MaxIterationsExceeded, "review rejected after max iterations"))
			return
		}

		feedback = rv.Feedback
		task.SetFeedback(feedback)
		convCtx.Append("reviewer", feedback)
		_ = convCtx.CompressIfNeeded(ctx)
		firstPass = false
	}
}

func asKind(err error) *errorkind.Error {
	var kerr *errorkind.Error
	if e, ok := err.(*errorkind.Error); ok {
		kerr = e
	} else {
		kerr = errorkind.Wrap(errorkind.AgentUnavailable, "pipeline stage failed", err)
	}
	return kerr
}

func mustCounter() *convcontext.Counter {
	c, err := convcontext.NewCounter("gpt-4")
	if err != nil {
		slog.Error("pipeline: token counter init failed", "error", err)
		return nil
	}
	return c
}
