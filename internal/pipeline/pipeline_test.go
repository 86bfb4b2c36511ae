package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makerforge/orchestrator/internal/agentclient"
	"github.com/makerforge/orchestrator/internal/config"
	"github.com/makerforge/orchestrator/internal/maker"
	"github.com/makerforge/orchestrator/internal/melody"
	"github.com/makerforge/orchestrator/internal/taskstate"
)

func textServer(body func() string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", body())
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func drain(t *testing.T, ch <-chan Chunk) []Chunk {
	t.Helper()
	var chunks []Chunk
	timeout := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return chunks
			}
			chunks = append(chunks, c)
		case <-timeout:
			t.Fatal("timed out draining pipeline output")
		}
	}
}

func testEngine(t *testing.T, preprocess, plan, coder, voter, validator string, maxIterations int) *Engine {
	t.Helper()
	srvPre := textServer(func() string { return preprocess })
	srvPlan := textServer(func() string { return plan })
	srvCoder := textServer(func() string { return coder })
	srvVoter := textServer(func() string { return voter })
	srvValidator := textServer(func() string { return validator })
	t.Cleanup(func() {
		srvPre.Close()
		srvPlan.Close()
		srvCoder.Close()
		srvVoter.Close()
		srvValidator.Close()
	})

	endpoints := map[config.Role]config.AgentEndpoint{
		config.RolePreprocessor: {Role: config.RolePreprocessor, URL: srvPre.URL, TimeoutMS: 2000},
		config.RolePlanner:      {Role: config.RolePlanner, URL: srvPlan.URL, TimeoutMS: 2000},
		config.RoleCoder:        {Role: config.RoleCoder, URL: srvCoder.URL, TimeoutMS: 2000},
		config.RoleVoter:        {Role: config.RoleVoter, URL: srvVoter.URL, TimeoutMS: 2000},
		config.RoleValidator:    {Role: config.RoleValidator, URL: srvValidator.URL, TimeoutMS: 2000},
	}
	agents := agentclient.New(endpoints)

	cfg := config.Config{
		Agents: endpoints,
		MAKER: config.MAKERConfig{
			Mode: config.ValidatorModeHigh, NumCandidates: 2, VoteK: 1,
			MinCandidateLen: 3, TemperatureFloor: 0.3, TemperatureStep: 0.1,
		},
		Context: config.ContextConfig{MaxTokens: 1000, CompressThreshold: 0.95, MinCompressSpan: 0.3, RecentKeep: 6},
		Melody:  config.MelodyConfig{RenderBudget: 2000},
		Task:    config.TaskConfig{MaxIterations: maxIterations, TTL: time.Hour},
	}

	voterComp := maker.New(agents, cfg.MAKER, nil)
	melodyStore := melody.NewStore(cfg.Melody)
	tasks := taskstate.NewMemoryStore()

	return New(cfg, agents, voterComp, melodyStore, tasks, nil, nil, nil)
}

func TestEngine_Run_HappyPathCompletes(t *testing.T) {
	e := testEngine(t,
		"complex_code\nAdd a helper function",
		"1. implement the helper function",
		"func helper() int { return 42 }",
		"A",
		`{"status": "approved", "feedback": "looks good"}`,
		3,
	)

	task, ch, err := e.Run(context.Background(), "please add a helper function")
	require.NoError(t, err)

	chunks := drain(t, ch)
	require.NotEmpty(t, chunks)
	assert.Equal(t, taskstate.StatusComplete, task.Status())
	assert.Contains(t, task.Result(), "helper")
}

func TestEngine_Run_QuestionIntentSkipsCoding(t *testing.T) {
	e := testEngine(t,
		"question\nWhat does this function do?",
		"This function returns the sum of two numbers.",
		"unused",
		"A",
		`{"status": "approved"}`,
		3,
	)

	task, ch, err := e.Run(context.Background(), "what does add() do?")
	require.NoError(t, err)
	drain(t, ch)

	assert.Equal(t, taskstate.StatusComplete, task.Status())
	assert.Equal(t, 0, task.Iteration())
	assert.Contains(t, task.Result(), "sum of two numbers")
}

func TestEngine_Run_RevisionLoopThenComplete(t *testing.T) {
	var reviews int64
	srvPre := textServer(func() string { return "complex_code\nAdd a helper function" })
	srvPlan := textServer(func() string { return "1. implement the helper function" })
	srvCoder := textServer(func() string { return "func helper(a: int, b: int) -> int: return a + b" })
	srvVoter := textServer(func() string { return "A" })
	srvValidator := textServer(func() string {
		if atomic.AddInt64(&reviews, 1) == 1 {
			return `{"status": "failed", "feedback": "missing type hints"}`
		}
		return `{"status": "approved"}`
	})
	t.Cleanup(func() {
		srvPre.Close()
		srvPlan.Close()
		srvCoder.Close()
		srvVoter.Close()
		srvValidator.Close()
	})

	endpoints := map[config.Role]config.AgentEndpoint{
		config.RolePreprocessor: {Role: config.RolePreprocessor, URL: srvPre.URL, TimeoutMS: 2000},
		config.RolePlanner:      {Role: config.RolePlanner, URL: srvPlan.URL, TimeoutMS: 2000},
		config.RoleCoder:        {Role: config.RoleCoder, URL: srvCoder.URL, TimeoutMS: 2000},
		config.RoleVoter:        {Role: config.RoleVoter, URL: srvVoter.URL, TimeoutMS: 2000},
		config.RoleValidator:    {Role: config.RoleValidator, URL: srvValidator.URL, TimeoutMS: 2000},
	}
	agents := agentclient.New(endpoints)
	cfg := config.Config{
		Agents: endpoints,
		MAKER: config.MAKERConfig{
			Mode: config.ValidatorModeHigh, NumCandidates: 2, VoteK: 1,
			MinCandidateLen: 3, TemperatureFloor: 0.3, TemperatureStep: 0.1,
		},
		Context: config.ContextConfig{MaxTokens: 1000, CompressThreshold: 0.95, MinCompressSpan: 0.3, RecentKeep: 6},
		Melody:  config.MelodyConfig{RenderBudget: 2000},
		Task:    config.TaskConfig{MaxIterations: 3, TTL: time.Hour},
	}
	voterComp := maker.New(agents, cfg.MAKER, nil)
	e := New(cfg, agents, voterComp, melody.NewStore(cfg.Melody), taskstate.NewMemoryStore(), nil, nil, nil)

	task, ch, err := e.Run(context.Background(), "please add a helper function")
	require.NoError(t, err)
	drain(t, ch)

	assert.Equal(t, taskstate.StatusComplete, task.Status())
	assert.Equal(t, 2, task.Iteration(), "one rejected round plus one approved round")
	assert.Equal(t, int64(2), atomic.LoadInt64(&reviews))
	assert.Equal(t, "missing type hints", task.Feedback(), "the rejection feedback stays recorded on the task")
}

func TestEngine_Run_MaxIterationsExceeded(t *testing.T) {
	e := testEngine(t,
		"complex_code\nAdd a helper function",
		"1. implement the helper function",
		"func helper() int { return 42 }",
		"A",
		`{"status": "failed", "feedback": "missing tests"}`,
		2,
	)

	task, ch, err := e.Run(context.Background(), "please add a helper function")
	require.NoError(t, err)
	drain(t, ch)

	assert.Equal(t, taskstate.StatusMaxIterationsExceeded, task.Status())
	assert.Equal(t, 2, task.Iteration())
	require.NotNil(t, task.LastError())
}

func TestEngine_Run_ValidatorUnavailableFallsBackToLowMode(t *testing.T) {
	e := testEngine(t,
		"complex_code\nAdd a helper function",
		"1. implement the helper function",
		"func helper() int { return 42 }",
		"A",
		`{"status": "approved"}`,
		3,
	)
	// Point the Validator endpoint at an address nothing listens on so the
	// High-mode call fails and review() falls back to Planner reflection
	// (Low mode).
	e.cfg.Agents[config.RoleValidator] = config.AgentEndpoint{Role: config.RoleValidator, URL: "http://127.0.0.1:0", TimeoutMS: 500}
	e.agents = agentclient.New(e.cfg.Agents)

	task, ch, err := e.Run(context.Background(), "please add a helper function")
	require.NoError(t, err)
	drain(t, ch)

	// Planner's canned response is the plan text, which contains neither
	// "approved" nor JSON, so the Low-mode reflection call rejects by
	// default lenient parsing and the task runs out its iterations.
	assert.Equal(t, taskstate.StatusMaxIterationsExceeded, task.Status())
}

type recordingHooks struct {
	mu        sync.Mutex
	before    int
	after     int
	lastAfter taskstate.Snapshot
	inject    string
}

func (h *recordingHooks) BeforeTask(ctx context.Context, request string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.before++
	return h.inject
}

func (h *recordingHooks) AfterTask(ctx context.Context, snap taskstate.Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.after++
	h.lastAfter = snap
}

func TestEngine_Run_InvokesHooksAroundTask(t *testing.T) {
	e := testEngine(t,
		"complex_code\nAdd a helper function",
		"1. implement the helper function",
		"func helper() int { return 42 }",
		"A",
		`{"status": "approved"}`,
		3,
	)
	hooks := &recordingHooks{inject: "team convention: table-driven tests"}
	e.SetHooks(hooks)

	task, ch, err := e.Run(context.Background(), "please add a helper function")
	require.NoError(t, err)
	drain(t, ch)

	hooks.mu.Lock()
	defer hooks.mu.Unlock()
	assert.Equal(t, 1, hooks.before)
	assert.Equal(t, 1, hooks.after)
	assert.Equal(t, task.ID(), hooks.lastAfter.ID)
	assert.Equal(t, taskstate.StatusComplete, hooks.lastAfter.Status)
}

func TestEngine_Resume_ReentersFromLastPersistedStage(t *testing.T) {
	var coderCalls int64
	srvPre := textServer(func() string { return "complex_code\nAdd a helper function" })
	srvPlan := textServer(func() string { return "1. implement the helper function" })
	srvCoder := textServer(func() string {
		atomic.AddInt64(&coderCalls, 1)
		return "func helper() int { return 99 }"
	})
	srvVoter := textServer(func() string { return "A" })
	srvValidator := textServer(func() string { return `{"status": "approved", "feedback": "looks good"}` })
	t.Cleanup(func() {
		srvPre.Close()
		srvPlan.Close()
		srvCoder.Close()
		srvVoter.Close()
		srvValidator.Close()
	})

	endpoints := map[config.Role]config.AgentEndpoint{
		config.RolePreprocessor: {Role: config.RolePreprocessor, URL: srvPre.URL, TimeoutMS: 2000},
		config.RolePlanner:      {Role: config.RolePlanner, URL: srvPlan.URL, TimeoutMS: 2000},
		config.RoleCoder:        {Role: config.RoleCoder, URL: srvCoder.URL, TimeoutMS: 2000},
		config.RoleVoter:        {Role: config.RoleVoter, URL: srvVoter.URL, TimeoutMS: 2000},
		config.RoleValidator:    {Role: config.RoleValidator, URL: srvValidator.URL, TimeoutMS: 2000},
	}
	agents := agentclient.New(endpoints)
	cfg := config.Config{
		Agents: endpoints,
		MAKER: config.MAKERConfig{
			Mode: config.ValidatorModeHigh, NumCandidates: 2, VoteK: 1,
			MinCandidateLen: 3, TemperatureFloor: 0.3, TemperatureStep: 0.1,
		},
		Context: config.ContextConfig{MaxTokens: 1000, CompressThreshold: 0.95, MinCompressSpan: 0.3, RecentKeep: 6},
		Melody:  config.MelodyConfig{RenderBudget: 2000},
		Task:    config.TaskConfig{MaxIterations: 3, TTL: time.Hour},
	}
	voterComp := maker.New(agents, cfg.MAKER, nil)
	melodyStore := melody.NewStore(cfg.Melody)
	tasks := taskstate.NewMemoryStore()
	e := New(cfg, agents, voterComp, melodyStore, tasks, nil, nil, nil)

	task := taskstate.New("please add a helper function", time.Hour)
	task.SetStatus(taskstate.StatusReviewing)
	task.NextIteration()
	task.SetPreprocessed("add a helper function", "complex_code")
	task.SetPlan("1. implement the helper function")
	task.SetResult("func helper() int { return 42 }")
	require.NoError(t, e.tasks.Save(context.Background(), task))

	resumed, ch, err := e.Resume(context.Background(), task.ID())
	require.NoError(t, err)
	drain(t, ch)

	assert.Equal(t, taskstate.StatusComplete, resumed.Status())
	assert.Equal(t, 1, resumed.Iteration())
	assert.Equal(t, "func helper() int { return 42 }", resumed.Result())
	assert.Equal(t, int64(0), atomic.LoadInt64(&coderCalls), "resume from reviewing must not re-run the coding stage")
}
