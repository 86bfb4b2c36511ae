package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/makerforge/orchestrator/internal/agentclient"
	"github.com/makerforge/orchestrator/internal/config"
	"github.com/makerforge/orchestrator/internal/convcontext"
	"github.com/makerforge/orchestrator/internal/errorkind"
	"github.com/makerforge/orchestrator/internal/maker"
	"github.com/makerforge/orchestrator/internal/melody"
	"github.com/makerforge/orchestrator/internal/taskstate"
	"github.com/makerforge/orchestrator/internal/toolclient"
)

// intent is the Preprocessor's coarse classification of a user request.
type intent string

const (
	intentQuestion     intent = "question"
	intentSimpleCode   intent = "simple_code"
	intentComplexCode  intent = "complex_code"
	defaultMaxToolHits        = 5
)

func emit(ctx context.Context, out chan<- Chunk, stage, content string) {
	select {
	case out <- Chunk{Stage: stage, Content: content}:
	case <-ctx.Done():
	}
}

func systemPromptFor(cfg config.Config, role config.Role) string {
	if ep, ok := cfg.Agents[role]; ok {
		return ep.SystemPrompt
	}
	return ""
}

// preprocess runs the Preprocessing stage: classify the request's intent
// and normalize its text. Parse failures default to complex_code.
func (e *Engine) preprocess(ctx context.Context, task *taskstate.Task, cfg config.Config, agents *agentclient.Client, chain *melody.Chain, out chan<- Chunk) (intent, string, error) {
	emit(ctx, out, "PREPROCESSOR", "classifying request...")

	sys := systemPromptFor(cfg, config.RolePreprocessor) + "\n" +
		"Classify the user's request as one of: question, simple_code, complex_code. " +
		"Reply with the label on its own line, followed by a normalized one-paragraph " +
		"restatement of the request."

	resp, err := agents.CallSync(ctx, config.RolePreprocessor, sys, task.Request(), agentclient.DefaultOptions())
	if err != nil {
		return "", "", err
	}

	in := parseIntent(resp)
	normalized := normalizeBody(resp, task.Request())
	chain.Record("preprocessor", "preprocessing", task.Request(), normalized, fmt.Sprintf("classified as %s", in))
	emit(ctx, out, "PREPROCESSOR", fmt.Sprintf("intent=%s", in))
	return in, normalized, nil
}

func parseIntent(resp string) intent {
	lower := strings.ToLower(resp)
	switch {
	case strings.Contains(lower, string(intentQuestion)):
		return intentQuestion
	case strings.Contains(lower, string(intentSimpleCode)):
		return intentSimpleCode
	case strings.Contains(lower, string(intentComplexCode)):
		return intentComplexCode
	default:
		return intentComplexCode
	}
}

// toolResultText pulls the primary text out of a tool result, whichever of
// the tool server's known output keys carries it.
func toolResultText(r toolclient.Result) string {
	for _, key := range []string{"content", "result"} {
		if text, ok := r.Output[key].(string); ok {
			return text
		}
	}
	return ""
}

// normalizeBody strips a leading classification line, if any, and returns
// the rest; falling back to the raw request if nothing usable remains.
func normalizeBody(resp, fallback string) string {
	lines := strings.SplitN(strings.TrimSpace(resp), "\n", 2)
	if len(lines) == 2 && strings.TrimSpace(lines[1]) != "" {
		return strings.TrimSpace(lines[1])
	}
	return fallback
}

// plan runs the Planning stage, optionally querying the tool server for
// codebase context up to MaxToolQueries times before producing a plan.
func (e *Engine) plan(ctx context.Context, task *taskstate.Task, cfg config.Config, agents *agentclient.Client, chain *melody.Chain, normalized string, in intent, out chan<- Chunk) (string, error) {
	emit(ctx, out, "PLANNER", "planning...")

	var toolContext string
	if e.tools != nil {
		maxHits := cfg.Server.MaxToolQueries
		if maxHits <= 0 {
			maxHits = defaultMaxToolHits
		}
		// The query ceiling is per task, so each planning pass gets its own
		// budgeted wrapper around the shared transport.
		tools := toolclient.NewBudgetedClient(e.tools, maxHits)
		queries := []toolclient.Query{
			{Name: toolclient.QueryAnalyzeCodebase, Args: map[string]any{"request": normalized}},
			{Name: toolclient.QuerySearchCode, Args: map[string]any{"query": normalized}},
		}
		var sb strings.Builder
		for _, q := range queries {
			result, err := tools.CallTool(ctx, q)
			if err != nil || result.IsError {
				continue
			}
			if content := toolResultText(result); content != "" {
				fmt.Fprintf(&sb, "%s:\n%s\n", q.Name, content)
			}
		}
		toolContext = strings.TrimSpace(sb.String())
	}

	sys := systemPromptFor(cfg, config.RolePlanner)
	if in == intentQuestion {
		sys += "\nAnswer the user's question directly and concisely; do not produce code."
	} else {
		sys += "\nProduce an ordered list of subtasks, each with a short description and the " +
			"modules it targets. Do not write the implementation itself."
	}

	user := normalized
	if toolContext != "" {
		user = fmt.Sprintf("%s\n\nCodebase context:\n%s", normalized, toolContext)
	}
	ancestry := chain.ContextFor(chain.Tip(), e.melody.RenderBudget())
	if ancestry != "" {
		user = fmt.Sprintf("%s\n\nPrior reasoning:\n%s", user, ancestry)
	}

	plan, err := agents.CallSync(ctx, config.RolePlanner, sys, user, agentclient.DefaultOptions())
	if err != nil {
		return "", err
	}
	chain.Record("planner", "planning", user, plan, "drafted a plan addressing the request")
	emit(ctx, out, "PLANNER", plan)
	return plan, nil
}

// code runs the Coding stage: MAKER Voter generates and votes among Coder
// candidates given the plan, reasoning-chain context, and compressed
// conversation context.
func (e *Engine) code(ctx context.Context, task *taskstate.Task, cfg config.Config, agents *agentclient.Client, voter *maker.Voter, chain *melody.Chain, convCtx *convcontext.Context, plan, feedback string, out chan<- Chunk) (string, error) {
	emit(ctx, out, "MAKER", fmt.Sprintf("generating %d candidates...", cfg.MAKER.NumCandidates))

	sys := systemPromptFor(cfg, config.RoleCoder)
	ancestry := chain.ContextFor(chain.Tip(), e.melody.RenderBudget())
	conv := convCtx.Render(cfg.Context.MaxTokens * 4) // approx chars-per-token

	var sb strings.Builder
	sb.WriteString("Plan:\n")
	sb.WriteString(plan)
	if feedback != "" {
		sb.WriteString("\n\nReviewer feedback to address:\n")
		sb.WriteString(feedback)
	}
	if ancestry != "" {
		sb.WriteString("\n\nPrior reasoning:\n")
		sb.WriteString(ancestry)
	}
	if conv != "" {
		sb.WriteString("\n\nConversation so far:\n")
		sb.WriteString(conv)
	}
	userPrompt := sb.String()

	candidates, err := voter.GenerateCandidates(ctx, sys, userPrompt)
	if err != nil {
		return "", err
	}

	task.SetStatus(taskstate.StatusVoting)
	_ = e.tasks.Save(ctx, task)
	emit(ctx, out, "MAKER", fmt.Sprintf("voting among %d surviving candidates...", len(candidates)))

	build := func(cands []maker.Candidate) (string, string) {
		var vb strings.Builder
		vb.WriteString("Task: ")
		vb.WriteString(userPrompt)
		vb.WriteString("\n\nCandidates:\n")
		for _, c := range cands {
			fmt.Fprintf(&vb, "[%s]\n%s\n\n", c.Label, c.Content)
		}
		vb.WriteString("Reply with exactly one candidate label.")
		return systemPromptFor(cfg, config.RoleVoter), vb.String()
	}

	// PickWinner skips the vote entirely when fewer than VoteK+1 candidates
	// survived generation; only an empty candidate set
	// reaches CandidateExhaustion.
	result, err := voter.PickWinner(ctx, candidates, build)
	if err != nil {
		return "", err
	}

	chain.Record("coder", "coding", userPrompt, result.Winner.Content, fmt.Sprintf("MAKER picked candidate %s (%d/%d votes)",
		result.Winner.Label, result.Tally[result.Winner.Label], result.Voters))
	convCtx.Append("assistant", result.Winner.Content)
	_ = convCtx.CompressIfNeeded(ctx)
	emit(ctx, out, "MAKER", fmt.Sprintf("selected candidate %s", result.Winner.Label))
	return result.Winner.Content, nil
}

// verdict is the Reviewing stage's structured outcome.
type verdict struct {
	Approved bool
	Feedback string
}

type verdictJSON struct {
	Status   string `json:"status"`
	Feedback string `json:"feedback"`
}

const maxReviewCodeChars = 4000

// review runs the Reviewing stage in High or Low mode, falling back from
// High to Low if the Validator endpoint is unavailable.
func (e *Engine) review(ctx context.Context, task *taskstate.Task, cfg config.Config, agents *agentclient.Client, chain *melody.Chain, convCtx *convcontext.Context, plan, code string, out chan<- Chunk) (verdict, error) {
	emit(ctx, out, "REVIEWER", "reviewing...")

	truncated := code
	if len(truncated) > maxReviewCodeChars {
		truncated = truncated[:maxReviewCodeChars]
	}

	if cfg.MAKER.Mode == config.ValidatorModeHigh {
		sys := systemPromptFor(cfg, config.RoleValidator) +
			"\nRespond with JSON: {\"status\": \"approved\"|\"failed\", \"feedback\": string}."
		user := fmt.Sprintf("Original task:\n%s\n\nPlan:\n%s\n\nCode:\n%s", task.Request(), plan, truncated)

		resp, err := agents.CallSync(ctx, config.RoleValidator, sys, user, agentclient.DefaultOptions())
		if err == nil {
			v := parseVerdict(resp)
			chain.Record("validator", "reviewing", user, resp, fmt.Sprintf("verdict=%v", v.Approved))
			emit(ctx, out, "REVIEWER", resp)
			return v, nil
		}
		// Validator unavailable: fall back to Low mode transparently.
	}

	return e.reviewLow(ctx, task, cfg, agents, chain, convCtx, plan, truncated, out)
}

// reviewLow implements Low mode (Planner Reflection): the Planner agent
// reviews its own plan against the generated code, given the original
// plan, the code (bounded to maxReviewCodeChars), reasoning-chain context,
// and the compressed conversation so far.
func (e *Engine) reviewLow(ctx context.Context, task *taskstate.Task, cfg config.Config, agents *agentclient.Client, chain *melody.Chain, convCtx *convcontext.Context, plan, code string, out chan<- Chunk) (verdict, error) {
	sys := systemPromptFor(cfg, config.RolePlanner) +
		"\nReflect on whether this code fulfills the plan. Respond with JSON: " +
		"{\"status\": \"approved\"|\"failed\", \"feedback\": string}."
	user := fmt.Sprintf("Original task:\n%s\n\nPlan:\n%s\n\nCode:\n%s", task.Request(), plan, code)
	if ancestry := chain.ContextFor(chain.Tip(), e.melody.RenderBudget()); ancestry != "" {
		user = fmt.Sprintf("%s\n\nPrior reasoning:\n%s", user, ancestry)
	}
	if conv := convCtx.Render(cfg.Context.MaxTokens * 4); conv != "" {
		user = fmt.Sprintf("%s\n\nConversation so far:\n%s", user, conv)
	}

	resp, err := agents.CallSync(ctx, config.RolePlanner, sys, user, agentclient.DefaultOptions())
	if err != nil {
		return verdict{}, errorkind.Wrap(errorkind.AgentUnavailable, "validator and planner-reflection fallback both unavailable", err)
	}
	v := parseVerdict(resp)
	chain.Record("planner", "reviewing", user, resp, fmt.Sprintf("verdict=%v (fallback mode)", v.Approved))
	emit(ctx, out, "REVIEWER", resp)
	return v, nil
}

// parseVerdict parses the reviewer's JSON verdict, falling back to a bare
// substring search for the literal token "approved".
func parseVerdict(resp string) verdict {
	var vj verdictJSON
	trimmed := strings.TrimSpace(resp)
	if start := strings.Index(trimmed, "{"); start >= 0 {
		if end := strings.LastIndex(trimmed, "}"); end > start {
			if err := json.Unmarshal([]byte(trimmed[start:end+1]), &vj); err == nil {
				return verdict{Approved: strings.EqualFold(vj.Status, "approved"), Feedback: vj.Feedback}
			}
		}
	}
	approved := strings.Contains(strings.ToLower(resp), "approved")
	return verdict{Approved: approved, Feedback: resp}
}
