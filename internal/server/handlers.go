package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/invopop/jsonschema"

	"github.com/makerforge/orchestrator/internal/errorkind"
	"github.com/makerforge/orchestrator/internal/pipeline"
	"github.com/makerforge/orchestrator/internal/taskstate"
)

// schemaVerdict mirrors the Reviewing stage's lenient JSON verdict shape
// (internal/pipeline.verdictJSON) for schema introspection; it has no
// other purpose and is never (de)serialized itself.
type schemaVerdict struct {
	Status   string `json:"status" jsonschema:"enum=approved,enum=failed"`
	Feedback string `json:"feedback"`
}

// schemaDoc is the document handleSchema reflects: the task snapshot
// clients poll via resume/introspection, plus the reviewer verdict shape
// agents are asked to emit.
type schemaDoc struct {
	Task    taskstate.Snapshot `json:"task"`
	Verdict schemaVerdict      `json:"verdict"`
}

// handleChatCompletions implements POST /v1/chat/completions:
// allocate a task, hand it to the Pipeline Engine, and stream or
// accumulate its output depending on the request's stream flag.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "malformed JSON body")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "messages must not be empty")
		return
	}

	release, ok := s.acquireSlot()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "server_error", "too many in-flight tasks, retry later")
		return
	}
	defer release()

	task, chunks, err := s.engine.Run(r.Context(), lastUserMessage(req.Messages))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	if req.Stream {
		s.streamResponse(w, task, chunks)
		return
	}
	s.collectResponse(w, task, chunks)
}

// handleModels implements GET /v1/models: a static announcement
// of the one model this orchestrator exposes to clients.
func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, modelsResponse{
		Object: "list",
		Data:   []modelInfo{{ID: modelName, Object: "model", OwnedBy: "maker-orchestrator"}},
	})
}

// handleResume implements POST /api/session/{id}/resume:
// reattach to a persisted task and continue from its last completed
// stage. A task already in a terminal status is a no-op that returns its
// existing result.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")

	var req chatCompletionRequest
	_ = json.NewDecoder(r.Body).Decode(&req) // body may be empty

	release, ok := s.acquireSlot()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "server_error", "too many in-flight tasks, retry later")
		return
	}
	defer release()

	task, chunks, err := s.engine.Resume(r.Context(), taskID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	if req.Stream {
		s.streamResponse(w, task, chunks)
		return
	}
	s.collectResponse(w, task, chunks)
}

// handleMelodicLine implements GET /api/task/{id}/melodic-line: a
// read-only dump of the task's reasoning chain.
func (s *Server) handleMelodicLine(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	if _, err := s.tasks.Get(r.Context(), taskID); err != nil {
		s.writeEngineError(w, err)
		return
	}
	chain := s.melody.OpenTask(taskID)
	writeJSON(w, http.StatusOK, chain.Nodes())
}

// handleAgentContext implements GET /api/task/{id}/agent/{agent}/context:
// the bounded reasoning-chain text the next named agent would receive.
// The rendering itself is agent-agnostic; any gating of which agents
// receive it belongs to the Pipeline, not here.
func (s *Server) handleAgentContext(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	agent := chi.URLParam(r, "agent")
	if _, err := s.tasks.Get(r.Context(), taskID); err != nil {
		s.writeEngineError(w, err)
		return
	}
	chain := s.melody.OpenTask(taskID)
	text := chain.ContextFor(chain.Tip(), s.melody.RenderBudget())
	writeJSON(w, http.StatusOK, map[string]string{"agent": agent, "context": text})
}

// handleSchema implements GET /api/schema: a JSON Schema description of
// the task snapshot and reviewer verdict shapes, generated dynamically so
// it never drifts from the Go types it describes.
func (s *Server) handleSchema(w http.ResponseWriter, _ *http.Request) {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	schema := reflector.Reflect(&schemaDoc{})
	schema.Title = "MAKER Orchestrator Task Schema"
	schema.Description = "Task snapshot and reviewer verdict shapes exposed by the orchestrator's HTTP API."

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(schema); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "failed to generate schema")
	}
}

// streamResponse relays the pipeline's chunk stream as OpenAI-shaped SSE
// frames, terminating with the literal token [DONE]. A task
// that ends in failure emits a final content frame carrying the terminal
// error tag.
func (s *Server) streamResponse(w http.ResponseWriter, task *taskstate.Task, chunks <-chan pipeline.Chunk) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "server_error", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	id := "chatcmpl-" + task.ID()
	created := time.Now().Unix()

	for c := range chunks {
		if c.Done {
			if c.Err != nil {
				writeSSE(w, flusher, chatCompletionChunk{
					ID: id, Object: "chat.completion.chunk", Created: created, Model: modelName,
					Choices: []chunkChoice{{Index: 0, Delta: delta{Content: fmt.Sprintf("[ERROR] %s", errKindString(c.Err))}, FinishReason: "stop"}},
				})
			}
			break
		}
		writeSSE(w, flusher, chatCompletionChunk{
			ID: id, Object: "chat.completion.chunk", Created: created, Model: modelName,
			Choices: []chunkChoice{{Index: 0, Delta: delta{Content: fmt.Sprintf("[%s] %s\n", c.Stage, c.Content)}}},
		})
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// collectResponse drains the pipeline's chunk stream and responds with a
// single non-streaming envelope once the task reaches a terminal status.
func (s *Server) collectResponse(w http.ResponseWriter, task *taskstate.Task, chunks <-chan pipeline.Chunk) {
	var kerr error
	for c := range chunks {
		if c.Done {
			kerr = c.Err
		}
	}

	if kerr != nil && task.Status() == taskstate.StatusFailed {
		s.writeEngineError(w, kerr)
		return
	}

	finishReason := "stop"
	if task.Status() == taskstate.StatusMaxIterationsExceeded {
		finishReason = "length"
	}
	writeJSON(w, http.StatusOK, chatCompletionResponse{
		ID: "chatcmpl-" + task.ID(), Object: "chat.completion", Created: time.Now().Unix(), Model: modelName,
		Choices: []choice{{Index: 0, Message: choiceMessage{Role: "assistant", Content: task.Result()}, FinishReason: finishReason}},
	})
}

// writeEngineError maps an errorkind.Error to its HTTP status and writes the client-safe message; the full detail
// is expected to already have been logged by the pipeline itself.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	kerr, ok := err.(*errorkind.Error)
	if !ok {
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}
	writeError(w, statusForKind(kerr.Kind), string(kerr.Kind), kerr.Message)
}

func statusForKind(k errorkind.Kind) int {
	switch k {
	case errorkind.BadRequest:
		return http.StatusBadRequest
	case errorkind.TaskNotFound:
		return http.StatusNotFound
	case errorkind.AgentTimeout:
		return http.StatusRequestTimeout
	case errorkind.TaskLocked, errorkind.AgentUnavailable, errorkind.ToolUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errKindString(err error) string {
	if kerr, ok := err.(*errorkind.Error); ok {
		return string(kerr.Kind)
	}
	return "internal_error"
}

func lastUserMessage(msgs []chatMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].Content
		}
	}
	var sb strings.Builder
	for _, m := range msgs {
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, typ, msg string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Type: typ, Message: msg}})
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", b)
	flusher.Flush()
}
