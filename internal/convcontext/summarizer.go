package convcontext

import (
	"context"
	"fmt"

	"github.com/makerforge/orchestrator/internal/agentclient"
	"github.com/makerforge/orchestrator/internal/config"
)

const summarizePrompt = "Condense the following conversation span into a short paragraph " +
	"that preserves every decision, fact, and file path a coding agent would still need. " +
	"Do not add commentary; output only the condensed paragraph."

// AgentSummarizer implements Summarizer by asking the Preprocessor agent to
// condense a span of conversation.
type AgentSummarizer struct {
	client *agentclient.Client
}

// NewAgentSummarizer builds a Summarizer backed by the given agent client.
func NewAgentSummarizer(client *agentclient.Client) *AgentSummarizer {
	return &AgentSummarizer{client: client}
}

func (s *AgentSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	opts := agentclient.DefaultOptions()
	opts.Temperature = 0.2
	out, err := s.client.CallSync(ctx, config.RolePreprocessor, summarizePrompt, text, opts)
	if err != nil {
		return "", fmt.Errorf("convcontext: preprocessor summarize: %w", err)
	}
	return out, nil
}
