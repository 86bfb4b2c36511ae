// Package maker implements the MAKER Voter component: generate
// N candidate solutions at a spread of temperatures, then have up to 2K-1
// independent voters pick among them, declaring a winner as soon as any
// candidate reaches K votes.
package maker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/makerforge/orchestrator/internal/agentclient"
	"github.com/makerforge/orchestrator/internal/config"
	"github.com/makerforge/orchestrator/internal/errorkind"
	"github.com/makerforge/orchestrator/internal/observability"
)

// Candidate is one coder-generated solution attempt.
type Candidate struct {
	Label       string
	Content     string
	Temperature float64
	Index       int // generation order, used as the tie-break key
}

// VoteResult is the outcome of a voting round.
type VoteResult struct {
	Winner Candidate
	Tally  map[string]int
	Voters int // voters actually consulted before a decision was reached
}

// Voter runs the generate-then-vote cycle against the orchestrator's coder
// and voter agent endpoints.
type Voter struct {
	client  *agentclient.Client
	cfg     config.MAKERConfig
	metrics *observability.Metrics
}

// New builds a Voter. metrics may be nil in tests.
func New(client *agentclient.Client, cfg config.MAKERConfig, metrics *observability.Metrics) *Voter {
	return &Voter{client: client, cfg: cfg, metrics: metrics}
}

func labelFor(i int) string {
	if i < 26 {
		return string(rune('A' + i))
	}
	return fmt.Sprintf("C%d", i)
}

func (v *Voter) temperatureFor(i int) float64 {
	n := v.cfg.NumCandidates
	if n <= 1 {
		return v.cfg.TemperatureFloor
	}
	return v.cfg.TemperatureFloor + v.cfg.TemperatureStep*float64(i)
}

// GenerateCandidates runs NumCandidates independent coder calls at a
// temperature spread of [TemperatureFloor, TemperatureFloor +
// TemperatureStep*(N-1)], dropping any candidate shorter than
// MinCandidateLen or that errored. It returns CandidateExhaustion if
// nothing survives.
func (v *Voter) GenerateCandidates(ctx context.Context, systemPrompt, userPrompt string) ([]Candidate, error) {
	n := v.cfg.NumCandidates
	slots := make([]*Candidate, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			temp := v.temperatureFor(i)
			opts := agentclient.DefaultOptions()
			opts.Temperature = temp

			out, err := v.client.CallSync(ctx, config.RoleCoder, systemPrompt, userPrompt, opts)
			if err != nil {
				slog.Warn("maker: candidate generation failed", "index", i, "error", err)
				return
			}
			trimmed := strings.TrimSpace(out)
			if len(trimmed) < v.cfg.MinCandidateLen {
				slog.Debug("maker: candidate filtered for length", "index", i, "len", len(trimmed))
				return
			}
			slots[i] = &Candidate{Label: labelFor(i), Content: trimmed, Temperature: temp, Index: i}
		}()
	}
	wg.Wait()

	candidates := make([]Candidate, 0, n)
	for _, s := range slots {
		if s != nil {
			candidates = append(candidates, *s)
		}
	}
	if len(candidates) == 0 {
		return nil, errorkind.New(errorkind.CandidateExhaustion, "all candidates errored or were filtered by min length")
	}
	if v.metrics != nil {
		v.metrics.MAKERRounds.Inc()
	}
	return candidates, nil
}

// PromptBuilder renders the system and user prompt a voter sees, given the
// candidate set it must choose among.
type PromptBuilder func(candidates []Candidate) (systemPrompt, userPrompt string)

// PickWinner selects a winner among candidates that already survived
// GenerateCandidates' filtering, skipping the voting round entirely when
// fewer than VoteK+1 candidates are available: with that few options a
// vote adds no signal, so the earliest-launched survivor is returned
// directly and no voter call is made. Once K+1 or
// more candidates survive, the full first-to-K vote runs via VoteAndPick.
func (v *Voter) PickWinner(ctx context.Context, candidates []Candidate, build PromptBuilder) (VoteResult, error) {
	if len(candidates) == 0 {
		return VoteResult{}, errorkind.New(errorkind.CandidateExhaustion, "no candidates to vote on")
	}
	if len(candidates) < v.cfg.VoteK+1 {
		best := candidates[0]
		return VoteResult{Winner: best, Tally: map[string]int{best.Label: 1}, Voters: 0}, nil
	}
	return v.VoteAndPick(ctx, candidates, build)
}

type voteOutcome struct {
	label string
	err   error
}

// VoteAndPick launches up to 2*VoteK-1 independent voter calls against
// candidates, stopping as soon as one label collects VoteK votes and
// cancelling the rest. If the voter pool is exhausted without a majority,
// the candidate with the most votes wins; ties are broken by earliest
// generation order.
func (v *Voter) VoteAndPick(ctx context.Context, candidates []Candidate, build PromptBuilder) (VoteResult, error) {
	if len(candidates) == 0 {
		return VoteResult{}, errorkind.New(errorkind.CandidateExhaustion, "no candidates to vote on")
	}

	k := v.cfg.VoteK
	maxVoters := 2*k - 1
	sysPrompt, userPrompt := build(candidates)

	voteCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan voteOutcome)
	done := make(chan struct{})
	var eg errgroup.Group
	for i := 0; i < maxVoters; i++ {
		eg.Go(func() error {
			opts := agentclient.DefaultOptions()
			opts.Temperature = 0.0
			out, err := v.client.CallSync(voteCtx, config.RoleVoter, sysPrompt, userPrompt, opts)
			outcome := voteOutcome{err: err}
			if err == nil {
				outcome.label = extractLabel(out, candidates)
			}
			select {
			case <-done:
			case results <- outcome:
			}
			return nil
		})
	}
	go func() {
		_ = eg.Wait()
		close(results)
	}()

	tally := make(map[string]int, len(candidates))
	votersConsulted := 0
	winnerLabel := ""
	for res := range results {
		votersConsulted++
		if res.err != nil || res.label == "" {
			continue
		}
		tally[res.label]++
		if tally[res.label] >= k {
			winnerLabel = res.label
			close(done)
			cancel()
			break
		}
	}

	if winnerLabel == "" {
		// Voter budget exhausted without a first-to-K winner: the label with
		// the most tallies wins, ties (including an all-abstain 0-0-0 round)
		// broken by earliest launch order.
		best := -1
		for _, c := range candidates {
			if tally[c.Label] > best {
				best = tally[c.Label]
				winnerLabel = c.Label
			}
		}
	}

	for _, c := range candidates {
		if c.Label == winnerLabel {
			if v.metrics != nil {
				v.metrics.MAKERWinnerVotes.Observe(float64(tally[winnerLabel]))
			}
			return VoteResult{Winner: c, Tally: tally, Voters: votersConsulted}, nil
		}
	}
	return VoteResult{}, errorkind.New(errorkind.CandidateExhaustion, "winning label matched no candidate")
}

// extractLabel finds the first candidate label mentioned as a standalone
// token in a voter's response (e.g. "B" or "Candidate B is best").
func extractLabel(response string, candidates []Candidate) string {
	fields := strings.FieldsFunc(response, func(r rune) bool {
		return !('A' <= r && r <= 'Z') && !('0' <= r && r <= '9')
	})
	fieldSet := make(map[string]bool, len(fields))
	for _, f := range fields {
		fieldSet[f] = true
	}
	for _, c := range candidates {
		if fieldSet[c.Label] {
			return c.Label
		}
	}
	return ""
}
