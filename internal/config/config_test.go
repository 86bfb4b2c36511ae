package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_SetDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()

	assert.Equal(t, 5, cfg.MAKER.NumCandidates)
	assert.Equal(t, 3, cfg.MAKER.VoteK)
	assert.Equal(t, ValidatorModeHigh, cfg.MAKER.Mode)
	assert.Equal(t, 100000, cfg.Context.MaxTokens)
	assert.Equal(t, 6, cfg.Context.RecentKeep)
	assert.Equal(t, 3, cfg.Task.MaxIterations)
	assert.Equal(t, "memory", cfg.Store.Backend)
}

func TestConfig_Validate_RequiresMajorityReachable(t *testing.T) {
	cfg := &Config{
		MAKER: MAKERConfig{NumCandidates: 2, VoteK: 3},
		Agents: map[Role]AgentEndpoint{
			RolePreprocessor: {URL: "http://x"},
			RolePlanner:      {URL: "http://x"},
			RoleCoder:        {URL: "http://x"},
			RoleVoter:        {URL: "http://x"},
		},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "N >= 2K-1")
}

func TestConfig_Validate_MissingEndpoint(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing agent endpoint")
}

func TestConfig_Validate_OK(t *testing.T) {
	cfg := &Config{
		Agents: map[Role]AgentEndpoint{
			RolePreprocessor: {URL: "http://x"},
			RolePlanner:      {URL: "http://x"},
			RoleCoder:        {URL: "http://x"},
			RoleVoter:        {URL: "http://x"},
			RoleValidator:    {URL: "http://x"},
		},
	}
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())
}
