package scenario

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/waypoint/api/schemas"
	"github.com/xkilldash9x/waypoint/internal/knowledge"
)

func TestLoad(t *testing.T) {
	s, err := Load(filepath.Join("testdata", "lateral.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "lateral", s.Name)
	assert.Equal(t, 60, s.Visibility)
	require.Len(t, s.Abilities, 3)
	assert.Equal(t, 30*time.Second, s.Abilities[1].Executors[0].Timeout)
	assert.Equal(t, []string{"host.cred"}, s.Abilities[1].Executors[0].OutputTraits())
	assert.Equal(t, 90, s.Abilities[2].Visibility)
	assert.Equal(t, []schemas.Goal{{Target: "host.cred", Operator: "*", Count: 1}}, s.Adversary.Goals)
	assert.Equal(t, "http://c2.local", s.Agents[0].Server)
	assert.Equal(t, []schemas.Fact{{Trait: "domain.name", Value: "corp.local"}}, s.Facts)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join("testdata", "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read scenario")
}

func TestEngineOutcomes(t *testing.T) {
	s, err := Load(filepath.Join("testdata", "lateral.yaml"))
	require.NoError(t, err)

	outcomes := s.EngineOutcomes()
	require.Len(t, outcomes, 2)
	assert.Equal(t, 1.0, outcomes["discover-user"].SuccessRate, "omitted rate means always succeed")
	assert.Equal(t, "alice", outcomes["discover-user"].Facts[0].Value)
	assert.Equal(t, 0.5, outcomes["dump-creds"].SuccessRate)
	assert.Equal(t, 5*time.Millisecond, outcomes["dump-creds"].Delay)
}

func TestOperations(t *testing.T) {
	s, err := Load(filepath.Join("testdata", "lateral.yaml"))
	require.NoError(t, err)

	ops := s.Operations()
	require.Len(t, ops, 1)
	op := ops[0]
	assert.Equal(t, "history-1", op.ID)
	assert.Equal(t, "atomic", op.Planner)
	assert.Equal(t, "adv-lateral", op.Adversary.ID)
	require.Len(t, op.Agents, 1)
	require.Len(t, op.Chain, 4, "repeat expands into identical links")

	for _, l := range op.Chain[:3] {
		assert.Equal(t, schemas.StatusSuccess, l.Status)
		assert.Equal(t, "discover-user", l.AbilityID())
		cmd, err := l.DecodedCommand()
		require.NoError(t, err)
		assert.Equal(t, "whoami", cmd)
	}
	last := op.Chain[3]
	assert.Equal(t, schemas.StatusError, last.Status)
	assert.Equal(t, "sh", last.Executor.Name)
	assert.Equal(t, []schemas.Fact{{Trait: "host.user", Value: "alice"}}, last.Used)
	assert.Equal(t, "history-1-link-4", last.ID)
}

func TestPopulate(t *testing.T) {
	ctx := context.Background()
	s, err := Load(filepath.Join("testdata", "lateral.yaml"))
	require.NoError(t, err)

	ds := knowledge.NewInMemory(nil)
	require.NoError(t, s.Populate(ctx, ds))

	abilities, err := ds.LocateAbilities(ctx)
	require.NoError(t, err)
	assert.Len(t, abilities, 3)
	_, err = ds.LocateAgent(ctx, "p1")
	assert.NoError(t, err)
	ops, err := ds.LocateOperations(ctx)
	require.NoError(t, err)
	assert.Len(t, ops, 1)
}

func TestParseValidation(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{
			name:    "malformed yaml",
			doc:     "abilities: [",
			wantErr: "failed to parse YAML",
		},
		{
			name:    "empty document",
			doc:     "name: empty",
			wantErr: "at least one ability is required",
		},
		{
			name: "unknown ability in ordering",
			doc: `
abilities: [{id: a, executors: [{name: sh, platform: linux, command: id}]}]
agents: [{paw: p1}]
adversary: {atomic_ordering: [a, b]}`,
			wantErr: `unknown ability "b"`,
		},
		{
			name: "duplicate ability",
			doc: `
abilities:
  - {id: a, executors: [{name: sh, platform: linux, command: id}]}
  - {id: a, executors: [{name: sh, platform: linux, command: id}]}
agents: [{paw: p1}]`,
			wantErr: `duplicate id "a"`,
		},
		{
			name: "ability without executors",
			doc: `
abilities: [{id: a}]
agents: [{paw: p1}]`,
			wantErr: "has no executors",
		},
		{
			name: "success rate out of range",
			doc: `
abilities: [{id: a, executors: [{name: sh, platform: linux, command: id}]}]
agents: [{paw: p1}]
outcomes: {a: {success_rate: 1.5}}`,
			wantErr: "success_rate must be between 0 and 1",
		},
		{
			name: "unknown history status",
			doc: `
abilities: [{id: a, executors: [{name: sh, platform: linux, command: id}]}]
agents: [{paw: p1}]
history: [{links: [{ability: a, status: exploded}]}]`,
			wantErr: `unknown status "exploded"`,
		},
		{
			name: "visibility out of range",
			doc: `
visibility: 101
abilities: [{id: a, executors: [{name: sh, platform: linux, command: id}]}]
agents: [{paw: p1}]`,
			wantErr: "visibility 101",
		},
		{
			name: "duplicate agent",
			doc: `
abilities: [{id: a, executors: [{name: sh, platform: linux, command: id}]}]
agents: [{paw: p1}, {paw: p1}]`,
			wantErr: `duplicate paw "p1"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
