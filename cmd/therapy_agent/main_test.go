package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jonathan/therapy-pipeline/internal/blob"
	"github.com/jonathan/therapy-pipeline/internal/config"
	"github.com/jonathan/therapy-pipeline/internal/db"
	"github.com/jonathan/therapy-pipeline/internal/failure"
	"github.com/jonathan/therapy-pipeline/internal/types"
)

const testVocabulary = `version: "t1"
groups:
  - kind: pattern
    tokens:
      - attachment:anxious
      - attachment:avoidant
  - kind: framework
    tokens:
      - framework:gottman
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	vocabFile, vocabCompat, migrateDryRun = "", "", false

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	defer rootCmd.SetArgs(nil)
	err := rootCmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestRootCommands(t *testing.T) {
	var names []string
	for _, c := range rootCmd.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"serve", "trigger", "status", "vocab", "migrate"} {
		assert.Contains(t, names, want)
	}
}

func TestVocabValidate(t *testing.T) {
	path := writeFile(t, "vocab.yaml", testVocabulary)

	out, err := execute(t, "vocab", "validate", "--file", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Vocabulary t1: 3 tokens")
	assert.Contains(t, out, "pattern    2")
	assert.Contains(t, out, "framework  1")
}

func TestVocabValidate_Compat(t *testing.T) {
	vocabPath := writeFile(t, "vocab.yaml", testVocabulary)
	good := writeFile(t, "good.yaml", `version: "c1"
rules:
  - a: attachment:avoidant
    b: attachment:anxious
    relation: complementary
`)
	bad := writeFile(t, "bad.yaml", `version: "c2"
rules:
  - a: attachment:secure
    b: attachment:anxious
    relation: complementary
`)

	out, err := execute(t, "vocab", "validate", "--file", vocabPath, "--compat", good)
	require.NoError(t, err)
	assert.Contains(t, out, "Compatibility table c1: 1 rules")

	_, err = execute(t, "vocab", "validate", "--file", vocabPath, "--compat", bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "attachment:secure")
}

func TestVocabValidate_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"not atomic", "version: v\ngroups:\n  - kind: theme\n    tokens: [\"Trust Issues\"]\n", "not atomic"},
		{"duplicate", "version: v\ngroups:\n  - kind: theme\n    tokens: [theme:trust, theme:trust]\n", "duplicate"},
		{"unknown kind", "version: v\ngroups:\n  - kind: mood\n    tokens: [mood:low]\n", "unknown kind"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, "vocab.yaml", tt.content)
			_, err := execute(t, "vocab", "validate", "--file", path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestMigrateDryRun(t *testing.T) {
	out, err := execute(t, "migrate", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "001_init.sql")
}

func TestSeedInput(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemory()
	path := writeFile(t, "session.json", `{"transcript":"we argued about money","research_query":"financial conflict couples"}`)

	require.NoError(t, seedInput(ctx, store, blob.PreSessionKey("c-1"), path))

	data, err := store.Get(ctx, blob.PreSessionKey("c-1"))
	require.NoError(t, err)
	var got types.SessionInput
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "financial conflict couples", got.ResearchQuery)
}

func TestSeedInput_Rejects(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemory()

	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"empty transcript", `{"transcript":"   "}`, "empty transcript"},
		{"unknown field", `{"transcript":"x","notes":"y"}`, "failed to parse"},
		{"not json", `transcript: x`, "failed to parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, "in.json", tt.content)
			err := seedInput(ctx, store, "inputs/c/pre_session.json", path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
	assert.Empty(t, store.Keys())

	err := seedInput(ctx, store, "k", filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorContains(t, err, "failed to read input file")
}

func TestInputKey(t *testing.T) {
	assert.Equal(t, blob.PreSessionKey("c"), inputKey(types.KindSoloPre, "c"))
	assert.Equal(t, blob.PostSessionKey("c"), inputKey(types.KindSoloPost, "c"))
}

func TestMasterKey(t *testing.T) {
	logger := zap.NewNop()

	raw := bytes.Repeat([]byte{0x2a}, 32)
	key, err := masterKey(&config.Config{EncryptionKey: hex.EncodeToString(raw)}, logger)
	require.NoError(t, err)
	assert.Equal(t, raw, key)

	_, err = masterKey(&config.Config{S3: config.S3Config{Bucket: "b", Region: "us-east-1"}}, logger)
	assert.ErrorContains(t, err, "encryption_key is required")

	ephemeral, err := masterKey(&config.Config{}, logger)
	require.NoError(t, err)
	assert.Len(t, ephemeral, 32)
}

func TestOpenStorage_Memory(t *testing.T) {
	st, err := openStorage(context.Background(), &config.Config{}, zap.NewNop())
	require.NoError(t, err)
	defer st.close()

	assert.False(t, st.persistent)
	assert.Nil(t, st.ping)
	assert.NotNil(t, st.links)
}

func TestOpenBlobs_EncryptsAtRest(t *testing.T) {
	ctx := context.Background()
	blobs, err := openBlobs(ctx, &config.Config{}, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, blobs.Put(ctx, "state/c/plan.json", []byte(`{"version":1}`)))
	got, err := blobs.Get(ctx, "state/c/plan.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":1}`, string(got))
}

func TestLoadData(t *testing.T) {
	vocab, table, err := loadData(&config.Config{})
	require.NoError(t, err)
	assert.Positive(t, vocab.Len())
	assert.NotEmpty(t, table.Rules())

	_, _, err = loadData(&config.Config{VocabularyPath: writeFile(t, "v.yaml", testVocabulary)})
	require.Error(t, err, "the default table references tokens the small vocabulary lacks")
}

func TestLLMConfig_Overrides(t *testing.T) {
	c := llmConfig(&config.Config{Models: config.ModelsConfig{Advanced: "gemini-exp"}})
	assert.Equal(t, "gemini-exp", c.GetModel("advanced"))
}

func TestBuildRuntime_RequiresGeminiKey(t *testing.T) {
	_, err := buildRuntime(context.Background(), &config.Config{}, zap.NewNop(), nil)
	assert.ErrorContains(t, err, "gemini_api_key")
}

func TestNewResearch_DisabledWithoutKey(t *testing.T) {
	r, err := newResearch(context.Background(), &config.Config{}, zap.NewNop())
	require.NoError(t, err)
	got, err := r.Search(context.Background(), "anything")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func seedRun(t *testing.T, store *db.MemoryStore, status types.RunStatus) *types.PipelineRun {
	t.Helper()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	run := types.NewPipelineRun(types.KindSoloPost, types.SubjectRef{ClientID: "c-9"}, now)
	require.NoError(t, store.CreateRun(context.Background(), run))
	if status != types.RunQueued {
		require.NoError(t, run.Transition(types.RunRunning, now.Add(time.Second)))
		if status != types.RunRunning {
			require.NoError(t, run.Transition(status, now.Add(3*time.Second)))
		}
		require.NoError(t, store.UpdateRun(context.Background(), run))
	}
	return run
}

func TestListRuns(t *testing.T) {
	store := db.NewMemoryStore()
	var out bytes.Buffer
	require.NoError(t, listRuns(context.Background(), &out, store, 10))
	assert.Contains(t, out.String(), "No runs found")

	run := seedRun(t, store, types.RunComplete)
	out.Reset()
	require.NoError(t, listRuns(context.Background(), &out, store, 10))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "STATUS")
	assert.Contains(t, lines[1], run.ID.String())
	assert.Contains(t, lines[1], "complete")
	assert.Contains(t, lines[1], "client:c-9")
}

func TestShowRun(t *testing.T) {
	store := db.NewMemoryStore()
	run := seedRun(t, store, types.RunComplete)

	var out bytes.Buffer
	require.NoError(t, showRun(context.Background(), &out, store, run.ID, true, time.Millisecond))
	assert.Contains(t, out.String(), "PIPELINE RUN")
	assert.Contains(t, out.String(), "complete")

	err := showRun(context.Background(), &out, store, uuid.New(), false, time.Millisecond)
	assert.Equal(t, failure.KindNotFound, failure.KindOf(err))
}

func TestShowRun_WatchStopsOnCancel(t *testing.T) {
	store := db.NewMemoryStore()
	run := seedRun(t, store, types.RunRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var out bytes.Buffer
	err := showRun(ctx, &out, store, run.ID, true, 5*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, strings.Count(out.String(), "watching"), "unchanged polls print once")
}
