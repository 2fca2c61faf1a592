package targetfiles

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xmonitor/pkg/models"
)

func TestParseNestedAIBlock(t *testing.T) {
	def, err := Parse([]byte(`
label: "  Go team  "
kind: accounts
target: "@golang, rsc"
ai:
  provider: grok
  prompt: "What changed?"
`))
	require.NoError(t, err)
	assert.Equal(t, models.KindAccount, def.Kind)
	assert.Equal(t, "@golang, rsc", def.Value)
	assert.Equal(t, "Go team", def.Label)
	require.NotNil(t, def.Analysis)
	assert.True(t, def.Analysis.Enabled, "any ai value enables analysis")
	assert.Equal(t, "grok", def.Analysis.Provider)
	assert.Equal(t, "What changed?", def.Analysis.Prompt)
}

func TestParseFlatKeysWinOverBlock(t *testing.T) {
	def, err := Parse([]byte(`
display_name: Rust news
kind: keyword
target: rust 2024
ai_provider: openai
ai_model: gpt-4o-mini
ai:
  provider: grok
  enabled: false
`))
	require.NoError(t, err)
	assert.Equal(t, models.KindPhrase, def.Kind)
	assert.Equal(t, "Rust news", def.Label)
	require.NotNil(t, def.Analysis)
	assert.False(t, def.Analysis.Enabled)
	assert.Equal(t, "openai", def.Analysis.Provider)
	assert.Equal(t, "gpt-4o-mini", def.Analysis.Model)
}

func TestParseWithoutAI(t *testing.T) {
	def, err := Parse([]byte("kind: phrase\ntarget: golang\n"))
	require.NoError(t, err)
	assert.Nil(t, def.Analysis)
	assert.Empty(t, def.Label)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"invalid yaml", "kind: [phrase", "invalid YAML format"},
		{"missing kind", "target: golang", "kind is required"},
		{"unknown kind", "kind: hashtag\ntarget: golang", "unsupported target kind"},
		{"empty target", "kind: phrase\ntarget: '  '", "target cannot be empty"},
		{"bad handles", "kind: account\ntarget: '@@@'", "no valid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.raw))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestPrepareWritesExampleOnce(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "monitor-configs")
	require.NoError(t, Prepare(dir))

	example := filepath.Join(dir, ExampleFileName)
	require.NoError(t, os.WriteFile(example, []byte("kind: phrase\ntarget: mine\n"), 0o644))
	require.NoError(t, Prepare(dir))

	data, err := os.ReadFile(example)
	require.NoError(t, err)
	assert.Equal(t, "kind: phrase\ntarget: mine\n", string(data), "an existing example is not overwritten")
}

func TestExampleFileParses(t *testing.T) {
	def, err := Parse([]byte(exampleFile))
	require.NoError(t, err)
	assert.Equal(t, models.KindAccount, def.Kind)
	require.NotNil(t, def.Analysis)
	assert.True(t, def.Analysis.Enabled)
}

func TestLoadDirSortsAndReportsErrorsPerFile(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	write("b.yml", "kind: phrase\ntarget: rust\n")
	write("A.yaml", "kind: phrase\ntarget: golang\n")
	write("broken.yaml", "kind: [")
	write("notes.txt", "ignored")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.yaml"), 0o755))

	entries, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "A.yaml", entries[0].FileName)
	assert.Equal(t, "golang", entries[0].Definition.Value)
	assert.Equal(t, "b.yml", entries[1].FileName)
	assert.Equal(t, "broken.yaml", entries[2].FileName)
	assert.Error(t, entries[2].Err)
}

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWatcher(dir, 20*time.Millisecond, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.yaml"), []byte("kind: phrase\ntarget: golang\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("x"), 0o644))

	select {
	case entries := <-w.Changes():
		require.Len(t, entries, 1)
		assert.Equal(t, "golang", entries[0].Definition.Value)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after writing a definition file")
	}

	cancel()
	<-done
	for range w.Changes() {
	}
}
