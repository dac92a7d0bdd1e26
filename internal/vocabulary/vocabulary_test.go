package vocabulary

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	v := Default()
	assert.NotEmpty(t, v.Version())
	assert.True(t, v.Contains("attachment:anxious"))
	assert.True(t, v.Contains("framework:gottman"))
	assert.False(t, v.Contains("patient said X"))

	k, ok := v.KindOf("framework:gottman")
	require.True(t, ok)
	assert.Equal(t, KindFramework, k)

	for _, tok := range v.Tokens() {
		assert.True(t, IsAtomic(tok), "token %q", tok)
	}
}

func TestNew_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		version string
		groups  []Group
		want    string
	}{
		{"no version", "", []Group{{Kind: KindTheme, Tokens: []string{"theme:trust"}}}, "version is required"},
		{"unknown kind", "1", []Group{{Kind: "feeling", Tokens: []string{"theme:trust"}}}, "unknown kind"},
		{"free text", "1", []Group{{Kind: KindTheme, Tokens: []string{"the client feels alone"}}}, "not atomic"},
		{"uppercase", "1", []Group{{Kind: KindTheme, Tokens: []string{"Theme:Trust"}}}, "not atomic"},
		{"duplicate", "1", []Group{
			{Kind: KindTheme, Tokens: []string{"theme:trust"}},
			{Kind: KindPattern, Tokens: []string{"theme:trust"}},
		}, "duplicate token"},
		{"empty", "1", nil, "no tokens"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := New(tt.version, tt.groups)
			require.Error(t, err)
			assert.Nil(t, v)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLookup(t *testing.T) {
	v := Default()

	tok, ok := v.Lookup("  Attachment:Anxious ")
	require.True(t, ok)
	assert.Equal(t, "attachment:anxious", tok)

	_, ok = v.Lookup("attachment: anxious")
	assert.False(t, ok)
	_, ok = v.Lookup("attachment:anxiousness")
	assert.False(t, ok)
	_, ok = v.Lookup("")
	assert.False(t, ok)
}

func TestTokensPreserveOrderAndAreCopies(t *testing.T) {
	v, err := New("1", []Group{
		{Kind: KindFramework, Tokens: []string{"framework:b", "framework:a"}},
		{Kind: KindTheme, Tokens: []string{"theme:c"}},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"framework:b", "framework:a", "theme:c"}, v.Tokens())
	assert.Equal(t, []string{"theme:c"}, v.TokensOfKind(KindTheme))

	toks := v.Tokens()
	toks[0] = "framework:mutated"
	assert.False(t, v.Contains("framework:mutated"))
	assert.Equal(t, 3, v.Len())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vocab.yaml")
	content := "version: \"7\"\ngroups:\n  - kind: theme\n    tokens: [theme:trust]\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	v, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "7", v.Version())

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Parse([]byte("version: [unterminated"))
	assert.Error(t, err)
}

func TestCategory(t *testing.T) {
	assert.Equal(t, "attachment", Category("attachment:avoidant"))
	assert.Equal(t, "theme", Category("theme"))
}
