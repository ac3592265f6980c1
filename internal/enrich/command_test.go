package enrich

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptCommand writes a shell script that drains stdin and runs
// body, and returns a Command for it.
func scriptCommand(t *testing.T, body string) *Command {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on windows")
	}
	path := filepath.Join(t.TempDir(), "enrich.sh")
	script := "#!/bin/sh\ncat > \"$(dirname \"$0\")/stdin.txt\"\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	c, err := NewCommand("'" + path + "' --flag value")
	require.NoError(t, err)
	return c
}

func TestCommandEnrich_BareObject(t *testing.T) {
	c := scriptCommand(t, `echo '`+okObject+`'`)
	assert.Equal(t, []string{"--flag", "value"}, c.args)

	res, err := c.Enrich(context.Background(), Request{
		OriginalTitle: "digits",
		Text:          "user: how?",
	})
	require.NoError(t, err)
	assert.Equal(t, "Matching digits", res.Title)

	stdin, err := os.ReadFile(filepath.Join(filepath.Dir(c.path), "stdin.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(stdin), "Original title: digits")
	assert.Contains(t, string(stdin), "user: how?")
}

func TestCommandEnrich_ResultEnvelope(t *testing.T) {
	c := scriptCommand(t, "printf '%s\\n' "+
		"'{\"result\":\"```json\\n{\\\"title\\\":\\\"Wrapped\\\"}\\n```\",\"model\":\"m-1\"}'")
	res, err := c.Enrich(context.Background(), Request{Text: "x"})
	require.NoError(t, err)
	assert.Equal(t, "Wrapped", res.Title)
	assert.Equal(t, "m-1", res.Model)
}

func TestCommandEnrich_Failures(t *testing.T) {
	c := scriptCommand(t, "echo 'quota exceeded' >&2\nexit 3")
	_, err := c.Enrich(context.Background(), Request{Text: "x"})
	assert.True(t, IsTransient(err))
	assert.ErrorContains(t, err, "quota exceeded")

	c = scriptCommand(t, "echo 'no json here'")
	_, err = c.Enrich(context.Background(), Request{Text: "x"})
	assert.ErrorIs(t, err, ErrPermanent)
}

func TestCommandEnrich_Cancelled(t *testing.T) {
	c := scriptCommand(t, "sleep 5")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Enrich(ctx, Request{Text: "x"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsTransient(err))
}

func TestNewCommand_Errors(t *testing.T) {
	_, err := NewCommand("   ")
	assert.ErrorContains(t, err, "empty")

	_, err = NewCommand(`"unterminated`)
	assert.Error(t, err)

	_, err = NewCommand("cogrepo-no-such-binary-xyz --x")
	assert.ErrorContains(t, err, "not found")
}

func TestCleanEnv(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "keep")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "drop")
	env := cleanEnv()
	assert.Contains(t, env, "ANTHROPIC_API_KEY=keep")
	assert.NotContains(t, env, "AWS_SECRET_ACCESS_KEY=drop")
	for _, e := range env {
		k, _, _ := strings.Cut(e, "=")
		assert.False(t, strings.HasPrefix(k, "CLAUDE_"), "unexpected %s", k)
	}
}
