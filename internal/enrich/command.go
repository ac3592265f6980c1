package enrich

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/google/shlex"
	"github.com/tidwall/gjson"
)

// Command enriches conversations by running an external program,
// for example `claude -p --output-format json`. The prompt is
// written to its stdin; stdout must contain the metadata object,
// either directly or inside a {"result": "..."} envelope.
type Command struct {
	path string
	args []string
}

// NewCommand parses a shell-style command line. The program must
// be on PATH.
func NewCommand(cmdline string) (*Command, error) {
	argv, err := shlex.Split(cmdline)
	if err != nil {
		return nil, fmt.Errorf("parsing enrich command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("enrich command is empty")
	}
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return nil, fmt.Errorf("%s not found: %w", argv[0], err)
	}
	return &Command{path: path, args: argv[1:]}, nil
}

// Enrich implements Enricher.
func (c *Command) Enrich(ctx context.Context, req Request) (Result, error) {
	cmd := exec.CommandContext(ctx, c.path, c.args...)
	cmd.Env = cleanEnv()
	cmd.Stdin = strings.NewReader(
		systemPrompt + "\n\n" + BuildPrompt(req),
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if runErr != nil && ctx.Err() != nil {
		return Result{}, fmt.Errorf(
			"enrich command cancelled: %w", ctx.Err(),
		)
	}
	if runErr != nil {
		// Exit failures of model CLIs are mostly quota and network
		// trouble; report them as retryable.
		return Result{}, transient(
			"enrich command failed: %v: %s",
			runErr, strings.TrimSpace(stderr.String()),
		)
	}

	out := stdout.String()
	if env := gjson.Parse(out); env.IsObject() && env.Get("result").Type == gjson.String {
		res, err := ParseResult(env.Get("result").String())
		if err != nil {
			return Result{}, err
		}
		res.Model = env.Get("model").String()
		return res, nil
	}
	return ParseResult(out)
}

// allowedKeyPrefixes lists uppercase environment keys passed to
// the enrich command. Entries ending in _ match as prefixes.
var allowedKeyPrefixes = []string{
	"PATH",
	"HOME", "USERPROFILE",
	"USER", "USERNAME", "LOGNAME",
	"LANG", "LC_",
	"TERM",
	"TMPDIR", "TEMP", "TMP",
	"XDG_",
	"SHELL",
	"SSL_CERT_", "CURL_CA_BUNDLE",
	"HTTP_PROXY", "HTTPS_PROXY", "NO_PROXY",
	"SYSTEMROOT", "COMSPEC", "PATHEXT", "WINDIR",
	"APPDATA", "LOCALAPPDATA",
	"ANTHROPIC_", "OPENAI_", "GEMINI_", "GOOGLE_",
}

func envKeyAllowed(key string) bool {
	upper := strings.ToUpper(key)
	for _, p := range allowedKeyPrefixes {
		if strings.HasSuffix(p, "_") {
			if strings.HasPrefix(upper, p) {
				return true
			}
		} else if upper == p {
			return true
		}
	}
	return false
}

func cleanEnv() []string {
	env := os.Environ()
	filtered := make([]string, 0, len(env))
	for _, e := range env {
		k, _, _ := strings.Cut(e, "=")
		if envKeyAllowed(k) {
			filtered = append(filtered, e)
		}
	}
	return filtered
}
