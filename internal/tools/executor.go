// Package tools runs local commands without a shell and stages the output of
// tainted tools until disclosure is approved.
package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/shlex"
	"github.com/google/uuid"
	"github.com/org/agentguard/internal/policy"
	"github.com/org/agentguard/pkg/models"
	"github.com/rs/zerolog"
)

// ExecError reports a command line that was rejected before any process was
// started.
type ExecError struct {
	Msg string
}

func (e *ExecError) Error() string { return "tool rejected: " + e.Msg }

func execErrorf(format string, args ...any) error {
	return &ExecError{Msg: fmt.Sprintf(format, args...)}
}

// Tokens that would be shell operators. The executor never runs a shell, so
// their presence means the caller expected one.
var blockedTokens = map[string]bool{
	"|": true, "||": true, ";": true, "&&": true, "&": true,
	">": true, ">>": true, "<": true, "<<": true,
}

// Free-text lines are also rejected when a token embeds an operator.
var blockedFragments = []string{";", "|", "&", "`", "$("}

// Config for the executor.
type Config struct {
	Tainted        []string
	MaxOutputBytes int
	WorkDir        string
	MaxStaged      int
	Timeout        time.Duration // per run, 0 means unbounded
}

// Command is a tool invocation as supplied by the caller. Exactly one of
// Argv and Line is used; Argv wins when both are set.
type Command struct {
	Argv  []string `json:"argv,omitempty"`
	Line  string   `json:"command,omitempty"`
	Stdin string   `json:"stdin,omitempty"`
	Taint bool     `json:"taint,omitempty"`
}

// Result of a run. Stdout and Stderr are empty for tainted runs.
type Result struct {
	models.ToolRunRecord
	Stdout string `json:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty"`
}

// Output is the staged capture of a tainted run, byte for byte.
type Output struct {
	RunID       string `json:"run_id"`
	PrincipalID string `json:"-"`
	Tool        string `json:"tool"`
	Code        int    `json:"code"`
	Stdout      []byte `json:"stdout"`
	Stderr      []byte `json:"stderr"`
	Truncated   bool   `json:"truncated"`
}

// Executor runs commands and holds staged output in memory.
type Executor struct {
	cfg     Config
	tainted map[string]bool
	log     zerolog.Logger

	mu     sync.Mutex
	staged map[string]*Output
	order  []string
}

// NewExecutor creates an Executor.
func NewExecutor(cfg Config, logger zerolog.Logger) *Executor {
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = 1 << 20
	}
	if cfg.MaxStaged <= 0 {
		cfg.MaxStaged = 256
	}
	tainted := make(map[string]bool, len(cfg.Tainted))
	for _, t := range cfg.Tainted {
		tainted[t] = true
	}
	return &Executor{
		cfg:     cfg,
		tainted: tainted,
		staged:  map[string]*Output{},
		log:     logger.With().Str("component", "tools").Logger(),
	}
}

// Parse turns a Command into a checked argv. No process is started.
func (e *Executor) Parse(cmd *Command) ([]string, error) {
	var argv []string
	freeText := false
	switch {
	case len(cmd.Argv) > 0:
		argv = cmd.Argv
	case strings.TrimSpace(cmd.Line) != "":
		var err error
		argv, err = shlex.Split(cmd.Line)
		if err != nil {
			return nil, execErrorf("cannot tokenize command: %v", err)
		}
		freeText = true
	}
	if len(argv) == 0 || argv[0] == "" {
		return nil, execErrorf("empty command")
	}

	for _, tok := range argv {
		if blockedTokens[tok] {
			return nil, execErrorf("shell operator %q is not allowed", tok)
		}
		if freeText {
			for _, frag := range blockedFragments {
				if strings.Contains(tok, frag) {
					return nil, execErrorf("shell operator %q is not allowed", frag)
				}
			}
		}
		if policy.ContainsPlaceholder(tok) {
			return nil, execErrorf("arguments must not contain secret placeholders")
		}
	}
	if policy.ContainsPlaceholder(cmd.Stdin) {
		return nil, execErrorf("stdin must not contain secret placeholders")
	}
	return argv, nil
}

// Resource is the tool key a run of argv is authorized against.
func Resource(argv []string) models.ResourceKey {
	return models.ResourceKey{Type: models.ResourceTool, Value: argv[0]}
}

// IsTainted reports whether output of argv must be staged.
func (e *Executor) IsTainted(argv []string, explicit bool) bool {
	return explicit || e.tainted[argv[0]] || e.tainted[filepath.Base(argv[0])]
}

// Run executes argv directly, without a shell, killing it once the
// configured timeout passes.
func (e *Executor) Run(ctx context.Context, principalID string, argv []string, stdin string, taint bool) (*Result, error) {
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = e.cfg.WorkDir
	cmd.Env = minimalEnv()
	cmd.Stdin = strings.NewReader(stdin)
	stdout := &cappedBuffer{limit: e.cfg.MaxOutputBytes}
	stderr := &cappedBuffer{limit: e.cfg.MaxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	code, err := exitCode(err)
	if err != nil {
		return nil, execErrorf("starting %s: %v", argv[0], err)
	}

	tainted := e.IsTainted(argv, taint)
	truncated := stdout.truncated() || stderr.truncated()
	res := &Result{ToolRunRecord: models.ToolRunRecord{
		RunID:               uuid.NewString(),
		Tool:                argv[0],
		Code:                code,
		BytesStdout:         stdout.total,
		BytesStderr:         stderr.total,
		Tainted:             tainted,
		DisclosureAvailable: tainted,
		Truncated:           truncated,
		TimedOut:            ctx.Err() == context.DeadlineExceeded,
	}}

	if tainted {
		e.stage(&Output{
			RunID:       res.RunID,
			PrincipalID: principalID,
			Tool:        argv[0],
			Code:        code,
			Stdout:      stdout.Bytes(),
			Stderr:      stderr.Bytes(),
			Truncated:   truncated,
		})
	} else {
		res.Stdout = stdout.String()
		res.Stderr = stderr.String()
	}

	e.log.Info().Str("run_id", res.RunID).Str("tool", argv[0]).Int("code", code).
		Bool("tainted", tainted).Int("bytes_stdout", stdout.total).Msg("tool executed")
	return res, nil
}

// Output returns the staged capture for runID, unchanged.
func (e *Executor) Output(runID string) (*Output, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out, ok := e.staged[runID]
	if !ok {
		return nil, false
	}
	cp := *out
	cp.Stdout = bytes.Clone(out.Stdout)
	cp.Stderr = bytes.Clone(out.Stderr)
	return &cp, true
}

func (e *Executor) stage(out *Output) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.staged[out.RunID] = out
	e.order = append(e.order, out.RunID)
	for len(e.order) > e.cfg.MaxStaged {
		delete(e.staged, e.order[0])
		e.order = e.order[1:]
	}
}

func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

// minimalEnv passes through only what common tools need, so the gateway's
// own configuration never reaches a child process.
func minimalEnv() []string {
	var env []string
	for _, key := range []string{"PATH", "HOME", "LANG", "TZ"} {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	return env
}

// cappedBuffer keeps at most limit bytes and counts everything written.
type cappedBuffer struct {
	buf   bytes.Buffer
	limit int
	total int
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.total += len(p)
	if room := c.limit - c.buf.Len(); room > 0 {
		if len(p) > room {
			c.buf.Write(p[:room])
		} else {
			c.buf.Write(p)
		}
	}
	return len(p), nil
}

func (c *cappedBuffer) String() string { return c.buf.String() }

func (c *cappedBuffer) Bytes() []byte { return bytes.Clone(c.buf.Bytes()) }

func (c *cappedBuffer) truncated() bool { return c.total > c.buf.Len() }
