package replay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lattice-substrate/proofkit/canon"
	"github.com/lattice-substrate/proofkit/runtime/executil"
)

// CommandChooser runs an external selection program as the chooser. The
// program reads {"candidates": [...], "rules": ...} as canonical JSON on
// stdin and writes the chosen item as one JSON document on stdout. Every
// invocation receives identical argv, stdin and environment, so nothing
// distinguishes one replay from the next.
type CommandChooser struct {
	Runner  executil.CommandRunner
	Argv    []string
	Dir     string
	Env     map[string]string
	Timeout time.Duration
	// CandidatesPath and RulesPath are exported to the program when set.
	CandidatesPath string
	RulesPath      string
}

// Choose executes the program once. A non-zero exit or unparsable output is
// an error.
func (c *CommandChooser) Choose(ctx context.Context, candidates []any, rules any) (any, error) {
	if len(c.Argv) == 0 {
		return nil, fmt.Errorf("chooser command is required")
	}
	runner := c.Runner
	if runner == nil {
		runner = executil.OSRunner{}
	}
	stdin, err := canon.Marshal(map[string]any{"candidates": candidates, "rules": rules})
	if err != nil {
		return nil, fmt.Errorf("encode chooser input: %w", err)
	}
	res, err := runner.Run(ctx, executil.Command{
		Argv:    c.Argv,
		Dir:     c.Dir,
		Env:     c.commandEnv(),
		Timeout: c.Timeout,
		Stdin:   stdin,
	})
	if err != nil {
		return nil, fmt.Errorf("chooser command: %w", err)
	}
	if !res.Success() {
		return nil, fmt.Errorf("chooser command exited %d (timed_out=%t)", res.ExitCode, res.TimedOut)
	}
	dec := json.NewDecoder(bytes.NewReader(res.Stdout))
	var chosen any
	if err := dec.Decode(&chosen); err != nil {
		return nil, fmt.Errorf("decode chooser output: %w", err)
	}
	if err := ensureSingleJSONDocument(dec); err != nil {
		return nil, fmt.Errorf("decode chooser output: %w", err)
	}
	return chosen, nil
}

func (c *CommandChooser) commandEnv() map[string]string {
	env := make(map[string]string, len(c.Env)+2)
	for k, v := range c.Env {
		env[k] = v
	}
	if c.CandidatesPath != "" {
		env["PROOFKIT_CANDIDATES_PATH"] = c.CandidatesPath
	}
	if c.RulesPath != "" {
		env["PROOFKIT_RULES_PATH"] = c.RulesPath
	}
	return env
}
