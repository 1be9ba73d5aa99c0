package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-link/internal/tools"
)

// ExecCommand runs a local program. The query is appended as the last
// argument and also exported as LOQA_QUERY.
type ExecCommand struct {
	args    []string
	dir     string
	env     map[string]string
	timeout time.Duration
}

func NewExecCommand(command, dir string, env map[string]string, timeout time.Duration) (*ExecCommand, error) {
	args, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("command is empty")
	}
	return &ExecCommand{args: args, dir: dir, env: env, timeout: timeout}, nil
}

func (c *ExecCommand) Run(ctx context.Context, accessToken, query string) (tools.Result, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	args := append([]string(nil), c.args[1:]...)
	if query != "" {
		args = append(args, query)
	}
	cmd := exec.CommandContext(ctx, c.args[0], args...)
	cmd.Dir = c.dir
	cmd.Env = os.Environ()
	for k, v := range c.env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Env = append(cmd.Env, "LOQA_QUERY="+query)
	if accessToken != "" {
		cmd.Env = append(cmd.Env, "LOQA_ACCESS_TOKEN="+accessToken)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := tools.Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		res.Success = true
		return res, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, ctxErr
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.Error = strings.TrimSpace(res.Stderr)
		if res.Error == "" {
			res.Error = exitErr.Error()
		}
		return res, nil
	}
	return res, err
}
