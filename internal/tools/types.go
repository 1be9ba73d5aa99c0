package tools

import (
	"context"
	"errors"
	"time"
)

// Agent is the metadata of an installable local tool.
type Agent struct {
	ID          string
	Name        string
	Version     string
	Description string
}

type AgentLookup interface {
	// AgentByID returns nil without error when the agent is unknown.
	AgentByID(ctx context.Context, id string) (*Agent, error)
}

type InstallationCheck interface {
	IsInstalled(ctx context.Context, id string) (bool, error)
}

// Result is the raw outcome of a run command.
type Result struct {
	Stdout  string
	Stderr  string
	Error   string
	Success bool
}

type Command interface {
	Run(ctx context.Context, accessToken, query string) (Result, error)
}

type CommandFunc func(ctx context.Context, accessToken, query string) (Result, error)

func (f CommandFunc) Run(ctx context.Context, accessToken, query string) (Result, error) {
	return f(ctx, accessToken, query)
}

// Commands are the entry points an agent declares. Either may be nil.
type Commands struct {
	Run   Command
	Setup Command
}

type CommandLoader interface {
	ReadCommands(ctx context.Context, id string) (Commands, error)
}

type Notifier interface {
	Notify(title, body string)
}

// Replier is the outbound half of the relay channel.
type Replier interface {
	SendMessage(v any) bool
	IsConnected() bool
	DeviceID() string
}

type Outcome string

const (
	OutcomeOK            Outcome = "ok"
	OutcomeError         Outcome = "error"
	OutcomeMissingFields Outcome = "missing_fields"
	OutcomeNotFound      Outcome = "not_found"
	OutcomeNotInstalled  Outcome = "not_installed"
	OutcomeNoRunCommand  Outcome = "no_run_command"
	OutcomeExecFailed    Outcome = "execution_failed"
	OutcomePassthrough   Outcome = "passthrough"
)

// Invocation is the audit record of one handled intent.
type Invocation struct {
	ID         string
	RequestID  string
	ToolID     string
	Query      string
	Outcome    Outcome
	Reply      string
	Delivered  bool
	StartedAt  time.Time
	FinishedAt time.Time
}

type Recorder interface {
	RecordInvocation(ctx context.Context, inv Invocation) error
}

// Recorders fans an invocation out to several recorders and joins their
// errors.
type Recorders []Recorder

func (rs Recorders) RecordInvocation(ctx context.Context, inv Invocation) error {
	var errs []error
	for _, r := range rs {
		if r == nil {
			continue
		}
		if err := r.RecordInvocation(ctx, inv); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
