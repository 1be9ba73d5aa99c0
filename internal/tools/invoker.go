package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-link/internal/protocol"
)

const (
	replyDefault      = "Tool execution completed"
	replyProcessed    = "Tool call processed"
	replyInvalidAgent = "Invalid Agent Call"
)

type Config struct {
	// ReplyTarget is the relay sink addressed by every reply.
	ReplyTarget string
	// ExecTimeout bounds one run command. Zero disables the limit.
	ExecTimeout time.Duration
}

type Dependencies struct {
	Agents    AgentLookup
	Installed InstallationCheck
	Commands  CommandLoader
	Notifier  Notifier
	Replier   Replier
	Recorder  Recorder
}

// Invoker turns relay intents into local agent runs and sends exactly one
// reply per intent.
type Invoker struct {
	cfg  Config
	deps Dependencies
	log  *slog.Logger

	tracer      trace.Tracer
	meter       metric.Meter
	invocations metric.Int64Counter
	now         func() time.Time
}

func NewInvoker(cfg Config, deps Dependencies, log *slog.Logger) (*Invoker, error) {
	if deps.Agents == nil || deps.Installed == nil || deps.Commands == nil {
		return nil, errors.New("tools: agent lookup, installation check and command loader are required")
	}
	if deps.Replier == nil {
		return nil, errors.New("tools: replier is required")
	}
	if deps.Notifier == nil {
		deps.Notifier = NewLogNotifier(log)
	}
	if cfg.ReplyTarget == "" {
		cfg.ReplyTarget = protocol.DefaultReplyTarget
	}
	inv := &Invoker{
		cfg:    cfg,
		deps:   deps,
		log:    log.With(slog.String("component", "tools")),
		tracer: otel.Tracer("github.com/loqalabs/loqa-link/tools"),
		meter:  otel.Meter("github.com/loqalabs/loqa-link/tools"),
		now:    time.Now,
	}
	counter, err := inv.meter.Int64Counter("loqa_link.tools.invocations",
		metric.WithDescription("Relay intents handled, by outcome"))
	if err != nil {
		inv.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	} else {
		inv.invocations = counter
	}
	return inv, nil
}

// HandleIntent executes the intent and replies. Domain failures become reply
// text; nothing is returned to the caller.
func (i *Invoker) HandleIntent(ctx context.Context, frame protocol.RelayResponse) {
	ctx, span := i.tracer.Start(ctx, "tools.invoke")
	defer span.End()

	data := frame.Intent()
	rec := Invocation{
		ID:        uuid.NewString(),
		RequestID: frame.RequestID,
		ToolID:    data.ToolID,
		Query:     data.UserIntent,
		StartedAt: i.now(),
	}
	span.SetAttributes(
		attribute.String("request_id", frame.RequestID),
		attribute.String("tool_id", data.ToolID),
	)

	text, outcome := i.resolve(ctx, frame, data)
	if text == "" {
		text = replyDefault
	}
	rec.Outcome = outcome
	rec.Reply = text
	rec.Delivered = i.reply(frame, text)
	rec.FinishedAt = i.now()

	if outcome == OutcomeError || outcome == OutcomeExecFailed {
		span.SetStatus(codes.Error, text)
	}
	if i.invocations != nil {
		i.invocations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(outcome))))
	}
	if i.deps.Recorder != nil {
		if err := i.deps.Recorder.RecordInvocation(ctx, rec); err != nil {
			i.log.Warn("failed to record invocation", slog.String("error", err.Error()))
		}
	}
	i.log.Info("intent handled",
		slog.String("request_id", frame.RequestID),
		slog.String("tool_id", data.ToolID),
		slog.String("outcome", string(outcome)),
		slog.Bool("delivered", rec.Delivered),
		slog.Duration("duration", rec.FinishedAt.Sub(rec.StartedAt)),
	)
}

func (i *Invoker) resolve(ctx context.Context, frame protocol.RelayResponse, data protocol.IntentData) (string, Outcome) {
	if frame.Error != "" {
		return frame.Error, OutcomePassthrough
	}
	if data.ToolID == "" || data.UserIntent == "" {
		i.deps.Notifier.Notify("Invalid Tool Call", "Missing tool_id or user_intent")
		return replyProcessed, OutcomeMissingFields
	}

	agent, err := i.deps.Agents.AgentByID(ctx, data.ToolID)
	if err != nil {
		return i.failure(err), OutcomeError
	}
	if agent == nil {
		return replyInvalidAgent, OutcomeNotFound
	}
	name := agent.Name
	if name == "" {
		name = agent.ID
	}

	installed, err := i.deps.Installed.IsInstalled(ctx, agent.ID)
	if err != nil {
		return i.failure(err), OutcomeError
	}
	if !installed {
		i.deps.Notifier.Notify("Agent Not Installed", fmt.Sprintf("Agent %s is not installed", name))
		return fmt.Sprintf("%s is not installed", name), OutcomeNotInstalled
	}

	i.deps.Notifier.Notify("Executing Agent Command", fmt.Sprintf("Running %s...", name))

	cmds, err := i.deps.Commands.ReadCommands(ctx, agent.ID)
	if err != nil {
		return i.failure(err), OutcomeError
	}
	if cmds.Run == nil {
		i.deps.Notifier.Notify("Command Not Configured", fmt.Sprintf("%s has no run command", name))
		return fmt.Sprintf("%s has no run command", name), OutcomeNoRunCommand
	}

	text, err := i.execute(ctx, cmds.Run, data.UserIntent)
	if err != nil {
		return i.failure(&ExecError{Err: err}), OutcomeExecFailed
	}
	i.deps.Notifier.Notify("Extracted", fmt.Sprintf("%s completed successfully", name))
	return text, OutcomeOK
}

func (i *Invoker) execute(ctx context.Context, cmd Command, query string) (string, error) {
	if i.cfg.ExecTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.cfg.ExecTimeout)
		defer cancel()
	}
	res, err := cmd.Run(ctx, "", query)
	if err != nil {
		return "", err
	}
	return FormatResult(res, query), nil
}

// ExecError wraps a run command failure.
type ExecError struct {
	Err error
}

func (e *ExecError) Error() string {
	return "Command execution failed: " + errorText(e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

// FormatResult renders a run result as reply text.
func FormatResult(res Result, query string) string {
	if out := strings.TrimSpace(res.Stdout); res.Stdout != "" {
		if warn := strings.TrimSpace(res.Stderr); res.Stderr != "" {
			return out + "\n\nWarnings: " + warn
		}
		return out
	}
	if res.Error != "" {
		return strings.TrimSpace(res.Error)
	}
	return `Command executed successfully with query: "` + query + `"`
}

func (i *Invoker) failure(err error) string {
	msg := errorText(err)
	i.deps.Notifier.Notify("Tool Call Error", "Error: "+msg)
	return msg
}

func errorText(err error) string {
	if err == nil {
		return "Unknown error"
	}
	return err.Error()
}

// reply sends the single response for frame. A disconnected channel drops it.
func (i *Invoker) reply(frame protocol.RelayResponse, text string) bool {
	if text == "" {
		text = replyDefault
	}
	if !i.deps.Replier.IsConnected() {
		i.deps.Notifier.Notify("Response Failed", "WebSocket connection lost")
		return false
	}
	msg := protocol.ToolReply{
		Type:      protocol.TypeResponse,
		RequestID: frame.RequestID,
		DeviceID:  i.deps.Replier.DeviceID(),
		TargetID:  i.cfg.ReplyTarget,
		Data:      text,
	}
	if !i.deps.Replier.SendMessage(msg) {
		i.deps.Notifier.Notify("Response Failed", "Failed to send via WebSocket")
		return false
	}
	return true
}
