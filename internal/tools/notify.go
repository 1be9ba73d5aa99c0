package tools

import (
	"context"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
)

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier(log *slog.Logger) *LogNotifier {
	return &LogNotifier{log: log.With(slog.String("component", "notifier"))}
}

func (n *LogNotifier) Notify(title, body string) {
	n.log.Info("notification", slog.String("title", title), slog.String("body", body))
}

// ExecNotifier runs a desktop notification command such as
// "notify-send {title} {body}". Failures are logged and otherwise ignored.
type ExecNotifier struct {
	args    []string
	timeout time.Duration
	log     *slog.Logger
}

func NewExecNotifier(command string, log *slog.Logger) (*ExecNotifier, error) {
	args, err := shellwords.Parse(command)
	if err != nil {
		return nil, err
	}
	return &ExecNotifier{args: args, timeout: 5 * time.Second, log: log.With(slog.String("component", "notifier"))}, nil
}

func (n *ExecNotifier) Notify(title, body string) {
	if len(n.args) == 0 {
		return
	}
	args := make([]string, len(n.args))
	for i, a := range n.args {
		a = strings.ReplaceAll(a, "{title}", title)
		args[i] = strings.ReplaceAll(a, "{body}", body)
	}
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()
	if err := exec.CommandContext(ctx, args[0], args[1:]...).Run(); err != nil {
		n.log.Debug("notification command failed", slog.String("error", err.Error()))
	}
}

// MultiNotifier fans a notification out to several notifiers.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(title, body string) {
	for _, n := range m {
		if n != nil {
			n.Notify(title, body)
		}
	}
}
