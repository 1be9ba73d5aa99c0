package runner

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/loqalabs/loqa-link/internal/tools"
	"github.com/loqalabs/loqa-link/internal/tools/manifest"
)

// Factory builds executable commands from agent manifests.
type Factory struct {
	HTTPClient *http.Client
	// Host is where http agents listen. Defaults to localhost.
	Host string
	Wasm *WasmRuntime
	Log  *slog.Logger
}

func NewFactory(wasm *WasmRuntime, log *slog.Logger) *Factory {
	return &Factory{
		HTTPClient: &http.Client{Timeout: 2 * time.Minute},
		Host:       "localhost",
		Wasm:       wasm,
		Log:        log.With(slog.String("component", "runner")),
	}
}

// Commands returns the run and setup commands declared by m. dir is the
// agent's installation directory.
func (f *Factory) Commands(ctx context.Context, m manifest.Manifest, dir string) (tools.Commands, error) {
	var cmds tools.Commands
	var err error
	if m.Commands.Run != nil {
		if cmds.Run, err = f.build(ctx, m, dir, *m.Commands.Run); err != nil {
			return tools.Commands{}, fmt.Errorf("build run command: %w", err)
		}
	}
	if m.Commands.Setup != nil {
		if cmds.Setup, err = f.build(ctx, m, dir, *m.Commands.Setup); err != nil {
			return tools.Commands{}, fmt.Errorf("build setup command: %w", err)
		}
	}
	return cmds, nil
}

func (f *Factory) build(ctx context.Context, m manifest.Manifest, dir string, spec manifest.CommandSpec) (tools.Command, error) {
	var timeout time.Duration
	if spec.TimeoutMS > 0 {
		timeout = time.Duration(spec.TimeoutMS) * time.Millisecond
	}
	switch m.Mode {
	case manifest.ModeHTTP:
		host := f.Host
		if host == "" {
			host = "localhost"
		}
		return &HTTPCommand{
			Client:  f.HTTPClient,
			URL:     fmt.Sprintf("http://%s:%d%s", host, m.Port, spec.Endpoint),
			Method:  spec.Method,
			Timeout: timeout,
		}, nil
	case manifest.ModeExec:
		return NewExecCommand(spec.Command, dir, m.Env, timeout)
	case manifest.ModeWasm:
		if f.Wasm == nil {
			return nil, fmt.Errorf("wasm runtime not available")
		}
		return f.Wasm.Command(ctx, m, dir, spec)
	default:
		return nil, fmt.Errorf("mode %q not supported", m.Mode)
	}
}
