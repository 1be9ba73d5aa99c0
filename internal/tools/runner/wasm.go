package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/loqalabs/loqa-link/internal/tools"
	"github.com/loqalabs/loqa-link/internal/tools/manifest"
)

// WasmRuntime executes WASI agent modules. Each run gets a fresh instance
// with the query as argv[1] and LOQA_QUERY, and its stdout as the result.
type WasmRuntime struct {
	rt  wazero.Runtime
	log *slog.Logger

	mu       sync.Mutex
	compiled map[string]wazero.CompiledModule
}

func NewWasmRuntime(ctx context.Context, log *slog.Logger) (*WasmRuntime, error) {
	log = log.With(slog.String("component", "wasm"))
	rt := wazero.NewRuntime(ctx)
	if err := instantiateHost(ctx, rt, log); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}
	return &WasmRuntime{rt: rt, log: log, compiled: make(map[string]wazero.CompiledModule)}, nil
}

func (w *WasmRuntime) Close(ctx context.Context) error {
	if w == nil || w.rt == nil {
		return nil
	}
	return w.rt.Close(ctx)
}

// Command compiles the agent's module (once per path) and returns a
// command that instantiates it on every run.
func (w *WasmRuntime) Command(ctx context.Context, m manifest.Manifest, dir string, spec manifest.CommandSpec) (tools.Command, error) {
	path := m.Module
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	compiled, err := w.compile(ctx, path)
	if err != nil {
		return nil, err
	}
	var timeout time.Duration
	if spec.TimeoutMS > 0 {
		timeout = time.Duration(spec.TimeoutMS) * time.Millisecond
	}
	return &wasmCommand{
		rt:       w.rt,
		compiled: compiled,
		name:     m.ID,
		args:     strings.Fields(spec.Command),
		env:      m.Env,
		timeout:  timeout,
	}, nil
}

func (w *WasmRuntime) compile(ctx context.Context, path string) (wazero.CompiledModule, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if c, ok := w.compiled[path]; ok {
		return c, nil
	}
	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read wasm module: %w", err)
	}
	compiled, err := w.rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("compile module: %w", err)
	}
	w.compiled[path] = compiled
	return compiled, nil
}

type wasmCommand struct {
	rt       wazero.Runtime
	compiled wazero.CompiledModule
	name     string
	args     []string
	env      map[string]string
	timeout  time.Duration
}

func (c *wasmCommand) Run(ctx context.Context, accessToken, query string) (tools.Result, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	var stdout, stderr bytes.Buffer
	args := append([]string{c.name}, c.args...)
	if query != "" {
		args = append(args, query)
	}
	cfg := wazero.NewModuleConfig().
		WithName("").
		WithArgs(args...).
		WithStdin(strings.NewReader(query)).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithEnv("LOQA_QUERY", query)
	if accessToken != "" {
		cfg = cfg.WithEnv("LOQA_ACCESS_TOKEN", accessToken)
	}
	for k, v := range c.env {
		cfg = cfg.WithEnv(k, v)
	}

	mod, err := c.rt.InstantiateModule(ctx, c.compiled, cfg)
	if mod != nil {
		defer mod.Close(ctx)
	}
	res := tools.Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		res.Success = true
		return res, nil
	}
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.ExitCode() == 0 {
			res.Success = true
			return res, nil
		}
		res.Error = strings.TrimSpace(res.Stderr)
		if res.Error == "" {
			res.Error = fmt.Sprintf("exit code %d", exitErr.ExitCode())
		}
		return res, nil
	}
	return res, err
}

// instantiateHost exports env.host_log so modules can write to the
// structured log.
func instantiateHost(ctx context.Context, rt wazero.Runtime, log *slog.Logger) error {
	hostLog := api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
		ptr := api.DecodeU32(stack[0])
		length := api.DecodeU32(stack[1])
		if length == 0 {
			return
		}
		mem := mod.Memory()
		if mem == nil {
			log.Warn("host_log: module has no memory")
			return
		}
		data, ok := mem.Read(ptr, length)
		if !ok {
			log.Warn("host_log: out of range read", slog.Uint64("ptr", uint64(ptr)), slog.Uint64("len", uint64(length)))
			return
		}
		log.Info("agent log", slog.String("module", mod.Name()), slog.String("message", string(data)))
	})
	_, err := rt.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithGoModuleFunction(hostLog, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, nil).
		WithName("host_log").
		Export("host_log").
		Instantiate(ctx)
	return err
}
