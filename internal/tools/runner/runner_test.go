package runner

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-link/internal/tools/manifest"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestHTTPCommandPostsQuery(t *testing.T) {
	var got httpRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/run", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result":"sunny"}`))
	}))
	t.Cleanup(srv.Close)

	cmd := &HTTPCommand{Client: srv.Client(), URL: srv.URL + "/run"}
	res, err := cmd.Run(context.Background(), "tok", "weather today")
	require.NoError(t, err)
	require.Equal(t, "sunny", res.Stdout)
	require.True(t, res.Success)
	require.Equal(t, httpRequest{AccessToken: "tok", Query: "weather today"}, got)
}

func TestHTTPCommandStructuredResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"result": {"temp": 21}}`))
	}))
	t.Cleanup(srv.Close)

	res, err := (&HTTPCommand{URL: srv.URL}).Run(context.Background(), "", "")
	require.NoError(t, err)
	require.Equal(t, `{"temp":21}`, res.Stdout)
}

func TestHTTPCommandStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	_, err := (&HTTPCommand{URL: srv.URL}).Run(context.Background(), "", "q")
	require.EqualError(t, err, "API call failed: 503 Service Unavailable")
}

func TestFactoryBuildsHTTPURL(t *testing.T) {
	f := NewFactory(nil, discard())
	m := manifest.Manifest{ID: "w", Mode: manifest.ModeHTTP, Port: 5123, Commands: manifest.CommandSet{
		Run: &manifest.CommandSpec{Endpoint: "/run", Method: http.MethodPost},
	}}
	cmds, err := f.Commands(context.Background(), m, t.TempDir())
	require.NoError(t, err)
	require.Nil(t, cmds.Setup)
	require.Equal(t, "http://localhost:5123/run", cmds.Run.(*HTTPCommand).URL)
}

func TestFactoryAgainstLiveServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"result":"ready"}`))
	}))
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	f := NewFactory(nil, discard())
	f.Host = u.Hostname()
	m := manifest.Manifest{Mode: manifest.ModeHTTP, Port: port, Commands: manifest.CommandSet{
		Setup: &manifest.CommandSpec{Endpoint: "/setup", Method: http.MethodPost},
	}}
	cmds, err := f.Commands(context.Background(), m, "")
	require.NoError(t, err)
	res, err := cmds.Setup.Run(context.Background(), "", "")
	require.NoError(t, err)
	require.Equal(t, "ready", res.Stdout)
}

func TestExecCommandAppendsQuery(t *testing.T) {
	cmd, err := NewExecCommand("echo hello", t.TempDir(), nil, 0)
	require.NoError(t, err)
	res, err := cmd.Run(context.Background(), "", "world")
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, "hello world\n", res.Stdout)
}

func TestExecCommandExportsEnvironment(t *testing.T) {
	cmd, err := NewExecCommand(`sh -c 'printf "%s|%s|%s" "$LOQA_QUERY" "$LOQA_ACCESS_TOKEN" "$EXTRA"'`, "", map[string]string{"EXTRA": "x"}, 0)
	require.NoError(t, err)
	res, err := cmd.Run(context.Background(), "tok", "q1")
	require.NoError(t, err)
	require.Equal(t, "q1|tok|x", res.Stdout)
}

func TestExecCommandExitFailure(t *testing.T) {
	cmd, err := NewExecCommand(`sh -c 'echo oops >&2; exit 3'`, "", nil, 0)
	require.NoError(t, err)
	res, err := cmd.Run(context.Background(), "", "")
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, "oops", res.Error)
}

func TestExecCommandRejectsEmpty(t *testing.T) {
	_, err := NewExecCommand("   ", "", nil, 0)
	require.Error(t, err)
}

func TestWasmMissingModule(t *testing.T) {
	ctx := context.Background()
	rt, err := NewWasmRuntime(ctx, discard())
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close(ctx) })

	m := manifest.Manifest{ID: "w", Mode: manifest.ModeWasm, Module: "missing.wasm"}
	_, err = rt.Command(ctx, m, t.TempDir(), manifest.CommandSpec{})
	require.Error(t, err)

	f := NewFactory(rt, discard())
	m.Commands.Run = &manifest.CommandSpec{}
	_, err = f.Commands(ctx, m, filepath.Join(t.TempDir(), "agent"))
	require.Error(t, err)
}

func TestResultText(t *testing.T) {
	require.Equal(t, "", resultText(nil))
	require.Equal(t, "", resultText(json.RawMessage("null")))
	require.Equal(t, "plain", resultText(json.RawMessage(`"plain"`)))
	require.Equal(t, "[1,2]", resultText(json.RawMessage(`[1, 2]`)))
}
