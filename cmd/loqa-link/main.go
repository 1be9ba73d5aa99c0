package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-link/internal/chat"
	"github.com/loqalabs/loqa-link/internal/config"
	"github.com/loqalabs/loqa-link/internal/device"
	"github.com/loqalabs/loqa-link/internal/runtime"
	"github.com/loqalabs/loqa-link/internal/tools"
	"github.com/loqalabs/loqa-link/internal/tools/registry"
	"github.com/loqalabs/loqa-link/internal/tools/runner"
)

var version = "0.1.0-dev"

type app struct {
	configPath string
	logLevel   string
	cfg        config.Config
	logger     *slog.Logger
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "loqa-link",
		Short:         "Connects this device to the Loqa relay, chat API and voice services",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return a.load()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd.Context(), runtime.Options{})
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "loqa-link.yaml", "Path to configuration file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Override telemetry.log_level")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run the link until interrupted",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.run(cmd.Context(), runtime.Options{})
			},
		},
		&cobra.Command{
			Use:   "voice",
			Short: "Run the link with a voice session started",
			RunE: func(cmd *cobra.Command, _ []string) error {
				a.cfg.Voice.Enabled = true
				return a.run(cmd.Context(), runtime.Options{StartVoice: true})
			},
		},
		a.chatCommand(),
		&cobra.Command{
			Use:   "clear-history",
			Short: "Delete the server-side chat history",
			RunE: func(cmd *cobra.Command, _ []string) error {
				client, err := a.chatClient()
				if err != nil {
					return err
				}
				if err := client.ClearHistory(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "history cleared")
				return nil
			},
		},
		&cobra.Command{
			Use:   "agents",
			Short: "List installed agents",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.listAgents(cmd.Context(), cmd.OutOrStdout())
			},
		},
		&cobra.Command{
			Use:   "device-id",
			Short: "Print the device id, creating it if needed",
			RunE: func(cmd *cobra.Command, _ []string) error {
				id, err := device.Resolve(a.cfg.Device.ID, a.cfg.Device.IDFile)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print version and exit",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version)
			},
		},
	)
	return root
}

func (a *app) load() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Telemetry.LogLevel = a.logLevel
	}
	a.cfg = cfg
	a.logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.Telemetry.LogLevel)}))
	return nil
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func (a *app) run(parent context.Context, opts runtime.Options) error {
	ctx, stop := signalContext(parent)
	defer stop()

	rt := runtime.New(a.cfg, opts, a.logger)
	if err := rt.Start(ctx); err != nil {
		a.logger.Error("runtime exited with error", slog.String("error", err.Error()))
		return err
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *app) chatClient() (*chat.Client, error) {
	if a.cfg.Chat.Endpoint == "" {
		return nil, errors.New("chat.endpoint is not configured")
	}
	token := a.cfg.Chat.AuthToken
	if token == "" {
		token = a.cfg.Device.AuthToken
	}
	return chat.NewClient(chat.Options{
		Endpoint:      a.cfg.Chat.Endpoint,
		Tokens:        chat.StaticToken(token),
		StreamTimeout: time.Duration(a.cfg.Chat.StreamTimeoutMS) * time.Millisecond,
	}, a.logger), nil
}

func (a *app) chatCommand() *cobra.Command {
	var toolID string
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Send a message and stream the reply; reads lines from stdin without arguments",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.chatClient()
			if err != nil {
				return err
			}
			deviceID, err := device.Resolve(a.cfg.Device.ID, a.cfg.Device.IDFile)
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			out := cmd.OutOrStdout()
			send := func(text string) {
				msg := tools.ParseToolMessage(text)
				if toolID != "" {
					msg.ToolID = toolID
				}
				if msg.Text == "" {
					return
				}
				_ = client.Send(ctx, msg.String(), deviceID,
					func(chunk string) { fmt.Fprint(out, chunk) },
					func(err error) { fmt.Fprint(out, err.Error()) },
				)
				fmt.Fprintln(out)
			}

			if len(args) > 0 {
				send(strings.Join(args, " "))
				return nil
			}
			scanner := bufio.NewScanner(cmd.InOrStdin())
			for scanner.Scan() {
				if ctx.Err() != nil {
					break
				}
				send(scanner.Text())
			}
			return scanner.Err()
		},
	}
	cmd.Flags().StringVar(&toolID, "tool", "", "Address the message to an installed agent")
	return cmd
}

func (a *app) listAgents(ctx context.Context, out io.Writer) error {
	reg, err := registry.New(a.cfg.Tools.Directory, a.cfg.Tools.Catalog, runner.NewFactory(nil, a.logger), a.logger)
	if err != nil {
		return err
	}
	agents, err := reg.Installed(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tVERSION\tDESCRIPTION")
	for _, ag := range agents {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", ag.ID, ag.Name, ag.Version, ag.Description)
	}
	return w.Flush()
}
