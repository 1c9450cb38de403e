package main

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/hupe1980/agentbridge"
	"github.com/hupe1980/agentbridge/config"
	"github.com/hupe1980/agentbridge/engine"
	"github.com/hupe1980/agentbridge/engine/anthropic"
	"github.com/hupe1980/agentbridge/engine/openai"
	"github.com/hupe1980/agentbridge/logging"
	"github.com/hupe1980/agentbridge/manager"
	"github.com/hupe1980/agentbridge/store"
	"github.com/hupe1980/agentbridge/workspace"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "agentbridge",
		Short:         "Bridge chat users to pluggable AI coding-agent backends",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path")

	root.AddCommand(
		newChatCmd(&cfgPath),
		newSessionsCmd(&cfgPath),
		newCredentialCmd(&cfgPath),
		newUsageCmd(&cfgPath),
	)
	return root
}

// buildBridge wires config, durable store, vault, engines and binder.
func buildBridge(cfgPath string) (*agentbridge.Bridge, *config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	if cfg.EncryptionSecret == "" {
		return nil, nil, fmt.Errorf("AGENTBRIDGE_ENCRYPTION_KEY must be set")
	}

	dbPath := cfg.DBPath
	if dbPath == "" {
		if dbPath, err = store.DefaultDBPath(); err != nil {
			return nil, nil, err
		}
	}
	st, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, nil, err
	}

	logger := logging.New(logConfig(cfg))

	bridge, err := agentbridge.New(cfg.EncryptionSecret, func(o *agentbridge.Options) {
		o.SessionStore = st
		o.CredentialStore = st
		o.UsageTracker = st
		o.Binder = workspace.NewDirBinder(cfg.WorkspaceRoot)
		o.Logger = logger
		o.DefaultEngine = cfg.DefaultEngine
		o.DefaultModel = cfg.DefaultModel
		o.InvokeTimeout = cfg.InvokeTimeout.Std()
		o.ContextWindow = cfg.ContextWindow
	})
	if err != nil {
		return nil, nil, err
	}

	if err := bridge.RegisterEngine(anthropic.New()); err != nil {
		return nil, nil, err
	}
	if err := bridge.RegisterEngine(openai.New()); err != nil {
		return nil, nil, err
	}
	return bridge, cfg, nil
}

func logConfig(cfg *config.Config) *logging.Config {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return &logging.Config{
		Level:  level,
		Format: cfg.Log.Format,
		Output: os.Stderr,
	}
}

func newChatCmd(cfgPath *string) *cobra.Command {
	var owner, repo, sessionID string
	var stream bool

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive conversation loop over stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			bridge, _, err := buildBridge(*cfgPath)
			if err != nil {
				return err
			}

			scanner := bufio.NewScanner(cmd.InOrStdin())
			fmt.Fprintln(cmd.OutOrStdout(), "agentbridge chat (Ctrl-D to exit)")
			for {
				fmt.Fprint(cmd.OutOrStdout(), "> ")
				if !scanner.Scan() {
					return scanner.Err()
				}
				text := strings.TrimSpace(scanner.Text())
				if text == "" {
					continue
				}

				turn, err := bridge.Run(cmd.Context(), manager.TurnRequest{
					OwnerID:    owner,
					Text:       text,
					SessionID:  sessionID,
					Repository: repo,
					Stream:     stream,
				})
				if err != nil {
					fmt.Fprintln(cmd.ErrOrStderr(), "error:", err)
					continue
				}
				sessionID = turn.SessionID

				var final *engine.Response
				for chunk := range turn.Chunks {
					if chunk.Partial {
						fmt.Fprint(cmd.OutOrStdout(), chunk.Text)
						continue
					}
					c := chunk
					final = &c
				}
				if err := <-turn.Errors; err != nil {
					fmt.Fprintln(cmd.ErrOrStderr(), "error:", err)
					continue
				}
				if stream {
					fmt.Fprintln(cmd.OutOrStdout())
				} else if final != nil {
					fmt.Fprintln(cmd.OutOrStdout(), final.Text)
				}
			}
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "local", "owner identity")
	cmd.Flags().StringVar(&repo, "repo", "", "repository binding (owner/repo)")
	cmd.Flags().StringVar(&sessionID, "session", "", "explicit session id")
	cmd.Flags().BoolVar(&stream, "stream", true, "stream incremental chunks")
	return cmd
}

func newSessionsCmd(cfgPath *string) *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions, most recently updated first",
		RunE: func(cmd *cobra.Command, args []string) error {
			bridge, _, err := buildBridge(*cfgPath)
			if err != nil {
				return err
			}
			infos, err := bridge.Sessions(owner)
			if err != nil {
				return err
			}
			for _, info := range infos {
				repo := info.Repository
				if repo == "" {
					repo = "-"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-20s %-10s %-28s %3d msgs  %s\n",
					info.ID, repo, info.Engine, info.Model, info.Messages,
					info.UpdatedAt.Format("2006-01-02 15:04"))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "local", "owner identity")
	return cmd
}

func newCredentialCmd(cfgPath *string) *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "credential",
		Short: "Manage encrypted provider API keys",
	}
	cmd.PersistentFlags().StringVar(&owner, "owner", "local", "owner identity")

	set := &cobra.Command{
		Use:   "set <provider>",
		Short: "Store an API key (read from stdin, never from arguments)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bridge, _, err := buildBridge(*cfgPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "API key for %s: ", args[0])
			scanner := bufio.NewScanner(cmd.InOrStdin())
			if !scanner.Scan() {
				return fmt.Errorf("no key provided")
			}
			key := strings.TrimSpace(scanner.Text())
			if key == "" {
				return fmt.Errorf("no key provided")
			}
			return bridge.SetCredential(owner, args[0], key)
		},
	}
	remove := &cobra.Command{
		Use:   "remove <provider>",
		Short: "Delete a stored API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bridge, _, err := buildBridge(*cfgPath)
			if err != nil {
				return err
			}
			return bridge.RemoveCredential(owner, args[0])
		},
	}
	cmd.AddCommand(set, remove)
	return cmd
}

func newUsageCmd(cfgPath *string) *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show recorded token usage totals",
		RunE: func(cmd *cobra.Command, args []string) error {
			bridge, _, err := buildBridge(*cfgPath)
			if err != nil {
				return err
			}
			totals, err := bridge.UsageTotals(owner)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requests: %d\ntotal tokens: %d\n",
				totals.Requests, totals.TotalTokens)
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "local", "owner identity")
	return cmd
}
