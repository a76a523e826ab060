package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/scrypster/strata/internal/config"
	"github.com/scrypster/strata/internal/engine"
	"github.com/scrypster/strata/internal/importer"
	"github.com/scrypster/strata/internal/notify"
	"github.com/scrypster/strata/internal/server"
	"github.com/scrypster/strata/internal/storage"
	"github.com/scrypster/strata/pkg/types"
)

type globalFlags struct {
	workspace  string
	configPath string
	verbose    bool
}

func executeCLI() error {
	return buildRootCommand().Execute()
}

func buildRootCommand() *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:   "strata",
		Short: "Tiered conversational memory: hot session, warm vectors, cold archive",
		Long: strings.TrimSpace(`strata captures memorable statements from conversation text and keeps
them in three tiers: a bounded hot session (SESSION.md), a warm vector
index, and a cold SQLite archive. Searches fan out to every tier and
return one ranked list.

All state lives under <workspace>/memory/.`),
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if g.verbose {
				log.SetOutput(cmd.ErrOrStderr())
			} else {
				log.SetOutput(io.Discard)
			}
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVarP(&g.workspace, "workspace", "w", "", "Workspace directory (default: $STRATA_WORKSPACE or .)")
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "Config file (default: <workspace>/strata.yaml)")
	root.PersistentFlags().BoolVar(&g.verbose, "verbose", false, "Log to stderr")

	root.AddCommand(newCaptureCommand(g))
	root.AddCommand(newStoreCommand(g))
	root.AddCommand(newSearchCommand(g))
	root.AddCommand(newStatusCommand(g))
	root.AddCommand(newExportCommand(g))
	root.AddCommand(newMaintainCommand(g))
	root.AddCommand(newImportCommand(g))
	root.AddCommand(newServeCommand(g))

	return root
}

// loadConfig resolves the configuration. --workspace wins over the YAML
// file and the environment.
func (g *globalFlags) loadConfig() (*config.Config, error) {
	path := g.configPath
	if path == "" && g.workspace != "" {
		candidate := filepath.Join(g.workspace, config.DefaultFileName)
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if g.workspace != "" {
		cfg.Workspace = g.workspace
	}
	return cfg, nil
}

// open starts a manager. When a server has ever run in the workspace its
// events directory exists, and events from this process are forwarded there.
func (g *globalFlags) open(ctx context.Context) (*engine.Manager, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, err
	}
	m, err := engine.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(filepath.Join(cfg.DataPath(), notify.Dir)); err == nil && info.IsDir() {
		notify.Forward(m, notify.NewEventWriter(cfg.DataPath()))
	}
	return m, nil
}

// withManager runs fn against an open manager and closes it afterwards.
func (g *globalFlags) withManager(cmd *cobra.Command, fn func(ctx context.Context, m *engine.Manager) error) error {
	ctx := cmdContext(cmd)
	m, err := g.open(ctx)
	if err != nil {
		return err
	}
	err = fn(ctx, m)
	if cerr := m.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newCaptureCommand(g *globalFlags) *cobra.Command {
	var text, source string

	cmd := &cobra.Command{
		Use:   "capture [text]",
		Short: "Extract memories from conversation text",
		Long:  "Scan text for decisions, preferences, deadlines and other memorable statements and place them in the hot tier. Use --text - to read stdin.",
		Example: strings.Join([]string{
			`  strata capture --text "We decided to use Vue3 for the frontend"`,
			`  cat transcript.txt | strata capture -t - --source standup`,
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if text == "" {
				text = strings.Join(args, " ")
			}
			if text == "-" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				text = string(data)
			}
			if strings.TrimSpace(text) == "" {
				return errors.New("capture needs --text or an argument")
			}
			return g.withManager(cmd, func(ctx context.Context, m *engine.Manager) error {
				res, err := m.Capture(ctx, text, source)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().StringVarP(&text, "text", "t", "", "Text to capture (- for stdin)")
	cmd.Flags().StringVar(&source, "source", "cli", "Source label recorded on each item")
	return cmd
}

func newStoreCommand(g *globalFlags) *cobra.Command {
	var (
		content    string
		category   string
		importance float64
	)

	cmd := &cobra.Command{
		Use:     "store",
		Short:   "Store one memory verbatim",
		Long:    "Store content as a single memory. Category and importance are inferred when omitted.",
		Example: `  strata store --content "Billing runs on Postgres" --category decision --importance 0.9`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := finite("--importance", importance); err != nil {
				return err
			}
			return g.withManager(cmd, func(ctx context.Context, m *engine.Manager) error {
				var cat types.Category
				if category != "" {
					cat = types.NormalizeCategory(category)
				}
				item, err := m.Store(ctx, content, cat, importance)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), item)
			})
		},
	}
	cmd.Flags().StringVar(&content, "content", "", "Memory content")
	cmd.Flags().StringVar(&category, "category", "", "Category (decision, preference, fact, ...)")
	cmd.Flags().Float64Var(&importance, "importance", 0, "Importance in (0,1]")
	_ = cmd.MarkFlagRequired("content")
	return cmd
}

// finite rejects NaN and infinite flag values, which strconv accepts.
func finite(flag string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%s must be a finite number: %w", flag, storage.ErrInvalidInput)
	}
	return nil
}

func newSearchCommand(g *globalFlags) *cobra.Command {
	var (
		query         string
		limit         int
		categories    []string
		tiers         []string
		minImportance float64
	)

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search every tier and print ranked hits",
		Example: strings.Join([]string{
			`  strata search -q "frontend framework"`,
			`  strata search -q billing --category decision --tier warm,cold -l 3`,
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if query == "" {
				query = strings.Join(args, " ")
			}
			if err := finite("--min-importance", minImportance); err != nil {
				return err
			}
			opts := storage.SearchOptions{TopK: limit, MinImportance: minImportance}
			for _, c := range categories {
				opts.Categories = append(opts.Categories, types.NormalizeCategory(c))
			}
			for _, s := range tiers {
				t, ok := types.ParseTier(strings.ToLower(s))
				if !ok {
					return fmt.Errorf("unknown tier %q", s)
				}
				opts.Tiers = append(opts.Tiers, t)
			}
			return g.withManager(cmd, func(ctx context.Context, m *engine.Manager) error {
				res, err := m.Search(ctx, query, opts)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().StringVarP(&query, "query", "q", "", "Search text")
	cmd.Flags().IntVarP(&limit, "limit", "l", 0, "Maximum results (default from config)")
	cmd.Flags().StringSliceVar(&categories, "category", nil, "Restrict to categories")
	cmd.Flags().StringSliceVar(&tiers, "tier", nil, "Restrict to tiers (hot, warm, cold)")
	cmd.Flags().Float64Var(&minImportance, "min-importance", 0, "Drop hits below this importance")
	return cmd
}

func newStatusCommand(g *globalFlags) *cobra.Command {
	var markdown bool

	cmd := &cobra.Command{
		Use:     "status",
		Short:   "Show tier counts and health",
		Example: "  strata status --markdown",
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withManager(cmd, func(ctx context.Context, m *engine.Manager) error {
				st, err := m.Status(ctx)
				if err != nil {
					return err
				}
				if markdown {
					_, err = io.WriteString(cmd.OutOrStdout(), st.Markdown())
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			})
		},
	}
	cmd.Flags().BoolVar(&markdown, "markdown", false, "Render as Markdown")
	return cmd
}

func newExportCommand(g *globalFlags) *cobra.Command {
	var format, output string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export every memory from every tier",
		Long:  "Export all memories, each once, in one of: " + strings.Join(engine.Formats, ", ") + ".",
		Example: strings.Join([]string{
			"  strata export -f markdown",
			"  strata export -f csv -o memories.csv",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withManager(cmd, func(ctx context.Context, m *engine.Manager) error {
				data, err := m.Export(ctx, format)
				if err != nil {
					return err
				}
				if output != "" {
					return os.WriteFile(output, data, 0o644)
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", engine.FormatJSON, "Export format")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to file instead of stdout")
	return cmd
}

func newMaintainCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "maintain",
		Short:   "Run one maintenance cycle (promote, archive, checkpoint)",
		Example: "  strata maintain",
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withManager(cmd, func(ctx context.Context, m *engine.Manager) error {
				report, err := m.Maintain(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}
}

func newImportCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "import <path>",
		Short: "Import Markdown notes, an Obsidian vault or a Markdown export",
		Example: `  strata import ~/vault
  strata import MEMORY.md`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withManager(cmd, func(ctx context.Context, m *engine.Manager) error {
				res, err := importer.New(m).Import(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
}

func newServeCommand(g *globalFlags) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run scheduled maintenance",
		Long: strings.TrimSpace(`Serve the JSON API and the /ws event stream, and run maintenance on the
configured cron schedule. Stops on SIGINT or SIGTERM.`),
		Example: "  strata serve --addr 127.0.0.1:6464",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				if err := applyAddr(cfg, addr); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cmd.OutOrStdout(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address host:port (default from config, 127.0.0.1:6464)")
	return cmd
}

// serve blocks until ctx is done.
func serve(ctx context.Context, out io.Writer, cfg *config.Config) error {
	m, err := engine.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer m.Close()

	sched, err := engine.NewScheduler(m, cfg.Maintenance.Schedule)
	if err != nil {
		return err
	}

	srv, err := server.Start(ctx, m)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "strata serving %s on http://%s\n", cfg.Workspace, srv.Addr)

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		sched.Run(ctx)
	}()

	<-ctx.Done()
	<-srv.Done()
	<-schedDone
	return nil
}

func applyAddr(cfg *config.Config, addr string) error {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid --addr %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return fmt.Errorf("invalid --addr port %q", portStr)
	}
	if host != "" {
		cfg.Server.Host = host
	}
	cfg.Server.Port = port
	return nil
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
