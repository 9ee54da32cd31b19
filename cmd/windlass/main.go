package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rvbbit/windlass/internal/agent"
	"github.com/rvbbit/windlass/internal/budget"
	"github.com/rvbbit/windlass/internal/bus"
	"github.com/rvbbit/windlass/internal/cascade"
	"github.com/rvbbit/windlass/internal/checkpoint"
	"github.com/rvbbit/windlass/internal/config"
	"github.com/rvbbit/windlass/internal/datacell"
	"github.com/rvbbit/windlass/internal/mcpserver"
	"github.com/rvbbit/windlass/internal/mirror"
	"github.com/rvbbit/windlass/internal/runner"
	"github.com/rvbbit/windlass/internal/sessiondb"
	"github.com/rvbbit/windlass/internal/sessionstate"
	"github.com/rvbbit/windlass/internal/tools"
	"github.com/rvbbit/windlass/internal/udf"
	"github.com/rvbbit/windlass/internal/unilog"
	"github.com/rvbbit/windlass/internal/web"
)

// errTakeover is returned when run is pointed at a session id whose
// previous owner is still alive (or stale but uncleaned).
var errTakeover = errors.New("session takeover refused")

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:           "windlass",
		Short:         "LLM cascade execution engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.String("provider-base-url", "https://api.anthropic.com", "chat provider base URL")
	pf.String("provider-api-key", "", "chat provider API key")
	pf.String("provider-name", "anthropic", "provider label recorded on log rows")
	pf.String("default-model", "claude-sonnet-4-5", "model used when a cell does not pin one")
	pf.String("eval-model", "claude-haiku-4-5", "cheap model for evaluators and summaries")
	pf.Int("max-tokens", 4096, "max output tokens per provider call")
	pf.String("data-dir", "./data", "directory for durable state")
	pf.Int("heartbeat-lease-seconds", sessionstate.DefaultLeaseSeconds, "session heartbeat lease")
	pf.Bool("keep-session-db", false, "keep per-session working databases after terminal")
	pf.String("embed-backend", "deterministic", "embeddings backend: deterministic or http")
	pf.String("embed-base-url", "", "base URL for the http embeddings backend")
	pf.String("cascade-dir", "", "directory of cascade specs to register at startup")
	pf.Int("http-port", 8090, "HTTP port for serve")
	pf.Int("memory-budget", 100000, "context token budget per turn")
	pf.Int("cost-workers", 4, "cost reconciliation workers")
	pf.Bool("prompt-tools", false, "strip tool plumbing from provider requests")

	bindFlag := func(viperKey, flagName string) {
		_ = viper.BindPFlag(viperKey, pf.Lookup(flagName))
	}
	bindFlag("provider_base_url", "provider-base-url")
	bindFlag("provider_api_key", "provider-api-key")
	bindFlag("provider_name", "provider-name")
	bindFlag("default_model", "default-model")
	bindFlag("eval_model", "eval-model")
	bindFlag("max_tokens", "max-tokens")
	bindFlag("data_dir", "data-dir")
	bindFlag("heartbeat_lease_seconds", "heartbeat-lease-seconds")
	bindFlag("keep_session_db", "keep-session-db")
	bindFlag("embed_backend", "embed-backend")
	bindFlag("embed_base_url", "embed-base-url")
	bindFlag("cascade_dir", "cascade-dir")
	bindFlag("http_port", "http-port")
	bindFlag("memory_budget", "memory-budget")
	bindFlag("cost_workers", "cost-workers")
	bindFlag("prompt_tools", "prompt-tools")

	// WINDLASS_DATA_DIR etc. via the prefix; the provider and data-dir
	// settings also honor their bare env names.
	viper.SetEnvPrefix("WINDLASS")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	for key, env := range map[string]string{
		"provider_base_url":       "PROVIDER_BASE_URL",
		"provider_api_key":        "PROVIDER_API_KEY",
		"data_dir":                "DATA_DIR",
		"embed_backend":           "EMBED_BACKEND",
		"heartbeat_lease_seconds": "HEARTBEAT_LEASE_SECONDS",
	} {
		_ = viper.BindEnv(key, "WINDLASS_"+env, env)
	}

	rootCmd.AddCommand(runCmd(), serveCmd(), sessionsCmd(), cleanupCmd(), sqlCmd(), mcpCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "windlass: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, runner.ErrInvalidCascade):
		return 2
	case errors.Is(err, runner.ErrProvider):
		return 3
	case errors.Is(err, runner.ErrCancelled):
		return 4
	case errors.Is(err, errTakeover):
		return 5
	default:
		return 1
	}
}

// runtime is the wired engine shared by every subcommand.
type runtime struct {
	cfg         config.Config
	log         zerolog.Logger
	store       *unilog.Store
	mirror      *mirror.Mirror
	states      *sessionstate.Store
	checkpoints *checkpoint.Manager
	bus         *bus.Bus
	reconciler  *unilog.Reconciler
	runner      *runner.Runner
}

func buildRuntime() (*runtime, error) {
	cfg := config.Load()
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	store, err := unilog.OpenStore(filepath.Join(cfg.DataDir, "unilog.db"))
	if err != nil {
		return nil, fmt.Errorf("open unified log: %w", err)
	}
	states, err := sessionstate.Open(filepath.Join(cfg.DataDir, "sessions.db"), cfg.HeartbeatLease)
	if err != nil {
		return nil, fmt.Errorf("open session state: %w", err)
	}
	checkpoints, err := checkpoint.Open(filepath.Join(cfg.DataDir, "checkpoints.db"))
	if err != nil {
		return nil, fmt.Errorf("open checkpoints: %w", err)
	}

	mir := mirror.New()
	fan := unilog.NewFanOut(store, mir)
	logWriter := unilog.Redacted(fan, unilog.NewRedactor("PROVIDER_API_KEY", "WINDLASS_PROVIDER_API_KEY"))

	chat := agent.New(agent.Config{
		BaseURL:      cfg.ProviderBaseURL,
		APIKey:       cfg.ProviderAPIKey,
		Provider:     cfg.ProviderName,
		DefaultModel: cfg.DefaultModel,
		MaxTokens:    int64(cfg.MaxTokens),
		PromptTools:  cfg.PromptTools,
	})

	fetcher := &agent.HTTPUsageFetcher{
		BaseURL:  cfg.ProviderBaseURL,
		APIKey:   cfg.ProviderAPIKey,
		Provider: cfg.ProviderName,
	}
	reconciler := unilog.NewReconciler(fan, fetcher, unilog.ReconcilerConfig{Workers: cfg.CostWorkers}, logger)

	b := bus.New()
	reconciler.OnUpdate = func(u unilog.CostUpdate) {
		sid := mir.SessionForRequest(u.ProviderRequestID)
		if sid == "" {
			return
		}
		payload, _ := json.Marshal(u)
		b.Publish(bus.Event{Type: bus.CostUpdate, SessionID: sid, Payload: payload})
	}

	registry := tools.NewRegistry()
	registerEmbedTool(registry, embedder(cfg))

	cascades, err := loadCascades(cfg.CascadeDir)
	if err != nil {
		return nil, err
	}

	osRunner := &datacell.OSRunner{}
	r := &runner.Runner{
		Log:         logWriter,
		Store:       store,
		States:      states,
		Checkpoints: checkpoints,
		Bus:         b,
		Agent:       chat,
		Tools:       registry,
		Executors: map[string]datacell.Executor{
			"sql":        datacell.SQL{},
			"python":     &datacell.Script{Language: "python", Runner: osRunner},
			"javascript": &datacell.Script{Language: "javascript", Runner: osRunner},
			"clojure":    &datacell.Script{Language: "clojure", Runner: osRunner},
		},
		Reconciler: reconciler,
		Cascades:   cascades,
		DataDir:    cfg.DataDir,
		Budget: budget.Options{
			MaxTotal:         cfg.MemoryBudget,
			Strategy:         budget.PruneOldest,
			WarningThreshold: 0.8,
		},
		Logger:        logger,
		DefaultModel:  cfg.DefaultModel,
		EvalModel:     cfg.EvalModel,
		KeepSessionDB: cfg.KeepSessionDB,
	}

	return &runtime{
		cfg:         cfg,
		log:         logger,
		store:       store,
		mirror:      mir,
		states:      states,
		checkpoints: checkpoints,
		bus:         b,
		reconciler:  reconciler,
		runner:      r,
	}, nil
}

func (rt *runtime) start(ctx context.Context) {
	rt.reconciler.Start(ctx)
}

func (rt *runtime) close() {
	rt.reconciler.Stop()
	rt.mirror.Close()
	_ = rt.checkpoints.Close()
	_ = rt.states.Close()
	_ = rt.store.Close()
}

func embedder(cfg config.Config) agent.Embedder {
	if cfg.EmbedBackend == "http" && cfg.EmbedBaseURL != "" {
		return &agent.HTTPEmbedder{BaseURL: cfg.EmbedBaseURL, APIKey: cfg.ProviderAPIKey}
	}
	return agent.DeterministicEmbedder{}
}

// registerEmbedTool exposes the embeddings backend to cells so LLM cells
// can rank or deduplicate text by vector similarity.
func registerEmbedTool(reg *tools.Registry, emb agent.Embedder) {
	reg.RegisterFunc("embed",
		"Embed a list of texts and return their vectors.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"texts": {"type": "array", "items": {"type": "string"}},
				"model": {"type": "string"}
			},
			"required": ["texts"]
		}`),
		func(ctx context.Context, req tools.Request) (any, error) {
			var args struct {
				Texts []string `json:"texts"`
				Model string   `json:"model"`
			}
			if err := json.Unmarshal(req.Raw, &args); err != nil {
				return nil, fmt.Errorf("embed: %w", err)
			}
			return emb.Embed(ctx, args.Texts, args.Model)
		})
}

// loadCascades registers every YAML spec in dir by cascade id.
func loadCascades(dir string) (map[string]*cascade.Spec, error) {
	out := map[string]*cascade.Spec{}
	if dir == "" {
		return out, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read cascade dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || (!strings.HasSuffix(e.Name(), ".yaml") && !strings.HasSuffix(e.Name(), ".yml")) {
			continue
		}
		spec, err := cascade.Load(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", runner.ErrInvalidCascade, e.Name(), err)
		}
		out[spec.CascadeID] = spec
	}
	return out, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runCmd() *cobra.Command {
	var inputs []string
	var sessionID string

	cmd := &cobra.Command{
		Use:   "run <cascade.yaml | cascade-id>",
		Short: "Run a cascade to completion and print its output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			ctx, cancel := signalContext()
			defer cancel()
			rt.start(ctx)

			if sessionID != "" {
				if err := refuseTakeover(rt.states, sessionID); err != nil {
					return err
				}
			}

			input := map[string]any{}
			for _, kv := range inputs {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("%w: --input wants key=value, got %q", runner.ErrInvalidCascade, kv)
				}
				input[k] = coerce(v)
			}

			outcome, err := rt.runner.RunByID(ctx, args[0], input, runner.RunOptions{SessionID: sessionID})
			if err != nil {
				return err
			}

			rt.log.Info().Str("session", outcome.SessionID).Msg("cascade completed")
			out, _ := json.MarshalIndent(outcome.Output, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&inputs, "input", nil, "input binding key=value (repeatable)")
	cmd.Flags().StringVar(&sessionID, "session", "", "explicit session id")
	return cmd
}

// refuseTakeover rejects reuse of a session id that still belongs to an
// active run. Zombies must go through cleanup-zombies first.
func refuseTakeover(states *sessionstate.Store, id string) error {
	st, err := states.Get(id)
	if errors.Is(err, sessionstate.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if st.Status.Terminal() {
		return fmt.Errorf("%w: session %s already terminal (%s)", runner.ErrInvalidCascade, id, st.Status)
	}
	if st.Zombie(time.Now()) {
		return fmt.Errorf("%w: session %s is a zombie; run cleanup-zombies first", errTakeover, id)
	}
	return fmt.Errorf("%w: session %s is still %s", errTakeover, id, st.Status)
}

// coerce parses CLI input values as JSON when possible so numbers and
// booleans arrive typed.
func coerce(v string) any {
	var parsed any
	if err := json.Unmarshal([]byte(v), &parsed); err == nil {
		return parsed
	}
	return v
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and SSE event streams",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			ctx, cancel := signalContext()
			defer cancel()
			rt.start(ctx)

			// Anything orphaned by a previous process gets marked up front.
			if ids, err := rt.states.CleanupZombies(0); err != nil {
				rt.log.Warn().Err(err).Msg("zombie cleanup failed")
			} else if len(ids) > 0 {
				rt.log.Info().Strs("sessions", ids).Msg("marked zombie sessions orphaned")
			}

			srv := web.New(rt.runner, rt.states, rt.checkpoints, rt.bus, rt.log)
			httpSrv := &http.Server{
				Addr:    fmt.Sprintf(":%d", rt.cfg.HTTPPort),
				Handler: srv.Handler(),
			}

			errCh := make(chan error, 1)
			go func() { errCh <- httpSrv.ListenAndServe() }()
			rt.log.Info().Int("port", rt.cfg.HTTPPort).Str("version", config.Version).Msg("windlass serving")

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return httpSrv.Shutdown(shutdownCtx)
		},
	}
}

func sessionsCmd() *cobra.Command {
	var status string
	var activeOnly bool
	var limit int

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			states, err := rt.states.List(sessionstate.Filter{
				Status:     sessionstate.Status(status),
				ActiveOnly: activeOnly,
				Limit:      limit,
			})
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%-36s  %-20s  %-10s  %s\n", "SESSION", "CASCADE", "STATUS", "CURRENT CELL")
			for _, st := range states {
				fmt.Fprintf(w, "%-36s  %-20s  %-10s  %s\n", st.SessionID, st.CascadeID, st.Status, st.CurrentCell)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only active sessions")
	cmd.Flags().IntVar(&limit, "limit", 0, "max sessions to list")
	return cmd
}

func cleanupCmd() *cobra.Command {
	var grace int

	cmd := &cobra.Command{
		Use:   "cleanup-zombies",
		Short: "Mark sessions with stale heartbeats as orphaned",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			ids, err := rt.states.CleanupZombies(grace)
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			rt.log.Info().Int("count", len(ids)).Msg("zombie cleanup done")
			return nil
		},
	}
	cmd.Flags().IntVar(&grace, "grace", 0, "extra seconds past the lease before a session counts as a zombie")
	return cmd
}

func sqlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sql <statement>",
		Short: "Run a SELECT with rvbbit() / rvbbit_cascade() UDFs and print rows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			ctx, cancel := signalContext()
			defer cancel()
			rt.start(ctx)

			sdb, err := sessiondb.Open(rt.cfg.DataDir, "sql-"+time.Now().UTC().Format("20060102T150405"))
			if err != nil {
				return err
			}
			defer func() { _ = sdb.Close(!rt.cfg.KeepSessionDB) }()

			bridge := &udf.Bridge{
				Invoke: &runner.UDFAdapter{Runner: rt.runner},
				Cache:  udf.NewCache(),
				DB:     sdb,
				Logger: rt.log,
			}
			rows, err := bridge.Execute(ctx, args[0])
			if err != nil {
				return err
			}
			out, _ := json.MarshalIndent(rows, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the engine as MCP tools over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			ctx, cancel := signalContext()
			defer cancel()
			rt.start(ctx)

			srv := mcpserver.NewServer(rt.runner, rt.states, rt.checkpoints, rt.store)
			return srv.Run(ctx)
		},
	}
}
