package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/neurotutor/neurotutor/internal/api"
	"github.com/neurotutor/neurotutor/internal/handler"
	appI18n "github.com/neurotutor/neurotutor/internal/i18n"
	"github.com/neurotutor/neurotutor/internal/llm"
	"github.com/neurotutor/neurotutor/internal/llm/prompts"
	"github.com/neurotutor/neurotutor/internal/metrics"
	"github.com/neurotutor/neurotutor/internal/model"
	"github.com/neurotutor/neurotutor/internal/session"
	"github.com/neurotutor/neurotutor/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "neurotutor",
		Short:        "Math tutoring web gateway and command-line client",
		SilenceUsage: true,
	}

	serve := serveCmd()
	root.AddCommand(
		serve,
		loginCmd(),
		logoutCmd(),
		whoamiCmd(),
		exercisesCmd(),
		submitCmd(),
		diagnosticCmd(),
		checkCmd(),
		stepsCmd(),
	)

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `neurotutor --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

// addServiceFlags registers the flags every command that talks to the
// backend services needs.
func addServiceFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("db", "neurotutor.db", "SQLite database path")
	f.String("auth-url", "http://localhost:8080", "Auth service base URL")
	f.String("exercise-url", "http://localhost:8083", "Exercise service base URL")
	f.Duration("http-timeout", api.DefaultTimeout, "Timeout for each service call")
	f.StringP("lang", "l", "en", "UI language (en, fr)")
	f.String("seal-secret", "", "Secret used to encrypt stored tokens (or set NEUROTUTOR_SEAL_SECRET)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP gateway",
		RunE:  runServe,
	}
	addServiceFlags(cmd)
	f := cmd.Flags()
	f.StringP("addr", "a", ":8090", "HTTP listen address")
	f.String("base-path", "", "URL prefix for sub-path deployments (e.g. /tutor)")
	f.Bool("secure-cookies", true, "Set Secure flag on client cookies")
	f.String("routes", "", "Route table YAML file (default: built-in table)")
	f.Int("login-per-minute", 10, "Login attempts allowed per remote address per minute")
	f.Bool("trust-proxy", false, "Take the client address from X-Forwarded-For / X-Real-IP")
	f.Duration("client-ttl", store.DefaultClientTTL, "Idle time after which a browser's session is purged")
	f.Bool("step-feedback", false, "Ask the LLM for step feedback when the exercise service gives none")
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "llama3.2", "LLM model name")
	f.String("prompt-variant", string(prompts.Standard), "Step review prompt variant (strict, standard, lenient)")
	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("NEUROTUTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("neurotutor")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/neurotutor")
	v.AddConfigPath("/etc/neurotutor")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func newServiceClient(v *viper.Viper) *api.Client {
	return api.New(v.GetString("auth-url"), v.GetString("exercise-url"), v.GetDuration("http-timeout"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	routes := session.DefaultRoutes()
	if path := v.GetString("routes"); path != "" {
		routes, err = session.LoadRoutes(path)
		if err != nil {
			return fmt.Errorf("load routes: %w", err)
		}
		slog.Info("loaded route table", "path", path, "routes", len(routes.Routes))
	}

	var steps handler.StepEvaluator
	stepFeedback := v.GetBool("step-feedback")
	if stepFeedback {
		variant := strings.ToLower(strings.TrimSpace(v.GetString("prompt-variant")))
		llmClient, err := llm.New(v.GetString("llm-url"), v.GetString("llm-key"), v.GetString("llm-model"), variant)
		if err != nil {
			return fmt.Errorf("create LLM client: %w", err)
		}
		steps = llmClient
	}

	// Normalize base path.
	basePath := strings.TrimRight(v.GetString("base-path"), "/")
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}

	cfg := model.Config{
		AuthURL:        v.GetString("auth-url"),
		ExerciseURL:    v.GetString("exercise-url"),
		HTTPTimeout:    v.GetDuration("http-timeout"),
		SecureCookies:  v.GetBool("secure-cookies"),
		BasePath:       basePath,
		StepFeedback:   stepFeedback,
		LoginPerMinute: v.GetInt("login-per-minute"),
	}

	h, err := handler.New(handler.Options{
		Store:      db,
		Client:     newServiceClient(v),
		Steps:      steps,
		Routes:     routes,
		Metrics:    metrics.New(),
		Config:     cfg,
		SealSecret: v.GetString("seal-secret"),
	})
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	r := chi.NewRouter()
	if v.GetBool("trust-proxy") {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(lang))

	if basePath != "" {
		r.Route(basePath, func(sub chi.Router) {
			sub.Use(h.BasePathMiddleware)
			h.Routes(sub)
		})
		r.Get(basePath, func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, basePath+"/", http.StatusMovedPermanently)
		})
	} else {
		r.Use(h.BasePathMiddleware)
		h.Routes(r)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go purgeLoop(ctx, h, v.GetDuration("client-ttl"))

	addr := v.GetString("addr")
	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("starting server",
		"addr", addr,
		"auth_url", cfg.AuthURL,
		"exercise_url", cfg.ExerciseURL,
		"lang", lang,
		"base_path", basePath,
		"step_feedback", stepFeedback,
		"sealed", v.GetString("seal-secret") != "",
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// purgeLoop drops idle browser sessions once an hour.
func purgeLoop(ctx context.Context, h *handler.Handler, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		if err := h.Purge(ttl); err != nil {
			slog.Error("purge idle clients", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
