package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"nhutbot/internal/api"
	"nhutbot/internal/config"
	"nhutbot/internal/engine"
	"nhutbot/internal/logging"
	"nhutbot/internal/models"
	"nhutbot/internal/redis"
	"nhutbot/internal/service/ai"
	"nhutbot/internal/service/assistant"
	"nhutbot/internal/storage"
)

const shutdownTimeout = 10 * time.Second

type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
	logFile    string
	ephemeral  bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:          "nhutbot",
		Short:        "Multi-session chat client for Gemini and other streaming models",
		SilenceUsage: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", os.Getenv("NHUTBOT_CONFIG"), "path to config file (json or yaml)")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level (trace, debug, info, warn, error); overrides config")
	flags.StringVar(&opts.logFormat, "log-format", "text", "log format: text or json")
	flags.StringVar(&opts.logFile, "log-file", "", "also write logs to this file")
	flags.BoolVar(&opts.ephemeral, "ephemeral", false, "keep everything in memory for this run")

	root.AddCommand(
		newServeCommand(opts),
		newChatCommand(opts),
		newExportCommand(opts),
		newKeyCommand(opts),
	)
	return root
}

// app holds everything a command needs; Close releases it in reverse order.
type app struct {
	cfg     *config.Config
	kv      storage.KV
	keys    *assistant.KeyStore
	engine  *engine.Engine
	closers []io.Closer
}

func (a *app) Close() {
	if a.engine != nil {
		a.engine.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			log.Warn().Err(err).Msg("close resource")
		}
	}
}

// openApp loads config, logging and storage. The engine is only built and
// started when withEngine is set.
func openApp(ctx context.Context, opts *rootOptions, withEngine bool) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.ephemeral {
		cfg.BasicConfig.Storage = "memory"
	}
	level := opts.logLevel
	if level == "" {
		level = cfg.BasicConfig.LogLevel
	}
	logCloser, err := logging.Init(logging.Options{Level: level, Format: opts.logFormat, File: opts.logFile})
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg}
	if logCloser != nil {
		a.closers = append(a.closers, logCloser)
	}

	kv, closer, err := openStore(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.kv = kv
	if closer != nil {
		a.closers = append(a.closers, closer)
	}
	log.Debug().Str("storage", cfg.BasicConfig.Storage).Msg("storage ready")

	a.keys, err = assistant.NewKeyStore(kv)
	if err != nil {
		a.Close()
		return nil, err
	}
	if !withEngine {
		return a, nil
	}

	defaults := models.SessionConfig{
		ModelID:     cfg.Defaults.ModelID,
		Temperature: cfg.Defaults.Temperature,
		Language:    models.Language(cfg.Defaults.Language),
	}
	eng, err := engine.New(engine.Options{
		Generator:       ai.NewRouter(cfg, a.keys),
		Store:           assistant.NewSessionStore(kv),
		Personalization: assistant.NewPersonalization(kv, assistant.Settings{Language: defaults.Language}),
		Defaults:        defaults,
		Greeting:        cfg.Defaults.Greeting,
		IdleTimeout:     cfg.BasicConfig.IdleTimeout(),
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	if err := eng.Start(ctx); err != nil {
		a.Close()
		return nil, err
	}
	a.engine = eng
	return a, nil
}

// openStore builds the persistence backend named by basic_config.storage.
func openStore(cfg *config.Config) (storage.KV, io.Closer, error) {
	switch driver := cfg.BasicConfig.Storage; driver {
	case "sqlite", "sqlite3", "mysql":
		if driver != "mysql" {
			driver = "sqlite3"
			if dsn := cfg.Databases[driver].DSN; dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
				if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
					return nil, nil, errors.Wrap(err, "create database directory")
				}
			}
		}
		db, err := storage.Open(driver, cfg)
		if err != nil {
			return nil, nil, err
		}
		if err := storage.Migrate(db, driver); err != nil {
			db.Close()
			return nil, nil, err
		}
		return storage.NewSQLStore(db, driver), db, nil
	case "redis":
		client, err := redis.NewRedisClient(cfg)
		if err != nil {
			return nil, nil, err
		}
		return redis.NewStore(client), client, nil
	case "file":
		return storage.NewFileStore(cfg.BasicConfig.FileDir), nil, nil
	case "memory":
		return storage.NewMemoryStore(), nil, nil
	default:
		return nil, nil, errors.Errorf("unsupported storage %q", driver)
	}
}

func modelInfos(cfg *config.Config) []api.ModelInfo {
	out := make([]api.ModelInfo, 0, len(cfg.Models))
	for _, m := range cfg.Models {
		out = append(out, api.ModelInfo{ID: m.ID, Name: m.Name, Provider: m.Provider})
	}
	return out
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the local HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, opts, true)
			if err != nil {
				return err
			}
			defer a.Close()

			if addr == "" {
				addr = a.cfg.BasicConfig.ServerAddress
			}
			if strings.EqualFold(a.cfg.BasicConfig.LogLevel, "debug") {
				gin.SetMode(gin.DebugMode)
			} else {
				gin.SetMode(gin.ReleaseMode)
			}
			router := gin.New()
			router.Use(gin.Recovery(), api.RequestLogger())
			api.NewHandler(a.engine, a.keys, modelInfos(a.cfg), a.cfg.BasicConfig.FileDir).RegisterRoutes(router)
			srv := &http.Server{Addr: addr, Handler: router}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				log.Info().Str("addr", addr).Msg("http server listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return errors.Wrap(err, "server stopped")
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				log.Info().Msg("shutting down")
				return api.Shutdown(srv, shutdownTimeout)
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to basic_config.server_address)")
	return cmd
}

func newExportCommand(opts *rootOptions) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "export [session-id]",
		Short: "Print a session transcript (the first session when no id is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			store := assistant.NewSessionStore(a.kv)
			if err := store.Restore(cmd.Context()); err != nil {
				return err
			}
			id := ""
			if len(args) == 1 {
				id = args[0]
			} else if sessions := store.Sessions(); len(sessions) > 0 {
				id = sessions[0].ID
			}
			doc, err := store.Export(id)
			if err != nil {
				return errors.Wrapf(err, "export %q", id)
			}
			data, err := doc.Encode(models.ExportFormat(format))
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(append(data, '\n'))
			return err
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", string(models.ExportJSON), "json or yaml")
	return cmd
}

func newKeyCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage provider API keys (encrypted with NHUTBOT_APIKEY_KEY)",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "set <provider> <token>",
		Short: "Store an API key for a provider",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts, false)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.keys.SetAPIKey(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored key for %s\n", args[0])
			return nil
		},
	}, &cobra.Command{
		Use:   "list",
		Short: "List providers with a stored key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts, false)
			if err != nil {
				return err
			}
			defer a.Close()
			providers, err := a.keys.Providers(cmd.Context())
			if err != nil {
				return err
			}
			for _, p := range providers {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		},
	}, &cobra.Command{
		Use:   "delete <provider>",
		Short: "Remove the stored key for a provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts, false)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.keys.DeleteAPIKey(cmd.Context(), args[0])
		},
	})
	return cmd
}
