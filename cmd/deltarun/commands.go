package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bhandras/deltarun/internal/api"
	"github.com/bhandras/deltarun/internal/config"
	"github.com/bhandras/deltarun/internal/crypto"
	"github.com/bhandras/deltarun/internal/database"
	"github.com/bhandras/deltarun/internal/logger"
	"github.com/bhandras/deltarun/internal/runtime"
	"github.com/bhandras/deltarun/internal/script"
	"github.com/bhandras/deltarun/internal/uploads"
	"github.com/bhandras/deltarun/internal/websocket"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

// flags mirrors config.Overrides. Only flags the user actually set are
// applied.
type flags struct {
	configFile  string
	addr        string
	debug       bool
	logLevel    string
	script      string
	interpreter string
	uploadsDB   string
	jwtSecret   string
	socketIO    bool
}

func (f *flags) register(cmd *cobra.Command) {
	fs := cmd.PersistentFlags()
	fs.StringVar(&f.configFile, "config", "", "YAML config file")
	fs.StringVar(&f.addr, "addr", "", "HTTP listen address")
	fs.BoolVar(&f.debug, "debug", false, "enable debug logging and gin debug mode")
	fs.StringVar(&f.logLevel, "log-level", "", "trace|debug|info|warn|error")
	fs.StringVar(&f.script, "script", "", "script run for every session")
	fs.StringVar(&f.interpreter, "interpreter", "", "program used to run the script")
	fs.StringVar(&f.uploadsDB, "uploads-db", "", "SQLite file for uploads (default: in memory)")
	fs.StringVar(&f.jwtSecret, "jwt-secret", "", "require tokens signed with this secret")
	fs.BoolVar(&f.socketIO, "socketio", false, "serve the Socket.IO transport")
}

func (f *flags) overrides(cmd *cobra.Command) config.Overrides {
	var o config.Overrides
	fs := cmd.Flags()
	if fs.Changed("config") {
		o.ConfigFile = &f.configFile
	}
	if fs.Changed("addr") {
		o.Addr = &f.addr
	}
	if fs.Changed("debug") {
		o.Debug = &f.debug
	}
	if fs.Changed("log-level") {
		o.LogLevel = &f.logLevel
	}
	if fs.Changed("script") {
		o.ScriptPath = &f.script
	}
	if fs.Changed("interpreter") {
		o.Interpreter = &f.interpreter
	}
	if fs.Changed("uploads-db") {
		o.UploadsDB = &f.uploadsDB
	}
	if fs.Changed("jwt-secret") {
		o.JWTSecret = &f.jwtSecret
	}
	if fs.Changed("socketio") {
		o.SocketIO = &f.socketIO
	}
	return o
}

func (f *flags) load(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(f.overrides(cmd))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger.SetLevel(cfg.Level())
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	var f flags
	root := &cobra.Command{
		Use:           "deltarun",
		Short:         "Serve a script as a live app over websockets",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	f.register(root)
	root.AddCommand(newServeCmd(&f), newCheckCmd(&f), newTokenCmd(&f))
	return root
}

func newServeCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := f.load(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func newCheckCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Run the script once and report whether it succeeds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := f.load(cmd)
			if err != nil {
				return err
			}
			ok, msg := script.Check(cmd.Context(), newRunner(cfg), cfg.ScriptCheckTimeout)
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			if !ok {
				return fmt.Errorf("script check failed: %s", msg)
			}
			return nil
		},
	}
}

func newTokenCmd(f *flags) *cobra.Command {
	var (
		email string
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token USER_ID",
		Short: "Mint a token accepted by a server started with the same secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.load(cmd)
			if err != nil {
				return err
			}
			jwtManager, err := crypto.NewJWTManager(cfg.JWTSecret)
			if err != nil {
				return err
			}
			token, err := jwtManager.CreateToken(args[0], email, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "email passed to the script")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime; 0 never expires")
	return cmd
}

func newRunner(cfg *config.Config) *script.ProcessRunner {
	return &script.ProcessRunner{
		Interpreter:          cfg.Interpreter,
		ScriptPath:           cfg.ScriptPath,
		CompileErrorExitCode: cfg.CompileErrorExitCode,
	}
}

func openUploads(ctx context.Context, cfg *config.Config) (*uploads.Manager, func(), error) {
	if cfg.UploadsDB == "" {
		m, err := uploads.NewManager(ctx, uploads.NewMemoryStore())
		return m, func() {}, err
	}

	logger.Infof("Opening uploads database: %s", cfg.UploadsDB)
	db, err := database.Open(cfg.UploadsDB)
	if err != nil {
		return nil, nil, err
	}
	m, err := uploads.NewManager(ctx, &uploads.SQLiteStore{DB: db.DB})
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return m, func() { db.Close() }, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	files, closeUploads, err := openUploads(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeUploads()

	rt := runtime.New(runtime.Config{
		ScriptPath:           cfg.ScriptPath,
		Runner:               newRunner(cfg),
		MinCachedMessageSize: &cfg.MinCachedMessageSize,
		MaxCachedMessageAge:  &cfg.MaxCachedMessageAge,
		FlushInterval:        cfg.FlushInterval,
		FlushBudget:          cfg.FlushBudget,
		ScriptCheckTimeout:   cfg.ScriptCheckTimeout,
		Uploads:              files,
	})
	// The runtime outlives the signal context so in-flight sessions can be
	// shut down in order.
	if err := rt.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}

	var jwtManager *crypto.JWTManager
	if cfg.JWTSecret != "" {
		logger.Infof("Initializing JWT manager...")
		jwtManager, err = crypto.NewJWTManager(cfg.JWTSecret)
		if err != nil {
			return err
		}
	}

	stream := websocket.NewStreamServer(rt, websocket.StreamOptions{
		WriteTimeout: cfg.WriteTimeout,
	})
	routes := api.RouterConfig{
		Runtime:           rt,
		Uploads:           files,
		JWT:               jwtManager,
		AllowedOrigins:    cfg.AllowedOrigins,
		ScriptHealthCheck: cfg.ScriptHealthCheckEnabled,
		MaxUploadSize:     cfg.MaxUploadSize,
		Stream:            stream.HandleStream,
	}
	if cfg.SocketIO {
		logger.Infof("Initializing Socket.IO server...")
		sio := websocket.NewSocketIOServer(rt, jwtManager)
		defer sio.Close()
		routes.SocketIO = sio.HandleSocketIO()
		routes.SocketIOPath = websocket.SocketIOPath
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.NewRouter(routes),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("deltarun serving %s on %s", cfg.ScriptPath, cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Infof("Shutting down...")
	case err := <-errCh:
		rt.Stop()
		<-rt.Stopped()
		return fmt.Errorf("server failed: %w", err)
	}

	// Stop the runtime first so open websockets are closed by their
	// sessions rather than cut by the listener.
	rt.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	select {
	case <-rt.Stopped():
	case <-shutdownCtx.Done():
		logger.Warnf("Runtime did not stop within %s", shutdownTimeout)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}
