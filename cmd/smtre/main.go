package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/smtre/internal/api"
	"github.com/BTreeMap/smtre/internal/conversation"
	"github.com/BTreeMap/smtre/internal/listener"
	"github.com/BTreeMap/smtre/internal/logger"
	"github.com/BTreeMap/smtre/internal/reengagement"
	"github.com/BTreeMap/smtre/internal/rungate"
	"github.com/BTreeMap/smtre/internal/scheduler"
	"github.com/BTreeMap/smtre/internal/store"
	"github.com/BTreeMap/smtre/internal/telemetry"
	"github.com/BTreeMap/smtre/internal/twilioconv"
	"github.com/BTreeMap/smtre/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for state data
	DefaultStateDir = "/var/lib/smtre"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "smtre.db"
	// DefaultAPIAddr is the default HTTP listen address
	DefaultAPIAddr = ":8080"
	// DefaultClosedStream is the default Redis stream carrying closed events
	DefaultClosedStream = "smtre:conversation_closed"
	// DefaultClosedGroup is the default consumer group for closed events
	DefaultClosedGroup = "smtre"
	// DefaultClosedMaxAttempts is how often a closed event is retried before it is dead-lettered
	DefaultClosedMaxAttempts = 5
	// closedRequeueDelay is the pause before a failed closed event is enqueued again
	closedRequeueDelay = 2 * time.Second
	// DefaultSystemIdentity is the member that posts stage messages
	DefaultSystemIdentity = "smt-re-system"

	shutdownTimeout = 15 * time.Second
)

func main() {
	config := loadEnvironmentConfig()
	logger.Setup(config.AppEnv)

	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config, flags); err != nil {
		slog.Error("smtre failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("smtre exited successfully")
}

// Config holds environment configuration
type Config struct {
	AppEnv            string
	StateDir          string
	DatabaseURL       string
	APIAddr           string
	RunGate           string
	RedisAddr         string
	ClosedStream      string
	ClosedGroup       string
	Consumer          string
	Concurrency       int
	ClosedMaxAttempts int
	TwilioAccountSID  string
	TwilioAuthToken   string
	SystemIdentity    string
	OTLPEndpoint      string
	OTLPHeaders       string
	RunScheduledWork  bool
}

// Flags holds command line flag values
type Flags struct {
	stateDir    *string
	dbDSN       *string
	apiAddr     *string
	runGate     *string
	redisAddr   *string
	concurrency *int
	noScheduler *bool
	noListener  *bool
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		AppEnv:            os.Getenv("APP_ENV"),
		StateDir:          os.Getenv("SMTRE_STATE_DIR"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		APIAddr:           os.Getenv("API_ADDR"),
		RunGate:           os.Getenv("SMTRE_RUN_GATE"),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		ClosedStream:      os.Getenv("SMTRE_CLOSED_STREAM"),
		ClosedGroup:       os.Getenv("SMTRE_CLOSED_GROUP"),
		Consumer:          os.Getenv("SMTRE_CONSUMER"),
		Concurrency:       util.ParseIntEnv("SMTRE_SCHEDULER_CONCURRENCY", 1),
		ClosedMaxAttempts: util.ParseIntEnv("SMTRE_CLOSED_MAX_ATTEMPTS", DefaultClosedMaxAttempts),
		TwilioAccountSID:  os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:   os.Getenv("TWILIO_AUTH_TOKEN"),
		SystemIdentity:    os.Getenv("SMTRE_SYSTEM_IDENTITY"),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPHeaders:       os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"),
		RunScheduledWork:  util.ParseBoolEnv(rungate.RunScheduledWorkEnv, true),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No SMTRE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.APIAddr == "" {
		config.APIAddr = DefaultAPIAddr
	}
	if config.ClosedStream == "" {
		config.ClosedStream = DefaultClosedStream
	}
	if config.ClosedGroup == "" {
		config.ClosedGroup = DefaultClosedGroup
	}
	if config.Consumer == "" {
		config.Consumer = util.InstanceName("smtre")
	}
	if config.SystemIdentity == "" {
		config.SystemIdentity = DefaultSystemIdentity
	}

	slog.Debug("environment variables loaded",
		"APP_ENV", config.AppEnv,
		"SMTRE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", os.Getenv("DATABASE_URL") != "",
		"API_ADDR", config.APIAddr,
		"SMTRE_RUN_GATE", config.RunGate,
		"REDIS_ADDR_SET", config.RedisAddr != "",
		"SMTRE_SCHEDULER_CONCURRENCY", config.Concurrency,
		"TWILIO_CREDENTIALS_SET", config.TwilioAccountSID != "" && config.TwilioAuthToken != "",
		"OTEL_ENDPOINT_SET", config.OTLPEndpoint != "")

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	flags := Flags{
		stateDir:    fs.String("state-dir", config.StateDir, "state directory for smtre data (overrides $SMTRE_STATE_DIR)"),
		dbDSN:       fs.String("db-dsn", config.DatabaseURL, "SQLite path or PostgreSQL DSN (overrides $DATABASE_URL)"),
		apiAddr:     fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		runGate:     fs.String("run-gate", config.RunGate, "scheduler run gate: static, lockfile or redis (overrides $SMTRE_RUN_GATE)"),
		redisAddr:   fs.String("redis-addr", config.RedisAddr, "Redis address for closed events and leases (overrides $REDIS_ADDR)"),
		concurrency: fs.Int("concurrency", config.Concurrency, "records evaluated in parallel per tick (overrides $SMTRE_SCHEDULER_CONCURRENCY)"),
		noScheduler: fs.Bool("no-scheduler", false, "do not run the scheduler in this process"),
		noListener:  fs.Bool("no-listener", false, "do not consume closed events in this process"),
	}
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	// Follow a relocated state directory when the DSN is the default SQLite path.
	if *flags.dbDSN == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *flags.stateDir)
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_type", store.DetectDSNType(*flags.dbDSN),
		"apiAddr", *flags.apiAddr,
		"runGate", *flags.runGate,
		"concurrency", *flags.concurrency,
		"noScheduler", *flags.noScheduler,
		"noListener", *flags.noListener)
	return flags, nil
}

// ensureDirectoriesExist creates the state directory for file-based storage and lock files
func ensureDirectoriesExist(flags Flags) error {
	dirs := []string{*flags.stateDir}
	if store.DetectDSNType(*flags.dbDSN) == "sqlite" {
		dirs = append(dirs, filepath.Dir(*flags.dbDSN))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state directory %s: %w", dir, err)
		}
	}
	return nil
}

// buildTwilioOptions constructs Twilio Conversations options
func buildTwilioOptions(config Config) []twilioconv.Option {
	var opts []twilioconv.Option
	if config.TwilioAccountSID != "" {
		opts = append(opts, twilioconv.WithAccountSID(config.TwilioAccountSID))
	}
	if config.TwilioAuthToken != "" {
		opts = append(opts, twilioconv.WithAuthToken(config.TwilioAuthToken))
	}
	return opts
}

// buildSchedulerOptions constructs scheduler options
func buildSchedulerOptions(flags Flags, gate rungate.Gate) []scheduler.Option {
	opts := []scheduler.Option{scheduler.WithGate(gate)}
	if *flags.concurrency > 1 {
		opts = append(opts, scheduler.WithConcurrency(*flags.concurrency))
	}
	return opts
}

// buildListenerConfig constructs the closed-event stream configuration
func buildListenerConfig(config Config) listener.RedisConfig {
	return listener.RedisConfig{
		Stream:   config.ClosedStream,
		Group:    config.ClosedGroup,
		Consumer: config.Consumer,

		RequeueDelay: closedRequeueDelay,
	}
}

// buildGateway returns the Twilio gateway, or an in-memory gateway outside
// production when no credentials are configured.
func buildGateway(config Config) (conversation.Gateway, conversation.TeamResolver, error) {
	gw, err := twilioconv.NewGateway(buildTwilioOptions(config)...)
	if err == nil {
		return gw, gw, nil
	}
	if config.AppEnv == "production" {
		return nil, nil, fmt.Errorf("twilio gateway: %w", err)
	}
	slog.Warn("Twilio credentials missing, using in-memory conversation gateway", "error", err)
	mock := conversation.NewMockGateway()
	return mock, mock, nil
}

// buildRunGate constructs the gate selected by kind. The returned release
// function gives the gate up on shutdown.
func buildRunGate(kind rungate.Kind, config Config, flags Flags, rdb redis.UniversalClient) (rungate.Gate, func(context.Context), error) {
	noop := func(context.Context) {}
	switch kind {
	case rungate.KindLockfile:
		gate, err := rungate.NewLockfile(*flags.stateDir)
		if err != nil {
			return nil, nil, err
		}
		return gate, func(context.Context) {
			if err := gate.Release(); err != nil {
				slog.Warn("Failed to release scheduler lock", "error", err)
			}
		}, nil
	case rungate.KindRedis:
		if rdb == nil {
			return nil, nil, errors.New("redis run gate requires REDIS_ADDR")
		}
		gate := rungate.NewRedisLease(rdb)
		slog.Info("Using Redis lease for scheduled work", "owner", gate.Owner())
		return gate, func(ctx context.Context) {
			if err := gate.Release(ctx); err != nil {
				slog.Warn("Failed to release scheduler lease", "error", err)
			}
		}, nil
	default:
		return rungate.NewStatic(config.RunScheduledWork), noop, nil
	}
}

func run(ctx context.Context, config Config, flags Flags) error {
	if err := ensureDirectoriesExist(flags); err != nil {
		return err
	}

	tel, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:    config.OTLPEndpoint,
		Headers:     config.OTLPHeaders,
		ServiceName: "smtre",
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Telemetry shutdown failed", "error", err)
		}
	}()

	st, err := store.Open(*flags.dbDSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	gateway, teams, err := buildGateway(config)
	if err != nil {
		return err
	}

	var rdb *redis.Client
	if *flags.redisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: *flags.redisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis at %s: %w", *flags.redisAddr, err)
		}
	}

	system := conversation.Member{Identity: config.SystemIdentity, DisplayName: "Re-engagement"}
	machine := reengagement.NewStateMachine(gateway, st, system)
	svc := reengagement.NewService(st, machine, teams)

	var apiOpts []api.Option
	if rdb != nil {
		apiOpts = append(apiOpts, api.WithHealthCheck(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}))
	}
	server := api.NewServer(svc, apiOpts...)

	// Everything that can fail is set up before the server starts listening,
	// so an early return leaves nothing running.
	var sched *scheduler.Scheduler
	release := func(context.Context) {}
	if !*flags.noScheduler {
		kind, err := rungate.ParseKind(*flags.runGate)
		if err != nil {
			return err
		}
		var leaseClient redis.UniversalClient
		if rdb != nil {
			leaseClient = rdb
		}
		gate, releaseGate, err := buildRunGate(kind, config, flags, leaseClient)
		if err != nil {
			return fmt.Errorf("run gate: %w", err)
		}
		release = releaseGate
		sched = scheduler.NewScheduler(st, machine, buildSchedulerOptions(flags, gate)...)
		slog.Debug("Scheduler run gate configured", "gate", kind)
	}

	var closed *listener.Listener
	if !*flags.noListener && rdb != nil {
		source, err := listener.NewRedisEventSource(ctx, rdb, buildListenerConfig(config))
		if err != nil {
			release(ctx)
			return fmt.Errorf("closed-event stream: %w", err)
		}
		closed = listener.New(source, svc, listener.WithMaxAttempts(config.ClosedMaxAttempts))
	} else if rdb == nil {
		slog.Info("REDIS_ADDR not set, closed-event listener disabled")
	}

	if sched != nil {
		if err := sched.Start(); err != nil {
			release(ctx)
			return fmt.Errorf("start scheduler: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(*flags.apiAddr)
	})
	if sched != nil {
		g.Go(func() error {
			<-gctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			sched.Stop(stopCtx)
			release(stopCtx)
			return nil
		})
	}
	if closed != nil {
		slog.Info("Closed-event listener started", "stream", config.ClosedStream, "group", config.ClosedGroup, "consumer", config.Consumer)
		g.Go(func() error {
			return closed.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
