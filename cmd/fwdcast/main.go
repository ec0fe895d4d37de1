package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/urfave/cli/v2"

	"github.com/fwdcast/fwdcast/config"
	"github.com/fwdcast/fwdcast/logging"
	"github.com/fwdcast/fwdcast/origin"
	"github.com/fwdcast/fwdcast/relay"
	"github.com/fwdcast/fwdcast/storage"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	config.Load()

	app := NewApp()
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func NewApp() *cli.App {
	return &cli.App{
		Name:    "fwdcast",
		Usage:   "share a local directory through a public relay",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		Commands: []*cli.Command{
			relayCommand(),
			shareCommand(),
		},
	}
}

func relayCommand() *cli.Command {
	return &cli.Command{
		Name:  "relay",
		Usage: "start a public relay server",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Value:   config.GetIntEnv("FWDCAST_PORT", 8080),
				Usage:   "port to listen on",
			},
			&cli.StringFlag{
				Name:  "host",
				Value: config.GetStringEnv("FWDCAST_LISTEN_ADDR", ""),
				Usage: "address to bind (empty binds all interfaces)",
			},
			&cli.StringFlag{
				Name:  "public-base",
				Value: config.GetStringEnv("PUBLIC_BASE_URL", ""),
				Usage: "public base URL advertised to sharers (auto-derived if not set)",
			},
			&cli.StringFlag{
				Name:  "db-path",
				Value: config.GetStringEnv("FWDCAST_DB_PATH", ""),
				Usage: "relay database path (default: ~/.fwdcast/relay.db)",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "output logs in JSONL format",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: "info",
				Usage: "minimum log level (debug, info, warn, error)",
			},
		},
		Action: func(c *cli.Context) error {
			return runRelay(
				c.Int("port"),
				c.String("host"),
				c.String("public-base"),
				c.String("db-path"),
				c.Bool("json"),
				c.String("log-level"),
			)
		},
	}
}

func shareCommand() *cli.Command {
	return &cli.Command{
		Name:      "share",
		Usage:     "share a directory through a relay",
		ArgsUsage: "[dir]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "relay",
				Aliases: []string{"r"},
				Value:   config.GetStringEnv("FWDCAST_RELAY_URL", "ws://localhost:8080/ws"),
				Usage:   "relay WebSocket registration endpoint",
			},
			&cli.IntFlag{
				Name:    "duration",
				Aliases: []string{"d"},
				Value:   30,
				Usage:   "session lifetime in minutes (1-120)",
			},
			&cli.StringFlag{
				Name:  "password",
				Usage: "require viewers to enter this password",
			},
			&cli.StringSliceFlag{
				Name:    "exclude",
				Aliases: []string{"x"},
				Usage:   "glob pattern to exclude (repeatable)",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "output logs in JSONL format",
			},
			&cli.BoolFlag{
				Name:  "no-transfer-log",
				Usage: "disable recording of served requests",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: "info",
				Usage: "minimum log level (debug, info, warn, error)",
			},
		},
		Action: func(c *cli.Context) error {
			dir := "."
			if c.NArg() > 0 {
				dir = c.Args().First()
			}
			minutes := c.Int("duration")
			if minutes < 1 || minutes > 120 {
				return fmt.Errorf("duration must be between 1 and 120 minutes, got %d", minutes)
			}
			return runShare(shareOptions{
				Dir:           dir,
				RelayURL:      c.String("relay"),
				Duration:      time.Duration(minutes) * time.Minute,
				Password:      c.String("password"),
				Excludes:      c.StringSlice("exclude"),
				JSONLogs:      c.Bool("json"),
				NoTransferLog: c.Bool("no-transfer-log"),
				LogLevel:      c.String("log-level"),
			})
		},
	}
}

func newLogger(jsonOutput bool, level string) logging.Logger {
	cfg := logging.LoggerConfig{
		Output: os.Stderr,
		Level:  logging.ParseLevel(level),
	}
	if jsonOutput {
		cfg.Formatter = &logging.JSONFormatter{}
	}
	return logging.NewLogger(cfg)
}

func runRelay(port int, host, publicBase, dbPath string, jsonOutput bool, level string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		cancel()
	}()

	logger := newLogger(jsonOutput, level)

	if dbPath == "" {
		var err error
		dbPath, err = defaultDBPath("relay.db")
		if err != nil {
			return fmt.Errorf("get relay db path: %w", err)
		}
	}

	db, err := storage.OpenDB(dbPath)
	if err != nil {
		return fmt.Errorf("open relay db: %w", err)
	}
	defer db.Close()

	if err := storage.InitRelayLimitsSchema(db); err != nil {
		return fmt.Errorf("init relay_limits schema: %w", err)
	}
	if err := storage.SeedRelayLimits(db); err != nil {
		return fmt.Errorf("seed relay_limits: %w", err)
	}

	limits, err := storage.NewSQLiteRelayLimitRepo(db).Get()
	if err != nil {
		return fmt.Errorf("get relay_limits: %w", err)
	}

	metrics := relay.NewMetrics(prometheus.DefaultRegisterer)

	srv, err := relay.NewServer(relay.ServerConfig{
		Addr:           fmt.Sprintf("%s:%d", host, port),
		Host:           host,
		PublicBase:     publicBase,
		MaxViewers:     limits.MaxViewers,
		RequestTimeout: time.Duration(limits.RequestTimeoutSecs) * time.Second,
		AuthWindow:     time.Duration(limits.AuthWindowSecs) * time.Second,
		Logger:         logger,
		Metrics:        metrics,
	})
	if err != nil {
		return fmt.Errorf("init relay server: %w", err)
	}

	srv.SetReadyCallback(func() {
		fmt.Printf("Relay ready on %s\n", srv.Addr())
	})

	return srv.Start(ctx)
}

type shareOptions struct {
	Dir           string
	RelayURL      string
	Duration      time.Duration
	Password      string
	Excludes      []string
	JSONLogs      bool
	NoTransferLog bool
	LogLevel      string
}

func runShare(opts shareOptions) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Println("\nStopping share...")
		cancel()
	}()

	logger := newLogger(opts.JSONLogs, opts.LogLevel)

	baseDir, err := filepath.Abs(opts.Dir)
	if err != nil {
		return fmt.Errorf("resolve directory: %w", err)
	}
	info, err := os.Stat(baseDir)
	if err != nil {
		return fmt.Errorf("stat directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", baseDir)
	}

	dbPath, err := defaultDBPath("fwdcast.db")
	if err != nil {
		return fmt.Errorf("get db path: %w", err)
	}

	db, err := storage.OpenDB(dbPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	shareRepo := storage.NewSQLiteShareRepo(db)

	var transfers storage.TransferRepo
	if !opts.NoTransferLog {
		transfers = storage.NewSQLiteTransferRepo(db)
		fmt.Printf("Transfer logging enabled: %s\n", dbPath)
	}

	shareID := ulid.Make().String()
	share := &storage.Share{
		ID:        shareID,
		BasePath:  baseDir,
		RelayURL:  opts.RelayURL,
		StartedAt: time.Now().UnixMilli(),
		Status:    "connecting",
	}
	if err := shareRepo.Save(share); err != nil {
		return fmt.Errorf("save share: %w", err)
	}

	agent, err := origin.NewAgent(origin.AgentConfig{
		RelayURL:  opts.RelayURL,
		BaseDir:   baseDir,
		Duration:  opts.Duration,
		Password:  opts.Password,
		Excludes:  opts.Excludes,
		Transfers: transfers,
		ShareID:   shareID,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("init agent: %w", err)
	}

	agent.OnURL(func(url string) {
		fmt.Printf("Sharing %s at %s\n", baseDir, url)
		fmt.Printf("Session expires in %s\n", opts.Duration)
		if opts.Password != "" {
			fmt.Println("Password protection enabled")
		}
		if err := shareRepo.SetSession(shareID, agent.SessionID(), url); err != nil {
			fmt.Printf("save session: %v\n", err)
		}
		if err := shareRepo.UpdateStatus(shareID, "active", 0); err != nil {
			fmt.Printf("update share status: %v\n", err)
		}
	})

	agent.OnStats(func(stats origin.TransferStats) {
		fmt.Printf("\rServed %d requests, %s sent (last: %s)   ",
			stats.RequestsServed, formatBytes(stats.BytesSent), stats.LastPath)
	})

	agent.OnExpired(func() {
		fmt.Println("\nSession expired")
		if err := shareRepo.UpdateStatus(shareID, "expired", time.Now().UnixMilli()); err != nil {
			fmt.Printf("update share status: %v\n", err)
		}
		cancel()
	})

	agent.OnDisconnect(func(err error) {
		fmt.Printf("\nDisconnected: %v\n", err)
		if updateErr := shareRepo.UpdateStatus(shareID, "disconnected", time.Now().UnixMilli()); updateErr != nil {
			fmt.Printf("update share status: %v\n", updateErr)
		}
		cancel()
	})

	if err := agent.Connect(ctx); err != nil {
		if updateErr := shareRepo.UpdateStatus(shareID, "failed", time.Now().UnixMilli()); updateErr != nil {
			fmt.Printf("update share status: %v\n", updateErr)
		}
		return err
	}

	agent.Wait(ctx)

	if err := agent.Close(); err != nil {
		fmt.Printf("close agent: %v\n", err)
	}
	if share, getErr := shareRepo.Get(shareID); getErr == nil && share != nil && share.Status == "active" {
		if err := shareRepo.UpdateStatus(shareID, "stopped", time.Now().UnixMilli()); err != nil {
			fmt.Printf("update share status: %v\n", err)
		}
	}
	return nil
}

func defaultDBPath(name string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".fwdcast")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
