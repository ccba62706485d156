// Command taildir tails every file under a directory tree and delivers newly
// appended lines to the configured sinks. It exposes /healthz and /metrics
// when an HTTP address is configured and shuts down gracefully on SIGTERM or
// SIGINT.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/taildir/taildir/internal/agent"
	"github.com/taildir/taildir/internal/config"
	"github.com/taildir/taildir/internal/queue"
	"github.com/taildir/taildir/internal/sink"
)

type cli struct {
	Watch  watchCmd  `cmd:"" default:"withargs" help:"Tail a directory tree until interrupted"`
	Drain  drainCmd  `cmd:"" help:"Print and acknowledge batches pending in a spool database"`
	Verify verifyCmd `cmd:"" help:"Check the hash chain of a JSONL batch log"`
}

type watchCmd struct {
	Config   string `help:"Path to the YAML configuration file" default:"/etc/taildir/config.yaml" env:"TAILDIR_CONFIG" type:"path"`
	Dir      string `help:"Override the directory to tail" type:"path"`
	LogLevel string `help:"Override the log level"`
}

func (c *watchCmd) Run() error {
	cfg, err := config.LoadConfig(c.Config, c.override)
	if err != nil {
		return err
	}

	logger := newLogger(os.Stderr, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", c.Config),
		slog.String("dir", cfg.Dir),
		slog.String("log_level", cfg.LogLevel),
		slog.String("http_addr", cfg.HTTPAddr),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	var opts []agent.Option
	if cfg.HTTPAuth.PublicKeyPath != "" {
		pemData, err := os.ReadFile(cfg.HTTPAuth.PublicKeyPath)
		if err != nil {
			return fmt.Errorf("http_auth: %w", err)
		}
		key, err := agent.ParseRSAPublicKey(pemData)
		if err != nil {
			return err
		}
		opts = append(opts, agent.WithAuth(agent.AuthConfig{
			PublicKey: key,
			Issuer:    cfg.HTTPAuth.Issuer,
			Audience:  cfg.HTTPAuth.Audience,
		}))
	}
	ag := agent.New(cfg, logger, opts...)

	var srv *http.Server
	if cfg.HTTPAddr != "" {
		srv = &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      ag.Router(),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("http server listening", slog.String("addr", cfg.HTTPAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server error", slog.Any("error", err))
			}
		}()
	}

	runErr := ag.Run(ctx)

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http server shutdown error", slog.Any("error", err))
		}
	}

	if runErr != nil {
		return runErr
	}
	logger.Info("taildir exited cleanly")
	return nil
}

// override applies the command-line flags on top of the file.
func (c *watchCmd) override(cfg *config.Config) {
	if c.Dir != "" {
		cfg.Dir = c.Dir
	}
	if c.LogLevel != "" {
		cfg.LogLevel = c.LogLevel
	}
}

type drainCmd struct {
	DB    string `help:"Spool database written by the spool sink" required:"" type:"existingfile"`
	Batch int    `help:"Rows fetched per round" default:"100"`
	Keep  bool   `help:"Keep acknowledged rows instead of compacting the spool"`
}

func (c *drainCmd) Run() error {
	q, err := queue.New(c.DB)
	if err != nil {
		return err
	}
	defer q.Close()

	ctx := context.Background()
	n, err := drain(ctx, q, sink.Writer(os.Stdout), c.Batch)
	fmt.Fprintf(os.Stderr, "drained %d batches\n", n)
	if err != nil || c.Keep {
		return err
	}
	removed, err := q.Compact(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "compacted %d acknowledged rows\n", removed)
	return nil
}

// drain moves every pending spool row to out, acknowledging each round once
// it has been written. It returns the number of batches written.
func drain(ctx context.Context, q *queue.SQLiteQueue, out sink.Sink, size int) (int, error) {
	if size <= 0 {
		return 0, fmt.Errorf("drain: batch size %d must be positive", size)
	}
	total := 0
	for {
		pending, err := q.Dequeue(ctx, size)
		if err != nil {
			return total, err
		}
		if len(pending) == 0 {
			return total, nil
		}
		ids := make([]int64, 0, len(pending))
		for _, pb := range pending {
			if err := out.Write(ctx, pb.Batch); err != nil {
				return total, err
			}
			ids = append(ids, pb.ID)
			total++
		}
		if err := q.Ack(ctx, ids); err != nil {
			return total, err
		}
	}
}

type verifyCmd struct {
	Path string `arg:"" help:"JSONL log written by the jsonl sink" type:"existingfile"`
}

func (c *verifyCmd) Run() error {
	records, err := sink.Verify(c.Path)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %d records, chain intact\n", c.Path, len(records))
	return nil
}

func main() {
	var params cli
	ctx := kong.Parse(&params,
		kong.Name("taildir"),
		kong.Description("Tail every file under a directory and deliver appended lines."),
		kong.UsageOnError(),
	)
	if err := ctx.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "taildir: %v\n", err)
		os.Exit(1)
	}
}

// newLogger constructs a *slog.Logger that writes JSON-structured log records
// to w at the requested minimum level.
func newLogger(w io.Writer, level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: l}))
}
