// Command signalsift runs the newsletter ingestion pipeline: it
// imports unseen messages from the configured IMAP mailboxes, gates
// them through the source approval lifecycle, extracts nuggets via
// the LLM gateway, and archives what it successfully processed.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/ndang/signalsift/internal/credential"
	"github.com/ndang/signalsift/internal/llm"
	"github.com/ndang/signalsift/internal/logging"
	"github.com/ndang/signalsift/internal/mailbox"
	"github.com/ndang/signalsift/internal/model"
	"github.com/ndang/signalsift/internal/ratelimit"
	"github.com/ndang/signalsift/internal/store"
	"github.com/ndang/signalsift/internal/strategy"
	syncer "github.com/ndang/signalsift/internal/sync"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "signalsift:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", model.DefaultConfigPath(), "path to config file")
		once       = flag.Bool("once", false, "run a single sync and exit")
		reprocess  = flag.String("reprocess", "", "re-run extraction for one signal id and exit")
		setPass    = flag.String("set-password", "", "store the IMAP password for a mailbox id and exit")
		deletePass = flag.String("delete-password", "", "remove the stored password for a mailbox id and exit")
		debug      = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	cfg, err := model.LoadConfig(*configPath)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger, closeLog := logging.Setup(cfg.LogFile, level)
	defer func() {
		if err := closeLog(); err != nil {
			fmt.Fprintln(os.Stderr, "closing log file:", err)
		}
	}()

	// Persist the defaults on first run so the user has a file to edit.
	if _, statErr := os.Stat(*configPath); errors.Is(statErr, os.ErrNotExist) {
		if err := model.SaveConfig(*configPath, cfg); err != nil {
			logger.Warn("writing default config failed", "path", *configPath, "error", err)
		} else {
			logger.Info("wrote default config", "path", *configPath)
		}
	}

	vault := credential.NewVault()

	if *setPass != "" {
		password, err := readPassword(fmt.Sprintf("password for mailbox %q: ", *setPass))
		if err != nil {
			return fmt.Errorf("reading password: %w", err)
		}
		if err := vault.SetMailboxPassword(*setPass, password); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "stored password for mailbox %q\n", *setPass)
		return nil
	}
	if *deletePass != "" {
		if err := vault.DeleteMailboxPassword(*deletePass); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "removed password for mailbox %q\n", *deletePass)
		return nil
	}

	if len(cfg.Mailboxes) == 0 && *reprocess == "" {
		return fmt.Errorf("no mailboxes configured in %s", *configPath)
	}

	st, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	limiter := ratelimit.New(
		cfg.Sync.ImportsPerHour,
		cfg.Sync.ExtractionsPerHour,
		ratelimit.SystemClock(),
	)
	limiter.Start()
	defer limiter.Stop()

	dial := func(mbCfg mailbox.Config) (syncer.Mailbox, error) {
		return mailbox.Connect(mbCfg, logger)
	}

	runner := syncer.NewRunner(
		st,
		dial,
		llm.NewClient(cfg.LLM, logger),
		strategy.NewRegistry(logger),
		limiter,
		vault,
		cfg.Mailboxes,
		cfg.Profile,
		cfg.LLM.Timeout(),
		logger,
	)

	ctx, stop := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer stop()

	if *reprocess != "" {
		sig, err := st.GetSignalByID(ctx, cfg.UserID, *reprocess)
		if err != nil {
			return err
		}
		if sig == nil {
			return fmt.Errorf("signal %s not found", *reprocess)
		}
		if sig.Status == model.SignalStatusFailed {
			if err := st.ResetSignal(ctx, sig.ID); err != nil {
				return fmt.Errorf("resetting signal %s: %w", sig.ID, err)
			}
		}
		return runner.ProcessSignal(ctx, cfg.UserID, *reprocess)
	}

	if *once {
		return runOnce(ctx, runner, cfg.UserID, logger)
	}

	interval := time.Duration(cfg.Sync.IntervalSec) * time.Second
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	logger.Info("starting sync loop", "interval", interval, "user", cfg.UserID)

	// First run immediately, then on the ticker until interrupted.
	if err := runOnce(ctx, runner, cfg.UserID, logger); err != nil {
		logger.Error("sync run failed", "error", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case <-ticker.C:
			if err := runOnce(ctx, runner, cfg.UserID, logger); err != nil {
				logger.Error("sync run failed", "error", err)
			}
		}
	}
}

func runOnce(
	ctx context.Context,
	runner *syncer.Runner,
	userID string,
	logger *slog.Logger,
) error {
	res, err := runner.Run(ctx, userID)
	if err != nil {
		if errors.Is(err, ratelimit.ErrLimited) {
			logger.Warn("sync skipped, rate limited", "user", userID)
			return nil
		}
		if errors.Is(err, syncer.ErrSyncInProgress) {
			logger.Warn("sync skipped, previous run still in progress", "user", userID)
			return nil
		}
		return err
	}

	for _, item := range res.Errors {
		logger.Warn("message failed during sync",
			"message_id", item.MessageID,
			"subject", item.Subject,
			"error", item.Error)
	}
	return nil
}

// readPassword prompts on stderr and reads a password without echo
// when stdin is a terminal, falling back to a plain line read for
// piped input.
func readPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)

	if term.IsTerminal(int(os.Stdin.Fd())) {
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(raw)), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
