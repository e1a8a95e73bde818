package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"sxsy-checkin/account"
	"sxsy-checkin/auth"
	"sxsy-checkin/captcha"
	"sxsy-checkin/checkin"
	"sxsy-checkin/config"
	"sxsy-checkin/extract"
	"sxsy-checkin/host"
	"sxsy-checkin/logger"
	"sxsy-checkin/ratelimit"
	"sxsy-checkin/site"
	"sxsy-checkin/stealth"
	"sxsy-checkin/storage"
)

var (
	configFile string
	verbose    bool
)

func main() {
	var rootCmd = &cobra.Command{
		Use:           "sxsy-checkin",
		Short:         "Daily login and check-in for the 尚香书苑 forum",
		Long:          `Logs in to the forum with persisted sessions or email/password plus captcha, then claims the daily check-in reward for every configured account.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./config/config.yaml", "Configuration file path")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable verbose logging")

	// Add subcommands
	rootCmd.AddCommand(createRunCmd())
	rootCmd.AddCommand(createScheduleCmd())
	rootCmd.AddCommand(createStatusCmd())
	rootCmd.AddCommand(createSessionsCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func createRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the login and check-in cycle once",
		Long:  `Reuse persisted sessions, log in the remaining accounts and check in each of them.`,
		RunE:  runCheckin,
	}
}

func createScheduleCmd() *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "schedule",
		Short: "Run the check-in on a cron schedule",
		Long:  `Stay in the foreground and run the check-in cycle whenever the configured cron expression fires.`,
		RunE:  runSchedule,
	}

	cmd.Flags().Bool("now", false, "Also run once immediately")
	return cmd
}

func createStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show persisted sessions and check-in statistics",
		RunE:  runStatus,
	}
}

func createSessionsCmd() *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "sessions",
		Short: "Manage persisted sessions",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List persisted sessions",
		RunE:  runSessionsList,
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove persisted sessions",
		Long:  `Remove every persisted session, or only the one named by --key.`,
		RunE:  runSessionsClear,
	}
	clearCmd.Flags().String("key", "", "Only remove the session of this account key")

	cmd.AddCommand(listCmd, clearCmd)
	return cmd
}

// Command runners

func runCheckin(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	return runOnce(cmd.Context(), cfg, log)
}

func runSchedule(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	loc, err := time.LoadLocation(cfg.Schedule.Timezone)
	if err != nil {
		return fmt.Errorf("failed to load timezone %q: %w", cfg.Schedule.Timezone, err)
	}

	cronLogger := cron.PrintfLogger(log)
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)

	job := func() {
		if err := runOnce(ctx, cfg, log); err != nil {
			log.WithError(err).Error("Scheduled run failed")
		}
	}
	if _, err := c.AddFunc(cfg.Schedule.Cron, job); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", cfg.Schedule.Cron, err)
	}

	log.WithFields(logrus.Fields{
		"cron":     cfg.Schedule.Cron,
		"timezone": loc.String(),
	}).Info("Scheduler started")

	if now, _ := cmd.Flags().GetBool("now"); now {
		job()
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	log.Info("Scheduler stopped")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	store, err := openStore(cfg, "", log)
	if err != nil {
		return err
	}
	defer store.Close()

	accounts := account.Parse(cfg.Accounts)

	fmt.Printf("%s Check-in Status\n", cfg.Site.Name)
	fmt.Printf("========================\n\n")
	fmt.Printf("Configuration:\n")
	fmt.Printf("  Config file: %s\n", configFile)
	fmt.Printf("  Default host: %s\n", cfg.Site.DefaultHost)
	fmt.Printf("  Storage: %s\n", cfg.Storage.Type)
	fmt.Printf("  OCR service configured: %v\n", cfg.Captcha.URL != "")
	fmt.Printf("  Accounts: %d\n", len(accounts))
	for _, cred := range accounts {
		fmt.Printf("    %d. %s (%s)\n", cred.Index, describeCredential(cred), cred.Kind)
	}
	fmt.Printf("\n")

	if err := printSessions(ctx, store); err != nil {
		return err
	}

	history, ok := store.(storage.CheckinHistory)
	if !ok {
		return nil
	}

	stats, err := history.GetDailyStats(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("failed to get daily stats: %w", err)
	}
	latest, err := history.LatestCheckins(ctx)
	if err != nil {
		return fmt.Errorf("failed to get latest checkins: %w", err)
	}

	fmt.Printf("\n")
	fmt.Printf("Daily Statistics:\n")
	fmt.Printf("  Check-ins: %d\n", stats["checkins"])
	fmt.Printf("  Succeeded: %d\n", stats["succeeded"])
	fmt.Printf("  Failed: %d\n", stats["failed"])
	fmt.Printf("\n")
	fmt.Printf("Latest Check-ins:\n")
	for _, rec := range latest {
		fmt.Printf("  %s  %s  balance=%d  %s\n", rec.CreatedAt.Format(storage.TimeLayout), maskKey(rec.Key), rec.Balance, rec.Message)
	}

	return nil
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}

	store, err := openStore(cfg, "", log)
	if err != nil {
		return err
	}
	defer store.Close()

	return printSessions(cmd.Context(), store)
}

func runSessionsClear(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	store, err := openStore(cfg, "", log)
	if err != nil {
		return err
	}
	defer store.Close()

	key, _ := cmd.Flags().GetString("key")
	if key != "" {
		if err := store.Delete(ctx, key); err != nil {
			return fmt.Errorf("failed to delete session %q: %w", key, err)
		}
		fmt.Printf("Removed session: %s\n", maskKey(key))
		return nil
	}

	if err := store.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear sessions: %w", err)
	}
	fmt.Printf("All sessions removed\n")
	return nil
}

// runOnce performs one full login and check-in cycle
func runOnce(ctx context.Context, cfg *config.Config, base *logrus.Logger) error {
	log := withRunID(base, uuid.New().String())

	accounts := account.Parse(cfg.Accounts)
	log.WithField("accounts", len(accounts)).Infof("Starting %s check-in", cfg.Site.Name)
	if cfg.Captcha.URL == "" && account.HasPassword(accounts) {
		log.Warn("No OCR service configured, password logins will fail at the captcha")
	}

	stealthManager := stealth.NewStealthManager(convertConfigToStealth(cfg.Stealth), log)
	userAgent := stealthManager.UserAgent()

	resolver := host.NewResolver(cfg.Site.DiscoveryURL, cfg.Site.DefaultHost, userAgent, cfg.Site.Timeout, log)
	siteHost := resolver.Resolve(ctx)

	store, err := openStore(cfg, siteHost, log)
	if err != nil {
		return err
	}
	defer store.Close()

	// Only the SQLite backend keeps check-in history
	history, _ := store.(storage.CheckinHistory)

	extractor := extract.New()
	opts := site.Options{
		Scheme:    cfg.Site.Scheme,
		UserAgent: userAgent,
		Timeout:   cfg.Site.Timeout,
	}
	siteLog := log.WithField("host", siteHost)
	limiter := ratelimit.NewRateLimiter(convertConfigToLimits(cfg.Limits), log)

	orchestrator := auth.NewOrchestrator(auth.Dependencies{
		Store: store,
		NewSite: func() (auth.Site, error) {
			s, err := site.NewSession(siteHost, opts, siteLog)
			if err != nil {
				return nil, err
			}
			return s, nil
		},
		Solver:    captcha.NewOCRClient(cfg.Captcha.URL, cfg.Captcha.Timeout, log),
		Extractor: extractor,
		Checker:   checkin.NewChecker(extractor, history, log),
		Pacer:     limiter,
		Pauser:    stealthManager,
	}, auth.Options{
		MaxAttempts:  cfg.Auth.CaptchaRetries,
		Backoff:      cfg.Auth.CaptchaBackoff,
		ShortCircuit: cfg.Auth.ReuseShortCircuit,
	}, log)

	report := orchestrator.Run(ctx, accounts)
	printReport(report)

	log.WithFields(logrus.Fields{
		"success": report.Count(auth.StatusSuccess),
		"skipped": report.Count(auth.StatusSkipped),
		"failed":  report.Count(auth.StatusFailed),
	}).Infof("%s check-in finished", cfg.Site.Name)
	log.WithFields(logrus.Fields(limiter.GetStats())).Info("Rate limiter usage")
	return nil
}

// Helper functions

func setup() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	log, err := logger.New(level, cfg.Logging.Format, cfg.Logging.Output)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to setup logger: %w", err)
	}
	return cfg, log, nil
}

// runIDHook stamps every entry of one run with its id
type runIDHook string

func (h runIDHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h runIDHook) Fire(entry *logrus.Entry) error {
	entry.Data["run_id"] = string(h)
	return nil
}

func withRunID(base *logrus.Logger, id string) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(base.Out)
	log.SetFormatter(base.Formatter)
	log.SetLevel(base.GetLevel())
	log.AddHook(runIDHook(id))
	return log
}

func openStore(cfg *config.Config, siteHost string, log *logrus.Logger) (storage.SessionStore, error) {
	switch cfg.Storage.Type {
	case config.StorageSQLite:
		store, err := storage.NewSQLiteStore(cfg.Storage.Path, cfg.Site.Name, log)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		return store, nil
	default:
		store, err := storage.NewJSONFileStore(cfg.Storage.Dir, cfg.Site.Name, siteHost, log)
		if err != nil {
			return nil, fmt.Errorf("failed to open session file: %w", err)
		}
		return store, nil
	}
}

func convertConfigToStealth(cfg config.StealthConfig) stealth.StealthConfig {
	return stealth.StealthConfig{
		Fingerprint: stealth.FingerprintConfig{
			RandomUserAgent: cfg.RandomUserAgent,
			UserAgent:       cfg.UserAgent,
			UserAgents:      cfg.UserAgents,
		},
		Timing: stealth.TimingConfig{
			MinDelay: cfg.MinDelay,
			MaxDelay: cfg.MaxDelay,
		},
	}
}

func convertConfigToLimits(cfg config.LimitsConfig) ratelimit.Config {
	return ratelimit.Config{
		MinDelay:       cfg.MinDelay,
		LoginDelay:     cfg.LoginDelay,
		CheckinDelay:   cfg.CheckinDelay,
		DailyLogins:    cfg.DailyLogins,
		DailyCheckins:  cfg.DailyCheckins,
		RandomizeDelay: cfg.RandomizeDelay,
		JitterPercent:  cfg.JitterPercent,
	}
}

func printSessions(ctx context.Context, store storage.SessionStore) error {
	records, err := store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	fmt.Printf("Persisted Sessions: %d\n", len(records))
	for _, rec := range records {
		fmt.Printf("  %s  updated %s\n", maskKey(rec.Key), rec.UpdatedAt.Format(storage.TimeLayout))
	}
	return nil
}

func printReport(report auth.Report) {
	fmt.Printf("\nCheck-in completed!\n")
	for _, out := range report.Outcomes {
		line := fmt.Sprintf("  [%s] %s via %s", out.Status, maskKey(out.Key), out.Source)
		switch {
		case out.Status == auth.StatusSuccess && out.Result.Message != "":
			line += fmt.Sprintf(": %s (balance %d)", out.Result.Message, out.Result.Balance)
		case out.Reason != "":
			line += ": " + out.Reason
		}
		fmt.Println(line)
	}
	fmt.Printf("Successful: %d\n", report.Count(auth.StatusSuccess))
	fmt.Printf("Skipped: %d\n", report.Count(auth.StatusSkipped))
	fmt.Printf("Failed: %d\n", report.Count(auth.StatusFailed))
}

func describeCredential(cred account.Credential) string {
	if cred.Kind == account.KindPassword {
		return account.MaskEmail(cred.Email)
	}
	return "cookie string"
}

func maskKey(key string) string {
	if key == account.DefaultKey {
		return key
	}
	return account.MaskEmail(key)
}
