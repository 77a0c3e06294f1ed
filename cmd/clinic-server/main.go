package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/klinik/clinic/internal/config"
	"github.com/klinik/clinic/internal/domain/billing"
	"github.com/klinik/clinic/internal/domain/clinical"
	"github.com/klinik/clinic/internal/domain/identity"
	"github.com/klinik/clinic/internal/domain/pharmacy"
	"github.com/klinik/clinic/internal/domain/scheduling"
	"github.com/klinik/clinic/internal/platform/audit"
	"github.com/klinik/clinic/internal/platform/auth"
	"github.com/klinik/clinic/internal/platform/db"
	"github.com/klinik/clinic/internal/platform/jobs"
	"github.com/klinik/clinic/internal/platform/middleware"
	"github.com/klinik/clinic/internal/platform/notification"
	"github.com/klinik/clinic/internal/platform/websocket"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "clinic-server",
		Short: "Clinic management API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(jobsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the clinic API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func connect(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.ClinicTimezone)
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			_, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, dir).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			_, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, dir).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func jobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Run the periodic sweeps",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Send installment reminders and the stock digest once",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()

			ctx := context.Background()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			a, err := buildApp(cfg, pool, logger)
			if err != nil {
				return err
			}
			defer a.close()

			sched := jobs.NewScheduler(cfg.Location(), logger)
			for _, t := range sweepTasks(a.billing, a.pharmacy) {
				sched.Register(t)
			}
			results := sched.RunOnce(ctx)
			a.dispatcher.Wait()

			if failed := writeResults(cmd.OutOrStdout(), results); failed > 0 {
				return fmt.Errorf("%d job(s) failed", failed)
			}
			return nil
		},
	})
	return cmd
}

func newLogger() zerolog.Logger {
	if os.Getenv("ENV") == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// app holds the wired domain services.
type app struct {
	identity   *identity.Service
	scheduling *scheduling.Service
	pharmacy   *pharmacy.Service
	billing    *billing.Service
	clinical   *clinical.Service

	dispatcher *notification.Dispatcher
	notices    notification.Store
	live       *websocket.Hub
	trail      *audit.Trail
	auditLog   *audit.PGRecorder

	closers []io.Closer
}

func buildApp(cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	loc := cfg.Location()
	txm := db.NewTxManager(pool, cfg.IDRetryAttempts)

	a := &app{auditLog: audit.NewPGRecorder(pool)}
	a.trail = audit.NewTrail(a.auditLog, logger)

	// Identity
	a.identity = identity.NewService(
		identity.NewUserRepoPG(pool),
		identity.NewPatientRepoPG(pool),
		identity.NewDoctorRepoPG(pool),
		identity.NewStaffRepoPG(pool),
		txm,
	)
	a.identity.SetAuditTrail(a.trail)
	a.identity.SetLocation(loc)

	// Notifications
	store := notification.NewPGStore(pool)
	a.notices = store
	a.live = websocket.NewHub(logger)
	a.dispatcher = notification.NewDispatcher(store, notification.NewTemplateEngine(), logger).WithPublisher(a.live)
	if cfg.TwilioEnabled() {
		a.dispatcher.WithSMS(notification.NewTwilioSMSSender(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFromNumber), a.identity)
		logger.Info().Msg("sms delivery enabled")
	}
	if cfg.KafkaEnabled() {
		pub := notification.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaNotificationTopic)
		a.dispatcher.WithPublisher(pub)
		a.closers = append(a.closers, pub)
		logger.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaNotificationTopic).Msg("notification events enabled")
	}

	// Scheduling
	a.scheduling = scheduling.NewService(scheduling.NewAppointmentRepoPG(pool), a.identity, txm)
	a.scheduling.SetAuditTrail(a.trail)
	a.scheduling.SetNotifier(a.dispatcher)
	a.scheduling.SetLocation(loc)

	// Billing
	a.billing = billing.NewService(
		billing.NewPaymentRepoPG(pool),
		billing.NewInstallmentRepoPG(pool),
		billing.NewTransactionRepoPG(pool),
		billing.NewChargeReaderPG(pool),
		txm,
	)
	a.billing.SetAuditTrail(a.trail)
	a.billing.SetNotifier(a.dispatcher)
	a.billing.SetLogger(logger)
	a.billing.SetLocation(loc)

	// Pharmacy
	a.pharmacy = pharmacy.NewService(pharmacy.NewMedicationRepoPG(pool), pharmacy.NewPrescriptionRepoPG(pool), txm)
	a.pharmacy.SetAuditTrail(a.trail)
	a.pharmacy.SetNotifier(a.dispatcher, a.identity)
	a.pharmacy.SetRecomputer(a.billing)
	a.pharmacy.SetLogger(logger)
	a.pharmacy.SetLocation(loc)
	a.pharmacy.SetLowStockThreshold(cfg.LowStockThreshold)

	// Clinical
	a.clinical = clinical.NewService(
		clinical.NewProcedureRepoPG(pool),
		clinical.NewRecordRepoPG(pool),
		a.scheduling,
		a.pharmacy,
		a.billing,
		txm,
	)
	a.clinical.SetAuditTrail(a.trail)
	a.clinical.SetLogger(logger)

	return a, nil
}

func (a *app) close() {
	for _, c := range a.closers {
		_ = c.Close()
	}
}

type reminderSender interface {
	SendInstallmentReminders(ctx context.Context) (int, error)
}

type digestSender interface {
	SendStockDigest(ctx context.Context) (int, error)
}

func sweepTasks(reminders reminderSender, digest digestSender) []jobs.Task {
	return []jobs.Task{
		{Name: "installment-reminders", Run: reminders.SendInstallmentReminders},
		{Name: "stock-digest", Run: digest.SendStockDigest},
	}
}

// writeResults prints one line per task and returns how many failed.
func writeResults(w io.Writer, results []jobs.Result) int {
	failed := 0
	fmt.Fprintf(w, "%-24s %-8s %-10s %s\n", "TASK", "HANDLED", "DURATION", "ERROR")
	for _, r := range results {
		errText := ""
		if r.Err != nil {
			failed++
			errText = r.Err.Error()
		}
		fmt.Fprintf(w, "%-24s %-8d %-10s %s\n", r.Task, r.Handled, r.Duration.Round(time.Millisecond), errText)
	}
	return failed
}

func runServer() error {
	// Logger
	logger := newLogger()

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.ClinicTimezone)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	a, err := buildApp(cfg, pool, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	defer a.close()

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", billing.GatewayTokenHeader},
	}))

	// Health check
	e.GET("/health", db.HealthHandler(pool))

	// Gateway callbacks carry no user token, so they get their own group
	// without the auth middleware.
	billingHandler := billing.NewHandler(a.billing)
	billingHandler.SetGatewayToken(cfg.GatewayCallbackToken)
	billingHandler.RegisterCallbackRoutes(e.Group("/api/v1"))

	// API group
	apiV1 := e.Group("/api/v1")
	if cfg.IsDev() {
		apiV1.Use(auth.DevAuthMiddleware())
	} else {
		apiV1.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
		}))
	}

	identity.NewHandler(a.identity).RegisterRoutes(apiV1)
	scheduling.NewHandler(a.scheduling).RegisterRoutes(apiV1)
	clinical.NewHandler(a.clinical).RegisterRoutes(apiV1)
	pharmacy.NewHandler(a.pharmacy).RegisterRoutes(apiV1)
	billingHandler.RegisterRoutes(apiV1)
	notification.NewHandler(a.notices).RegisterRoutes(apiV1)
	websocket.NewHandler(a.live, cfg.CORSOrigins).RegisterRoutes(apiV1)
	audit.NewHandler(a.auditLog).RegisterRoutes(apiV1)

	// Periodic sweeps
	var sched *jobs.Scheduler
	if cfg.JobsEnabled {
		sched = jobs.NewScheduler(cfg.Location(), logger)
		for _, t := range sweepTasks(a.billing, a.pharmacy) {
			sched.Register(t)
		}
		if err := sched.Schedule(cfg.JobsDailySpec); err != nil {
			logger.Fatal().Err(err).Msg("failed to schedule jobs")
		}
		sched.Start()
		logger.Info().Str("spec", cfg.JobsDailySpec).Msg("periodic jobs scheduled")
	}

	// Start server
	addr := ":" + cfg.Port
	go func() {
		logger.Info().Str("addr", addr).Msg("starting clinic server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown error")
	}
	if sched != nil {
		if err := sched.Stop(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("jobs did not stop in time")
		}
	}
	a.dispatcher.Wait()
	return nil
}
