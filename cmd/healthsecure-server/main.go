package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/healthsecure/healthsecure/internal/config"
	"github.com/healthsecure/healthsecure/internal/domain/access"
	"github.com/healthsecure/healthsecure/internal/domain/authz"
	"github.com/healthsecure/healthsecure/internal/domain/identity"
	"github.com/healthsecure/healthsecure/internal/domain/records"
	"github.com/healthsecure/healthsecure/internal/platform/auth"
	"github.com/healthsecure/healthsecure/internal/platform/blobstore"
	"github.com/healthsecure/healthsecure/internal/platform/db"
	"github.com/healthsecure/healthsecure/internal/platform/hipaa"
	"github.com/healthsecure/healthsecure/internal/platform/ipfs"
	"github.com/healthsecure/healthsecure/internal/platform/ledger"
	"github.com/healthsecure/healthsecure/internal/platform/lock"
	"github.com/healthsecure/healthsecure/internal/platform/middleware"
	"github.com/healthsecure/healthsecure/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "healthsecure-server",
		Short: "HealthSecure medical record sharing API",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(adminCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(ledgerCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg != nil && cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is not set")
	}
	return db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, migrations.FS).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx)
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
	})

	return cmd
}

// identityOnly wires the identity service against the configured store for
// the operator commands.
func identityOnly(ctx context.Context, cfg *config.Config) (*identity.Service, func(), error) {
	if cfg.Store != config.StorePostgres {
		return nil, nil, fmt.Errorf("operator commands need STORE=%s", config.StorePostgres)
	}
	pool, err := openPool(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	svc := identity.NewService(identity.NewAccountRepo(pool), identity.NewPatientRepo(pool), identity.NewDoctorRepo(pool),
		identity.Config{Tx: db.NewPGTxRunner(pool)}, newLogger(cfg))
	return svc, pool.Close, nil
}

func adminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage operator accounts",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create an admin account",
		RunE: func(cmd *cobra.Command, args []string) error {
			email, _ := cmd.Flags().GetString("email")
			password, _ := cmd.Flags().GetString("password")
			if password == "" {
				password = os.Getenv("ADMIN_PASSWORD")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			svc, closeFn, err := identityOnly(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			account, err := svc.CreateAdmin(ctx, identity.LoginInput{Email: email, Password: password})
			if err != nil {
				return err
			}
			fmt.Printf("Created admin %s (%s)\n", account.Email, account.ID)
			return nil
		},
	}
	createCmd.Flags().String("email", "", "Admin email address")
	createCmd.Flags().String("password", "", "Admin password (defaults to $ADMIN_PASSWORD)")
	cmd.AddCommand(createCmd)
	return cmd
}

func doctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Manage doctor profiles",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "verify <doctor-id>",
		Short: "Mark a doctor as verified",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			svc, closeFn, err := identityOnly(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			d, err := svc.VerifyDoctor(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Verified %s (%s, %s)\n", d.DoctorID, d.FullName(), d.Hospital)
			return nil
		},
	})
	return cmd
}

func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the anchoring ledger",
	}

	open := func() (*ledger.Ledger, error) {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		return ledger.Open(cfg.LedgerPath)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Check every entry's signature and chain link",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := open()
			if err != nil {
				return err
			}
			defer l.Close()

			n, err := l.Verify(context.Background())
			if err != nil {
				return fmt.Errorf("ledger verification failed after %d entries: %w", n, err)
			}
			fmt.Printf("Ledger intact: %d entries verified.\n", n)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <tx>",
		Short: "Print one ledger entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := open()
			if err != nil {
				return err
			}
			defer l.Close()

			e, err := l.Lookup(context.Background(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("tx:           %s\n", e.Tx)
			fmt.Printf("height:       %d\n", e.Height)
			fmt.Printf("prev_tx:      %s\n", e.PrevTx)
			fmt.Printf("timestamp:    %s\n", e.Timestamp.Format(time.RFC3339))
			fmt.Printf("record_id:    %s\n", e.RecordID)
			fmt.Printf("patient_ref:  %s\n", e.PatientRef)
			fmt.Printf("doctor_ref:   %s\n", e.DoctorRef)
			fmt.Printf("cid:          %s\n", e.CID)
			fmt.Printf("content_hash: %s\n", e.ContentHash)
			return nil
		},
	})
	return cmd
}

// repositories groups the storage the services run on.
type repositories struct {
	accounts identity.AccountRepository
	patients identity.PatientRepository
	doctors  identity.DoctorRepository
	grants   access.GrantRepository
	records  records.RecordRepository
	tx       db.TxRunner
	pool     *pgxpool.Pool
}

func openRepositories(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*repositories, error) {
	if cfg.Store == config.StoreMemory {
		logger.Warn().Msg("using in-memory store; data is lost on restart")
		return &repositories{
			accounts: identity.NewMemoryAccountRepo(),
			patients: identity.NewMemoryPatientRepo(),
			doctors:  identity.NewMemoryDoctorRepo(),
			grants:   access.NewMemoryGrantRepo(),
			records:  records.NewMemoryRecordRepo(),
			tx:       db.NewLocalTxRunner(),
		}, nil
	}

	pool, err := openPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	logger.Info().Msg("connected to database")
	return &repositories{
		accounts: identity.NewAccountRepo(pool),
		patients: identity.NewPatientRepo(pool),
		doctors:  identity.NewDoctorRepo(pool),
		grants:   access.NewGrantRepo(pool),
		records:  records.NewRecordRepo(pool),
		tx:       db.NewPGTxRunner(pool),
		pool:     pool,
	}, nil
}

func newLocker(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (lock.Locker, *redis.Client, error) {
	if cfg.RedisURL == "" {
		if cfg.Store == config.StorePostgres {
			logger.Warn().Msg("REDIS_URL not set; registration and grant locks are process-local")
		}
		return lock.NewLocal(lock.DefaultWait), nil, nil
	}
	client, err := lock.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	logger.Info().Msg("connected to redis")
	return lock.NewRedis(client, cfg.LockTTL, lock.DefaultWait), client, nil
}

func newPinner(cfg *config.Config, logger zerolog.Logger) ipfs.Pinner {
	if !cfg.PinataEnabled() {
		logger.Warn().Msg("Pinata credentials not set; pinning into memory")
		return ipfs.NewMemoryPinner(cfg.PinataGateway)
	}
	return ipfs.NewPinataClient(ipfs.PinataConfig{
		APIKey:    cfg.PinataAPIKey,
		SecretKey: cfg.PinataSecretKey,
		BaseURL:   cfg.PinataBaseURL,
		Gateway:   cfg.PinataGateway,
		Timeout:   cfg.IPFSTimeout,
	})
}

func runServer() error {
	bootLogger := newLogger(nil)
	cfg, err := loadConfig()
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}
	logger := newLogger(cfg)

	ctx := context.Background()
	repos, err := openRepositories(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	if repos.pool != nil {
		defer repos.pool.Close()
	}

	checks := map[string]db.Check{}

	locker, redisClient, err := newLocker(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	if redisClient != nil {
		defer redisClient.Close()
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	pinner := newPinner(cfg, logger)
	if pc, ok := pinner.(*ipfs.PinataClient); ok {
		checks["ipfs"] = pc.TestAuthentication
	}

	var (
		anchorer ledger.Anchorer = ledger.Disabled{}
		led      *ledger.Ledger
	)
	if cfg.LedgerEnabled {
		led, err = ledger.Open(cfg.LedgerPath)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.LedgerPath).Msg("failed to open ledger")
		}
		defer led.Close()
		anchorer = led
		checks["ledger"] = func(context.Context) error {
			_, err := led.Height()
			return err
		}
	} else {
		logger.Warn().Msg("ledger anchoring disabled")
	}

	blobs, err := blobstore.NewDir(cfg.DocumentDir, cfg.MaxDocumentSize)
	if err != nil {
		logger.Fatal().Err(err).Str("dir", cfg.DocumentDir).Msg("failed to open document store")
	}

	policy, ok := access.PolicyByName(cfg.GrantApproval)
	if !ok {
		logger.Fatal().Str("policy", cfg.GrantApproval).Msg("unknown grant approval policy")
	}

	// Services
	clock := authz.SystemClock{}
	identitySvc := identity.NewService(repos.accounts, repos.patients, repos.doctors, identity.Config{
		Tx:         repos.tx,
		Locker:     locker,
		Pinner:     pinner,
		Clock:      clock,
		PinTimeout: cfg.IPFSTimeout,
	}, logger.With().Str("component", "identity").Logger())

	accessSvc := access.NewService(repos.grants, identitySvc, repos.tx, locker, clock, access.Config{
		Policy:       policy,
		TemporaryTTL: cfg.TemporaryTTL,
	}, logger.With().Str("component", "access").Logger())
	identitySvc.SetClaimer(accessSvc)

	engine := authz.NewEngine(identitySvc, repos.records, accessSvc.GrantReader(), clock)
	recordLogger := logger.With().Str("component", "records").Logger()
	recordSvc := records.NewService(repos.records, engine, identitySvc, records.Config{
		Tx:            repos.tx,
		Blobs:         blobs,
		Pinner:        pinner,
		Anchorer:      anchorer,
		Observer:      records.LogObserver(recordLogger),
		AnchorTimeout: cfg.AnchorTimeout,
		Clock:         clock,
	}, recordLogger)

	revocations := auth.NewTokenRevocationStore(time.Minute)
	defer revocations.Close()
	tokens := auth.NewTokenIssuer(cfg.SigningKey(), cfg.AuthIssuer, cfg.AuthTokenTTL, cfg.AuthRefreshTTL, revocations)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.BodyLimit("1M", strconv.FormatInt(cfg.MaxDocumentSize+(1<<20), 10)))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	// Auth middleware
	e.Use(auth.JWTMiddleware(auth.JWTConfig{
		Issuer:      cfg.AuthIssuer,
		SigningKey:  cfg.SigningKey(),
		Revocations: revocations,
		Skipper:     auth.AuthSkipper,
	}))

	// Audit middleware; the Postgres store also keeps the PHI access trail.
	var recorders []middleware.AuditRecorder
	if repos.pool != nil {
		recorders = append(recorders, hipaa.NewRecorder(repos.pool))
	}
	e.Use(middleware.Audit(logger, recorders...))

	apiV1 := e.Group("/api/v1")
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(cfg.Store, repos.pool, checks))

	identity.NewHandler(identitySvc, tokens).RegisterRoutes(apiV1)
	access.NewHandler(accessSvc, identitySvc).RegisterRoutes(apiV1)
	records.NewHandler(recordSvc, identitySvc).RegisterRoutes(apiV1)
	ipfs.NewHandler(pinner).RegisterRoutes(apiV1)
	if led != nil {
		ledger.NewHandler(led).RegisterRoutes(apiV1)
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.Store).Str("grant_approval", policy.Name()).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}

	// Anchoring and profile pinning run after the response; let them drain.
	recordSvc.Wait()
	identitySvc.Wait()
	logger.Info().Msg("server stopped")
	return nil
}
