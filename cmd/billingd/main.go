package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/dorondv/project-management-tool-sub002/pkg/broadcast"
	"github.com/dorondv/project-management-tool-sub002/pkg/config"
	"github.com/dorondv/project-management-tool-sub002/pkg/httpserver"
	"github.com/dorondv/project-management-tool-sub002/pkg/logger"
	"github.com/dorondv/project-management-tool-sub002/pkg/pg"
	"github.com/dorondv/project-management-tool-sub002/pkg/redis"

	billingmod "github.com/dorondv/project-management-tool-sub002/modules/billing"
	"github.com/dorondv/project-management-tool-sub002/svc/billing"
	"github.com/dorondv/project-management-tool-sub002/svc/billing/gateway"
	"github.com/dorondv/project-management-tool-sub002/svc/billing/notify"
	"github.com/dorondv/project-management-tool-sub002/svc/billing/postgres"
)

type appConfig struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	PlansPath   string `env:"BILLING_PLANS_PATH" envDefault:"plans.yml"`

	HTTP    httpserver.Config
	PG      pg.Config
	Redis   redis.Config
	Gateway gateway.Config
	Service billing.ServiceConfig
	Worker  billing.WorkerConfig
	Sweeper billing.SweeperConfig
	Email   notify.EmailConfig
}

func main() {
	var cfg appConfig
	config.MustLoad(&cfg)

	log := logger.New(
		logger.WithEnvironment(cfg.Environment, "billingd"),
	)
	logger.SetAsDefault(log)

	if err := run(context.Background(), cfg, log); err != nil {
		log.Error("billingd exited with error", logger.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg appConfig, log *slog.Logger) error {
	db, err := pg.Connect(ctx, cfg.PG)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := pg.Migrate(ctx, db, cfg.PG, log); err != nil {
		return err
	}

	redisClient, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer redisClient.Close() //nolint:errcheck

	store := postgres.NewStore(db)

	gw, err := gateway.New(ctx, cfg.Gateway, log)
	if err != nil {
		return err
	}

	statusCasts, err := broadcast.NewRedisBroadcaster[billing.StatusUpdate](redisClient, "billing:status", 64)
	if err != nil {
		return err
	}
	defer statusCasts.Close() //nolint:errcheck

	paymentCasts, err := broadcast.NewRedisBroadcaster[billing.PaymentNotice](redisClient, "billing:payments", 64)
	if err != nil {
		return err
	}
	defer paymentCasts.Close() //nolint:errcheck

	notifier := notify.Multi{
		notify.NewBroadcastNotifier(statusCasts, paymentCasts, log),
	}
	if cfg.Email.Enabled() {
		emailer, err := notify.NewEmailNotifier(cfg.Email, pgRecipientResolver(db, cfg.Email.RecipientQuery), log)
		if err != nil {
			return err
		}
		notifier = append(notifier, emailer)
	}

	upgrades := billing.NewUpgradeCoordinator(store, gw, 0, log)

	service, err := billing.NewService(ctx,
		billing.NewYAMLFileSource(cfg.PlansPath),
		store, gw, upgrades, notifier, cfg.Service, log)
	if err != nil {
		return err
	}

	processor := billing.NewProcessor(store, store, upgrades, notifier, cfg.Service.TrialFallbackDays, log)
	worker := billing.NewWorker(store, processor, cfg.Worker, log)
	sweeper := billing.NewSweeper(store, store, gw, cfg.Sweeper, log)

	handler := billingmod.NewHandler(service, gw, store, worker, sweeper, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Mount("/billing", billingmod.Router(billingmod.RouterOptions{
		Service: handler,
		// Standalone deployments trust the reverse proxy's authenticated
		// user header; embedded deployments replace both of these.
		UserID:     billingmod.UserIDFromHeader("X-User-ID"),
		AdminGuard: billingmod.AdminTokenGuard(os.Getenv("BILLING_ADMIN_TOKEN")),
		Healthchecks: map[string]func(r *http.Request) error{
			"postgres": func(r *http.Request) error { return pg.Healthcheck(db)(r.Context()) },
			"redis":    func(r *http.Request) error { return redis.Healthcheck(redisClient)(r.Context()) },
		},
	}))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(worker.Run(gctx))
	g.Go(sweeper.Run(gctx))
	g.Go(func() error {
		return httpserver.New(cfg.HTTP, log).Run(gctx, r)
	})

	return g.Wait()
}

// pgRecipientResolver looks up a user's email in the shared application
// database. A missing row resolves to an empty address, which the email
// notifier treats as a skip.
func pgRecipientResolver(db *pgxpool.Pool, query string) notify.RecipientResolver {
	return func(ctx context.Context, userID uuid.UUID) (string, error) {
		var email string
		err := db.QueryRow(ctx, query, userID).Scan(&email)
		if pg.IsNotFoundError(err) {
			return "", nil
		}
		if err != nil {
			return "", err
		}
		return email, nil
	}
}
