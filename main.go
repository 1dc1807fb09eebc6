package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/FeiNiaoBF/MailMind/internal/api"
	"github.com/FeiNiaoBF/MailMind/internal/auth"
	"github.com/FeiNiaoBF/MailMind/internal/config"
	"github.com/FeiNiaoBF/MailMind/internal/logging"
	"github.com/FeiNiaoBF/MailMind/internal/mail"
	natsjs "github.com/FeiNiaoBF/MailMind/internal/nats"
	"github.com/FeiNiaoBF/MailMind/internal/providers"
	"github.com/FeiNiaoBF/MailMind/internal/providers/gmail"
	"github.com/FeiNiaoBF/MailMind/internal/providers/outlook"
	"github.com/FeiNiaoBF/MailMind/internal/scheduler"
	"github.com/FeiNiaoBF/MailMind/internal/store"
	"github.com/FeiNiaoBF/MailMind/internal/sync"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("mailmind exited")
	}
}

// providerFactory builds account-bound clients for the configured providers
func providerFactory(cfg *config.Config, logger logrus.FieldLogger) sync.ProviderFactory {
	policy := func(name string) providers.Options {
		return providers.Options{
			Name:       name,
			Timeout:    cfg.Sync.RequestTimeout,
			MaxRetries: cfg.Sync.MaxRetries,
			Logger:     logger,
		}
	}

	return func(ctx context.Context, token *oauth2.Token, acct mail.Account) (sync.ProviderClient, error) {
		switch acct.Provider {
		case mail.ProviderGoogle:
			client, err := gmail.New(ctx, token, gmail.Options{
				PageSize: cfg.Providers.Google.PageSize,
				Policy:   policy("gmail-api"),
			})
			if err != nil {
				return nil, err
			}
			return client, nil
		case mail.ProviderMicrosoft:
			client, err := outlook.New(ctx, token, outlook.Options{
				PageSize: cfg.Providers.Microsoft.PageSize,
				Policy:   policy("graph-api"),
			})
			if err != nil {
				return nil, err
			}
			return client, nil
		default:
			return nil, mail.Fatal("provider factory", fmt.Errorf("unsupported provider %q", acct.Provider))
		}
	}
}

// scheduleStoredAccounts restores the default job of accounts registered
// through the API, which live only in the database across restarts
func scheduleStoredAccounts(ctx context.Context, st *store.Store, sched *scheduler.Scheduler, trigger string) error {
	accounts, err := st.AllAccounts(ctx)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}
	ids := make([]string, 0, len(accounts))
	for _, a := range accounts {
		ids = append(ids, a.ID)
	}
	if _, err := sched.EnsureJobs(ids, trigger); err != nil {
		return fmt.Errorf("schedule stored accounts: %w", err)
	}
	return nil
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var storeOpts []store.Option
	if cfg.NATS.URL != "" {
		storeOpts = append(storeOpts, store.WithOutbox())
	}
	st, err := store.Open(cfg.Database.Path, storeOpts...)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	decoder := mail.NewDecoder(logger.WithField("component", "decoder"))
	runner := &sync.Runner{
		Credentials: auth.NewTokenClient(cfg.Auth.TokenServerURL, cfg.Auth.ServiceKey),
		Providers:   providerFactory(cfg, logger),
		Repo:        st,
		States:      sync.NewStateStore(),
		Decode:      decoder.Decode,
		Logger:      logger.WithField("component", "sync"),
	}
	manager := sync.NewManager(ctx, runner, st, sync.ManagerConfig{
		DefaultDays:     cfg.Sync.DefaultDays,
		ManualPageLimit: cfg.Sync.ManualPageLimit,
		InitialLookback: cfg.InitialLookback(),
	}, logger.WithField("component", "sync"))

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	sched := scheduler.New(ctx, manager, scheduler.Options{
		Location: loc,
		Logger:   logger.WithField("component", "scheduler"),
	})
	for _, j := range cfg.Scheduler.Jobs {
		trigger := j.Trigger
		if trigger == "" {
			trigger = cfg.Scheduler.DefaultTrigger
		}
		if _, err := sched.CreateJob(j.Account, trigger); err != nil {
			return fmt.Errorf("schedule %s: %w", j.Account, err)
		}
	}
	if cfg.Scheduler.DefaultTrigger != "" {
		if err := scheduleStoredAccounts(ctx, st, sched, cfg.Scheduler.DefaultTrigger); err != nil {
			return err
		}
	}
	sched.Start()

	if cfg.NATS.URL != "" {
		pub, err := natsjs.NewPublisher(cfg.NATS.URL, logger.WithField("component", "nats"))
		if err != nil {
			return err
		}
		defer pub.Close()
		if err := pub.EnsureStream(ctx); err != nil {
			return fmt.Errorf("ensure stream: %w", err)
		}

		dispatcher := &natsjs.Dispatcher{
			Outbox:    st,
			Publisher: pub,
			Logger:    logger.WithField("component", "outbox"),
			Interval:  cfg.NATS.OutboxInterval,
			Retention: 7 * 24 * time.Hour,
		}
		go dispatcher.Run(ctx)
	}

	authMiddleware := auth.DevMiddleware(cfg.Auth.DevUser)
	if cfg.Auth.JWKSURL != "" {
		verifier, err := auth.NewJWTVerifier(ctx, cfg.Auth.JWKSURL, logger.WithField("component", "auth"))
		if err != nil {
			return fmt.Errorf("jwt verifier: %w", err)
		}
		authMiddleware = verifier.Middleware()
	} else {
		logger.WithField("user", cfg.Auth.DevUser).Warn("auth.jwks_url not set, every request runs as the dev user")
	}

	gin.SetMode(cfg.Server.Mode)
	router := api.NewRouter(api.Deps{
		Accounts:       st,
		Emails:         st,
		Sync:           manager,
		Jobs:           sched,
		Health:         st,
		Auth:           authMiddleware,
		Logger:         logger.WithField("component", "http"),
		DefaultTrigger: cfg.Scheduler.DefaultTrigger,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.Server.Addr).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			sched.Stop()
			return fmt.Errorf("http server: %w", err)
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown")
	}
	sched.Stop()
	manager.Wait()
	return nil
}
