package cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"pricepulse/internal/bus"
	"pricepulse/internal/cache"
	"pricepulse/internal/market"
	"pricepulse/internal/notify"
	"pricepulse/internal/scheduler"
	"pricepulse/internal/store"
	"pricepulse/internal/stream"
	"pricepulse/internal/watch"
)

// newServeCmd builds the long-running daemon: scheduler tasks, the
// upstream hub, and the live push-stream endpoint. Every component is
// constructed here and passed in explicitly; nothing starts before
// construction and everything has a stop path.
func newServeCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the tracking and notification daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(app)
		},
	}
}

func runServe(app *App) error {
	cfg := app.Config
	logger := app.Logger

	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	priceCache := cache.New(logger)
	eventBus := bus.New(logger)

	hub := stream.NewHub(stream.HubConfig{
		URL:            cfg.Upstream.URL,
		ReconnectDelay: cfg.Upstream.ReconnectDelay,
		DialTimeout:    cfg.Upstream.DialTimeout,
	}, logger)
	defer hub.Stop()

	quotes := market.NewHTTPQuoteProvider(cfg.Quotes.BaseURL, cfg.Quotes.Timeout)
	crypto := market.NewHTTPCryptoProvider(cfg.Quotes.BaseURL, cfg.Quotes.Timeout)
	prices := market.NewPriceService(priceCache, quotes, crypto, hub, market.PriceServiceConfig{
		TTL:         cfg.Cache.QuoteTTL,
		StaleWindow: cfg.Cache.StaleWindow,
	}, logger)

	dispatcher := notify.NewDispatcher(notify.Config{
		WebhookTimeout: cfg.Webhook.Timeout,
		Mail:           mailSender(app),
	}, logger)

	evaluator := watch.NewAlertEvaluator(db, prices, eventBus, dispatcher, logger)
	digests := watch.NewDigestDispatcher(db, prices, eventBus, dispatcher, logger)
	feed := watch.NewFeedCurator(db, hub, eventBus, logger)
	defer feed.Close()

	sched := scheduler.New(logger, cfg.Scheduler.LogCooldown)
	sched.Add(scheduler.Task{Name: "alert-evaluation", Interval: cfg.Scheduler.AlertInterval, Run: evaluator.Run})
	sched.Add(scheduler.Task{Name: "digest-dispatch", Interval: cfg.Scheduler.DigestInterval, Run: digests.Run})
	sched.Add(scheduler.Task{Name: "feed-curation", Interval: cfg.Scheduler.AlertInterval, Run: feed.Run})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Prime the upstream interest set so tickers flow before the first
	// scheduler tick.
	if err := feed.Run(ctx); err != nil {
		logger.Warn().Err(err).Msg("initial feed curation failed")
	}

	sched.Start(ctx)
	defer sched.Stop()

	mux := http.NewServeMux()
	mux.Handle("/live", stream.NewLiveHandler(eventBus, cfg.Server.Heartbeat, logger))

	srv := &http.Server{Addr: cfg.Server.ListenAddr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Server.ListenAddr).Msg("live stream listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		logger.Info().Str("signal", s.String()).Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server failed")
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Webhook.Timeout)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

// mailSender picks the email mechanism: the local mail-submission
// command when configured, else the SMTP client, else none.
func mailSender(app *App) notify.MailSender {
	mail := app.Config.Mail
	if mail.SendmailPath != "" {
		return notify.NewSendmailSender(mail.SendmailPath)
	}
	if mail.SMTPHost != "" {
		return notify.NewSMTPSender(notify.SMTPConfig{
			Host:     mail.SMTPHost,
			Port:     mail.SMTPPort,
			Username: mail.Username,
			Password: mail.Password,
			From:     mail.From,
			StartTLS: mail.StartTLS,
			Timeout:  mail.Timeout,
		})
	}
	return nil
}
