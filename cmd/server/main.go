package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rakshak/backend/internal/behaviour"
	"github.com/rakshak/backend/internal/bridge"
	"github.com/rakshak/backend/internal/bus"
	"github.com/rakshak/backend/internal/config"
	"github.com/rakshak/backend/internal/decision"
	"github.com/rakshak/backend/internal/explain"
	"github.com/rakshak/backend/internal/fusion"
	"github.com/rakshak/backend/internal/geocode"
	"github.com/rakshak/backend/internal/infra"
	"github.com/rakshak/backend/internal/metrics"
	"github.com/rakshak/backend/internal/notify"
	"github.com/rakshak/backend/internal/perception"
	"github.com/rakshak/backend/internal/route"
	"github.com/rakshak/backend/internal/store"
	"github.com/rakshak/backend/internal/supervisor"
	"github.com/rakshak/backend/internal/trips"
	"github.com/rakshak/backend/internal/twin"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})))
	slog.Info("Starting RAKSHAK backend")

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Configuration failed", "error", err)
		os.Exit(1)
	}
	metrics.Register()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// =======================================================
	// Backends: Redis when reachable, in-process otherwise
	// =======================================================

	var st store.Store = store.NewMemoryStore()
	var eventBus bus.Bus = bus.NewInProcBus(bus.DefaultQueueSize)
	if cfg.Redis.URL != "" {
		if adapter, err := infra.NewGoRedisAdapter(cfg.Redis.URL); err == nil {
			st = store.NewRedisStore(adapter, "rakshak:")
			eventBus = bus.NewRedisBus(adapter, "rakshak:", bus.DefaultQueueSize)
			slog.Info("Redis backend connected", "url", cfg.Redis.URL)
		} else {
			slog.Warn("Redis unreachable, running in-process only", "error", err)
		}
	}

	var tripStore trips.Store = trips.NewMemoryStore()
	if cfg.Database.URL != "" {
		if pg, err := trips.OpenPostgres(ctx, cfg.Database.URL); err == nil {
			defer pg.Close()
			tripStore = pg
			slog.Info("Postgres trip store connected")
		} else {
			slog.Warn("Postgres unreachable, using in-memory trip store", "error", err)
		}
	}

	// =======================================================
	// Model artifacts: every load failure selects a fallback
	// =======================================================

	scorer, err := behaviour.LoadScorer(cfg.Models.BehaviourModelPath)
	if err != nil {
		slog.Warn("Behaviour model unavailable, using heuristic", "error", err)
	}
	bayes, err := fusion.LoadBayesModel(cfg.Models.RiskModelPath)
	if err != nil {
		slog.Warn("Risk model unavailable, using weighted fallback", "error", err)
	}
	geo, err := route.LoadGeometry(cfg.Models.RouteModelPath)
	if err != nil {
		slog.Warn("Route geometry unavailable, using default corridors", "error", err)
	}

	// =======================================================
	// Notification and explanation providers
	// =======================================================

	notifiers := map[string]notify.Notifier{}
	twilioCfg := notify.TwilioConfig{
		AccountSID: cfg.Alerting.TwilioSID,
		AuthToken:  cfg.Alerting.TwilioToken,
		FromPhone:  cfg.Alerting.TwilioPhone,
		ToPhone:    cfg.Alerting.RecipientPhone,
	}
	if twilioCfg.Configured() {
		notifiers[decision.ActionSMS] = notify.NewTwilioNotifier(twilioCfg)
	}
	smtpCfg := notify.SMTPConfig{
		Host:     cfg.Alerting.SMTPHost,
		Port:     cfg.Alerting.SMTPPort,
		Username: cfg.Alerting.SMTPUser,
		Password: cfg.Alerting.SMTPPassword,
		From:     cfg.Alerting.SMTPFrom,
		To:       cfg.Alerting.AlertEmail,
	}
	if smtpCfg.Configured() {
		notifiers[decision.ActionEmail] = notify.NewSMTPNotifier(smtpCfg)
	}

	var summarizer explain.Summarizer
	switch cfg.Explain.Provider {
	case "openai":
		if cfg.Explain.OpenAIKey != "" {
			summarizer = explain.NewOpenAISummarizer(cfg.Explain.OpenAIKey, "")
		}
	case "ollama":
		summarizer = explain.NewOllamaSummarizer(cfg.Explain.OllamaHost, cfg.Explain.OllamaModel)
	}

	// =======================================================
	// Processors
	// =======================================================

	perceptionProc := perception.New(perception.Config{TruckID: cfg.Fleet.TruckID}, nil, eventBus)
	behaviourProc := behaviour.New(scorer, eventBus)
	twinProc := twin.New(st, eventBus)
	routeProc := route.New(geo, st, eventBus)
	fusionProc := fusion.New(bayes, st, eventBus)
	decisionProc := decision.New(decision.DefaultRules(), st, tripStore, eventBus, notifiers)
	explainProc := explain.New(summarizer, st, tripStore, eventBus)

	server := bridge.NewServer(bridge.Processors{
		Perception: perceptionProc,
		Behaviour:  behaviourProc,
		Twin:       twinProc,
		Route:      routeProc,
		Fusion:     fusionProc,
		Decision:   decisionProc,
		Explain:    explainProc,
	}, st, tripStore, geocode.New(""), eventBus)

	sup := supervisor.New()
	sup.Add("perception", perceptionProc.Run)
	sup.Add("behaviour", behaviourProc.Run)
	sup.Add("twin", twinProc.Run)
	sup.Add("route", routeProc.Run)
	sup.Add("fusion", fusionProc.Run)
	sup.Add("decision", decisionProc.Run)
	sup.Add("explain", explainProc.Run)
	sup.Add("event-stream", server.Streamer().Run)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("HTTP bridge listening", "port", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	supErr := sup.Run(ctx)

	// Graceful shutdown: stop accepting requests, then release backends.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
	}
	eventBus.Close()

	if supErr != nil {
		slog.Error("Supervisor exited with failure", "error", supErr)
		os.Exit(1)
	}
	slog.Info("RAKSHAK backend stopped")
}
