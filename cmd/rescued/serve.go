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

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"rescuenav/internal/api"
	"rescuenav/internal/buildinfo"
	"rescuenav/internal/config"
	"rescuenav/internal/ingest"
	"rescuenav/internal/logging"
	"rescuenav/internal/metrics"
	"rescuenav/internal/model"
	"rescuenav/internal/replan"
	"rescuenav/internal/store"
	"rescuenav/internal/webhooks"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, replanning coordinator, webhook worker and MQTT ingestion",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format, "rescued")
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = log.Sync() }()
	log.Info("starting", zap.Any("build", buildinfo.Info()))

	metrics.RegisterDefault()
	cost, err := cfg.CostModel()
	if err != nil {
		return err
	}
	eng, err := cfg.PriorityEngine()
	if err != nil {
		return err
	}

	st := store.NewMemory()
	st.Cost = cost

	var archive store.Archive = store.Nop{}
	if cfg.Database.URL != "" {
		pg, err := store.NewPostgres(cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		if cfg.Database.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				_ = pg.Close()
				return fmt.Errorf("postgres migrate: %w", err)
			}
		}
		archive = pg
		log.Info("plan archive enabled")
	}
	defer archive.Close()

	var broker api.EventBroker = api.NewBroker()
	if cfg.Redis.URL != "" {
		rb, err := api.NewRedisBroker(cfg.Redis.URL, log)
		switch {
		case err != nil:
			log.Warn("redis broker disabled", zap.Error(err))
		case rb.Ping(ctx) != nil:
			log.Warn("redis unreachable; using in-process broker")
			_ = rb.Close()
		default:
			broker = rb
			defer rb.Close()
		}
	}

	coord := replan.New(cfg.ReplanConfig(), st, eng, cfg.RoutePlanner(cost), log)
	srv := api.NewServer(api.Deps{
		Store:     st,
		Coord:     coord,
		Broker:    broker,
		Archive:   archive,
		Priority:  eng,
		Cost:      cost,
		Log:       log,
		RateRPS:   cfg.Server.RateRPS,
		RateBurst: cfg.Server.RateBurst,
		MoveM:     cfg.Cost.MaterialMoveM,
		Settings:  cfg.Redacted(),
	})

	queue := webhooks.NewMemoryQueue()
	targets := make([]webhooks.Target, 0, len(cfg.Webhooks.URLs))
	for _, u := range cfg.Webhooks.URLs {
		targets = append(targets, webhooks.Target{URL: u, Secret: cfg.Webhooks.Secret})
	}
	pub := webhooks.NewPublisher(queue, targets, log)
	worker := webhooks.NewWorker(queue, cfg.Webhooks.MaxAttempts, log)

	coord.OnCommit(srv.PublishPlan)
	coord.OnCommit(pub.PlanCommitted)
	coord.OnCommit(func(model.Plan) {
		counts := st.Status(context.Background(), time.Now()).VictimsByStatus
		for vs := model.VictimDetected; vs <= model.VictimUnreachable; vs++ {
			metrics.VictimsByStatus.WithLabelValues(vs.String()).Set(float64(counts[vs.String()]))
		}
	})
	coord.OnCommit(func(p model.Plan) {
		// hooks must not block the planner
		go func() {
			actx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := archive.RecordPlan(actx, p); err != nil {
				log.Warn("archive plan failed", zap.String("plan_id", p.ID), zap.Error(err))
			}
		}()
	})

	httpSrv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Server.Port),
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return coord.Run(gctx) })
	g.Go(func() error { return worker.Run(gctx) })
	if cfg.MQTT.Broker != "" {
		sub := ingest.NewSubscriber(ingest.Config{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			Prefix:   cfg.MQTT.Prefix,
			QoS:      cfg.MQTT.QoS,
		}, srv.Ingest, log)
		g.Go(func() error { return sub.Run(gctx) })
	}
	g.Go(func() error {
		log.Info("http listening", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})

	err = g.Wait()
	log.Info("stopped", zap.Error(err))
	return err
}
