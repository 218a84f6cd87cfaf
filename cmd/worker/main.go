package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/ucloud/orderwise-agent/internal/decision"
	"github.com/ucloud/orderwise-agent/internal/executor"
	"github.com/ucloud/orderwise-agent/internal/extract"
	"github.com/ucloud/orderwise-agent/internal/listener"
	"github.com/ucloud/orderwise-agent/internal/pool"
	"github.com/ucloud/orderwise-agent/internal/queue"
	"github.com/ucloud/orderwise-agent/internal/session"
	"github.com/ucloud/orderwise-agent/internal/store"
	"github.com/ucloud/orderwise-agent/internal/target"
	"github.com/ucloud/orderwise-agent/pkg/config"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	cfg := config.LoadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var slotSource config.SlotProvider = config.FileSlots{Path: cfg.SlotsFile}
	slots, err := slotSource.Slots(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("load slot registry")
	}

	st, err := store.NewPostgres(ctx, cfg.PostgresURL)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	q := queue.NewRedisQueue(cfg.RedisAddr, cfg.QueueName)

	transport := pool.NewHTTPTransport(0)
	slotPool := pool.New(slots, transport, pool.Options{
		HealthInterval: cfg.HealthInterval,
		MaxReconnects:  cfg.MaxReconnects,
	}, log)
	go slotPool.Run(ctx)

	dc := decision.NewHTTPClient(cfg.DecisionBaseURL, cfg.DecisionModel, cfg.DecisionAPIKey)

	exec := executor.New(slotPool, st, target.Default(), dc, extract.Fields, executor.Config{
		JobTimeout:   cfg.JobTimeout,
		LeaseWait:    cfg.LeaseWait,
		ReleaseGrace: cfg.ReleaseGrace,
		RequireAllOK: cfg.RequireAllOK,
		Session: session.Config{
			MaxSteps:       cfg.MaxSteps,
			StepRetries:    cfg.StepRetries,
			SuspendTimeout: cfg.SuspendTimeout,
			TakeoverPoll:   cfg.TakeoverPoll,
			SyncTakeover:   cfg.SyncTakeover,
		},
	}, log)

	l := listener.New(st, q, exec, listener.Config{
		PollInterval:    cfg.PollInterval,
		StaleClaimAfter: cfg.StaleClaimAfter,
		SuspendTimeout:  cfg.SuspendTimeout,
	}, log)

	log.Info().Int("slots", len(slots)).Msg("worker running")
	l.Run(ctx)
	log.Info().Msg("worker stopped")
}
