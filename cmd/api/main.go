package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/ucloud/orderwise-agent/internal/api"
	"github.com/ucloud/orderwise-agent/internal/queue"
	"github.com/ucloud/orderwise-agent/internal/store"
	"github.com/ucloud/orderwise-agent/pkg/config"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	cfg := config.LoadConfig()

	var slotSource config.SlotProvider = config.FileSlots{Path: cfg.SlotsFile}
	slots, err := slotSource.Slots(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("load slot registry")
	}

	st, err := store.NewPostgres(context.Background(), cfg.PostgresURL)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	q := queue.NewRedisQueue(cfg.RedisAddr, cfg.QueueName)

	apiServer := api.New(st, q, slots, log)

	log.Info().Str("addr", cfg.ListenAddr).Msg("api server running")
	if err := http.ListenAndServe(cfg.ListenAddr, apiServer.Router()); err != nil {
		log.Fatal().Err(err).Msg("api server stopped")
	}
}
