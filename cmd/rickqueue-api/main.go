// README: Entry point; loads config, wires services, starts HTTP server and the dispatch scheduler.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"rickqueue/internal/ai"
	"rickqueue/internal/config"
	httptransport "rickqueue/internal/http"
	"rickqueue/internal/infra"
	"rickqueue/internal/modules/dispatch"
	"rickqueue/internal/modules/group"
	"rickqueue/internal/modules/queue"
	"rickqueue/internal/modules/route"
	"rickqueue/internal/notify"
)

func main() {
	log := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Firebase.ProjectID == "" {
		log.Fatal().Msg("RQ_FIREBASE_PROJECT_ID is required")
	}
	verifier, err := infra.NewFirebaseVerifier(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
	if err != nil {
		log.Fatal().Err(err).Msg("firebase init")
	}

	dbPool, err := infra.NewDB(ctx, cfg.DB.DSN, int32(cfg.DB.MaxConns))
	if err != nil {
		log.Fatal().Err(err).Msg("postgres init")
	}

	redisClient := infra.NewRedis(cfg.Redis.Addr)

	arena := group.NewArena()
	groupStore := group.NewStore(dbPool)
	publisher := notify.NewRedisPublisher(redisClient)
	recent := queue.NewRecentStore(redisClient, time.Duration(cfg.Queue.RecentWindowSeconds)*time.Second)

	routeStore := route.NewStore(dbPool)
	routeSvc, err := route.NewService(routeStore, cfg.AI.MapsKey)
	if err != nil {
		log.Fatal().Err(err).Msg("route service init")
	}

	var estimator ai.ArrivalEstimator
	if cfg.AI.GeminiKey != "" {
		estimator, err = ai.NewGeminiEstimator(ctx, cfg.AI.GeminiKey, recent)
		if err != nil {
			log.Fatal().Err(err).Msg("gemini init")
		}
	} else {
		log.Warn().Msg("GEMINI_API_KEY not set, using weighted estimator")
		estimator = ai.NewWeightedEstimator(groupStore, recent)
	}

	queueSvc := queue.NewService(arena, groupStore, routeSvc, recent, publisher, groupStore, cfg.Queue, log)
	dispatchSvc := dispatch.NewService(arena, groupStore, estimator, publisher, cfg.Dispatch, log)
	queueSvc.BindDispatcher(dispatchSvc)

	handler := httptransport.NewRouter(queueSvc, routeSvc, verifier, log)
	server := &http.Server{Addr: cfg.HTTP.Addr, Handler: handler}

	go dispatchSvc.RunScheduler(ctx)
	go dispatchSvc.RunHistoryRebuild(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", cfg.HTTP.Addr).Msg("rickqueue api listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("http server")
	}
}
