package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"medivoz/avatar/internal/api"
	"medivoz/avatar/internal/config"
	"medivoz/avatar/internal/logger"
	"medivoz/avatar/internal/store"
)

func main() {
	log := logger.New()

	cfg, err := config.LoadService()
	if err != nil {
		log.WithError(err).Fatal("configuration")
	}

	client, err := store.Connect(context.Background(), cfg.MongoURI)
	if err != nil {
		log.WithError(err).Fatal("mongo connection")
	}
	defer client.Disconnect(context.Background())

	repo := store.NewConversationRepo(client.Database(cfg.MongoDB), log)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	api.RegisterRoutes(r, api.NewConversationHandler(repo, log))

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}

	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("conversations service listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("http server")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.WithField("signal", sig.String()).Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("shutdown incomplete")
	}
	log.Info("done")
}
