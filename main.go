package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/kamiyn/sendgridparquetlog/clock"
	"github.com/kamiyn/sendgridparquetlog/compactor"
	"github.com/kamiyn/sendgridparquetlog/config"
	"github.com/kamiyn/sendgridparquetlog/ingest"
	"github.com/kamiyn/sendgridparquetlog/lockservice"
	"github.com/kamiyn/sendgridparquetlog/logger"
	"github.com/kamiyn/sendgridparquetlog/objectstore"
	"github.com/kamiyn/sendgridparquetlog/router"
	"github.com/kamiyn/sendgridparquetlog/sigverify"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// No logger yet — config failed to even tell us the environment.
		println("config error:", err.Error())
		os.Exit(1)
	}
	log := logger.New(cfg)
	log.Info().Str("env", cfg.Env).Msg("sendgridparquetlog starting")

	minioClient, err := objectstore.NewMinioClient(cfg.S3)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build object store client")
	}
	store := objectstore.NewS3Store(minioClient, cfg.S3, log)

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer bootCancel()
	if err := store.CreateBucketIfNotExists(bootCtx); err != nil {
		log.Fatal().Err(err).Msg("failed to ensure bucket exists")
	}

	sysClock := clock.New()
	verifier := sigverify.New(cfg.SendGridPublicKey, cfg.IsProduction(), log)
	ingestHandler := ingest.New(verifier, store, sysClock, cfg.MaxBodyBytes, log)

	ownerID := uuid.NewString()
	lock := lockservice.New(store, sysClock, cfg.CompactionLeaseTTL, cfg.CompactionRefreshEvery, ownerID)
	comp := compactor.New(store, lock, sysClock, log)

	r := router.New(cfg, log, sysClock, store, ingestHandler, comp)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	startupCtx, startupCancel := context.WithCancel(context.Background())
	startupDone := make(chan struct{})
	if cfg.RunCompactionOnStartup {
		go func() {
			defer close(startupDone)
			log.Info().Msg("running startup compaction pass")
			if err := comp.Run(startupCtx); err != nil {
				log.Warn().Err(err).Msg("startup compaction pass did not complete")
			}
		}()
	} else {
		close(startupDone)
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-done
	log.Info().Msg("shutdown signal received")

	startupCancel()
	<-startupDone

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	} else {
		log.Info().Msg("stopped gracefully")
	}
}

