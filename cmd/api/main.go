package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"credflow/auth"
	"credflow/db"
	"credflow/decision"
	"credflow/gateway"
	"credflow/ledger"
	"credflow/task"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if level, err := logrus.ParseLevel(envOr("LOG_LEVEL", "info")); err == nil {
		logger.SetLevel(level)
	}

	ctx := context.Background()

	var repo ledger.Repository
	if connString := os.Getenv("DATABASE_URL"); connString != "" {
		pool, err := db.NewPool(ctx, connString)
		if err != nil {
			logger.WithError(err).Fatal("bootstrap database pool")
		}
		defer pool.Close()
		repo = ledger.NewPGRepository(pool)
		logger.Info("ledger backed by postgres")
	} else {
		repo = ledger.NewMemoryRepository()
		logger.Info("ledger backed by process memory")
	}

	ledgerSvc := ledger.NewService(repo, logger)

	policy := decision.DefaultPolicy()
	policy.MinScoreForDelay = envFloat("MIN_SCORE_FOR_DELAY", policy.MinScoreForDelay)
	policy.MaxAcceptableDelayDays = envInt("MAX_ACCEPTABLE_DELAY_DAYS", policy.MaxAcceptableDelayDays)
	policy.AutoApproveThreshold = envFloat("AUTO_APPROVE_THRESHOLD", policy.AutoApproveThreshold)
	policy.AlwaysRequireApproval = envBool("ALWAYS_REQUIRE_APPROVAL", policy.AlwaysRequireApproval)

	orchestrator := task.NewOrchestrator(
		task.NewStore(),
		ledgerSvc,
		decision.PolicyProvider{},
		task.NewHub(),
		task.Config{
			Owner:       envOr("OWNER_AGENT_ID", "credflow"),
			Policy:      policy,
			WaitTimeout: time.Duration(envInt("WAIT_TIMEOUT_SECONDS", 300)) * time.Second,
		},
		logger,
	)

	var authSvc gateway.Authenticator
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		authSvc = auth.NewService(auth.NewMemoryRepository(), secret)
		logger.Info("bearer authentication enabled")
	}

	server := gateway.NewServer(orchestrator, ledgerSvc, authSvc, logger)

	addr := ":" + envOr("PORT", "8080")
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.WithField("addr", addr).Info("gateway listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("serve")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown")
	}
	logger.Info("gateway stopped")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
