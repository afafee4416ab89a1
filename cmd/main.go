package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/qr-scanner/internal/api"
	"github.com/akylbek/payment-system/qr-scanner/internal/capture"
	"github.com/akylbek/payment-system/qr-scanner/internal/config"
	"github.com/akylbek/payment-system/qr-scanner/internal/decode"
	"github.com/akylbek/payment-system/qr-scanner/internal/device"
	"github.com/akylbek/payment-system/qr-scanner/internal/handlers"
	"github.com/akylbek/payment-system/qr-scanner/internal/intent"
	"github.com/akylbek/payment-system/qr-scanner/internal/interfaces"
	"github.com/akylbek/payment-system/qr-scanner/internal/lease"
	"github.com/akylbek/payment-system/qr-scanner/internal/notify"
	"github.com/akylbek/payment-system/qr-scanner/internal/permission"
	"github.com/akylbek/payment-system/qr-scanner/internal/publisher"
	"github.com/akylbek/payment-system/qr-scanner/internal/recovery"
	"github.com/akylbek/payment-system/qr-scanner/internal/repository"
	"github.com/akylbek/payment-system/qr-scanner/internal/service"
	"github.com/akylbek/payment-system/qr-scanner/internal/submitter"
	"github.com/akylbek/payment-system/qr-scanner/internal/telemetry"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize telemetry
	if err := telemetry.InitTelemetry("qr-scanner", cfg.JaegerEndpoint); err != nil {
		panic(fmt.Sprintf("Failed to initialize telemetry: %v", err))
	}
	defer telemetry.Shutdown(context.Background())

	telemetry.Logger.Info("Starting QR Scanner")

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Audit trail: PostgreSQL when configured
	var repo interfaces.ScanEventRepository = repository.NewMemoryScanEventRepository(1000)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			telemetry.Logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()

		pgRepo := repository.NewScanEventRepository(db)
		if err := pgRepo.InitDB(); err != nil {
			telemetry.Logger.Fatal("Failed to initialize database", zap.Error(err))
		}
		repo = pgRepo
	}

	// Camera lease: Redis when configured
	var deviceLease interfaces.DeviceLease = lease.NewRegistry()
	if cfg.RedisURL != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr: cfg.RedisURL,
		})
		defer redisClient.Close()
		deviceLease = lease.NewRedisLease(redisClient)
	}

	// Payment submission: NATS when configured
	var paymentSubmitter interfaces.PaymentSubmitter = submitter.LocalSubmitter{}
	if cfg.NatsURL != "" {
		nc, err := nats.Connect(cfg.NatsURL)
		if err != nil {
			telemetry.Logger.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		defer nc.Close()
		paymentSubmitter = submitter.NewNATSSubmitter(nc)
	}

	// Flow events: Kafka when configured
	var eventPublisher interfaces.EventPublisher = publisher.LogPublisher{}
	if cfg.KafkaBrokers != "" {
		kafkaWriter := &kafka.Writer{
			Addr:     kafka.TCP(strings.Split(cfg.KafkaBrokers, ",")...),
			Topic:    publisher.FlowTopic,
			Balancer: &kafka.Hash{},
		}
		defer kafkaWriter.Close()
		eventPublisher = publisher.NewKafkaPublisher(kafkaWriter)
	}

	// Simulated camera stack
	sim := device.NewSimulator(device.DefaultOptions())

	monitor := permission.NewMonitor(sim)
	if err := monitor.Start(ctx); err != nil {
		telemetry.Logger.Fatal("Failed to query camera permission", zap.Error(err))
	}
	defer monitor.Close()

	session := capture.NewSession(capture.Options{
		Provider:     sim,
		Permission:   monitor,
		Lease:        deviceLease,
		LeaseTTL:     cfg.Camera.LeaseTTL,
		ReleaseGrace: cfg.Camera.ReleaseGrace,
	})

	feed := notify.NewFeed(cfg.NotificationBuffer)
	parser := intent.NewParser(cfg.Payments.Scheme)

	flow := service.NewScanFlow(cfg.Scan, service.Dependencies{
		Session:    session,
		Permission: monitor,
		Decoder:    decode.NewQRDecoder(cfg.Scan.DisableFlip),
		Parser:     parser,
		Recovery: recovery.NewController(recovery.Policy{
			MaxAttempts:        cfg.Retry.MaxAttempts,
			Backoff:            cfg.Retry.Backoff,
			UnknownMaxAttempts: 1,
		}),
		Notifier:  notify.Multi{notify.Logger{}, feed},
		Submitter: paymentSubmitter,
		Sources:   cfg.Payments,
		Repo:      repo,
		Publisher: eventPublisher,
	})

	go func() {
		if err := flow.Run(ctx); err != nil && err != context.Canceled {
			telemetry.Logger.Error("Scan flow stopped", zap.Error(err))
		}
	}()

	// Setup HTTP server
	scannerHandler := handlers.NewScannerHandler(flow, sim, feed, cfg.Payments, parser, repo)
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: api.NewRouter(scannerHandler),
	}

	// Start server in goroutine
	go func() {
		telemetry.Logger.Info("QR Scanner starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			telemetry.Logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	telemetry.Logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		telemetry.Logger.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := flow.Shutdown(shutdownCtx); err != nil {
		telemetry.Logger.Error("Scanner did not release the camera", zap.Error(err))
	}

	telemetry.Logger.Info("Server exited")
}
