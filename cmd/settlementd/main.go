package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/tradeforge/exchange/internal/config"
	"github.com/tradeforge/exchange/internal/ledger"
	"github.com/tradeforge/exchange/internal/messaging"
	"github.com/tradeforge/exchange/internal/settlement"
	"github.com/tradeforge/exchange/pkg/logger"
	"github.com/tradeforge/exchange/pkg/models"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("settlementd exited", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return err
	}

	discount, err := decimal.NewFromString(cfg.Engine.UtilityFeeDiscount)
	if err != nil {
		return err
	}

	notifier := messaging.NewKafkaNotifier(cfg.Kafka.Brokers, cfg.Kafka.TradesTopic, cfg.Kafka.WriteTimeout, log.Named("notifier"))
	defer notifier.Close()

	led := ledger.NewService(db, log.Named("ledger"))
	engine := settlement.NewEngine(db, led, notifier, settlement.Options{
		LockWait:           cfg.Engine.LockWait,
		UtilityFeeDiscount: discount,
	}, log.Named("settlement"))

	consumer := settlement.NewConsumer(settlement.ConsumerConfig{
		Brokers: cfg.Kafka.Brokers,
		Topic:   cfg.Kafka.MatchesTopic,
		GroupID: cfg.Kafka.GroupID,
		Workers: cfg.Engine.Workers,
	}, engine, log.Named("consumer"))
	defer consumer.Close()

	srv := httpServer(cfg.HTTP.Addr)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("settlementd started",
		zap.String("matches_topic", cfg.Kafka.MatchesTopic),
		zap.String("trades_topic", cfg.Kafka.TradesTopic),
		zap.Int("workers", cfg.Engine.Workers))

	return consumer.Run(ctx)
}

func openDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&models.Account{}, &models.Order{}, &models.Trade{}, &models.Market{}); err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	return db, nil
}

func httpServer(addr string) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return &http.Server{Addr: addr, Handler: router}
}
