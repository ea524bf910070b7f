package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/tradeforge/exchange/internal/ledger"
)

// ConsumerConfig configures the match-queue consumer.
type ConsumerConfig struct {
	Brokers []string
	Topic   string
	GroupID string
	Workers int
}

// Consumer reads candidate matches from the matcher's queue and drives the
// engine. Multiple workers settle disjoint order pairs in parallel; the
// engine's pair locks serialize conflicting ones.
type Consumer struct {
	reader   *kafka.Reader
	engine   *Engine
	validate *validator.Validate
	workers  int
	logger   *zap.Logger
}

// NewConsumer creates a consumer over the given brokers and topic.
func NewConsumer(cfg ConsumerConfig, engine *Engine, logger *zap.Logger) *Consumer {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		Topic:       cfg.Topic,
		StartOffset: kafka.LastOffset,
	})
	return &Consumer{
		reader:   reader,
		engine:   engine,
		validate: validator.New(),
		workers:  cfg.Workers,
		logger:   logger,
	}
}

// Run consumes until the context is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	msgs := make(chan kafka.Message)

	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for msg := range msgs {
				c.handle(ctx, msg)
			}
		}()
	}

	var err error
	for {
		var msg kafka.Message
		msg, err = c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			break
		}
		msgs <- msg
	}
	close(msgs)
	wg.Wait()
	return err
}

// handle settles one match message. Contention is retried with backoff since
// the same request stays valid; every other failure is terminal for the
// message and only logged.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) {
	var req MatchRequest
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		c.logger.Error("invalid match message", zap.Error(err))
		return
	}
	if err := c.validate.Struct(req); err != nil {
		c.logger.Error("incomplete match message", zap.Error(err))
		return
	}

	const attempts = 5
	for i := 1; ; i++ {
		_, err := c.engine.Settle(ctx, req)
		if err == nil {
			return
		}
		if errors.Is(err, ErrContention) && i < attempts && ctx.Err() == nil {
			time.Sleep(time.Duration(i) * 100 * time.Millisecond)
			continue
		}
		c.logMatchFailure(req, err)
		return
	}
}

func (c *Consumer) logMatchFailure(req MatchRequest, err error) {
	fields := []zap.Field{
		zap.String("market_id", req.MarketID),
		zap.String("ask_id", req.AskID.String()),
		zap.String("bid_id", req.BidID.String()),
		zap.Error(err),
	}
	switch {
	case errors.Is(err, ErrInvalidMatch):
		c.logger.Warn("match rejected", fields...)
	case errors.Is(err, ledger.ErrInsufficientBalance), errors.Is(err, ledger.ErrInsufficientLocked):
		c.logger.Error("match failed on account funds", fields...)
	default:
		c.logger.Error("match settlement failed", fields...)
	}
}

// Close releases the underlying reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
