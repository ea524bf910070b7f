// Package messaging publishes settled trades to the message bus for tickers,
// order-book broadcasters and other downstream consumers.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradeforge/exchange/pkg/models"
)

// TradeEvent is the wire form of a settled trade. Decimals are encoded as
// strings to keep exact precision for consumers.
type TradeEvent struct {
	TradeID   string          `json:"trade_id"`
	MarketID  string          `json:"market_id"`
	AskID     string          `json:"ask_id"`
	BidID     string          `json:"bid_id"`
	Price     decimal.Decimal `json:"price"`
	Volume    decimal.Decimal `json:"volume"`
	Funds     decimal.Decimal `json:"funds"`
	Trend     string          `json:"trend"`
	CreatedAt time.Time       `json:"created_at"`
}

// KafkaNotifier publishes trade events to a Kafka topic, keyed by market so
// per-market ordering is preserved.
type KafkaNotifier struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewKafkaNotifier creates a notifier writing to the given brokers and topic.
func NewKafkaNotifier(brokers []string, topic string, writeTimeout time.Duration, logger *zap.Logger) *KafkaNotifier {
	if writeTimeout <= 0 {
		writeTimeout = time.Second
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		WriteTimeout: writeTimeout,
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaNotifier{writer: writer, logger: logger}
}

// NotifyTrade publishes one settled trade. Delivery is at-least-once; the
// caller retries on error.
func (n *KafkaNotifier) NotifyTrade(ctx context.Context, trade *models.Trade) error {
	event := TradeEvent{
		TradeID:   trade.ID.String(),
		MarketID:  trade.MarketID,
		AskID:     trade.AskID.String(),
		BidID:     trade.BidID.String(),
		Price:     trade.Price,
		Volume:    trade.Volume,
		Funds:     trade.Funds,
		Trend:     trade.Trend,
		CreatedAt: trade.CreatedAt,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal trade event: %w", err)
	}

	err = n.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(trade.MarketID),
		Value: payload,
	})
	if err != nil {
		return fmt.Errorf("failed to publish trade %s: %w", trade.ID, err)
	}

	n.logger.Debug("trade published",
		zap.String("trade_id", trade.ID.String()),
		zap.String("market_id", trade.MarketID))
	return nil
}

// Close flushes and closes the underlying writer.
func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}
