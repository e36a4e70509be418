// Package events publishes stake and settlement events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"peer-wager-bot/internal/model"
)

// StakePlaced is emitted after a stake is recorded and the pool updated.
type StakePlaced struct {
	StakeID   string          `json:"stake_id"`
	OwnerID   string          `json:"owner_id"`
	ContestID string          `json:"contest_id"`
	Outcome   model.Outcome   `json:"outcome"`
	Amount    int64           `json:"amount"`
	Odds      decimal.Decimal `json:"odds"`
	Market    model.Market    `json:"market"`
	TsUnixMs  int64           `json:"ts_unix_ms"`
}

// ContestSettled is emitted after a settlement run.
type ContestSettled struct {
	Report   model.SettlementReport `json:"report"`
	TsUnixMs int64                  `json:"ts_unix_ms"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events as JSON, keyed by contest id so one contest's
// events stay ordered within a partition.
type KafkaPublisher struct {
	stakes      messageWriter
	settlements messageWriter
}

// NewWriter builds a writer for topic.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
}

// NewKafkaPublisher creates a publisher writing to the two topics.
func NewKafkaPublisher(brokers []string, stakesTopic, settlementsTopic string) *KafkaPublisher {
	return &KafkaPublisher{
		stakes:      NewWriter(brokers, stakesTopic),
		settlements: NewWriter(brokers, settlementsTopic),
	}
}

// PublishStakePlaced writes a StakePlaced event.
func (p *KafkaPublisher) PublishStakePlaced(ctx context.Context, e StakePlaced) error {
	e.TsUnixMs = time.Now().UnixMilli()
	return writeJSON(ctx, p.stakes, e.ContestID, e)
}

// PublishContestSettled writes a ContestSettled event.
func (p *KafkaPublisher) PublishContestSettled(ctx context.Context, e ContestSettled) error {
	e.TsUnixMs = time.Now().UnixMilli()
	return writeJSON(ctx, p.settlements, e.Report.ContestID, e)
}

// Close flushes and closes both writers.
func (p *KafkaPublisher) Close() error {
	errStakes := p.stakes.Close()
	errSettlements := p.settlements.Close()
	if errStakes != nil {
		return errStakes
	}
	return errSettlements
}

func writeJSON(ctx context.Context, w messageWriter, key string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("kafka: marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: b,
		Time:  time.Now(),
	}
	if err := w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka: write event: %w", err)
	}
	return nil
}

// Nop discards every event. Used when Kafka is not configured.
type Nop struct{}

// PublishStakePlaced does nothing.
func (Nop) PublishStakePlaced(context.Context, StakePlaced) error { return nil }

// PublishContestSettled does nothing.
func (Nop) PublishContestSettled(context.Context, ContestSettled) error { return nil }

// Close does nothing.
func (Nop) Close() error { return nil }
