package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/mbd888/walletrisk/internal/pipeline"
	"github.com/mbd888/walletrisk/internal/risk"
)

// EventWalletScored is the envelope type of per-wallet score messages.
const EventWalletScored = "wallet_scored"

// Envelope wraps every message published to the topic.
type Envelope struct {
	Type  string          `json:"type"`
	RunID string          `json:"runId"`
	TS    int64           `json:"ts"`
	Data  json.RawMessage `json:"data"`
}

// KafkaSink publishes one message per wallet, keyed by wallet address so a
// wallet's scores stay ordered within a partition.
type KafkaSink struct {
	topic string
	p     sarama.SyncProducer
}

// NewKafkaSink dials brokers with a reliability-oriented producer config.
func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if topic == "" {
		return nil, fmt.Errorf("kafka sink: empty topic")
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka sink: no brokers")
	}
	p, err := sarama.NewSyncProducer(brokers, ProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("kafka sink: %w", err)
	}
	return NewKafkaSinkWithProducer(p, topic), nil
}

// NewKafkaSinkWithProducer wraps an existing producer.
func NewKafkaSinkWithProducer(p sarama.SyncProducer, topic string) *KafkaSink {
	return &KafkaSink{topic: topic, p: p}
}

// ProducerConfig returns the producer settings used by NewKafkaSink.
func ProducerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 10
	cfg.Producer.Retry.Backoff = 200 * time.Millisecond
	// SyncProducer requires both.
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	return cfg
}

func (s *KafkaSink) Name() string { return "kafka" }

// Close closes the producer.
func (s *KafkaSink) Close() error {
	if s.p != nil {
		return s.p.Close()
	}
	return nil
}

func (s *KafkaSink) Write(ctx context.Context, res *pipeline.Result) error {
	msgs := make([]*sarama.ProducerMessage, 0, len(res.Rows))
	ts := res.FinishedAt.UnixMilli()
	for _, row := range res.Rows {
		b, err := encodeRow(res.RunID, ts, row)
		if err != nil {
			return err
		}
		msgs = append(msgs, &sarama.ProducerMessage{
			Topic: s.topic,
			Key:   sarama.StringEncoder(row.Wallet),
			Value: sarama.ByteEncoder(b),
		})
	}
	// SyncProducer takes no context; check it before the blocking send.
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	if err := s.p.SendMessages(msgs); err != nil {
		return fmt.Errorf("kafka publish: %w", err)
	}
	return nil
}

func encodeRow(runID string, ts int64, row risk.Row) ([]byte, error) {
	data, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", row.Wallet, err)
	}
	return json.Marshal(Envelope{
		Type:  EventWalletScored,
		RunID: runID,
		TS:    ts,
		Data:  data,
	})
}
