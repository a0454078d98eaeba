// Package consumer implements StreamIngest, an optional Kafka-backed
// ingestion path that feeds the same record pipeline the file-tail
// path drives. It stays dormant unless kafka.brokers is configured.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/muhamadyani/nginx-sentinel/pkg/config"
	"github.com/muhamadyani/nginx-sentinel/pkg/models"
)

// wireRecord is the expected JSON shape of a Kafka message value: a
// pre-parsed access event, as upstream log shippers that already
// understand the combined log format would emit it. StreamIngest
// decodes straight into a LogRecord, skipping the parser LogFollower
// needs for raw text.
type wireRecord struct {
	SourceIP   string    `json:"source_ip"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Status     int       `json:"status"`
	UserAgent  string    `json:"user_agent"`
	ObservedAt time.Time `json:"observed_at"`
}

// StreamIngest consumes from the configured topic and writes decoded
// LogRecords to Records. It is the optional counterpart to LogFollower
// for deployments where Nginx log shipping already flows through
// Kafka instead of (or in addition to) a local file.
type StreamIngest struct {
	group   sarama.ConsumerGroup
	topic   string
	Records chan *models.LogRecord
	log     *zap.SugaredLogger
}

// New dials brokers and constructs a consumer group reader for
// cfg.Topic. Returns an error immediately if the brokers are
// unreachable; callers should treat that as fatal only if StreamIngest
// was explicitly configured.
func New(cfg config.KafkaConfig, bufSize int, log *zap.SugaredLogger) (*StreamIngest, error) {
	saramaCfg := sarama.NewConfig()
	version, err := sarama.ParseKafkaVersion("2.1.0")
	if err != nil {
		return nil, fmt.Errorf("consumer: parse kafka version: %w", err)
	}
	saramaCfg.Version = version
	saramaCfg.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRoundRobin
	saramaCfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	saramaCfg.Consumer.Return.Errors = true
	saramaCfg.Consumer.Group.Session.Timeout = 20 * time.Second
	saramaCfg.Consumer.Group.Heartbeat.Interval = 6 * time.Second
	saramaCfg.Net.DialTimeout = 30 * time.Second
	saramaCfg.Net.ReadTimeout = 30 * time.Second
	saramaCfg.Net.WriteTimeout = 30 * time.Second

	groupID := cfg.GroupID
	if groupID == "" {
		groupID = "nginx-sentinel"
	}

	group, err := sarama.NewConsumerGroup(cfg.Brokers, groupID, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("consumer: connect to brokers %v: %w", cfg.Brokers, err)
	}

	return &StreamIngest{
		group:   group,
		topic:   cfg.Topic,
		Records: make(chan *models.LogRecord, bufSize),
		log:     log,
	}, nil
}

// Run consumes until ctx is cancelled, reconnecting on transient
// errors with a fixed backoff.
func (s *StreamIngest) Run(ctx context.Context) {
	defer close(s.Records)

	go func() {
		for err := range s.group.Errors() {
			s.log.Warnw("kafka consumer group error", "error", err)
		}
	}()

	for {
		if err := s.group.Consume(ctx, []string{s.topic}, s); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Errorw("kafka consume failed, retrying", "topic", s.topic, "error", err)
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// Setup implements sarama.ConsumerGroupHandler.
func (s *StreamIngest) Setup(sarama.ConsumerGroupSession) error { return nil }

// Cleanup implements sarama.ConsumerGroupHandler.
func (s *StreamIngest) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim implements sarama.ConsumerGroupHandler, decoding each
// message directly into a LogRecord and forwarding it to Records. A
// malformed message is logged and skipped, never fatal to the
// consumer group session.
func (s *StreamIngest) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			rec, err := decodeRecord(message.Value)
			if err != nil {
				s.log.Warnw("dropping malformed kafka message", "topic", message.Topic, "partition", message.Partition, "offset", message.Offset, "error", err)
				session.MarkMessage(message, "")
				continue
			}

			select {
			case s.Records <- rec:
			case <-session.Context().Done():
				return nil
			}
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

func decodeRecord(raw []byte) (*models.LogRecord, error) {
	var wire wireRecord
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}

	ip := net.ParseIP(wire.SourceIP)
	if ip == nil {
		return nil, fmt.Errorf("invalid source_ip %q", wire.SourceIP)
	}

	observedAt := wire.ObservedAt
	if observedAt.IsZero() {
		observedAt = time.Now()
	}

	return &models.LogRecord{
		SourceIP:   ip,
		Method:     wire.Method,
		Path:       wire.Path,
		Status:     wire.Status,
		UserAgent:  wire.UserAgent,
		ObservedAt: observedAt,
	}, nil
}

// Close releases the underlying consumer group.
func (s *StreamIngest) Close() error {
	return s.group.Close()
}
