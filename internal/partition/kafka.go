package partition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/strongroom-io/strongroom/internal/messaging"
)

// TransferFrame is the wire envelope between partitions. The payload
// inside is the binary transfer encoding; the frame only adds routing.
type TransferFrame struct {
	MessageID   string          `json:"message_id"`
	Source      uint32          `json:"source"`
	Destination uint32          `json:"destination"`
	Sender      string          `json:"sender"`
	Recipient   string          `json:"recipient"`
	Fee         decimal.Decimal `json:"fee"`
	Payload     []byte          `json:"payload"`
	SentAt      time.Time       `json:"sent_at"`
}

// TransportConfig carries the outbound carrier settings.
type TransportConfig struct {
	Brokers []string
	Topic   string

	// LocalID and LocalIdentity stamp outbound frames so the peer can
	// match them against its whitelist.
	LocalID       uint32
	LocalIdentity common.Hash

	WriteTimeout time.Duration
}

// KafkaTransport sends transfer frames to the broker. It implements
// Transport for the router.
type KafkaTransport struct {
	localID  uint32
	identity common.Hash
	writer   *kafka.Writer
	log      *zap.Logger
}

func NewKafkaTransport(cfg TransportConfig, log *zap.Logger) *KafkaTransport {
	topic := cfg.Topic
	if topic == "" {
		topic = string(messaging.TopicPartitionOutbound)
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = time.Second
	}
	return &KafkaTransport{
		localID:  cfg.LocalID,
		identity: cfg.LocalIdentity,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			WriteTimeout: writeTimeout,
			RequiredAcks: kafka.RequireAll,
		},
		log: log,
	}
}

// Send writes one frame keyed by destination partition and returns the
// frame's message id.
func (t *KafkaTransport) Send(ctx context.Context, dest uint32, counterpart common.Hash, payload []byte, fee decimal.Decimal) (string, error) {
	frame := TransferFrame{
		MessageID:   uuid.NewString(),
		Source:      t.localID,
		Destination: dest,
		Sender:      t.identity.Hex(),
		Recipient:   counterpart.Hex(),
		Fee:         fee,
		Payload:     payload,
		SentAt:      time.Now(),
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return "", fmt.Errorf("encode transfer frame: %w", err)
	}
	err = t.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatUint(uint64(dest), 10)),
		Value: data,
		Time:  frame.SentAt,
	})
	if err != nil {
		return "", fmt.Errorf("write transfer frame: %w", err)
	}
	return frame.MessageID, nil
}

func (t *KafkaTransport) Close() error { return t.writer.Close() }

// DisabledTransport rejects every send. Deployments without an outbound
// carrier wire it so dispatch fails cleanly.
type DisabledTransport struct{}

func (DisabledTransport) Send(context.Context, uint32, common.Hash, []byte, decimal.Decimal) (string, error) {
	return "", errors.New("outbound transport disabled")
}

// InboundConfig carries the optional broker-side inbound consumer
// settings. Deployments bridged over HTTP don't run one.
type InboundConfig struct {
	Brokers []string
	Topic   string
	GroupID string

	LocalID uint32

	// Transport is the identity the consumer presents to the router;
	// it must match the router's registered transport.
	Transport common.Hash
}

// InboundReader consumes transfer frames addressed to the local
// partition and feeds them to the router.
type InboundReader struct {
	reader  *kafka.Reader
	router  *Router
	caller  common.Hash
	localID uint32
	log     *zap.Logger
}

func NewInboundReader(cfg InboundConfig, router *Router, log *zap.Logger) *InboundReader {
	topic := cfg.Topic
	if topic == "" {
		topic = string(messaging.TopicPartitionInbound)
	}
	groupID := cfg.GroupID
	if groupID == "" {
		groupID = "strongroom-partition-" + strconv.FormatUint(uint64(cfg.LocalID), 10)
	}
	return &InboundReader{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:     cfg.Brokers,
			GroupID:     groupID,
			Topic:       topic,
			StartOffset: kafka.LastOffset,
		}),
		router:  router,
		caller:  cfg.Transport,
		localID: cfg.LocalID,
		log:     log,
	}
}

// Run consumes until ctx is canceled. Frames for other partitions are
// skipped; malformed frames and router rejections are logged, never
// fatal.
func (c *InboundReader) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Error("inbound read error", zap.Error(err))
			continue
		}
		c.handleFrame(ctx, msg.Value)
	}
}

func (c *InboundReader) handleFrame(ctx context.Context, raw []byte) {
	var frame TransferFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.log.Error("malformed inbound frame", zap.Error(err))
		return
	}
	if frame.Destination != c.localID {
		return
	}
	if _, err := c.router.Receive(ctx, c.caller, frame.Source, common.HexToHash(frame.Sender), frame.Payload); err != nil {
		c.log.Warn("inbound transfer rejected",
			zap.Uint32("source", frame.Source),
			zap.String("message_id", frame.MessageID),
			zap.Error(err))
	}
}

func (c *InboundReader) Close() error { return c.reader.Close() }
