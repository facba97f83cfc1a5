package clients

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"shieldpool/internal/metrics"
)

// Subjects on the pool event stream
const (
	SubjectDepositAccepted    = "shieldpool.pool.DepositAccepted"
	SubjectRootPublished      = "shieldpool.roots.RootPublished"
	SubjectWithdrawalStatus   = "shieldpool.withdrawals.StatusChanged"
	SubjectSponsorshipGranted = "shieldpool.sponsorships.Granted"
)

// NATSClient publishes and consumes pool events over JetStream
type NATSClient struct {
	conn       *nats.Conn
	js         nats.JetStreamContext
	streamName string
}

// NewNATSClient connects to NATS and ensures the pool event stream exists
func NewNATSClient(url, streamName string, connectTimeout time.Duration) (*NATSClient, error) {
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}

	conn, err := nats.Connect(url,
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Printf("⚠️ NATS disconnected: %v", err)
			metrics.NATSConnectionStatus.Set(0)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("✅ NATS reconnected")
			metrics.NATSConnectionStatus.Set(1)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	client := &NATSClient{conn: conn, js: js, streamName: streamName}
	if err := client.ensureStream(); err != nil {
		conn.Close()
		return nil, err
	}

	metrics.NATSConnectionStatus.Set(1)
	return client, nil
}

// ensureStream creates the pool event stream when it does not exist yet
func (c *NATSClient) ensureStream() error {
	if _, err := c.js.StreamInfo(c.streamName); err == nil {
		log.Printf("📡 stream %s already exists", c.streamName)
		return nil
	}

	streamConfig := &nats.StreamConfig{
		Name: c.streamName,
		Subjects: []string{
			"shieldpool.pool.*",
			"shieldpool.roots.*",
			"shieldpool.withdrawals.*",
			"shieldpool.sponsorships.*",
		},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		Storage:   nats.FileStorage,
	}
	if _, err := c.js.AddStream(streamConfig); err != nil {
		return fmt.Errorf("failed to create stream %s: %w", c.streamName, err)
	}

	log.Printf("📡 stream %s created", c.streamName)
	return nil
}

// DepositAcceptedEvent announces a new pool leaf
type DepositAcceptedEvent struct {
	Commitment string    `json:"commitment"`
	LeafIndex  uint64    `json:"leaf_index"`
	PoolRoot   string    `json:"pool_root"`
	Depositor  string    `json:"depositor"`
	Timestamp  time.Time `json:"timestamp"`
}

// RootPublishedEvent announces a new accumulator root
type RootPublishedEvent struct {
	Kind      string    `json:"kind"` // pool or compliance
	Root      string    `json:"root"`
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

// WithdrawalStatusEvent announces a withdrawal state transition
type WithdrawalStatusEvent struct {
	RequestID     string    `json:"request_id"`
	NullifierHash string    `json:"nullifier_hash"`
	Status        string    `json:"status"`
	RetryCount    int       `json:"retry_count"`
	Error         string    `json:"error,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// SponsorshipGrantedEvent announces an issued sponsorship grant
type SponsorshipGrantedEvent struct {
	GrantID       string    `json:"grant_id"`
	NullifierHash string    `json:"nullifier_hash"`
	Timestamp     time.Time `json:"timestamp"`
}

// PublishDepositAccepted publishes a deposit event
func (c *NATSClient) PublishDepositAccepted(event *DepositAcceptedEvent) error {
	return c.publish(SubjectDepositAccepted, "DepositAccepted", event)
}

// PublishRootPublished publishes a root update event
func (c *NATSClient) PublishRootPublished(event *RootPublishedEvent) error {
	return c.publish(SubjectRootPublished, "RootPublished", event)
}

// PublishWithdrawalStatus publishes a withdrawal transition event
func (c *NATSClient) PublishWithdrawalStatus(event *WithdrawalStatusEvent) error {
	return c.publish(SubjectWithdrawalStatus, "WithdrawalStatus", event)
}

// PublishSponsorshipGranted publishes a sponsorship grant event
func (c *NATSClient) PublishSponsorshipGranted(event *SponsorshipGrantedEvent) error {
	return c.publish(SubjectSponsorshipGranted, "SponsorshipGranted", event)
}

func (c *NATSClient) publish(subject, eventType string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		metrics.NATSPublishErrors.WithLabelValues(eventType).Inc()
		return fmt.Errorf("failed to marshal %s event: %w", eventType, err)
	}
	if _, err := c.js.Publish(subject, data); err != nil {
		metrics.NATSPublishErrors.WithLabelValues(eventType).Inc()
		return fmt.Errorf("failed to publish %s event: %w", eventType, err)
	}
	metrics.NATSMessagesPublished.WithLabelValues(eventType).Inc()
	return nil
}

// SubscribeToRootPublished subscribes to root update events
func (c *NATSClient) SubscribeToRootPublished(handler func(*RootPublishedEvent, string)) error {
	return c.subscribe(SubjectRootPublished, func(msg *nats.Msg) {
		var event RootPublishedEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Printf("❌ [NATS] failed to parse RootPublished event: %v", err)
			msg.Ack()
			return
		}
		handler(&event, msg.Subject)
		msg.Ack()
	})
}

// SubscribeToDepositAccepted subscribes to deposit events
func (c *NATSClient) SubscribeToDepositAccepted(handler func(*DepositAcceptedEvent, string)) error {
	return c.subscribe(SubjectDepositAccepted, func(msg *nats.Msg) {
		var event DepositAcceptedEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Printf("❌ [NATS] failed to parse DepositAccepted event: %v", err)
			msg.Ack()
			return
		}
		handler(&event, msg.Subject)
		msg.Ack()
	})
}

// SubscribeToWithdrawalStatus subscribes to withdrawal transition events
func (c *NATSClient) SubscribeToWithdrawalStatus(handler func(*WithdrawalStatusEvent, string)) error {
	return c.subscribe(SubjectWithdrawalStatus, func(msg *nats.Msg) {
		var event WithdrawalStatusEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Printf("❌ [NATS] failed to parse WithdrawalStatus event: %v", err)
			msg.Ack()
			return
		}
		handler(&event, msg.Subject)
		msg.Ack()
	})
}

func (c *NATSClient) subscribe(subject string, cb nats.MsgHandler) error {
	_, err := c.js.Subscribe(subject, cb, nats.ManualAck(), nats.DeliverNew())
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	log.Printf("📡 subscribed to %s", subject)
	return nil
}

// IsConnected reports the connection state
func (c *NATSClient) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// Close drains and closes the connection
func (c *NATSClient) Close() {
	if c.conn != nil {
		c.conn.Close()
		metrics.NATSConnectionStatus.Set(0)
	}
}
