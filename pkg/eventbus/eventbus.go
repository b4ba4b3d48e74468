// Package eventbus publishes fire-and-forget notifications about
// issued receipts to Kafka. It never persists anything itself, that
// is the receipt chain's job. It only announces that a receipt
// happened, for downstream consumers (dashboards, SIEM pipelines) that
// want to react without polling the gateway.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/shlokDS16/Privacy-guard/pkg/models"
)

type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Config struct {
	Brokers []string
	Topic   string
}

// Producer publishes ReceiptIssued events. A nil *Producer is a valid
// no-op publisher so callers that run without Kafka configured don't
// need to branch on whether eventbus is wired.
type Producer struct {
	w     writer
	topic string
}

func NewProducer(cfg Config) (*Producer, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		trimmed := strings.TrimSpace(b)
		if trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 50 * time.Millisecond,
		Async:        true,
	}
	return &Producer{w: w, topic: cfg.Topic}, nil
}

// ReceiptIssued is the wire shape published for every receipt the
// gateway issues. It carries enough of the receipt to let a downstream
// consumer decide whether to look the full receipt up, without leaking
// any query result data into the event.
type ReceiptIssued struct {
	ReceiptHash     string `json:"receipt_hash"`
	PrevReceiptHash string `json:"prev_receipt_hash,omitempty"`
	Decision        string `json:"decision"`
	RiskLevel       string `json:"risk_level"`
	RiskScore       int    `json:"risk_score"`
	TimestampUTC    string `json:"timestamp_utc"`
}

func ReceiptIssuedFromReceipt(r models.Receipt) ReceiptIssued {
	evt := ReceiptIssued{
		ReceiptHash:  r.ReceiptHash,
		Decision:     r.Rewrite.Decision,
		RiskLevel:    r.RiskAssessment.RiskLevel,
		RiskScore:    r.RiskAssessment.RiskScore,
		TimestampUTC: r.TimestampUTC,
	}
	if r.PrevReceiptHash != nil {
		evt.PrevReceiptHash = *r.PrevReceiptHash
	}
	return evt
}

// PublishReceiptIssued marshals evt and writes it to the configured
// topic, keyed by receipt hash so ordered consumers can partition on
// it. A nil Producer returns nil without doing anything.
func (p *Producer) PublishReceiptIssued(ctx context.Context, evt ReceiptIssued) error {
	if p == nil || p.w == nil {
		return nil
	}
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("eventbus: marshal event: %w", err)
	}
	return p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(evt.ReceiptHash),
		Value: body,
		Time:  time.Now(),
	})
}

func (p *Producer) Close() error {
	if p == nil || p.w == nil {
		return nil
	}
	return p.w.Close()
}
