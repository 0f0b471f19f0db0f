package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/hitoshi/mediaagent/internal/model"
)

// produceTimeout は1件の配信の待ち時間の上限。
const produceTimeout = 5 * time.Second

// producer はkgo.Clientのうち使用するメソッド。
type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// KafkaPublisher は活動記録をKafkaトピックにJSONで配信する。キーはプラットフォーム名。
type KafkaPublisher struct {
	client producer
	topic  string
}

// NewKafkaPublisher はKafkaPublisherを生成する。
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID("mediaagent"),
		kgo.ProducerLinger(10*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return &KafkaPublisher{client: client, topic: topic}, nil
}

type recordMessage struct {
	ID         string    `json:"id"`
	WorkItemID string    `json:"work_item_id,omitempty"`
	EventID    string    `json:"event_id,omitempty"`
	Action     string    `json:"action"`
	Platform   string    `json:"platform"`
	Outcome    string    `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Publish は活動記録を同期的に配信する。
func (p *KafkaPublisher) Publish(ctx context.Context, rec *model.ActivityRecord) error {
	value, err := json.Marshal(recordMessage{
		ID:         rec.ID,
		WorkItemID: rec.WorkItemID,
		EventID:    rec.EventID,
		Action:     string(rec.Action),
		Platform:   rec.Platform,
		Outcome:    string(rec.Outcome),
		Detail:     rec.Detail,
		Timestamp:  rec.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal activity record: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, produceTimeout)
	defer cancel()

	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(rec.Platform),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "action", Value: []byte(rec.Action)},
			{Key: "outcome", Value: []byte(rec.Outcome)},
		},
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("failed to produce activity record: %w", err)
	}
	return nil
}

// Close はKafkaクライアントを閉じる。
func (p *KafkaPublisher) Close() {
	p.client.Close()
}

var _ Publisher = (*KafkaPublisher)(nil)
