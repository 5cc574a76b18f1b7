// Package events 负责把交易生命周期中的阶段变化投递到消息队列，
// 供审计、通知等下游异步消费。
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type 表示事件类型。
type Type string

// 已定义的事件类型。
const (
	TypeCreated   Type = "transaction.created"
	TypePhase     Type = "transaction.phase"
	TypeFinalized Type = "transaction.finalized"
	TypeCancelled Type = "transaction.cancelled"
)

// Event 是投递到队列中的消息体。
type Event struct {
	ID            string         `json:"id"`
	Type          Type           `json:"type"`
	TransactionID string         `json:"transaction_id"`
	Owner         string         `json:"owner,omitempty"`
	Phase         string         `json:"phase,omitempty"`
	Status        string         `json:"status,omitempty"`
	OverallStatus string         `json:"overall_status,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
	OccurredAt    time.Time      `json:"occurred_at"`
}

// New 创建带唯一 ID 与时间戳的事件。
func New(typ Type, transactionID string) Event {
	return Event{
		ID:            uuid.NewString(),
		Type:          typ,
		TransactionID: transactionID,
		OccurredAt:    time.Now().UTC(),
	}
}

// Encode 把事件编码为 JSON。
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode 从 JSON 还原事件。
func Decode(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("解析事件失败: %w", err)
	}
	if e.TransactionID == "" {
		return Event{}, fmt.Errorf("事件缺少 transaction_id")
	}
	return e, nil
}

// Handler 处理来自队列的事件。
type Handler func(ctx context.Context, event Event) error

// Publisher 负责向队列投递事件。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Consumer 负责从队列中消费事件。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Bus 同时具备发布与消费能力。
type Bus interface {
	Publisher
	Consumer
}
