package database

import (
	"context"
	"errors"
	"time"
)

const (
	SessionCollectionName  = "sessions"
	RetainedCollectionName = "retained_messages"
)

var (
	ClientIdEmptyError = errors.New("client_id is empty")
	ErrSessionNotFound = errors.New("session not found")
)

// SubscriptionData 是持久化的一条订阅，保持订阅顺序
type SubscriptionData struct {
	Filter string `bson:"filter" json:"filter"`
	QoS    byte   `bson:"qos" json:"qos"`
}

// PendingMessage 是已发送但尚未收到 PUBACK 的 QoS 1 消息
type PendingMessage struct {
	PacketID uint16 `bson:"packet_id" json:"packet_id"`
	Topic    string `bson:"topic" json:"topic"`
	Payload  []byte `bson:"payload" json:"payload"`
	QoS      byte   `bson:"qos" json:"qos"`
	Retain   bool   `bson:"retain" json:"retain"`
}

// SessionData 是 clean session 为 false 的会话在断开后保留的状态
type SessionData struct {
	ClientID      string             `bson:"client_id"`
	Subscriptions []SubscriptionData `bson:"subscriptions"`
	Pending       []PendingMessage   `bson:"pending"`
	UpdatedAt     time.Time          `bson:"updated_at"`
}

func NewSessionData(clientID string) *SessionData {
	return &SessionData{
		ClientID:      clientID,
		Subscriptions: make([]SubscriptionData, 0),
		Pending:       make([]PendingMessage, 0),
		UpdatedAt:     time.Now(),
	}
}

// RetainedDocument 是保留消息的持久化形式
type RetainedDocument struct {
	Topic     string    `bson:"topic" json:"topic"`
	Payload   []byte    `bson:"payload" json:"payload"`
	QoS       byte      `bson:"qos" json:"qos"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}

type SessionStore interface {
	GetSession(ctx context.Context, clientID string) (*SessionData, error)
	SaveSession(ctx context.Context, session *SessionData) error
	DeleteSession(ctx context.Context, clientID string) error
}
