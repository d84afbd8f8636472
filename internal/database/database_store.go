package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arrudagates/ponder/internal/broker"
	"github.com/arrudagates/ponder/internal/logger"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore 把会话和保留消息保存到 MongoDB
type MongoStore struct {
	m *Mongo
}

func NewMongoStore(m *Mongo) *MongoStore {
	return &MongoStore{m: m}
}

func wrapMongoError(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("unique key conflicts: %w", err)
	}
	return fmt.Errorf("database operation failed: %w", err)
}

func (ds *MongoStore) GetSession(ctx context.Context, clientID string) (*SessionData, error) {
	if clientID == "" {
		return nil, ClientIdEmptyError
	}
	ctx, cancel := ds.m.opContext(ctx)
	defer cancel()

	var session SessionData
	startTime := time.Now()
	err := ds.m.Sessions.FindOne(ctx, bson.D{{Key: "client_id", Value: clientID}}).Decode(&session)
	logger.DebugF("session query cost: %v", time.Since(startTime))
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, clientID)
		}
		return nil, wrapMongoError(err)
	}
	return &session, nil
}

func (ds *MongoStore) SaveSession(ctx context.Context, session *SessionData) error {
	if session.ClientID == "" {
		return ClientIdEmptyError
	}
	ctx, cancel := ds.m.opContext(ctx)
	defer cancel()

	session.UpdatedAt = time.Now()
	result, err := ds.m.Sessions.ReplaceOne(ctx,
		bson.D{{Key: "client_id", Value: session.ClientID}},
		session,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return wrapMongoError(err)
	}
	logger.DebugF("Session saved: client_id=%s, matched=%d, modified=%d, upserted=%v",
		session.ClientID, result.MatchedCount, result.ModifiedCount, result.UpsertedID != nil)
	return nil
}

func (ds *MongoStore) DeleteSession(ctx context.Context, clientID string) error {
	if clientID == "" {
		return ClientIdEmptyError
	}
	ctx, cancel := ds.m.opContext(ctx)
	defer cancel()

	result, err := ds.m.Sessions.DeleteOne(ctx, bson.D{{Key: "client_id", Value: clientID}})
	if err != nil {
		return wrapMongoError(err)
	}
	logger.DebugF("Session deleted: client_id=%s, deleted=%d", clientID, result.DeletedCount)
	return nil
}

func (ds *MongoStore) LoadRetained(ctx context.Context) ([]*broker.Message, error) {
	ctx, cancel := ds.m.opContext(ctx)
	defer cancel()

	cursor, err := ds.m.Retained.Find(ctx, bson.D{})
	if err != nil {
		return nil, wrapMongoError(err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []RetainedDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, wrapMongoError(err)
	}
	messages := make([]*broker.Message, 0, len(docs))
	for _, doc := range docs {
		messages = append(messages, doc.toMessage())
	}
	return messages, nil
}

func (ds *MongoStore) SaveRetained(ctx context.Context, msg *broker.Message) error {
	ctx, cancel := ds.m.opContext(ctx)
	defer cancel()

	_, err := ds.m.Retained.ReplaceOne(ctx,
		bson.D{{Key: "topic", Value: msg.Topic}},
		retainedFromMessage(msg),
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return wrapMongoError(err)
	}
	return nil
}

func (ds *MongoStore) DeleteRetained(ctx context.Context, topic string) error {
	ctx, cancel := ds.m.opContext(ctx)
	defer cancel()

	if _, err := ds.m.Retained.DeleteOne(ctx, bson.D{{Key: "topic", Value: topic}}); err != nil {
		return wrapMongoError(err)
	}
	return nil
}

func retainedFromMessage(msg *broker.Message) *RetainedDocument {
	return &RetainedDocument{
		Topic:     msg.Topic,
		Payload:   msg.Payload,
		QoS:       msg.QoS,
		UpdatedAt: msg.CreatedAt,
	}
}

func (doc *RetainedDocument) toMessage() *broker.Message {
	return &broker.Message{
		Topic:     doc.Topic,
		Payload:   doc.Payload,
		QoS:       doc.QoS,
		Retain:    true,
		CreatedAt: doc.UpdatedAt,
	}
}
