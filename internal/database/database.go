package database

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	"github.com/arrudagates/ponder/internal/config"
	"github.com/arrudagates/ponder/internal/logger"
	"github.com/arrudagates/ponder/internal/utils"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Mongo 持有 MongoDB 连接及本服务使用的集合
type Mongo struct {
	Client           *mongo.Client
	Database         *mongo.Database
	Sessions         *mongo.Collection
	Retained         *mongo.Collection
	OperationTimeout time.Duration
}

// Connect 连接 MongoDB 并创建所需索引
func Connect(ctx context.Context, cfg config.DatabaseConfig, appName string) (*Mongo, error) {
	logger.DebugF("Connecting to database...")

	// 编码特殊字符
	var databaseUrl string
	if cfg.Username != "" {
		databaseUrl = fmt.Sprintf("mongodb://%s:%s@%s:%d/?authSource=admin",
			url.QueryEscape(cfg.Username), url.QueryEscape(cfg.Password),
			cfg.Host, cfg.Port,
		)
	} else {
		databaseUrl = fmt.Sprintf("mongodb://%s:%d/", cfg.Host, cfg.Port)
	}

	clientOptions := options.Client().ApplyURI(databaseUrl).SetAppName(appName)
	// 连接池配置
	clientOptions.SetMinPoolSize(cfg.MinPoolSize)
	clientOptions.SetMaxPoolSize(cfg.MaxPoolSize)
	clientOptions.SetMaxConnIdleTime(utils.ParseStringTime(cfg.ConnectIdleTimeout))
	// 超时限制
	clientOptions.SetConnectTimeout(utils.ParseStringTime(cfg.ConnectTimeout))
	clientOptions.SetSocketTimeout(utils.ParseStringTime(cfg.SocketTimeout))
	// 心跳包
	clientOptions.SetHeartbeatInterval(utils.ParseStringTime(cfg.Heartbeat))
	if cfg.UseTLS {
		clientOptions.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	// 连接池监控
	clientOptions.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				logger.DebugF("Database connection created: %s#%d", evt.Address, evt.ConnectionID)
			case event.ConnectionClosed:
				logger.DebugF("Database connection closed: %s#%d (%s)", evt.Address, evt.ConnectionID, evt.Reason)
			}
		},
	})

	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("error occured while connecting to database: %w", err)
	}
	if err = client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(connectCtx)
		return nil, fmt.Errorf("error occured while pinging database: %w", err)
	}

	db := client.Database(cfg.Database)
	m := &Mongo{
		Client:           client,
		Database:         db,
		Sessions:         db.Collection(SessionCollectionName),
		Retained:         db.Collection(RetainedCollectionName),
		OperationTimeout: utils.ParseStringTimeOr(cfg.OperationTimeout, 5*time.Second),
	}

	indexes := []struct {
		coll *mongo.Collection
		key  string
		name string
	}{
		{m.Sessions, "client_id", "sessions_client_id_unique"},
		{m.Retained, "topic", "retained_topic_unique"},
	}
	for _, idx := range indexes {
		_, err = idx.coll.Indexes().CreateOne(connectCtx, mongo.IndexModel{
			Keys:    bson.D{{Key: idx.key, Value: 1}},
			Options: options.Index().SetUnique(true).SetName(idx.name),
		})
		if err != nil {
			_ = client.Disconnect(connectCtx)
			return nil, fmt.Errorf("error occured while creating database index %s: %w", idx.name, err)
		}
	}

	logger.InfoF("Connected to database %s at %s:%d", cfg.Database, cfg.Host, cfg.Port)
	return m, nil
}

// Invoke 实现 event.Callable，在关闭流程中断开连接
func (m *Mongo) Invoke(ctx context.Context) error {
	logger.InfoF("Closing database connection")
	return m.Client.Disconnect(ctx)
}

func (m *Mongo) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.OperationTimeout)
}
