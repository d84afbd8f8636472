// Package statestore 把设备绑定、最近状态和状态历史保存在 SQLite 中
package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/arrudagates/ponder/internal/config"
	"github.com/arrudagates/ponder/internal/device"
	"github.com/arrudagates/ponder/internal/logger"
	_ "github.com/mattn/go-sqlite3"
)

const (
	dirPermissions  = 0750
	pingTimeout     = 5 * time.Second
	writeTimeout    = 5 * time.Second
	recorderBuffer  = 256
	defaultHistory  = 1000
	memoryPath      = ":memory:"
	connMaxIdleTime = 30 * time.Minute
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS device_bindings (
		device_id  TEXT PRIMARY KEY,
		model      TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS device_state (
		device_id  TEXT PRIMARY KEY,
		model      TEXT NOT NULL,
		fields     TEXT NOT NULL,
		registers  TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS state_history (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id   TEXT NOT NULL,
		field       TEXT NOT NULL,
		value       TEXT NOT NULL,
		recorded_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_state_history_device ON state_history (device_id, id)`,
}

// HistoryEntry 是某个字段的一次取值变化
type HistoryEntry struct {
	Field      string    `json:"field"`
	Value      any       `json:"value"`
	RecordedAt time.Time `json:"recorded_at"`
}

type Store struct {
	db          *sql.DB
	historySize int

	watcher *device.Follower
	wg      sync.WaitGroup
}

// Open 打开数据库并建表
func Open(cfg config.SQLiteConfig) (*Store, error) {
	connStr := fmt.Sprintf("file:%s?_busy_timeout=%d", cfg.Path, cfg.BusyTimeout)
	if cfg.Path != memoryPath {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), dirPermissions); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		connStr += "&_journal_mode=WAL&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// SQLite 只有一个写者，内存库也依赖单连接保持同一份数据
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxIdleTime(connMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("verify sqlite database: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrate sqlite database: %w", err)
		}
	}

	size := cfg.HistorySize
	if size <= 0 {
		size = defaultHistory
	}
	logger.InfoF("SQLite state store opened at %s", cfg.Path)
	return &Store{db: db, historySize: size}, nil
}

// SaveBinding 实现 device.BindingStore
func (s *Store) SaveBinding(ctx context.Context, deviceID, model string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO device_bindings (device_id, model, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(device_id) DO UPDATE SET model = excluded.model`,
		deviceID, model, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save binding %s: %w", deviceID, err)
	}
	return nil
}

// DeleteBinding 同时删除状态快照和历史
func (s *Store) DeleteBinding(ctx context.Context, deviceID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, table := range []string{"device_bindings", "device_state", "state_history"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE device_id = ?", deviceID); err != nil {
			return fmt.Errorf("delete %s of %s: %w", table, deviceID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) LoadBindings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT device_id, model FROM device_bindings`)
	if err != nil {
		return nil, fmt.Errorf("query bindings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var id, model string
		if err := rows.Scan(&id, &model); err != nil {
			return nil, fmt.Errorf("scan binding: %w", err)
		}
		out[id] = model
	}
	return out, rows.Err()
}

func (s *Store) SaveState(ctx context.Context, rec device.Record) error {
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("encode fields of %s: %w", rec.DeviceID, err)
	}
	regs, err := json.Marshal(rec.Registers)
	if err != nil {
		return fmt.Errorf("encode registers of %s: %w", rec.DeviceID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO device_state (device_id, model, fields, registers, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(device_id) DO UPDATE SET model = excluded.model, fields = excluded.fields,
		 registers = excluded.registers, updated_at = excluded.updated_at`,
		rec.DeviceID, rec.Model, string(fields), string(regs), rec.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save state of %s: %w", rec.DeviceID, err)
	}
	return nil
}

// LoadStates 读取全部状态快照，用于启动时恢复
func (s *Store) LoadStates(ctx context.Context) ([]device.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT device_id, model, fields, registers, updated_at FROM device_state ORDER BY device_id`)
	if err != nil {
		return nil, fmt.Errorf("query states: %w", err)
	}
	defer rows.Close()

	var out []device.Record
	for rows.Next() {
		var (
			rec            device.Record
			fields, regs   string
			updatedAtMilli int64
		)
		if err := rows.Scan(&rec.DeviceID, &rec.Model, &fields, &regs, &updatedAtMilli); err != nil {
			return nil, fmt.Errorf("scan state: %w", err)
		}
		if err := json.Unmarshal([]byte(fields), &rec.Fields); err != nil {
			return nil, fmt.Errorf("decode fields of %s: %w", rec.DeviceID, err)
		}
		if err := json.Unmarshal([]byte(regs), &rec.Registers); err != nil {
			return nil, fmt.Errorf("decode registers of %s: %w", rec.DeviceID, err)
		}
		rec.UpdatedAt = time.UnixMilli(updatedAtMilli)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AppendHistory 记录变化的字段并裁剪到 historySize 条
func (s *Store) AppendHistory(ctx context.Context, deviceID string, fields map[string]any, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for name, value := range fields {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("encode %s of %s: %w", name, deviceID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO state_history (device_id, field, value, recorded_at) VALUES (?, ?, ?, ?)`,
			deviceID, name, string(data), at.UnixMilli()); err != nil {
			return fmt.Errorf("insert history of %s: %w", deviceID, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM state_history WHERE device_id = ? AND id NOT IN (
			SELECT id FROM state_history WHERE device_id = ? ORDER BY id DESC LIMIT ?)`,
		deviceID, deviceID, s.historySize); err != nil {
		return fmt.Errorf("trim history of %s: %w", deviceID, err)
	}
	return tx.Commit()
}

// History 返回最近的历史，最新的在前。field 为空时返回全部字段。
func (s *Store) History(ctx context.Context, deviceID, field string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 || limit > s.historySize {
		limit = s.historySize
	}
	var (
		query strings.Builder
		args  = []any{deviceID}
	)
	query.WriteString(`SELECT field, value, recorded_at FROM state_history WHERE device_id = ?`)
	if field != "" {
		query.WriteString(` AND field = ?`)
		args = append(args, field)
	}
	query.WriteString(` ORDER BY id DESC LIMIT ?`)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query history of %s: %w", deviceID, err)
	}
	defer rows.Close()

	out := make([]HistoryEntry, 0)
	for rows.Next() {
		var (
			e     HistoryEntry
			value string
			at    int64
		)
		if err := rows.Scan(&e.Field, &value, &at); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		if err := json.Unmarshal([]byte(value), &e.Value); err != nil {
			return nil, fmt.Errorf("decode history value: %w", err)
		}
		e.RecordedAt = time.UnixMilli(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Restore 把持久化的绑定和快照载入注册表和状态表。
// 型号已不存在的绑定被跳过。
func (s *Store) Restore(ctx context.Context, reg *device.Registry, states *device.StateTable) error {
	bindings, err := s.LoadBindings(ctx)
	if err != nil {
		return err
	}
	for id, model := range bindings {
		if err := reg.Bind(id, model); err != nil {
			logger.WarnF("Skip stored binding %s -> %s: %v", id, model, err)
		}
	}
	records, err := s.LoadStates(ctx)
	if err != nil {
		return err
	}
	restored := 0
	for _, rec := range records {
		if _, bound := reg.ResolveModel(rec.DeviceID); !bound {
			continue
		}
		states.Restore(rec)
		restored++
	}
	logger.InfoF("Restored %d bindings and %d device states from SQLite", len(bindings), restored)
	return nil
}

// Start 订阅状态变化并在后台写入数据库
func (s *Store) Start(states *device.StateTable) {
	s.watcher = states.Follow("sqlite", recorderBuffer)
	s.wg.Add(1)
	go s.record(states, s.watcher)
}

func (s *Store) record(states *device.StateTable, w *device.Follower) {
	defer s.wg.Done()
	for change := range w.C {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := s.apply(ctx, states, change); err != nil {
			logger.ErrorF("Fail to persist %s change of %s, details: %v", change.Kind, change.DeviceID, err)
		}
		cancel()
	}
	logger.DebugF("SQLite recorder stopped")
}

func (s *Store) apply(ctx context.Context, states *device.StateTable, change device.Change) error {
	switch change.Kind {
	case device.ChangeState:
		rec, ok := states.Get(change.DeviceID)
		if !ok {
			return nil
		}
		if err := s.SaveState(ctx, rec); err != nil {
			return err
		}
		return s.AppendHistory(ctx, change.DeviceID, change.Fields, change.At)
	case device.ChangeSync:
		// 掉队期间的增量已经丢失，只补写最新快照，不追加历史
		rec, ok := states.Get(change.DeviceID)
		if !ok {
			return nil
		}
		return s.SaveState(ctx, rec)
	case device.ChangeRemoved:
		_, err := s.db.ExecContext(ctx, `DELETE FROM device_state WHERE device_id = ?`, change.DeviceID)
		return err
	}
	return nil
}

// Invoke 停止记录协程并关闭数据库
func (s *Store) Invoke(_ context.Context) error {
	if s.watcher != nil {
		s.watcher.Close()
		s.wg.Wait()
	}
	logger.InfoF("Closing SQLite state store")
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite database: %w", err)
	}
	return nil
}
