// Package tsdb 把设备的数值状态写入 InfluxDB
package tsdb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arrudagates/ponder/internal/config"
	"github.com/arrudagates/ponder/internal/device"
	"github.com/arrudagates/ponder/internal/logger"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

const (
	Measurement    = "device_state"
	connectTimeout = 10 * time.Second
	watcherBuffer  = 512
)

var (
	ErrDisabled         = errors.New("influxdb is disabled")
	ErrConnectionFailed = errors.New("influxdb connection failed")
)

type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// Writer 消费状态变化，只写入数值和布尔字段
type Writer struct {
	client influxdb2.Client
	api    pointWriter

	watcher *device.Follower
	wg      sync.WaitGroup
}

func Connect(cfg config.InfluxDBConfig) (*Writer, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	batchSize := cfg.BatchSize
	if batchSize == 0 {
		batchSize = 100
	}
	flushInterval := cfg.FlushInterval
	if flushInterval == 0 {
		flushInterval = 1000
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().SetBatchSize(batchSize).SetFlushInterval(flushInterval))

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	go func() {
		for err := range writeAPI.Errors() {
			logger.WarnF("InfluxDB write failed, details: %v", err)
		}
	}()
	logger.InfoF("InfluxDB writer connected to %s, bucket %s", cfg.URL, cfg.Bucket)
	return &Writer{client: client, api: writeAPI}, nil
}

// Point 把一次状态变化转换为数据点，没有数值字段时返回 nil。
// ChangeSync 写入完整快照。
func Point(change device.Change) *write.Point {
	if change.Kind != device.ChangeState && change.Kind != device.ChangeSync {
		return nil
	}
	fields := make(map[string]any)
	for name, v := range change.Fields {
		switch x := v.(type) {
		case float64:
			fields[name] = x
		case bool:
			fields[name] = x
		}
	}
	if len(fields) == 0 {
		return nil
	}
	return write.NewPoint(Measurement,
		map[string]string{"device_id": change.DeviceID, "model": change.Model},
		fields, change.At)
}

func (w *Writer) Start(states *device.StateTable) {
	w.watcher = states.Follow("influxdb", watcherBuffer)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for change := range w.watcher.C {
			if p := Point(change); p != nil {
				w.api.WritePoint(p)
			}
		}
	}()
}

func (w *Writer) Invoke(_ context.Context) error {
	if w.watcher != nil {
		w.watcher.Close()
		w.wg.Wait()
	}
	logger.InfoF("Flushing InfluxDB writer")
	w.api.Flush()
	if w.client != nil {
		w.client.Close()
	}
	return nil
}
