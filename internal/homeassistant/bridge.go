// Package homeassistant 通过 MQTT 自动发现把设备暴露给 Home Assistant
package homeassistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/arrudagates/ponder/internal/config"
	"github.com/arrudagates/ponder/internal/device"
	"github.com/arrudagates/ponder/internal/logger"
	"github.com/arrudagates/ponder/internal/utils"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	payloadOnline  = "online"
	payloadOffline = "offline"

	watcherBuffer        = 256
	commandTimeout       = 5 * time.Second
	publishTimeout       = 2 * time.Second
	disconnectQuiesce    = 250
	keepAlive            = 5 * time.Second
	connectRetryInterval = 5 * time.Second
)

var ErrConnectionFailed = errors.New("home assistant broker connection failed")

// Submitter 接收来自 Home Assistant 的命令
type Submitter interface {
	Submit(ctx context.Context, cmd device.Command) error
}

type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
}

type Options struct {
	Config    config.HomeAssistantConfig
	Registry  *device.Registry
	States    *device.StateTable
	Submitter Submitter
}

// Bridge 把状态变化发布到 Home Assistant，并把 set 主题上的命令转交给翻译器
type Bridge struct {
	cfg       config.HomeAssistantConfig
	registry  *device.Registry
	states    *device.StateTable
	submitter Submitter

	client pahomqtt.Client
	pub    publisher

	mu         sync.Mutex
	discovered map[string]bool

	watcher *device.Follower
	wg      sync.WaitGroup
}

func New(opts Options) *Bridge {
	return &Bridge{
		cfg:        opts.Config,
		registry:   opts.Registry,
		states:     opts.States,
		submitter:  opts.Submitter,
		discovered: make(map[string]bool),
	}
}

// Start 连接 Home Assistant 使用的 MQTT 服务器并开始转发状态
func (b *Bridge) Start() error {
	opts := pahomqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", b.cfg.Address, b.cfg.Port)).
		SetClientID(b.cfg.ClientID).
		SetUsername(b.cfg.Username).
		SetPassword(b.cfg.Password).
		SetKeepAlive(keepAlive).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(connectRetryInterval).
		SetCleanSession(true).
		SetWill(b.bridgeAvailabilityTopic(), payloadOffline, 0, false)
	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		b.onConnect(c)
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		logger.WarnF("Lost connection to Home Assistant broker, details: %v", err)
	})

	b.client = pahomqtt.NewClient(opts)
	b.pub = b.client
	// 首次连接失败时 paho 会在后台重试，OnConnect 负责补发发现配置
	b.watch()
	timeout := utils.ParseStringTimeOr(b.cfg.ConnectTimeout, 10*time.Second)
	token := b.client.Connect()
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	logger.InfoF("Home Assistant bridge connected to %s:%d", b.cfg.Address, b.cfg.Port)
	return nil
}

// onConnect 在首次连接和每次重连后恢复订阅并重新发现
func (b *Bridge) onConnect(c pahomqtt.Client) {
	handler := func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				logger.ErrorF("Home Assistant handler panic on %s: %v", msg.Topic(), r)
			}
		}()
		b.handleMessage(msg.Topic(), msg.Payload())
	}
	c.Subscribe(b.statusTopic(), 0, handler)
	c.Subscribe(b.cfg.PonderPrefix+"/+/+/set", 0, handler)
	c.Publish(b.bridgeAvailabilityTopic(), 0, true, payloadOnline)
	b.DiscoverAll()
}

func (b *Bridge) watch() {
	b.watcher = b.states.Follow("home_assistant", watcherBuffer)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for change := range b.watcher.C {
			b.handleChange(change)
		}
	}()
}

func (b *Bridge) statusTopic() string {
	return b.cfg.DiscoveryPrefix + "/status"
}

func (b *Bridge) bridgeAvailabilityTopic() string {
	return b.cfg.PonderPrefix + "/availability"
}

func (b *Bridge) availabilityTopic(id string) string {
	return fmt.Sprintf("%s/%s/availability", b.cfg.PonderPrefix, id)
}

func (b *Bridge) stateTopic(id, capability string) string {
	return fmt.Sprintf("%s/%s/%s", b.cfg.PonderPrefix, id, capability)
}

func (b *Bridge) configTopic(def *device.Definition, id string) string {
	return fmt.Sprintf("%s/%s/%s/%s/config", b.cfg.DiscoveryPrefix, def.Class, b.cfg.PonderPrefix, id)
}

// parseCommandTopic 解析 {prefix}/{id}/{capability}/set
func (b *Bridge) parseCommandTopic(topic string) (id, capability string, ok bool) {
	rest, found := strings.CutPrefix(topic, b.cfg.PonderPrefix+"/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != "set" || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func (b *Bridge) handleMessage(topic string, payload []byte) {
	if topic == b.statusTopic() {
		if string(payload) == payloadOnline {
			logger.InfoF("Home Assistant online, starting discovery")
			b.DiscoverAll()
		}
		return
	}
	id, capability, ok := b.parseCommandTopic(topic)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	cmd := device.Command{DeviceID: id, Capability: capability, Value: string(payload)}
	if err := b.submitter.Submit(ctx, cmd); err != nil {
		logger.WarnF("Home Assistant command rejected: %v", err)
	}
}

// DiscoveryConfig 生成一个设备的发现配置
func (b *Bridge) DiscoveryConfig(def *device.Definition, id string) map[string]any {
	cfg := make(map[string]any, len(def.Discovery)+8)
	for k, v := range def.Discovery {
		cfg[k] = v
	}
	cfg["name"] = def.Name
	cfg["availability"] = []map[string]string{
		{"topic": b.availabilityTopic(id)},
		{"topic": b.bridgeAvailabilityTopic()},
	}
	cfg["optimistic"] = false
	cfg["object_id"] = id
	cfg["unique_id"] = id
	cfg["device"] = map[string]any{
		"identifiers":  id,
		"manufacturer": def.Manufacturer,
		"model":        def.Model,
	}
	for i := range def.Capabilities {
		c := &def.Capabilities[i]
		if c.Readable {
			key := c.Name + "_state_topic"
			if c.Discovery != nil && c.Discovery.StateKey != "" {
				key = c.Discovery.StateKey
			}
			cfg[key] = b.stateTopic(id, c.Name)
		}
		if c.Writable {
			key := c.Name + "_command_topic"
			if c.Discovery != nil && c.Discovery.CommandKey != "" {
				key = c.Discovery.CommandKey
			}
			cfg[key] = b.stateTopic(id, c.Name) + "/set"
		}
	}
	return cfg
}

func (b *Bridge) publish(topic string, retained bool, payload any) {
	if b.pub == nil {
		return
	}
	b.pub.Publish(topic, 0, retained, payload)
}

// discover 发布发现配置、可用性和当前状态
func (b *Bridge) discover(id string, def *device.Definition) {
	data, err := json.Marshal(b.DiscoveryConfig(def, id))
	if err != nil {
		logger.ErrorF("Fail to encode discovery config of %s, details: %v", id, err)
		return
	}
	b.publish(b.configTopic(def, id), false, data)

	rec, ok := b.states.Get(id)
	if ok {
		b.publishFields(id, rec.Fields)
	}
	b.publish(b.availabilityTopic(id), false, availability(ok && rec.Online))

	b.mu.Lock()
	b.discovered[id] = true
	b.mu.Unlock()
}

// DiscoverAll 为所有已绑定设备重新发布发现配置
func (b *Bridge) DiscoverAll() {
	for id, model := range b.registry.Bindings() {
		def, ok := b.registry.Definition(model)
		if !ok {
			continue
		}
		b.discover(id, def)
	}
}

func (b *Bridge) publishFields(id string, fields map[string]any) {
	for name, v := range fields {
		b.publish(b.stateTopic(id, name), true, formatValue(v))
	}
}

func (b *Bridge) handleChange(change device.Change) {
	switch change.Kind {
	case device.ChangeState:
		b.ensureDiscovered(change.DeviceID, change.Model)
		b.publishFields(change.DeviceID, change.Fields)
	case device.ChangeOnline:
		b.ensureDiscovered(change.DeviceID, change.Model)
		b.publish(b.availabilityTopic(change.DeviceID), false, availability(change.Online))
	case device.ChangeSync:
		b.ensureDiscovered(change.DeviceID, change.Model)
		b.publishFields(change.DeviceID, change.Fields)
		b.publish(b.availabilityTopic(change.DeviceID), false, availability(change.Online))
	case device.ChangeRemoved:
		b.mu.Lock()
		delete(b.discovered, change.DeviceID)
		b.mu.Unlock()
		b.publish(b.availabilityTopic(change.DeviceID), false, payloadOffline)
		if def, ok := b.registry.Definition(change.Model); ok {
			// 空的配置会让 Home Assistant 删除实体
			b.publish(b.configTopic(def, change.DeviceID), false, "")
		}
	}
}

func (b *Bridge) ensureDiscovered(id, model string) {
	b.mu.Lock()
	done := b.discovered[id]
	b.mu.Unlock()
	if done {
		return
	}
	if def, ok := b.registry.Definition(model); ok {
		b.discover(id, def)
	}
}

func availability(online bool) string {
	if online {
		return payloadOnline
	}
	return payloadOffline
}

func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		if x {
			return "ON"
		}
		return "OFF"
	default:
		return fmt.Sprint(v)
	}
}

// Invoke 发布离线状态并断开连接
func (b *Bridge) Invoke(_ context.Context) error {
	if b.watcher != nil {
		b.watcher.Close()
		b.wg.Wait()
	}
	if b.client == nil {
		return nil
	}
	logger.InfoF("Disconnecting from Home Assistant broker")
	if b.client.IsConnected() {
		b.client.Publish(b.bridgeAvailabilityTopic(), 0, true, payloadOffline).WaitTimeout(publishTimeout)
	}
	b.client.Disconnect(disconnectQuiesce)
	return nil
}
