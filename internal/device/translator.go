package device

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/arrudagates/ponder/internal/broker"
	"github.com/arrudagates/ponder/internal/logger"
	"github.com/arrudagates/ponder/internal/metrics"
	"github.com/arrudagates/ponder/internal/session"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const maxFailuresPerDevice = 16

type Publisher interface {
	Publish(msg *broker.Message) int
}

// Presence 判断设备当前是否在线
type Presence interface {
	IsConnected(clientID string) bool
}

// BindingStore 持久化设备绑定
type BindingStore interface {
	SaveBinding(ctx context.Context, deviceID, model string) error
	DeleteBinding(ctx context.Context, deviceID string) error
}

// Failure 是一次解码失败的记录
type Failure struct {
	At      time.Time `json:"at"`
	Topic   string    `json:"topic"`
	Error   string    `json:"error"`
	Payload string    `json:"payload"`
}

// Command 是对设备某个能力的一次写入请求
type Command struct {
	DeviceID   string `json:"device_id"`
	Capability string `json:"capability"`
	Value      string `json:"value"`
}

type TranslatorOptions struct {
	Registry    *Registry
	States      *StateTable
	Publisher   Publisher
	Presence    Presence
	Bindings    BindingStore
	Metrics     *metrics.Metrics
	FailureSize int
	FailureTTL  time.Duration
}

// Translator 把设备报文翻译为规范状态，并把命令编码为设备报文
type Translator struct {
	registry  *Registry
	states    *StateTable
	publisher Publisher
	presence  Presence
	bindings  BindingStore
	metrics   *metrics.Metrics

	failuresMu sync.Mutex
	failures   *expirable.LRU[string, []Failure]

	// 同一设备的解码和命令编码串行执行，保证寄存器视图一致
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewTranslator(opts TranslatorOptions) *Translator {
	size := opts.FailureSize
	if size <= 0 {
		size = 256
	}
	ttl := opts.FailureTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Translator{
		registry:  opts.Registry,
		states:    opts.States,
		publisher: opts.Publisher,
		presence:  opts.Presence,
		bindings:  opts.Bindings,
		metrics:   opts.Metrics,
		failures:  expirable.NewLRU[string, []Failure](size, nil, ttl),
		locks:     make(map[string]*sync.Mutex),
	}
}

func (t *Translator) lock(deviceID string) func() {
	t.locksMu.Lock()
	l, ok := t.locks[deviceID]
	if !ok {
		l = &sync.Mutex{}
		t.locks[deviceID] = l
	}
	t.locksMu.Unlock()
	l.Lock()
	return l.Unlock
}

// SetPresence 在会话管理器创建后注入，二者互相依赖
func (t *Translator) SetPresence(p Presence) {
	t.presence = p
}

// HandlePublish 是 Broker 的发布钩子。解码失败只记录，不影响路由和已有状态。
func (t *Translator) HandlePublish(msg *broker.Message) {
	// 内部发布的 Origin 为空，会话的 clientID 总是非空
	if msg.Origin == "" {
		return
	}
	deviceID, def, codec, ok := t.registry.MatchState(msg.Topic)
	if !ok {
		return
	}

	unlock := t.lock(deviceID)
	defer unlock()

	decoded, err := codec.Decode(deviceID, msg.Payload, t.states.Registers(deviceID))
	if err != nil {
		if errors.Is(err, ErrNoState) {
			logger.DebugF("Ignore payload without state from %s: %v", deviceID, err)
			return
		}
		t.recordFailure(deviceID, def.Model, msg, &DecodeError{DeviceID: deviceID, Model: def.Model, Err: err})
		return
	}

	changed := t.states.Apply(deviceID, def.Model, decoded.Fields, decoded.Registers)
	t.metrics.StateUpdated(def.Model)
	if len(changed) > 0 {
		logger.DebugF("Device %s state changed: %v", deviceID, changed)
	}
}

func (t *Translator) recordFailure(deviceID, model string, msg *broker.Message, err error) {
	logger.WarnF("Fail to decode payload from %s on %s, details: %v", deviceID, msg.Topic, err)
	t.metrics.DecodeFailed(model)

	payload := msg.Payload
	if len(payload) > 256 {
		payload = payload[:256]
	}
	f := Failure{At: time.Now(), Topic: msg.Topic, Error: err.Error(), Payload: hex.EncodeToString(payload)}

	t.failuresMu.Lock()
	defer t.failuresMu.Unlock()
	list, _ := t.failures.Get(deviceID)
	list = append(list, f)
	if len(list) > maxFailuresPerDevice {
		list = list[len(list)-maxFailuresPerDevice:]
	}
	t.failures.Add(deviceID, list)
}

// Failures 返回设备最近的解码失败，最新的在最后
func (t *Translator) Failures(deviceID string) []Failure {
	t.failuresMu.Lock()
	defer t.failuresMu.Unlock()
	list, _ := t.failures.Get(deviceID)
	return append([]Failure(nil), list...)
}

func commandError(cmd Command, err error) *CommandError {
	return &CommandError{DeviceID: cmd.DeviceID, Capability: cmd.Capability, Err: err}
}

// Submit 校验并发送一条命令。所有失败都同步返回 *CommandError，失败时没有副作用。
func (t *Translator) Submit(ctx context.Context, cmd Command) error {
	err := t.submit(ctx, cmd)
	result := "ok"
	if err != nil {
		result = classifyCommandError(err)
		logger.WarnF("Command %s=%q to %s rejected: %v", cmd.Capability, cmd.Value, cmd.DeviceID, err)
	}
	t.metrics.CommandResult(result)
	return err
}

func classifyCommandError(err error) string {
	for _, c := range []struct {
		err  error
		name string
	}{
		{ErrUnknownDevice, "unknown_device"},
		{ErrUnsupportedCapability, "unsupported_capability"},
		{ErrNotWritable, "not_writable"},
		{ErrInvalidValue, "invalid_value"},
		{ErrDeviceOffline, "offline"},
	} {
		if errors.Is(err, c.err) {
			return c.name
		}
	}
	return "error"
}

func (t *Translator) submit(ctx context.Context, cmd Command) error {
	if err := ctx.Err(); err != nil {
		return commandError(cmd, err)
	}
	def, codec, ok := t.registry.Resolve(cmd.DeviceID)
	if !ok {
		return commandError(cmd, ErrUnknownDevice)
	}
	c, ok := def.Capability(cmd.Capability)
	if !ok {
		return commandError(cmd, ErrUnsupportedCapability)
	}
	if !c.Writable {
		return commandError(cmd, ErrNotWritable)
	}
	value, err := c.Parse(cmd.Value)
	if err != nil {
		return commandError(cmd, err)
	}
	if t.presence == nil || !t.presence.IsConnected(cmd.DeviceID) {
		return commandError(cmd, ErrDeviceOffline)
	}

	unlock := t.lock(cmd.DeviceID)
	defer unlock()

	encoded, err := codec.Encode(cmd.DeviceID, c, value, t.states.Registers(cmd.DeviceID))
	if err != nil {
		return commandError(cmd, err)
	}
	for _, out := range encoded.Messages {
		t.publish(out)
	}
	if encoded.Registers != nil {
		t.states.SetRegisters(cmd.DeviceID, def.Model, encoded.Registers)
	}
	logger.InfoF("Command %s=%q sent to %s", cmd.Capability, cmd.Value, cmd.DeviceID)
	return nil
}

func (t *Translator) publish(out Outbound) {
	t.publisher.Publish(&broker.Message{
		Topic:   out.Topic,
		Payload: out.Payload,
		QoS:     out.QoS,
		Retain:  out.Retain,
	})
}

// Query 请求设备上报全量状态，编解码器不支持时什么都不做
func (t *Translator) Query(deviceID string) error {
	def, codec, ok := t.registry.Resolve(deviceID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	q, ok := codec.(Querier)
	if !ok {
		return nil
	}
	messages, err := q.Query(deviceID)
	if err != nil {
		return err
	}
	for _, out := range messages {
		t.publish(out)
	}
	logger.DebugF("Sent state query to %s (%s)", deviceID, def.Model)
	return nil
}

// Register 绑定设备并持久化
func (t *Translator) Register(ctx context.Context, deviceID, model string) error {
	if err := t.registry.Bind(deviceID, model); err != nil {
		return err
	}
	if t.bindings != nil {
		if err := t.bindings.SaveBinding(ctx, deviceID, model); err != nil {
			return fmt.Errorf("persist binding of %s: %w", deviceID, err)
		}
	}
	if t.presence != nil && t.presence.IsConnected(deviceID) {
		t.setOnline(deviceID, true)
	}
	logger.InfoF("Device %s registered as %s", deviceID, model)
	return nil
}

// Deregister 解除绑定并删除状态记录
func (t *Translator) Deregister(ctx context.Context, deviceID string) error {
	unlock := t.lock(deviceID)
	if !t.registry.Unbind(deviceID) {
		unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	t.states.Delete(deviceID)
	unlock()
	t.failuresMu.Lock()
	t.failures.Remove(deviceID)
	t.failuresMu.Unlock()
	if t.bindings != nil {
		if err := t.bindings.DeleteBinding(ctx, deviceID); err != nil {
			return fmt.Errorf("delete binding of %s: %w", deviceID, err)
		}
	}
	logger.InfoF("Device %s deregistered", deviceID)
	return nil
}

// SessionConnected 实现 session.Observer
func (t *Translator) SessionConnected(info session.Info) {
	t.setOnline(info.ClientID, true)
}

// setOnline 只对当前已绑定的设备生效，型号以注册表为准。
// 与 Deregister 持同一把设备锁，解绑后不会再写入在线状态。
func (t *Translator) setOnline(deviceID string, online bool) {
	if _, ok := t.registry.ResolveModel(deviceID); !ok {
		return
	}
	unlock := t.lock(deviceID)
	defer unlock()
	model, ok := t.registry.ResolveModel(deviceID)
	if !ok {
		return
	}
	t.states.SetOnline(deviceID, model, online)
}

// SessionSubscribed 在设备订阅自己的命令主题后发送状态查询
func (t *Translator) SessionSubscribed(info session.Info, filters []string) {
	def, _, ok := t.registry.Resolve(info.ClientID)
	if !ok || def.CommandTopic == "" {
		return
	}
	topic := def.CommandTopicFor(info.ClientID)
	for _, f := range filters {
		if broker.MatchTopic(f, topic) {
			if err := t.Query(info.ClientID); err != nil {
				logger.WarnF("Fail to query %s, details: %v", info.ClientID, err)
			}
			return
		}
	}
}

func (t *Translator) SessionClosed(info session.Info, reason session.Reason) {
	if _, ok := t.registry.ResolveModel(info.ClientID); ok {
		logger.DebugF("Device %s offline: %s", info.ClientID, reason)
	}
	t.setOnline(info.ClientID, false)
}

// FormatValue 把 API 传入的 JSON 值转换为命令字符串
func FormatValue(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(x), nil
	case int:
		return strconv.Itoa(x), nil
	default:
		return "", fmt.Errorf("%w: unsupported value type %T", ErrInvalidValue, v)
	}
}
