// Package session 实现了 MQTT 会话状态机：CONNECT 握手、接管、保活、遗嘱和持久会话
package session

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/arrudagates/ponder/internal/auth"
	"github.com/arrudagates/ponder/internal/broker"
	"github.com/arrudagates/ponder/internal/database"
	"github.com/arrudagates/ponder/internal/logger"
	"github.com/arrudagates/ponder/internal/metrics"
	"github.com/arrudagates/ponder/internal/mqtt"
	pa "github.com/arrudagates/ponder/internal/packet"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/google/uuid"
)

// Resolver 在 CONNECT 时把客户端标识解析为设备型号，未绑定的客户端作为普通 MQTT 客户端处理
type Resolver interface {
	ResolveModel(clientID string) (string, bool)
}

// Observer 接收会话生命周期事件，回调在会话的读协程中执行，不能阻塞
type Observer interface {
	SessionConnected(info Info)
	SessionSubscribed(info Info, filters []string)
	SessionClosed(info Info, reason Reason)
}

type Options struct {
	Broker           *broker.Broker
	Store            database.SessionStore
	Auth             *auth.Authenticator
	Resolver         Resolver
	Metrics          *metrics.Metrics
	ConnectTimeout   time.Duration
	WriteTimeout     time.Duration
	KeepaliveBackoff float64
	OutboundQueue    int
	MaxPacketSize    int
	StoreTimeout     time.Duration
}

// Manager 管理所有在线会话，保证同一客户端标识至多一个会话
type Manager struct {
	broker           *broker.Broker
	store            database.SessionStore
	auth             *auth.Authenticator
	resolver         Resolver
	metrics          *metrics.Metrics
	connectTimeout   time.Duration
	writeTimeout     time.Duration
	keepaliveBackoff float64
	outboundQueue    int
	maxPacketSize    int
	storeTimeout     time.Duration

	mu        sync.Mutex
	sessions  map[string]*Session
	observers []Observer
	closed    bool
}

func NewManager(opts Options) *Manager {
	m := &Manager{
		broker:           opts.Broker,
		store:            opts.Store,
		auth:             opts.Auth,
		resolver:         opts.Resolver,
		metrics:          opts.Metrics,
		connectTimeout:   opts.ConnectTimeout,
		writeTimeout:     opts.WriteTimeout,
		keepaliveBackoff: opts.KeepaliveBackoff,
		outboundQueue:    opts.OutboundQueue,
		maxPacketSize:    opts.MaxPacketSize,
		storeTimeout:     opts.StoreTimeout,
		sessions:         make(map[string]*Session),
	}
	if m.store == nil {
		m.store = database.NewMemoryStore()
	}
	if m.connectTimeout <= 0 {
		m.connectTimeout = time.Minute
	}
	if m.keepaliveBackoff < 1 {
		m.keepaliveBackoff = 1.5
	}
	if m.outboundQueue <= 0 {
		m.outboundQueue = 256
	}
	if m.storeTimeout <= 0 {
		m.storeTimeout = 5 * time.Second
	}
	return m
}

// AddObserver 注册生命周期观察者，应在开始服务前调用
func (m *Manager) AddObserver(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

func (m *Manager) observersSnapshot() []Observer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Observer(nil), m.observers...)
}

// Serve 在调用者的协程中处理一个连接直到会话结束，返回时连接已关闭
func (m *Manager) Serve(ctx context.Context, conn net.Conn, info ConnInfo) {
	connID := uuid.NewString()
	if info.RemoteAddr == "" && conn.RemoteAddr() != nil {
		info.RemoteAddr = conn.RemoteAddr().String()
	}

	s, err := m.handleConnect(ctx, conn, connID, info)
	if err != nil {
		logger.WarnF("[%s] Connection from %s rejected, details: %v", connID, info.RemoteAddr, err)
		if err := conn.Close(); err != nil && !isNetClosedError(err) {
			logger.WarnF("[%s] Error occured while closing connection, details: %v", connID, err)
		}
		return
	}

	reason := s.readLoop()
	m.teardown(s, reason)
}

func (m *Manager) handleConnect(ctx context.Context, conn net.Conn, connID string, info ConnInfo) (*Session, error) {
	_ = conn.SetReadDeadline(time.Now().Add(m.connectTimeout))
	pkt, err := mqtt.ReadFrame(conn, m.maxPacketSize)
	if err != nil {
		return nil, err
	}
	m.metrics.PacketReceived(mqtt.TypeOf(pkt).String())

	cp, ok := pkt.(*packets.ConnectPacket)
	if !ok {
		logger.ErrorF("[%s] Invalid first packet type, expected %s packet, but got %s packet", connID, mqtt.CONNECT, mqtt.TypeOf(pkt))
		return nil, ErrFirstPacket
	}

	connectInfo, code, err := pa.ParseConnectPacket(cp)
	if err != nil {
		if code != pa.Accepted {
			m.refuse(conn, connID, code)
		}
		return nil, err
	}

	if connectInfo.ClientID == "" {
		if !connectInfo.CleanSession {
			m.refuse(conn, connID, pa.IdentifierRejected)
			return nil, errors.New("empty client id without clean session")
		}
		connectInfo.ClientID = "ponder-" + uuid.NewString()
	}

	if m.auth != nil {
		if err := m.auth.Authenticate(connectInfo.ClientID, connectInfo.Username, connectInfo.Password); err != nil {
			code := pa.NotAuthorized
			if errors.Is(err, auth.ErrBadCredentials) {
				code = pa.AuthenticationFailed
			}
			m.refuse(conn, connID, code)
			return nil, err
		}
	}

	s := &Session{
		connID:       connID,
		clientID:     connectInfo.ClientID,
		conn:         conn,
		connInfo:     info,
		keepAlive:    connectInfo.KeepAlive,
		cleanSession: connectInfo.CleanSession,
		will:         connectInfo.Will,
		connectedAt:  time.Now(),
		inflight:     NewInflight(),
		outbound:     make(chan packets.ControlPacket, m.outboundQueue),
		done:         make(chan struct{}),
		finished:     make(chan struct{}),
		mgr:          m,
	}
	s.touch()
	if m.resolver != nil {
		if model, ok := m.resolver.ResolveModel(s.clientID); ok {
			s.model = model
			logger.DebugF("[%s] Client %s resolved to device model %s", connID, s.clientID, model)
		}
	}

	if err := m.admit(s); err != nil {
		m.refuse(conn, connID, pa.ServerUnavailable)
		return nil, err
	}

	sessionPresent, restored := m.restore(ctx, s)

	// CONNACK 和重发的在途消息在写协程启动前同步写出，保证先于任何实时消息
	if err := s.write(pa.NewConnectAckPacket(sessionPresent, pa.Accepted)); err != nil {
		m.teardown(s, ReasonTransportError)
		return nil, err
	}
	for _, p := range restored.Pending {
		pub := pa.NewPublishPacket(p.Topic, p.Payload, p.QoS, p.Retain, true, p.PacketID)
		if err := s.write(pub); err != nil {
			m.teardown(s, ReasonTransportError)
			return nil, err
		}
	}

	subs := make([]broker.Subscription, 0, len(restored.Subscriptions))
	for _, sd := range restored.Subscriptions {
		subs = append(subs, broker.Subscription{ClientID: s.clientID, Filter: sd.Filter, QoS: sd.QoS})
	}
	s.addSubscriptions(subs)
	m.broker.Restore(s, subs)

	s.writerWg.Add(1)
	go s.writeLoop()

	m.metrics.SessionOpened()
	logger.InfoF("[%s] Client %s connected from %s (clean=%v, keepalive=%v, restored %d subscriptions, %d in flight)",
		connID, s.clientID, info.RemoteAddr, s.cleanSession, s.keepAlive, len(subs), len(restored.Pending))

	infoSnapshot := s.Info()
	for _, o := range m.observersSnapshot() {
		o.SessionConnected(infoSnapshot)
	}
	return s, nil
}

func (m *Manager) refuse(conn net.Conn, connID string, code pa.ConnectRespType) {
	logger.WarnF("[%s] Connection refused: %s", connID, code)
	_ = conn.SetWriteDeadline(time.Now().Add(m.connectTimeout))
	if err := mqtt.WriteFrame(conn, pa.NewConnectAckPacket(false, code)); err != nil {
		logger.DebugF("[%s] Fail to send CONNACK, details: %v", connID, err)
		return
	}
	m.metrics.PacketSent(mqtt.CONNACK.String())
}

// admit 登记新会话。已有同名会话时先将其接管并等待其清理完成，
// 旧会话的遗嘱在清理中发布且只发布一次。
func (m *Manager) admit(s *Session) error {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return errors.New("server is shutting down")
		}
		old, ok := m.sessions[s.clientID]
		if !ok {
			m.sessions[s.clientID] = s
			m.mu.Unlock()
			return nil
		}
		m.mu.Unlock()

		logger.InfoF("[%s] Client %s takes over session %s", s.connID, s.clientID, old.connID)
		old.terminate(ReasonTakeover)
		<-old.finished
	}
}

// restore 处理 clean session 标志：为 true 时丢弃持久状态，否则加载
func (m *Manager) restore(ctx context.Context, s *Session) (bool, *database.SessionData) {
	storeCtx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()

	if s.cleanSession {
		if err := m.store.DeleteSession(storeCtx, s.clientID); err != nil {
			logger.WarnF("[%s] Fail to discard stored session, details: %v", s.connID, err)
		}
		return false, database.NewSessionData(s.clientID)
	}

	data, err := m.store.GetSession(storeCtx, s.clientID)
	if err != nil {
		if !errors.Is(err, database.ErrSessionNotFound) {
			logger.ErrorF("[%s] Fail to load stored session, details: %v", s.connID, err)
		}
		return false, database.NewSessionData(s.clientID)
	}
	s.inflight.Restore(data.Pending)
	return true, data
}

// teardown 按固定顺序清理会话：停止写协程、关闭连接、移除订阅、
// 非正常结束时发布遗嘱、持久化、注销，最后通知等待接管的新会话。
func (m *Manager) teardown(s *Session, reason Reason) {
	s.terminate(reason)
	reason = s.reason
	s.writerWg.Wait()

	if err := s.conn.Close(); err != nil && !isNetClosedError(err) {
		logger.WarnF("[%s] Error occured while closing connection, details: %v", s.connID, err)
	}
	m.broker.Detach(s)

	if !reason.Clean() && s.will != nil {
		logger.InfoF("[%s] Publishing will of %s to %s", s.connID, s.clientID, s.will.Topic)
		m.broker.Publish(&broker.Message{
			Topic:   s.will.Topic,
			Payload: s.will.Payload,
			QoS:     s.will.QoS,
			Retain:  s.will.Retain,
			Origin:  s.clientID,
		})
	}

	if !s.cleanSession {
		ctx, cancel := context.WithTimeout(context.Background(), m.storeTimeout)
		if err := m.store.SaveSession(ctx, s.snapshot()); err != nil {
			logger.ErrorF("[%s] Fail to persist session of %s, details: %v", s.connID, s.clientID, err)
		}
		cancel()
	}

	m.mu.Lock()
	if current, ok := m.sessions[s.clientID]; ok && current == s {
		delete(m.sessions, s.clientID)
	}
	m.mu.Unlock()

	m.metrics.SessionClosed(string(reason))
	logger.InfoF("[%s] Client %s disconnected: %s", s.connID, s.clientID, reason)

	info := s.Info()
	for _, o := range m.observersSnapshot() {
		o.SessionClosed(info, reason)
	}
	close(s.finished)
}

// IsConnected 判断客户端当前是否有在线会话
func (m *Manager) IsConnected(clientID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[clientID]
	return ok
}

func (m *Manager) Get(clientID string) (Info, bool) {
	m.mu.Lock()
	s, ok := m.sessions[clientID]
	m.mu.Unlock()
	if !ok {
		return Info{}, false
	}
	return s.Info(), true
}

// Sessions 返回按客户端标识排序的在线会话快照
func (m *Manager) Sessions() []Info {
	m.mu.Lock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()

	infos := make([]Info, 0, len(list))
	for _, s := range list {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ClientID < infos[j].ClientID })
	return infos
}

// Disconnect 由服务端主动断开一个会话，遗嘱会被发布
func (m *Manager) Disconnect(clientID string) error {
	m.mu.Lock()
	s, ok := m.sessions[clientID]
	m.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}
	s.terminate(ReasonKicked)
	<-s.finished
	return nil
}

// Close 以 ReasonServerShutdown 结束所有会话并等待清理完成
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()

	for _, s := range list {
		s.terminate(ReasonServerShutdown)
	}
	for _, s := range list {
		select {
		case <-s.finished:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	logger.InfoF("Closed %d sessions", len(list))
	return nil
}

// Invoke 实现 event.Callable
func (m *Manager) Invoke(ctx context.Context) error {
	return m.Close(ctx)
}
