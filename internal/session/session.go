package session

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arrudagates/ponder/internal/broker"
	"github.com/arrudagates/ponder/internal/database"
	"github.com/arrudagates/ponder/internal/logger"
	"github.com/arrudagates/ponder/internal/mqtt"
	pa "github.com/arrudagates/ponder/internal/packet"
	"github.com/eclipse/paho.mqtt.golang/packets"
)

// ConnInfo 描述承载会话的传输连接
type ConnInfo struct {
	Listener    string
	RemoteAddr  string
	CipherSuite string
	TLSVersion  string
}

// Info 是会话的只读快照
type Info struct {
	ConnID        string                `json:"conn_id"`
	ClientID      string                `json:"client_id"`
	Model         string                `json:"model,omitempty"`
	Listener      string                `json:"listener"`
	RemoteAddr    string                `json:"remote_addr"`
	CipherSuite   string                `json:"cipher_suite,omitempty"`
	TLSVersion    string                `json:"tls_version,omitempty"`
	CleanSession  bool                  `json:"clean_session"`
	KeepAlive     time.Duration         `json:"keep_alive"`
	ConnectedAt   time.Time             `json:"connected_at"`
	LastActivity  time.Time             `json:"last_activity"`
	Subscriptions []broker.Subscription `json:"subscriptions"`
	Inflight      int                   `json:"inflight"`
}

// Session 是一个已通过 CONNECT 的客户端。读协程由 Manager.Serve 运行，
// 写协程独占连接的写方向，所有出站报文都经过 outbound 队列。
type Session struct {
	connID       string
	clientID     string
	model        string
	conn         net.Conn
	connInfo     ConnInfo
	keepAlive    time.Duration
	cleanSession bool
	will         *pa.Will
	connectedAt  time.Time
	lastActivity atomic.Int64

	subsMu sync.Mutex
	subs   []broker.Subscription // 按订阅顺序

	inflight *Inflight
	outbound chan packets.ControlPacket

	done     chan struct{}
	doneOnce sync.Once
	reason   Reason
	writerWg sync.WaitGroup
	finished chan struct{}
	mgr      *Manager
}

func (s *Session) ClientID() string {
	return s.clientID
}

func (s *Session) Model() string {
	return s.model
}

// Deliver 把消息放入出站队列，在 Broker 的读锁内调用，不能阻塞。
// 队列满时会话以 ReasonOutboundOverflow 结束。
func (s *Session) Deliver(msg *broker.Message, qos byte, retained bool) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	var packetID uint16
	if qos > 0 {
		id, err := s.inflight.Add(msg.Topic, msg.Payload, retained)
		if err != nil {
			s.terminate(ReasonOutboundOverflow)
			return err
		}
		packetID = id
	}
	return s.send(pa.NewPublishPacket(msg.Topic, msg.Payload, qos, retained, false, packetID))
}

// send 非阻塞地投递一个出站报文
func (s *Session) send(pkt packets.ControlPacket) error {
	select {
	case s.outbound <- pkt:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		logger.WarnF("[%s] Outbound queue of %s is full, evicting session", s.connID, s.clientID)
		s.terminate(ReasonOutboundOverflow)
		return ErrOutboundOverflow
	}
}

// terminate 标记会话结束并唤醒读写协程，只有第一次调用的原因会被记录
func (s *Session) terminate(reason Reason) {
	s.doneOnce.Do(func() {
		s.reason = reason
		close(s.done)
		_ = s.conn.SetDeadline(time.Now())
	})
}

func (s *Session) terminated() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) writeLoop() {
	defer s.writerWg.Done()
	for {
		select {
		case <-s.done:
			return
		case pkt := <-s.outbound:
			if err := s.write(pkt); err != nil {
				if !s.terminated() {
					logger.WarnF("[%s] Fail to send %s packet, details: %v", s.connID, mqtt.TypeOf(pkt), err)
				}
				s.terminate(ReasonTransportError)
				return
			}
		}
	}
}

func (s *Session) write(pkt packets.ControlPacket) error {
	if s.mgr.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.mgr.writeTimeout))
	}
	if err := mqtt.WriteFrame(s.conn, pkt); err != nil {
		return err
	}
	s.mgr.metrics.PacketSent(mqtt.TypeOf(pkt).String())
	return nil
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Session) addSubscriptions(subs []broker.Subscription) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
next:
	for _, sub := range subs {
		for i := range s.subs {
			if s.subs[i].Filter == sub.Filter {
				s.subs[i].QoS = sub.QoS
				continue next
			}
		}
		s.subs = append(s.subs, sub)
	}
}

func (s *Session) removeSubscriptions(filters []string) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	kept := s.subs[:0]
	for _, sub := range s.subs {
		drop := false
		for _, f := range filters {
			if sub.Filter == f {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, sub)
		}
	}
	s.subs = kept
}

func (s *Session) Subscriptions() []broker.Subscription {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	return append([]broker.Subscription(nil), s.subs...)
}

func (s *Session) Info() Info {
	return Info{
		ConnID:        s.connID,
		ClientID:      s.clientID,
		Model:         s.model,
		Listener:      s.connInfo.Listener,
		RemoteAddr:    s.connInfo.RemoteAddr,
		CipherSuite:   s.connInfo.CipherSuite,
		TLSVersion:    s.connInfo.TLSVersion,
		CleanSession:  s.cleanSession,
		KeepAlive:     s.keepAlive,
		ConnectedAt:   s.connectedAt,
		LastActivity:  time.Unix(0, s.lastActivity.Load()),
		Subscriptions: s.Subscriptions(),
		Inflight:      s.inflight.Len(),
	}
}

// snapshot 生成需要持久化的会话状态
func (s *Session) snapshot() *database.SessionData {
	data := database.NewSessionData(s.clientID)
	for _, sub := range s.Subscriptions() {
		data.Subscriptions = append(data.Subscriptions, database.SubscriptionData{Filter: sub.Filter, QoS: sub.QoS})
	}
	data.Pending = append(data.Pending, s.inflight.Pending()...)
	return data
}
