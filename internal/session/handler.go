package session

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/arrudagates/ponder/internal/broker"
	"github.com/arrudagates/ponder/internal/logger"
	"github.com/arrudagates/ponder/internal/mqtt"
	pa "github.com/arrudagates/ponder/internal/packet"
	"github.com/eclipse/paho.mqtt.golang/packets"
)

func isNetClosedError(err error) bool {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	var opErr *net.OpError
	ok := errors.As(err, &opErr)
	return ok && opErr.Timeout()
}

// classifyReadError 把读错误映射为会话结束原因
func (s *Session) classifyReadError(err error) Reason {
	switch {
	case mqtt.IsProtocolError(err):
		logger.ErrorF("[%s] Malformed packet from %s, details: %v", s.connID, s.clientID, err)
		return ReasonProtocolViolation
	case errors.Is(err, io.EOF):
		logger.InfoF("[%s] Client close connection", s.connID)
		return ReasonTransportError
	case os.IsTimeout(err):
		logger.WarnF("[%s] Keepalive of %v expired for %s", s.connID, s.keepAlive, s.clientID)
		return ReasonKeepaliveTimeout
	default:
		logger.ErrorF("[%s] Error occured while reading packet, details: %v", s.connID, err)
		return ReasonTransportError
	}
}

func (s *Session) readDeadline() time.Time {
	if s.keepAlive == 0 {
		return time.Time{}
	}
	grace := time.Duration(float64(s.keepAlive) * s.mgr.keepaliveBackoff)
	return time.Now().Add(grace)
}

// readLoop 处理 Connected 状态下的报文，返回会话结束原因
func (s *Session) readLoop() Reason {
	if s.keepAlive == 0 {
		logger.DebugF("[%s] Keep alive set to 0, heartbeat disable", s.connID)
	}
	for {
		if s.terminated() {
			return s.reason
		}
		_ = s.conn.SetReadDeadline(s.readDeadline())

		pkt, err := mqtt.ReadFrame(s.conn, s.mgr.maxPacketSize)
		if err != nil {
			if s.terminated() {
				return s.reason
			}
			return s.classifyReadError(err)
		}
		s.touch()
		s.mgr.metrics.PacketReceived(mqtt.TypeOf(pkt).String())
		logger.DebugF("[%s] Receive %s packet", s.connID, mqtt.TypeOf(pkt))

		if err := s.handlePacket(pkt); err != nil {
			if errors.Is(err, errCleanDisconnect) {
				// 正常断开丢弃遗嘱
				s.will = nil
				logger.InfoF("[%s] Client disconnect", s.connID)
				return ReasonDisconnect
			}
			var perr *ProtocolError
			if errors.As(err, &perr) {
				logger.ErrorF("[%s] %v", s.connID, err)
				return ReasonProtocolViolation
			}
			if s.terminated() {
				return s.reason
			}
			logger.ErrorF("[%s] Fail to handle %s packet, details: %v", s.connID, mqtt.TypeOf(pkt), err)
			return ReasonTransportError
		}
	}
}

var errCleanDisconnect = errors.New("clean disconnect")

func (s *Session) violation(format string, args ...any) error {
	return &ProtocolError{ClientID: s.clientID, Err: fmt.Errorf(format, args...)}
}

func (s *Session) handlePacket(pkt packets.ControlPacket) error {
	switch p := pkt.(type) {
	case *packets.PublishPacket:
		return s.handlePublish(p)
	case *packets.PubackPacket:
		if !s.inflight.Ack(p.MessageID) {
			logger.DebugF("[%s] PUBACK for unknown packet id %d", s.connID, p.MessageID)
		}
		return nil
	case *packets.SubscribePacket:
		return s.handleSubscribe(p)
	case *packets.UnsubscribePacket:
		return s.handleUnsubscribe(p)
	case *packets.PingreqPacket:
		return s.send(pa.NewPingRespPacket())
	case *packets.DisconnectPacket:
		return errCleanDisconnect
	case *packets.ConnectPacket:
		return s.violation("duplicate CONNECT packet")
	default:
		return s.violation("%s packet is not supported", mqtt.TypeOf(pkt))
	}
}

func (s *Session) handlePublish(p *packets.PublishPacket) error {
	if p.Qos > 1 {
		return s.violation("PUBLISH with QoS %d is not supported", p.Qos)
	}
	if err := broker.ValidateTopicName(p.TopicName); err != nil {
		return s.violation("PUBLISH to %q: %v", p.TopicName, err)
	}

	s.mgr.broker.Publish(&broker.Message{
		Topic:   p.TopicName,
		Payload: p.Payload,
		QoS:     p.Qos,
		Retain:  p.Retain,
		Origin:  s.clientID,
	})

	if p.Qos == 1 {
		return s.send(pa.NewPubAckPacket(p.MessageID))
	}
	return nil
}

func (s *Session) handleSubscribe(p *packets.SubscribePacket) error {
	if len(p.Topics) == 0 {
		return s.violation("SUBSCRIBE without topic filters")
	}
	states := make([]pa.SubscribeState, len(p.Topics))
	subs := make([]broker.Subscription, 0, len(p.Topics))
	filters := make([]string, 0, len(p.Topics))
	for i, filter := range p.Topics {
		var requested byte
		if i < len(p.Qoss) {
			requested = p.Qoss[i]
		}
		state := pa.GrantQoS(requested)
		if err := broker.ValidateTopicFilter(filter); err != nil {
			logger.WarnF("[%s] Reject subscription %q, details: %v", s.connID, filter, err)
			state = pa.Failure
		}
		states[i] = state
		if state == pa.Failure {
			continue
		}
		subs = append(subs, broker.Subscription{ClientID: s.clientID, Filter: filter, QoS: byte(state)})
		filters = append(filters, filter)
	}

	// SUBACK 先于保留消息入队
	if err := s.send(pa.NewSubAckPacket(p.MessageID, states)); err != nil {
		return err
	}
	if len(subs) == 0 {
		return nil
	}
	s.addSubscriptions(subs)
	s.mgr.broker.Subscribe(s, subs)
	logger.DebugF("[%s] Client %s subscribed to %v", s.connID, s.clientID, filters)

	info := s.Info()
	for _, o := range s.mgr.observersSnapshot() {
		o.SessionSubscribed(info, filters)
	}
	return nil
}

func (s *Session) handleUnsubscribe(p *packets.UnsubscribePacket) error {
	if len(p.Topics) == 0 {
		return s.violation("UNSUBSCRIBE without topic filters")
	}
	s.mgr.broker.Unsubscribe(s.clientID, p.Topics)
	s.removeSubscriptions(p.Topics)
	return s.send(pa.NewUnSubAckPacket(p.MessageID))
}
