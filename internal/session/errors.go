package session

import (
	"errors"
	"fmt"
)

// Reason 记录会话结束的原因，同时作为指标标签
type Reason string

const (
	ReasonDisconnect        Reason = "disconnect"
	ReasonKeepaliveTimeout  Reason = "keepalive_timeout"
	ReasonTransportError    Reason = "transport_error"
	ReasonProtocolViolation Reason = "protocol_violation"
	ReasonTakeover          Reason = "takeover"
	ReasonOutboundOverflow  Reason = "outbound_overflow"
	ReasonServerShutdown    Reason = "server_shutdown"
	ReasonKicked            Reason = "kicked"
)

// Clean 表示会话是否正常结束。正常结束不发布遗嘱。
func (r Reason) Clean() bool {
	return r == ReasonDisconnect || r == ReasonServerShutdown
}

var (
	ErrSessionClosed    = errors.New("session closed")
	ErrOutboundOverflow = errors.New("outbound queue full")
	ErrInflightFull     = errors.New("no free packet identifier")
	ErrFirstPacket      = errors.New("first packet is not CONNECT")
	ErrNotConnected     = errors.New("client not connected")
)

// ProtocolError 描述一次协议违规，会话以 ReasonProtocolViolation 结束
type ProtocolError struct {
	ClientID string
	Err      error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol violation by %s: %v", e.ClientID, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}
