package packet

// 控制包类型 CONNECT 相关函数

import (
	"errors"
	"fmt"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

type ConnectRespType byte

const (
	Accepted ConnectRespType = iota
	UnacceptableProtocol
	IdentifierRejected
	ServerUnavailable
	AuthenticationFailed
	NotAuthorized
)

var ErrProtocolViolation = errors.New("protocol violation")

var connectRespNames = map[ConnectRespType]string{
	Accepted:             "accepted",
	UnacceptableProtocol: "unacceptable protocol version",
	IdentifierRejected:   "identifier rejected",
	ServerUnavailable:    "server unavailable",
	AuthenticationFailed: "bad username or password",
	NotAuthorized:        "not authorized",
}

func (c ConnectRespType) String() string {
	if name, ok := connectRespNames[c]; ok {
		return name
	}
	return fmt.Sprintf("return code %d", byte(c))
}

// Will 是 CONNECT 中携带的遗嘱消息
type Will struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// ConnectInfo 是校验通过后的 CONNECT 内容
type ConnectInfo struct {
	ClientID        string
	ProtocolVersion byte
	CleanSession    bool
	KeepAlive       time.Duration
	Username        string
	Password        []byte
	HasPassword     bool
	Will            *Will
}

func NewConnectAckPacket(sessionPresent bool, returnCode ConnectRespType) *packets.ConnackPacket {
	ack := packets.NewControlPacket(packets.Connack).(*packets.ConnackPacket)
	// 拒绝连接时 session present 必须为 0
	ack.SessionPresent = sessionPresent && returnCode == Accepted
	ack.ReturnCode = byte(returnCode)
	return ack
}

// ParseConnectPacket 校验 CONNECT 报文。返回非 Accepted 的 ConnectRespType 时应回复 CONNACK 后断开；
// 返回 ErrProtocolViolation 时直接断开，不回复。
func ParseConnectPacket(cp *packets.ConnectPacket) (*ConnectInfo, ConnectRespType, error) {
	switch code := cp.Validate(); code {
	case packets.Accepted:
	case packets.ErrProtocolViolation:
		return nil, Accepted, fmt.Errorf("%w: malformed CONNECT", ErrProtocolViolation)
	default:
		return nil, ConnectRespType(code), fmt.Errorf("connect refused: %s", ConnectRespType(code))
	}

	if !cp.WillFlag && (cp.WillRetain || cp.WillQos != 0) {
		return nil, Accepted, fmt.Errorf("%w: will retain or QoS set without will flag", ErrProtocolViolation)
	}
	if cp.WillQos > 2 {
		return nil, Accepted, fmt.Errorf("%w: will QoS %d", ErrProtocolViolation, cp.WillQos)
	}

	info := &ConnectInfo{
		ClientID:        cp.ClientIdentifier,
		ProtocolVersion: cp.ProtocolVersion,
		CleanSession:    cp.CleanSession,
		KeepAlive:       time.Duration(cp.Keepalive) * time.Second,
	}
	if cp.UsernameFlag {
		info.Username = cp.Username
	}
	if cp.PasswordFlag {
		info.Password = cp.Password
		info.HasPassword = true
	}
	if cp.WillFlag {
		qos := cp.WillQos
		if qos > 1 {
			// 不支持 QoS 2，遗嘱按 QoS 1 投递
			qos = 1
		}
		info.Will = &Will{
			Topic:   cp.WillTopic,
			Payload: cp.WillMessage,
			QoS:     qos,
			Retain:  cp.WillRetain,
		}
	}
	return info, Accepted, nil
}
