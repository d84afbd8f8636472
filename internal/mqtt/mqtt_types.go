// Package mqtt 是 MQTT 帧编解码的边界层：固定头校验与长度限制在这里完成，
// 报文结构的编解码交给 paho 的 packets 包。
package mqtt

import (
	"fmt"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

// PacketType 定义了MQTT控制报文的类型
type PacketType byte

// MQTT 控制报文类型常量定义
const (
	CONNECT     PacketType = iota + 1 // 客户端请求连接到服务器
	CONNACK                           // 连接确认
	PUBLISH                           // 发布消息
	PUBACK                            // 发布确认
	PUBREC                            // 发布收到（QoS 2第一步）
	PUBREL                            // 发布释放（QoS 2第二步）
	PUBCOMP                           // 发布完成（QoS 2第三步）
	SUBSCRIBE                         // 订阅请求
	SUBACK                            // 订阅确认
	UNSUBSCRIBE                       // 取消订阅
	UNSUBACK                          // 取消订阅确认
	PINGREQ                           // 心跳请求
	PINGRESP                          // 心跳响应
	DISCONNECT                        // 断开连接
)

var PacketTypeMap = map[PacketType]string{
	CONNECT:     "CONNECT",
	CONNACK:     "CONNACK",
	PUBLISH:     "PUBLISH",
	PUBACK:      "PUBACK",
	PUBREC:      "PUBREC",
	PUBREL:      "PUBREL",
	PUBCOMP:     "PUBCOMP",
	SUBSCRIBE:   "SUBSCRIBE",
	SUBACK:      "SUBACK",
	UNSUBSCRIBE: "UNSUBSCRIBE",
	UNSUBACK:    "UNSUBACK",
	PINGREQ:     "PINGREQ",
	PINGRESP:    "PINGRESP",
	DISCONNECT:  "DISCONNECT",
}

func (packetType PacketType) String() string {
	if name, ok := PacketTypeMap[packetType]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", byte(packetType))
}

// allowedFlags 定义了每种报文类型允许的标志位组合
var allowedFlags = map[PacketType]byte{
	CONNECT:     0x00,
	CONNACK:     0x00,
	PUBLISH:     0x0F, // DUP/QoS/RETAIN 另行校验
	PUBACK:      0x00,
	PUBREC:      0x00,
	PUBREL:      0x02,
	PUBCOMP:     0x00,
	SUBSCRIBE:   0x02,
	SUBACK:      0x00,
	UNSUBSCRIBE: 0x02,
	UNSUBACK:    0x00,
	PINGREQ:     0x00,
	PINGRESP:    0x00,
	DISCONNECT:  0x00,
}

// requiredFlags 是 3.1.1 中固定必须置位的标志
var requiredFlags = map[PacketType]byte{
	PUBREL:      0x02,
	SUBSCRIBE:   0x02,
	UNSUBSCRIBE: 0x02,
}

// TypeOf 返回已解析报文的类型
func TypeOf(pkt packets.ControlPacket) PacketType {
	switch pkt.(type) {
	case *packets.ConnectPacket:
		return CONNECT
	case *packets.ConnackPacket:
		return CONNACK
	case *packets.PublishPacket:
		return PUBLISH
	case *packets.PubackPacket:
		return PUBACK
	case *packets.PubrecPacket:
		return PUBREC
	case *packets.PubrelPacket:
		return PUBREL
	case *packets.PubcompPacket:
		return PUBCOMP
	case *packets.SubscribePacket:
		return SUBSCRIBE
	case *packets.SubackPacket:
		return SUBACK
	case *packets.UnsubscribePacket:
		return UNSUBSCRIBE
	case *packets.UnsubackPacket:
		return UNSUBACK
	case *packets.PingreqPacket:
		return PINGREQ
	case *packets.PingrespPacket:
		return PINGRESP
	case *packets.DisconnectPacket:
		return DISCONNECT
	}
	return 0
}
