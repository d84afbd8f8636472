package packet

import "github.com/eclipse/paho.mqtt.golang/packets"

type SubscribeState byte

const (
	SuccessQos0 SubscribeState = iota
	SuccessQos1
	SuccessQos2
	Failure SubscribeState = 0x80
)

// GrantQoS 返回订阅实际授予的 QoS，最高为 1
func GrantQoS(requested byte) SubscribeState {
	switch {
	case requested > 2:
		return Failure
	case requested >= 1:
		return SuccessQos1
	default:
		return SuccessQos0
	}
}

func NewSubAckPacket(packetID uint16, states []SubscribeState) *packets.SubackPacket {
	ack := packets.NewControlPacket(packets.Suback).(*packets.SubackPacket)
	ack.MessageID = packetID
	ack.ReturnCodes = make([]byte, len(states))
	for i, s := range states {
		ack.ReturnCodes[i] = byte(s)
	}
	return ack
}
