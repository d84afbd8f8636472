package packet

import "github.com/eclipse/paho.mqtt.golang/packets"

func NewUnSubAckPacket(packetID uint16) *packets.UnsubackPacket {
	ack := packets.NewControlPacket(packets.Unsuback).(*packets.UnsubackPacket)
	ack.MessageID = packetID
	return ack
}
