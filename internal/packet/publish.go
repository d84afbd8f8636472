package packet

import "github.com/eclipse/paho.mqtt.golang/packets"

func NewPublishPacket(topic string, payload []byte, qos byte, retain bool, dup bool, packetID uint16) *packets.PublishPacket {
	pub := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
	pub.TopicName = topic
	pub.Payload = payload
	pub.Qos = qos
	pub.Retain = retain
	pub.Dup = dup
	if qos > 0 {
		pub.MessageID = packetID
	}
	return pub
}

func NewPubAckPacket(packetID uint16) *packets.PubackPacket {
	ack := packets.NewControlPacket(packets.Puback).(*packets.PubackPacket)
	ack.MessageID = packetID
	return ack
}
