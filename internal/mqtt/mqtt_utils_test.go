package mqtt

import (
	"bytes"
	"errors"
	"testing"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

func TestRemainingLength(t *testing.T) {
	tests := []struct {
		input  int
		expect []byte
	}{
		{0, []byte{0x00}},
		{64, []byte{0x40}},
		{321, []byte{0xC1, 0x02}},
		{268435455, []byte{0xFF, 0xFF, 0xFF, 0x7F}},
	}

	for _, tt := range tests {
		encoded := EncodeRemainingLength(tt.input)
		if !bytes.Equal(encoded, tt.expect) {
			t.Errorf("input=%d expect=%x got=%x", tt.input, tt.expect, encoded)
		}

		decoded, _ := DecodeRemainingLength(bytes.NewReader(encoded))
		if decoded != tt.input {
			t.Errorf("input=%d decoded=%d", tt.input, decoded)
		}
	}

	if _, err := DecodeRemainingLength(bytes.NewReader([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0x01})); !errors.Is(err, ErrMalformedLength) {
		t.Errorf("expected ErrMalformedLength, got %v", err)
	}
}

func TestReadFrameRoundTrip(t *testing.T) {
	pub := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
	pub.TopicName = "cmd/AC-001/set-temp"
	pub.Qos = 1
	pub.Retain = true
	pub.MessageID = 7
	pub.Payload = []byte(`{"temp":22}`)

	var buf bytes.Buffer
	if err := WriteFrame(&buf, pub); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	pkt, err := ReadFrame(&buf, 1024)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	got, ok := pkt.(*packets.PublishPacket)
	if !ok {
		t.Fatalf("expected publish packet, got %T", pkt)
	}
	if got.TopicName != pub.TopicName || got.MessageID != 7 || got.Qos != 1 || !got.Retain {
		t.Errorf("unexpected packet %s", got)
	}
	if string(got.Payload) != `{"temp":22}` {
		t.Errorf("payload = %q", got.Payload)
	}
}

func TestReadFrameRejects(t *testing.T) {
	big := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
	big.TopicName = "a"
	big.Payload = make([]byte, 100)
	var bigBuf bytes.Buffer
	_ = WriteFrame(&bigBuf, big)

	tests := []struct {
		name  string
		input []byte
		max   int
		want  error
	}{
		{"reserved type", []byte{0xF0, 0x00}, 0, ErrUnknownPacket},
		{"bad subscribe flags", []byte{0x80, 0x00}, 0, ErrInvalidFlags},
		{"qos 3 publish", []byte{0x36, 0x00}, 0, ErrInvalidFlags},
		{"oversize", bigBuf.Bytes(), 10, ErrPacketTooLarge},
	}

	for _, tt := range tests {
		_, err := ReadFrame(bytes.NewReader(tt.input), tt.max)
		if !errors.Is(err, tt.want) {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, err)
		}
	}
}

func TestReadFrameEmptyBody(t *testing.T) {
	pkt, err := ReadFrame(bytes.NewReader([]byte{0xC0, 0x00}), 0)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if TypeOf(pkt) != PINGREQ {
		t.Errorf("expected PINGREQ, got %s", TypeOf(pkt))
	}
}
