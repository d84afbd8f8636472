package grpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// CodecName 是客户端调用时需要指定的 content-subtype
const CodecName = "json"

// jsonCodec 让服务直接使用 Go 结构体作为消息，不依赖 protoc 生成代码
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return CodecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
