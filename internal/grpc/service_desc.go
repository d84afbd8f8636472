package grpc

import (
	"context"
	"time"

	"github.com/arrudagates/ponder/internal/device"
	grpclib "google.golang.org/grpc"
)

const serviceName = "ponder.v1.DeviceService"

type ListDevicesRequest struct{}

type ListDevicesResponse struct {
	Devices []*Device `json:"devices"`
}

type Device struct {
	ID        string         `json:"id"`
	Model     string         `json:"model"`
	Connected bool           `json:"connected"`
	Online    bool           `json:"online"`
	Fields    map[string]any `json:"fields,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

type GetDeviceRequest struct {
	ID string `json:"id"`
}

type SendCommandRequest struct {
	DeviceID   string `json:"device_id"`
	Capability string `json:"capability"`
	Value      string `json:"value"`
}

type SendCommandResponse struct {
	Accepted bool `json:"accepted"`
}

// WatchStatesRequest 中 DeviceID 为空表示订阅全部设备
type WatchStatesRequest struct {
	DeviceID string `json:"device_id,omitempty"`
}

// DeviceServiceServer 是 ponder.v1.DeviceService 的服务端接口
type DeviceServiceServer interface {
	ListDevices(context.Context, *ListDevicesRequest) (*ListDevicesResponse, error)
	GetDevice(context.Context, *GetDeviceRequest) (*Device, error)
	SendCommand(context.Context, *SendCommandRequest) (*SendCommandResponse, error)
	WatchStates(*WatchStatesRequest, DeviceService_WatchStatesServer) error
}

type DeviceService_WatchStatesServer interface {
	Send(*device.Change) error
	grpclib.ServerStream
}

type watchStatesServer struct {
	grpclib.ServerStream
}

func (x *watchStatesServer) Send(m *device.Change) error {
	return x.ServerStream.SendMsg(m)
}

func RegisterDeviceServiceServer(s grpclib.ServiceRegistrar, srv DeviceServiceServer) {
	s.RegisterService(&DeviceServiceDesc, srv)
}

func listDevicesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpclib.UnaryServerInterceptor) (any, error) {
	in := new(ListDevicesRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DeviceServiceServer).ListDevices(ctx, in)
	}
	info := &grpclib.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/ListDevices"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DeviceServiceServer).ListDevices(ctx, req.(*ListDevicesRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getDeviceHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpclib.UnaryServerInterceptor) (any, error) {
	in := new(GetDeviceRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DeviceServiceServer).GetDevice(ctx, in)
	}
	info := &grpclib.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetDevice"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DeviceServiceServer).GetDevice(ctx, req.(*GetDeviceRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func sendCommandHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpclib.UnaryServerInterceptor) (any, error) {
	in := new(SendCommandRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DeviceServiceServer).SendCommand(ctx, in)
	}
	info := &grpclib.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/SendCommand"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DeviceServiceServer).SendCommand(ctx, req.(*SendCommandRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func watchStatesHandler(srv any, stream grpclib.ServerStream) error {
	m := new(WatchStatesRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(DeviceServiceServer).WatchStates(m, &watchStatesServer{stream})
}

// DeviceServiceDesc 按 protoc-gen-go-grpc 的生成格式手写
var DeviceServiceDesc = grpclib.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*DeviceServiceServer)(nil),
	Methods: []grpclib.MethodDesc{
		{MethodName: "ListDevices", Handler: listDevicesHandler},
		{MethodName: "GetDevice", Handler: getDeviceHandler},
		{MethodName: "SendCommand", Handler: sendCommandHandler},
	},
	Streams: []grpclib.StreamDesc{
		{StreamName: "WatchStates", Handler: watchStatesHandler, ServerStreams: true},
	},
}

// Client 是 DeviceService 的客户端，调用时固定使用 JSON 编码
type Client struct {
	cc grpclib.ClientConnInterface
}

func NewClient(cc grpclib.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) ListDevices(ctx context.Context, in *ListDevicesRequest, opts ...grpclib.CallOption) (*ListDevicesResponse, error) {
	out := new(ListDevicesResponse)
	opts = append([]grpclib.CallOption{grpclib.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/ListDevices", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetDevice(ctx context.Context, in *GetDeviceRequest, opts ...grpclib.CallOption) (*Device, error) {
	out := new(Device)
	opts = append([]grpclib.CallOption{grpclib.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/GetDevice", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SendCommand(ctx context.Context, in *SendCommandRequest, opts ...grpclib.CallOption) (*SendCommandResponse, error) {
	out := new(SendCommandResponse)
	opts = append([]grpclib.CallOption{grpclib.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/SendCommand", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// WatchStates 返回的接收函数在流结束时返回 io.EOF
func (c *Client) WatchStates(ctx context.Context, in *WatchStatesRequest, opts ...grpclib.CallOption) (func() (*device.Change, error), error) {
	opts = append([]grpclib.CallOption{grpclib.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &DeviceServiceDesc.Streams[0], "/"+serviceName+"/WatchStates", opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return func() (*device.Change, error) {
		m := new(device.Change)
		if err := stream.RecvMsg(m); err != nil {
			return nil, err
		}
		return m, nil
	}, nil
}
