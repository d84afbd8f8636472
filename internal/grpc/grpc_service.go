// Package grpc 以 gRPC 形式暴露设备查询、命令下发和状态订阅
package grpc

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/arrudagates/ponder/internal/config"
	"github.com/arrudagates/ponder/internal/device"
	"github.com/arrudagates/ponder/internal/logger"
	"github.com/google/uuid"
	grpclib "google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const watchBuffer = 128

type Options struct {
	Config     config.GRPCConfig
	Registry   *device.Registry
	States     *device.StateTable
	Translator *device.Translator
	Presence   device.Presence
}

// GRPCService 实现 DeviceServiceServer
type GRPCService struct {
	registry   *device.Registry
	states     *device.StateTable
	translator *device.Translator
	presence   device.Presence
}

func NewService(opts Options) *GRPCService {
	return &GRPCService{
		registry:   opts.Registry,
		states:     opts.States,
		translator: opts.Translator,
		presence:   opts.Presence,
	}
}

func (s *GRPCService) device(id, model string) *Device {
	d := &Device{ID: id, Model: model}
	if s.presence != nil {
		d.Connected = s.presence.IsConnected(id)
	}
	if rec, ok := s.states.Get(id); ok {
		d.Online = rec.Online
		d.Fields = rec.Fields
		d.UpdatedAt = rec.UpdatedAt
	}
	return d
}

func (s *GRPCService) ListDevices(context.Context, *ListDevicesRequest) (*ListDevicesResponse, error) {
	bindings := s.registry.Bindings()
	devices := make([]*Device, 0, len(bindings))
	for id, model := range bindings {
		devices = append(devices, s.device(id, model))
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return &ListDevicesResponse{Devices: devices}, nil
}

func (s *GRPCService) GetDevice(_ context.Context, req *GetDeviceRequest) (*Device, error) {
	model, ok := s.registry.ResolveModel(req.ID)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "unknown device %s", req.ID)
	}
	return s.device(req.ID, model), nil
}

func (s *GRPCService) SendCommand(ctx context.Context, req *SendCommandRequest) (*SendCommandResponse, error) {
	err := s.translator.Submit(ctx, device.Command{
		DeviceID:   req.DeviceID,
		Capability: req.Capability,
		Value:      req.Value,
	})
	if err != nil {
		return nil, commandStatus(err)
	}
	return &SendCommandResponse{Accepted: true}, nil
}

// WatchStates 推送状态变化，直到客户端取消或观察者因消费过慢被移除
func (s *GRPCService) WatchStates(req *WatchStatesRequest, stream DeviceService_WatchStatesServer) error {
	w := s.states.Watch("grpc-"+uuid.NewString(), watchBuffer)
	defer w.Close()
	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case change, ok := <-w.C:
			if !ok {
				return status.Error(codes.ResourceExhausted, "state stream consumer too slow")
			}
			if req.DeviceID != "" && change.DeviceID != req.DeviceID {
				continue
			}
			if err := stream.Send(&change); err != nil {
				return err
			}
		}
	}
}

// commandStatus 把命令错误映射为 gRPC 状态码
func commandStatus(err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, device.ErrUnknownDevice):
		code = codes.NotFound
	case errors.Is(err, device.ErrUnsupportedCapability), errors.Is(err, device.ErrInvalidValue):
		code = codes.InvalidArgument
	case errors.Is(err, device.ErrNotWritable):
		code = codes.PermissionDenied
	case errors.Is(err, device.ErrDeviceOffline):
		code = codes.Unavailable
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	return status.Error(code, err.Error())
}

func loggingInterceptor(ctx context.Context, req any, info *grpclib.UnaryServerInfo, handler grpclib.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	logger.DebugF("gRPC %s %s (%s)", info.FullMethod, status.Code(err), time.Since(start))
	return resp, err
}

// Server 管理 gRPC 监听的生命周期
type Server struct {
	cfg     config.GRPCConfig
	service *GRPCService
	server  *grpclib.Server
}

func New(opts Options) *Server {
	s := &Server{
		cfg:     opts.Config,
		service: NewService(opts),
		server:  grpclib.NewServer(grpclib.ChainUnaryInterceptor(loggingInterceptor)),
	}
	RegisterDeviceServiceServer(s.server, s.service)
	return s
}

func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go s.Serve(ln)
	logger.InfoF("gRPC server listening on %s", addr)
	return nil
}

func (s *Server) Serve(ln net.Listener) {
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, grpclib.ErrServerStopped) {
		logger.ErrorF("gRPC server stopped, details: %v", err)
	}
}

// Invoke 优雅停止，超时后强制关闭所有流
func (s *Server) Invoke(ctx context.Context) error {
	logger.InfoF("Shutting down gRPC server")
	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.server.Stop()
		return ctx.Err()
	}
}
