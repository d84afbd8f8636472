// Package server 接收设备连接，可选地完成 TLS 握手后交给会话管理器
package server

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/arrudagates/ponder/internal/logger"
	"github.com/arrudagates/ponder/internal/metrics"
	"github.com/arrudagates/ponder/internal/session"
)

const maxAcceptBackoff = time.Second

// Handler 处理一个已建立的连接直到结束，返回前必须关闭连接
type Handler interface {
	Serve(ctx context.Context, conn net.Conn, info session.ConnInfo)
}

type ListenerOptions struct {
	Name    string
	Address string

	// Terminator 为空时是明文监听
	Terminator *Terminator
	Handler    Handler

	// Sem 限制同时处理的连接数，多个监听共享同一个通道
	Sem     chan struct{}
	Metrics *metrics.Metrics
}

type Listener struct {
	name       string
	address    string
	terminator *Terminator
	handler    Handler
	sem        chan struct{}
	metrics    *metrics.Metrics

	ln     net.Listener
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSemaphore 创建所有监听共享的连接数上限
func NewSemaphore(maxConnections int) chan struct{} {
	return make(chan struct{}, maxConnections)
}

func NewListener(opts ListenerOptions) *Listener {
	if opts.Sem == nil {
		opts.Sem = NewSemaphore(10000)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{
		name:       opts.Name,
		address:    opts.Address,
		terminator: opts.Terminator,
		handler:    opts.Handler,
		sem:        opts.Sem,
		metrics:    opts.Metrics,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

func (l *Listener) Start() error {
	ln, err := net.Listen("tcp", l.address)
	if err != nil {
		return err
	}
	l.Serve(ln)
	return nil
}

// Serve 在已有的 net.Listener 上开始接收连接，立即返回
func (l *Listener) Serve(ln net.Listener) {
	l.ln = ln
	logger.InfoF("%s listener listening on %s", l.name, ln.Addr())
	go l.acceptLoop()
}

func (l *Listener) Addr() net.Addr {
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

func (l *Listener) acceptLoop() {
	defer close(l.done)
	var backoff time.Duration
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if isNetClosedError(err) || l.ctx.Err() != nil {
				return
			}
			// 临时错误（如文件描述符耗尽）退避后重试
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > maxAcceptBackoff {
				backoff = maxAcceptBackoff
			}
			logger.ErrorF("Accept connection error: %v, retrying in %s", err, backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		select {
		case l.sem <- struct{}{}:
		default:
			logger.WarnF("Connection limit reached, rejecting %s", conn.RemoteAddr())
			closeConn(conn, conn.RemoteAddr().String())
			continue
		}

		logger.DebugF("Accepted new connection from %s on %s", conn.RemoteAddr(), l.name)
		go func(c net.Conn) {
			defer func() { <-l.sem }()
			l.handle(c)
		}(conn)
	}
}

func (l *Listener) handle(conn net.Conn) {
	l.metrics.ConnectionOpened(l.name)
	defer l.metrics.ConnectionClosed()

	info := session.ConnInfo{Listener: l.name, RemoteAddr: conn.RemoteAddr().String()}
	if l.terminator != nil {
		sc, err := l.terminator.Accept(l.ctx, conn)
		if err != nil {
			var herr *HandshakeError
			if errors.As(err, &herr) && herr.Reason == ReasonClosed {
				logger.DebugF("[%s] %v", info.RemoteAddr, err)
			} else {
				logger.WarnF("[%s] %v", info.RemoteAddr, err)
			}
			return
		}
		logger.DebugF("[%s] TLS established, %s %s", sc.Remote, sc.TLSVersion, sc.CipherSuite)
		info.CipherSuite = sc.CipherSuite
		info.TLSVersion = sc.TLSVersion
		conn = sc
	}
	l.handler.Serve(l.ctx, conn, info)
}

// Invoke 停止接收新连接并中断正在进行的握手，已建立的会话由会话管理器关闭
func (l *Listener) Invoke(ctx context.Context) error {
	logger.InfoF("Stopping %s listener", l.name)
	l.cancel()
	if l.ln == nil {
		return nil
	}
	if err := l.ln.Close(); err != nil && !isNetClosedError(err) {
		return err
	}
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
