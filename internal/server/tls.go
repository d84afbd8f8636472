package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/arrudagates/ponder/internal/config"
	"github.com/arrudagates/ponder/internal/metrics"
	"github.com/arrudagates/ponder/internal/utils"
)

const defaultHandshakeTimeout = 30 * time.Second

var (
	ErrUnknownCipherSuite = errors.New("unknown cipher suite")
	ErrUnknownTLSVersion  = errors.New("unknown tls version")
	// Go 不支持单独限制 TLS 1.3 套件，白名单只能全选或全不选
	ErrPartialTLS13Suites = errors.New("tls 1.3 cipher suites must be listed all or none")
	ErrVersionRange       = errors.New("tls min_version is above max_version")
)

// HandshakeReason 是握手失败的分类，用作指标标签
type HandshakeReason string

const (
	ReasonTimeout     HandshakeReason = "timeout"
	ReasonVersion     HandshakeReason = "version"
	ReasonCipher      HandshakeReason = "cipher"
	ReasonCertificate HandshakeReason = "certificate"
	ReasonNotTLS      HandshakeReason = "not_tls"
	ReasonClosed      HandshakeReason = "closed"
	ReasonOther       HandshakeReason = "other"
)

type HandshakeError struct {
	RemoteAddr string
	Reason     HandshakeReason
	Err        error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("tls handshake with %s failed (%s): %v", e.RemoteAddr, e.Reason, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// SecureConn 是完成握手的连接，记录协商结果
type SecureConn struct {
	net.Conn
	Remote      string
	CipherSuite string
	TLSVersion  string
	CreatedAt   time.Time
}

// Terminator 在设备连接上完成 TLS 握手，协商结果不会超出配置的白名单
type Terminator struct {
	config  *tls.Config
	timeout time.Duration
	metrics *metrics.Metrics
}

func NewTerminator(cfg config.TLSConfig, m *metrics.Metrics) (*Terminator, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	tlsConfig, err := BuildTLSConfig(cfg, cert)
	if err != nil {
		return nil, err
	}
	if cfg.ClientCAFile != "" {
		pem, err := os.ReadFile(cfg.ClientCAFile)
		if err != nil {
			return nil, fmt.Errorf("read client ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificate found in %s", cfg.ClientCAFile)
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
		if cfg.RequireClientCert {
			tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		}
	}
	return newTerminator(tlsConfig, utils.ParseStringTimeOr(cfg.HandshakeTimeout, defaultHandshakeTimeout), m), nil
}

func newTerminator(tlsConfig *tls.Config, timeout time.Duration, m *metrics.Metrics) *Terminator {
	return &Terminator{config: tlsConfig, timeout: timeout, metrics: m}
}

// BuildTLSConfig 解析版本和套件白名单。白名单里没有 TLS 1.3 套件时最高版本被限制为 1.2。
func BuildTLSConfig(cfg config.TLSConfig, certs ...tls.Certificate) (*tls.Config, error) {
	minVersion, err := ParseVersion(cfg.MinVersion, tls.VersionTLS12)
	if err != nil {
		return nil, err
	}
	maxVersion, err := ParseVersion(cfg.MaxVersion, tls.VersionTLS13)
	if err != nil {
		return nil, err
	}
	suites, tls13, err := ResolveCipherSuites(cfg.CipherSuites)
	if err != nil {
		return nil, err
	}
	if !tls13 && maxVersion > tls.VersionTLS12 {
		maxVersion = tls.VersionTLS12
	}
	if len(suites) == 0 && maxVersion < tls.VersionTLS13 {
		return nil, errors.New("no cipher suite usable below tls 1.3")
	}
	if minVersion > maxVersion {
		return nil, fmt.Errorf("%w: %s > %s", ErrVersionRange, tls.VersionName(minVersion), tls.VersionName(maxVersion))
	}
	return &tls.Config{
		Certificates: certs,
		MinVersion:   minVersion,
		MaxVersion:   maxVersion,
		CipherSuites: suites,
	}, nil
}

// ParseVersion 接受 "1.2"、"TLS1.2"、"tls 1.2" 等写法
func ParseVersion(s string, fallback uint16) (uint16, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	v = strings.TrimSpace(strings.TrimPrefix(v, "tls"))
	v = strings.TrimPrefix(v, "v")
	switch v {
	case "":
		return fallback, nil
	case "1.0", "10":
		return tls.VersionTLS10, nil
	case "1.1", "11":
		return tls.VersionTLS11, nil
	case "1.2", "12":
		return tls.VersionTLS12, nil
	case "1.3", "13":
		return tls.VersionTLS13, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownTLSVersion, s)
}

// ResolveCipherSuites 把套件名解析为 ID。返回的 ID 只含 TLS 1.2 及以下的套件，
// tls13 表示白名单包含了全部 TLS 1.3 套件。
func ResolveCipherSuites(names []string) (ids []uint16, tls13 bool, err error) {
	known := make(map[string]*tls.CipherSuite)
	tls13Total := 0
	for _, list := range [][]*tls.CipherSuite{tls.CipherSuites(), tls.InsecureCipherSuites()} {
		for _, cs := range list {
			known[cs.Name] = cs
			if isTLS13Only(cs) {
				tls13Total++
			}
		}
	}

	seen := make(map[uint16]struct{})
	tls13Count := 0
	for _, name := range names {
		cs, ok := known[strings.ToUpper(strings.TrimSpace(name))]
		if !ok {
			return nil, false, fmt.Errorf("%w: %s", ErrUnknownCipherSuite, name)
		}
		if _, dup := seen[cs.ID]; dup {
			continue
		}
		seen[cs.ID] = struct{}{}
		if isTLS13Only(cs) {
			tls13Count++
			continue
		}
		ids = append(ids, cs.ID)
	}
	if tls13Count > 0 && tls13Count < tls13Total {
		return nil, false, ErrPartialTLS13Suites
	}
	return ids, tls13Count > 0, nil
}

func isTLS13Only(cs *tls.CipherSuite) bool {
	return len(cs.SupportedVersions) == 1 && cs.SupportedVersions[0] == tls.VersionTLS13
}

// Accept 完成握手。失败时关闭原始连接并返回 *HandshakeError，不重试。
func (t *Terminator) Accept(ctx context.Context, raw net.Conn) (*SecureConn, error) {
	remote := raw.RemoteAddr().String()
	conn := tls.Server(raw, t.config)

	hctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	start := time.Now()
	if err := conn.HandshakeContext(hctx); err != nil {
		_ = raw.Close()
		herr := &HandshakeError{RemoteAddr: remote, Reason: classifyHandshake(hctx, err), Err: err}
		t.metrics.HandshakeFailed(string(herr.Reason))
		return nil, herr
	}
	t.metrics.HandshakeCompleted(time.Since(start))

	state := conn.ConnectionState()
	return &SecureConn{
		Conn:        conn,
		Remote:      remote,
		CipherSuite: tls.CipherSuiteName(state.CipherSuite),
		TLSVersion:  tls.VersionName(state.Version),
		CreatedAt:   time.Now(),
	}, nil
}

func classifyHandshake(ctx context.Context, err error) HandshakeReason {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || os.IsTimeout(err) {
		return ReasonTimeout
	}
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return ReasonNotTLS
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return ReasonCertificate
	}
	if isNetClosedError(err) {
		return ReasonClosed
	}
	// crypto/tls 的本地告警没有导出的错误类型，只能按消息分类
	msg := err.Error()
	switch {
	case strings.Contains(msg, "EOF"), strings.Contains(msg, "connection reset"):
		return ReasonClosed
	case strings.Contains(msg, "version"):
		return ReasonVersion
	case strings.Contains(msg, "cipher"):
		return ReasonCipher
	case strings.Contains(msg, "certificate"):
		return ReasonCertificate
	}
	return ReasonOther
}
