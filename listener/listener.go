// Copyright 2025 The packetd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package listener 实现了接受新连接并完成协议协商的逻辑
//
// 每次 readiness 唤醒只 accept 一条连接 避免某个 Listener 在高并发下饿死其他 fd
package listener

import (
	"crypto/tls"
	"net"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/packetd/h2mux/internal/netpoll"
	"github.com/packetd/h2mux/session"
)

// AcceptCallback 在连接被 accept 之后调用 用于返回这条连接专属的 TLS 配置/协议偏好/回调
//
// 返回的 tlsConf 为 nil 表示明文连接 forceH2 仅在明文场景下生效
type AcceptCallback func(conn net.Conn) (tlsConf *tls.Config, forceH2 bool, handler session.Handler)

// Listener 监听一个地址 并把新连接转交给上层
type Listener struct {
	ln       net.Listener
	fd       int
	accept   AcceptCallback
	log      *zap.Logger
	strictH2 bool // 仅接受协商出 h2 的连接 ALPN 缺失时拒绝
}

// Option 定制 Listener 行为
type Option func(*Listener)

// WithStrictH2 要求 TLS 连接必须协商出 h2 否则拒绝
func WithStrictH2() Option {
	return func(l *Listener) { l.strictH2 = true }
}

// New 在 addr 上通过 net.Listen 创建一个监听套接字 并在其上设置 SO_REUSEADDR
//
// listen 的 backlog 由 Go 运行时决定 (取系统的 somaxconn) 不是固定的 1024
func New(addr string, accept AcceptCallback, log *zap.Logger, opts ...Option) (*Listener, error) {
	tcpLn, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s failed", addr)
	}

	fd, err := netpoll.FD(tcpLn.(*net.TCPListener))
	if err != nil {
		_ = tcpLn.Close()
		return nil, errors.Wrap(err, "extract listener fd failed")
	}
	if err := netpoll.SetReuseAddr(fd); err != nil {
		_ = tcpLn.Close()
		return nil, errors.Wrap(err, "SO_REUSEADDR failed")
	}

	l := &Listener{ln: tcpLn, fd: fd, accept: accept, log: log}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// FD 返回裸文件描述符 供 EventLoop 注册可读事件
func (l *Listener) FD() int { return l.fd }

// Close 关闭监听套接字
func (l *Listener) Close() error { return l.ln.Close() }

// Accept 在 readiness 触发后调用 accept 一条连接并完成协议协商
//
// 返回的 Session 为 nil 且 err 非 nil 时 调用方应记录日志但不应终止 Listener 本身
// (accept 失败通常是瞬时性的: 对端提前关闭半打开连接等)
func (l *Listener) Accept() (*session.Session, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, errors.Wrap(err, "accept failed")
	}

	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		_ = conn.Close()
		return nil, errors.New("accepted non-tcp connection")
	}

	fd, err := netpoll.TCPConnFD(tcpConn)
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "prepare accepted fd failed")
	}

	tlsConf, forceH2, handler := l.accept(conn)

	proto := session.ProtoH1
	var finalConn net.Conn = conn
	isTLS := tlsConf != nil

	if isTLS {
		tlsConn := tls.Server(conn, tlsConf)
		// TLS 握手是本设计中唯一允许的阻塞调用 (§5) accept 路径本就预期短暂阻塞
		if err := tlsConn.Handshake(); err != nil {
			_ = conn.Close()
			return nil, errors.Wrap(err, "tls handshake failed")
		}
		finalConn = tlsConn

		switch tlsConn.ConnectionState().NegotiatedProtocol {
		case "h2":
			proto = session.ProtoH2
		case "":
			if l.strictH2 {
				_ = tlsConn.Close()
				return nil, errors.New("peer did not negotiate h2 under strict mode")
			}
			proto = session.ProtoH1
		default:
			proto = session.ProtoH1
		}
	} else if forceH2 {
		proto = session.ProtoH2
	}

	sess := session.New(finalConn, fd, session.RoleServer, proto, isTLS, handler)
	if l.log != nil {
		l.log.Debug("accepted session", zap.String("conn_id", sess.ConnID), zap.Int("fd", fd))
	}
	return sess, nil
}
