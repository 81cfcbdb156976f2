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

// Package peer 实现客户端侧的会话池 (§4.5)
//
// 一个 Peer 面向单个 authority 维护固定容量的 N 条会话 以轮询方式分发请求
// 并在会话失效或达到轮转阈值时自动补位
package peer

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/net/idna"

	"github.com/packetd/h2mux/common"
	"github.com/packetd/h2mux/internal/h2bridge"
	"github.com/packetd/h2mux/internal/netpoll"
	"github.com/packetd/h2mux/loop"
	"github.com/packetd/h2mux/session"
)

// ErrNoActiveSession 表示轮询了一整圈也没有找到可用的会话
var ErrNoActiveSession = errors.New("peer: no active session")

// Dialer 建立一条到 authority 的 net.Conn 供 Peer 在 connect/重连时复用
type Dialer func(authority string) (net.Conn, error)

func defaultDialer(authority string) (net.Conn, error) {
	return net.DialTimeout("tcp", authority, 5*time.Second)
}

// normalizeAuthority 把 authority 的 host 部分规整为 IDNA ASCII 形式 (A-label)
//
// 解析失败 (例如 authority 本身不是合法的 host:port) 时原样返回 交给拨号器自行报错
func normalizeAuthority(authority string) string {
	host, port, err := net.SplitHostPort(authority)
	if err != nil {
		return authority
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return authority
	}
	return net.JoinHostPort(ascii, port)
}

// Peer 是面向单个 authority 的客户端会话池
type Peer struct {
	authority string
	tlsConf   *tls.Config
	forceH2   bool
	threshold uint64 // req_thr_for_reconn 0 表示禁用轮转

	dialer        Dialer
	dialerCustom  bool
	loop          *loop.EventLoop
	handler       session.Handler
	log           *zap.Logger
	Settings      common.Options // §3 "copy of desired settings": opaque per-authority tuning knobs
	h2Settings    *h2bridge.Settings // Settings["h2Settings"] 解码后的 H2 SETTINGS 覆盖值 nil 表示沿用内置默认值

	ctx session.ContextHandle

	sess       []*session.Session
	actSess    []bool
	actSessNum int
	nextIdx    int

	// ReqCnt 等为累计计数器: 会话死亡时 sess_free_cb 把其计数折叠进来 而不是丢弃
	ReqCnt, RspCnt, RspRstCnt, StrmCloseCnt uint64

	Begin, End time.Time

	terminating bool
}

// Option 定制 Peer 的连接行为
type Option func(*Peer)

// WithTLS 为 Peer 的所有会话启用 TLS
func WithTLS(conf *tls.Config) Option {
	return func(p *Peer) { p.tlsConf = conf }
}

// WithForceH2 在明文连接上直接假定对端支持 H2 (没有 ALPN 可用时的退路)
func WithForceH2() Option {
	return func(p *Peer) { p.forceH2 = true }
}

// WithDialer 替换默认的 net.DialTimeout 拨号器 用于测试或自定义传输
func WithDialer(d Dialer) Option {
	return func(p *Peer) {
		p.dialer = d
		p.dialerCustom = true
	}
}

// WithLogger 附加日志
func WithLogger(log *zap.Logger) Option {
	return func(p *Peer) { p.log = log }
}

// WithSettings 附加一份不透明的按-authority 调优参数 (§3 "copy of desired settings")
//
// 被直接消费的键: dialTimeoutMs (覆盖默认的 5s 拨号超时) h2Settings (一份
// map[string]any 经 h2bridge.DecodeH2Settings 解码为本端建链时的 SETTINGS 覆盖值)
// 其余键留给调用方自行约定用途
func WithSettings(s common.Options) Option {
	return func(p *Peer) { p.Settings = s }
}

// Connect 实现 §4.5 的 connect(N, threshold): 尝试建立 n 条会话
//
// 至少有一条会话建立成功时返回 Peer 否则返回错误 (调用方无需再手动释放)
func Connect(ctx session.ContextHandle, lp *loop.EventLoop, authority string, n int, threshold uint64, handler session.Handler, opts ...Option) (*Peer, error) {
	authority = normalizeAuthority(authority)

	p := &Peer{
		authority: authority,
		threshold: threshold,
		dialer:    defaultDialer,
		loop:      lp,
		handler:   handler,
		ctx:       ctx,
		sess:      make([]*session.Session, n),
		actSess:   make([]bool, n),
		Begin:     time.Now(),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.threshold != 0 && n == 1 {
		// 轮转一条独苗会话没有意义 只会制造无谓的重连抖动
		p.threshold = 0
		if p.log != nil {
			p.log.Warn("peer: ignoring rotation threshold for single-session peer", zap.String("authority", authority))
		}
	}

	// Settings 中显式给出的拨号超时覆盖默认值 但不会覆盖调用方用 WithDialer 显式指定的拨号器
	if !p.dialerCustom && p.Settings != nil {
		if ms, err := p.Settings.GetInt("dialTimeoutMs"); err == nil && ms > 0 {
			timeout := time.Duration(ms) * time.Millisecond
			p.dialer = func(authority string) (net.Conn, error) {
				return net.DialTimeout("tcp", authority, timeout)
			}
		}
	}

	if p.Settings != nil {
		if raw, err := p.Settings.GetMap("h2Settings"); err == nil && raw != nil {
			s, err := h2bridge.DecodeH2Settings(raw)
			if err != nil {
				return nil, errors.Wrap(err, "peer: decode h2Settings override failed")
			}
			p.h2Settings = &s
		}
	}

	var errs error
	for i := 0; i < n; i++ {
		if err := p.fillSlot(i); err != nil {
			errs = multierror.Append(errs, errors.Wrapf(err, "slot %d", i))
			continue
		}
	}

	if p.actSessNum == 0 {
		return nil, errors.Wrapf(errs, "peer: all %d slots failed to connect to %s", n, authority)
	}
	return p, nil
}

// fillSlot 拨号并把新建立的会话放进 idx 对应的槽位
func (p *Peer) fillSlot(idx int) error {
	conn, err := p.dialer(p.authority)
	if err != nil {
		return errors.Wrap(err, "dial failed")
	}

	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		_ = conn.Close()
		return errors.New("dialer did not return a *net.TCPConn")
	}

	fd, err := netpoll.TCPConnFD(tcpConn)
	if err != nil {
		_ = conn.Close()
		return errors.Wrap(err, "prepare dialed fd failed")
	}

	proto := session.ProtoH1
	var finalConn net.Conn = conn
	isTLS := p.tlsConf != nil

	if isTLS {
		tlsConn := tls.Client(conn, p.tlsConf)
		// 与 listener.Accept 对称: 握手是本设计中唯一允许的阻塞调用 (§5)
		if err := tlsConn.Handshake(); err != nil {
			_ = conn.Close()
			return errors.Wrap(err, "tls handshake failed")
		}
		finalConn = tlsConn
		if tlsConn.ConnectionState().NegotiatedProtocol == "h2" {
			proto = session.ProtoH2
		}
	} else if p.forceH2 {
		proto = session.ProtoH2
	}

	var sessOpts []session.Option
	if p.h2Settings != nil {
		sessOpts = append(sessOpts, session.WithH2Settings(*p.h2Settings))
	}
	sess := session.New(finalConn, fd, session.RoleClient, proto, isTLS, p.handler, sessOpts...)
	sess.Peer = p

	if err := p.loop.AddSession(sess); err != nil {
		_ = finalConn.Close()
		return errors.Wrap(err, "register dialed session failed")
	}

	if p.log != nil {
		p.log.Debug("dialed session", zap.String("conn_id", sess.ConnID), zap.String("authority", p.authority), zap.Int("slot", idx))
	}

	p.sess[idx] = sess
	p.actSess[idx] = true
	p.actSessNum++
	return nil
}

// deactivateSlot 使 idx 对应的槽位不再参与轮询 直到它被重新填充
func (p *Peer) deactivateSlot(idx int) {
	if !p.actSess[idx] {
		return
	}
	p.actSess[idx] = false
	p.actSessNum--
}

// SendRequest 实现 §4.5 的 send_request: 从 next_sess_idx 起最多扫描 N 个槽位
//
// 命中达到轮转阈值且仍有冗余的槽位时 该会话被标记 wait_rsp 终止 扫描继续寻找下一个可用槽位
// 轮询游标无论成功与否都会前移 以免某个长期失效的槽位卡住整个 Peer 的分发
func (p *Peer) SendRequest(req *http.Request, body []byte) (*session.Stream, error) {
	n := len(p.sess)
	if n == 0 {
		return nil, ErrNoActiveSession
	}

	for i := 0; i < n; i++ {
		idx := (p.nextIdx + i) % n
		if !p.actSess[idx] {
			continue
		}

		sess := p.sess[idx]
		if p.threshold > 0 && sess.ReqCnt >= p.threshold && p.actSessNum >= n {
			p.deactivateSlot(idx)
			sess.Terminate(true)
			continue
		}

		p.nextIdx = (idx + 1) % n
		return sess.SubmitRequest(req, body), nil
	}

	p.nextIdx = (p.nextIdx + 1) % n
	return nil, ErrNoActiveSession
}

// SendRequestAffinity 按 key 的 xxhash 选出一个活跃槽位 为同一 key 的请求提供粘性路由
//
// 补充轮询之外的路由手段: 适合希望同一逻辑会话 (如同一用户) 尽量落在同一条物理连接上的场景
// 没有活跃槽位时退化为 SendRequest 的轮询语义
func (p *Peer) SendRequestAffinity(key string, req *http.Request, body []byte) (*session.Stream, error) {
	n := len(p.sess)
	if n == 0 || p.actSessNum == 0 {
		return p.SendRequest(req, body)
	}

	h := xxhash.Sum64String(key)
	target := int(h % uint64(p.actSessNum))

	seen := 0
	for idx := 0; idx < n; idx++ {
		if !p.actSess[idx] {
			continue
		}
		if seen == target {
			sess := p.sess[idx]
			if p.threshold > 0 && sess.ReqCnt >= p.threshold && p.actSessNum >= n {
				p.deactivateSlot(idx)
				sess.Terminate(true)
				return p.SendRequestAffinity(key, req, body)
			}
			return sess.SubmitRequest(req, body), nil
		}
		seen++
	}
	return nil, ErrNoActiveSession
}

// SessFreeCB 实现 session.PeerHandle: 一条会话被 EventLoop 回收时调用
//
// 折叠计数器 释放槽位 并在 Peer 与 Context 都未处于终止过程中时立即尝试补位
func (p *Peer) SessFreeCB(sess *session.Session) {
	for idx, s := range p.sess {
		if s != sess {
			continue
		}

		p.ReqCnt += sess.ReqCnt
		p.RspCnt += sess.RspCnt
		p.RspRstCnt += sess.RspRstCnt
		p.StrmCloseCnt += sess.StrmCloseCnt

		p.deactivateSlot(idx)
		p.sess[idx] = nil

		if p.terminating || (p.ctx != nil && p.ctx.TerminatingLocked()) {
			return
		}

		if err := p.fillSlot(idx); err != nil && p.log != nil {
			p.log.Warn("peer: reconnect failed", zap.String("authority", p.authority), zap.Int("slot", idx), zap.Error(err))
		}
		return
	}
}

// Terminate 实现 §4.5 的 terminate(wait_rsp): 停用所有槽位并终止每一条会话
//
// Peer 本身不会被立即释放 各会话会在排干后通过 SessFreeCB 逐个报告
func (p *Peer) Terminate(waitRsp bool) {
	p.terminating = true
	p.End = time.Now()

	for idx, s := range p.sess {
		if !p.actSess[idx] || s == nil {
			continue
		}
		p.deactivateSlot(idx)
		s.Terminate(waitRsp)
	}
}

// ActiveCount 返回当前活跃槽位数 (act_sess_num)
func (p *Peer) ActiveCount() int { return p.actSessNum }

// IsTerminating 返回 Peer 是否已经进入终止流程
func (p *Peer) IsTerminating() bool { return p.terminating }
