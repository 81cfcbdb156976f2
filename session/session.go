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

package session

import (
	"bytes"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/packetd/h2mux/common"
	"github.com/packetd/h2mux/internal/h1msg"
	"github.com/packetd/h2mux/internal/h2bridge"
	"github.com/packetd/h2mux/internal/netpoll"
	"github.com/packetd/h2mux/internal/racc"
	"github.com/packetd/h2mux/internal/wbuf"
)

// Role 会话扮演的角色
type Role uint8

const (
	RoleServer Role = iota
	RoleClient
)

// Protocol 会话当前生效的协议版本
type Protocol uint8

const (
	ProtoH1 Protocol = iota
	ProtoH2
)

// TermState 会话的终止状态机 (§4.6)
type TermState uint8

const (
	StateLive TermState = iota
	StateWaitRsp
	StateImmediate
)

// CloseReason 会话关闭原因枚举 (§7)
type CloseReason uint8

const (
	CloseNone CloseReason = iota
	CloseSocketError
	CloseSocketEOF
	CloseTLSError
	CloseH2CodecError
	CloseH2CodecEnd
	CloseHTTPEnd
	CloseHTTPError
	CloseByTerminate
)

func (r CloseReason) String() string {
	switch r {
	case CloseNone:
		return "none"
	case CloseSocketError:
		return "socket-error"
	case CloseSocketEOF:
		return "socket-eof"
	case CloseTLSError:
		return "tls-error"
	case CloseH2CodecError:
		return "h2-codec-error"
	case CloseH2CodecEnd:
		return "h2-codec-end"
	case CloseHTTPEnd:
		return "http-end"
	case CloseHTTPError:
		return "http-error"
	case CloseByTerminate:
		return "by-terminate"
	default:
		return "unknown"
	}
}

// Handler 是 Session 向上报告请求/响应到达的回调集合
type Handler struct {
	// OnRequest 服务端角色: 收到一条完整请求
	OnRequest func(s *Session, st *Stream)

	// OnResponse 客户端角色: 收到一条完整响应
	OnResponse func(s *Session, st *Stream)
}

// ContextHandle 是 Session 对其 Context 的回望接口 避免 session 包反向依赖 engine 包
type ContextHandle interface {
	TerminatingLocked() bool
}

// PeerHandle 是 Session 对其 Peer 的回望接口 避免 session 包反向依赖 peer 包
type PeerHandle interface {
	SessFreeCB(s *Session)
}

// Session 一条连接上的协议无关状态机
//
// 单线程协作模型下不需要任何内部同步: 所有方法只会被 EventLoop 在同一个 goroutine 中调用
type Session struct {
	conn net.Conn
	fd   int
	tls  bool

	role  Role
	proto Protocol

	wb  *wbuf.WriteBuffer
	acc *racc.Accumulator

	h1p *h1msg.Parser
	h2c *h2bridge.Codec

	streamHead Stream // 哨兵节点 不代表真实 stream
	streamTail *Stream
	sending    *Stream // H1.1 客户端: strm_sending 游标

	ReqCnt, RspCnt, RspRstCnt, StrmCloseCnt uint64

	Term        TermState
	sendPending bool
	CloseReason CloseReason

	Begin time.Time

	Ctx  ContextHandle
	Peer PeerHandle

	handler Handler

	// ConnID 是这条会话的关联标识 仅用于跨日志行把同一条连接的事件串起来
	ConnID string

	h2SettingsOverride *h2bridge.Settings

	recvBuf [common.H2RecvBufSize]byte
}

// Option 定制 Session 的构造行为
type Option func(*Session)

// WithH2Settings 为 H2 会话的建链 SETTINGS 帧提供显式覆盖值 取代 h2bridge 的内置默认值
//
// 典型来源是 h2bridge.DecodeH2Settings 解码出的动态配置重载结果
func WithH2Settings(s h2bridge.Settings) Option {
	return func(sess *Session) { sess.h2SettingsOverride = &s }
}

// New 创建一条新 Session conn 必须已经处于非阻塞模式 (参见 internal/netpoll)
func New(conn net.Conn, fd int, role Role, proto Protocol, tls bool, h Handler, opts ...Option) *Session {
	s := &Session{
		conn:    conn,
		fd:      fd,
		tls:     tls,
		role:    role,
		proto:   proto,
		wb:      wbuf.New(common.H2SendMergeBufSize),
		acc:     racc.New(),
		handler: h,
		Begin:   time.Now(),
		ConnID:  uuid.New().String(),
	}
	s.streamTail = &s.streamHead
	for _, opt := range opts {
		opt(s)
	}

	if proto == ProtoH2 {
		h2Role := h2bridge.RoleServer
		if role == RoleClient {
			h2Role = h2bridge.RoleClient
		}
		s.h2c = h2bridge.New(h2Role, tls, h2bridge.Callbacks{
			OnMessage: s.onMessage,
			OnGoAway:  s.onGoAway,
		})
		if s.h2SettingsOverride != nil {
			s.h2c.OpenWithSettings(*s.h2SettingsOverride)
		} else {
			s.h2c.Open()
		}
		s.sendPending = true
	} else {
		h1Role := h1msg.RoleServer
		if role == RoleClient {
			h1Role = h1msg.RoleClient
		}
		s.h1p = h1msg.New(h1Role, tls)
	}

	return s
}

// FD 返回裸文件描述符 供 EventLoop 注册 readiness
func (s *Session) FD() int { return s.fd }

// Proto 返回协商后的协议版本
func (s *Session) Proto() Protocol { return s.proto }

// SendPending 返回 send_pending 标记 决定 EventLoop 是否需要关注可写事件
func (s *Session) SendPending() bool { return s.sendPending }

// ReadyToSend 仅对 H2 会话有意义: 对端是否已经 ACK 了本端的 SETTINGS (H1.1 会话恒为 true)
func (s *Session) ReadyToSend() bool {
	if s.h2c == nil {
		return true
	}
	return s.h2c.ReadyToSend()
}

// appendStream 把 st 追加到 stream 链表尾部
func (s *Session) appendStream(st *Stream) {
	s.streamTail.next = st
	s.streamTail = st
	if s.role == RoleClient && s.sending == nil {
		s.sending = st
	}
}

// removeHeadStream 把链表当前的 head stream 摘除 链表为空时无操作
func (s *Session) removeHeadStream() {
	st := s.streamHead.next
	if st == nil {
		return
	}
	s.streamHead.next = st.next
	if s.streamTail == st {
		s.streamTail = &s.streamHead
	}
	if s.sending == st {
		s.sending = st.next
	}
}

// popOldestStream 弹出并返回链表中最早提交的 stream (客户端收到响应时配对用)
func (s *Session) popOldestStream() *Stream {
	st := s.streamHead.next
	if st == nil {
		return nil
	}
	s.removeHeadStream()
	return st
}

// newStream 为一次新到达的消息分配 Stream 并按协议规则推导 stream-id
func (s *Session) newStream(h2StreamID uint32) *Stream {
	id := h2StreamID
	if s.proto == ProtoH1 {
		id = 2*uint32(s.ReqCnt) + 1
	}
	return &Stream{id: id}
}

// Respond 服务端角色: 为 st 设置响应并标记其出站 body 可以开始发送
//
// H2 下响应头 (HPACK 编码) 与 body 由 Codec 编码为 HEADERS+DATA 帧直接进入其发送队列 Stream 随即从链表摘除
// H1.1 没有独立的帧层 status-line+headers+body 被一次性序列化为 Stream 的出站字节
func (s *Session) Respond(st *Stream, resp *http.Response, body []byte) {
	st.resp = resp
	st.responseSet = true
	s.sendPending = true

	if s.proto == ProtoH2 {
		st.SetOutboundBody(body)
		status := resp.StatusCode
		s.h2c.SendResponse(st.id, status, resp.Header, body)
		s.removeStreamByID(st.id)
		return
	}

	st.SetOutboundBody(serializeH1Response(resp, body))
}

// SubmitRequest 客户端角色: 提交一条新请求 返回创建的 Stream
func (s *Session) SubmitRequest(req *http.Request, body []byte) *Stream {
	var id uint32
	var wire []byte
	if s.proto == ProtoH2 {
		id = s.nextClientStreamID()
		scheme := req.URL.Scheme
		if scheme == "" {
			scheme = "http"
			if s.tls {
				scheme = "https"
			}
		}
		s.h2c.SendRequest(id, req.Method, scheme, req.Host, req.URL.RequestURI(), req.Header, body)
		wire = body
	} else {
		wire = serializeH1Request(req, body)
	}

	st := &Stream{id: id, req: req}
	st.SetOutboundBody(wire)
	s.appendStream(st)
	s.ReqCnt++
	s.sendPending = true
	return st
}

// serializeH1Response 把一个响应序列化为完整的 HTTP/1.1 status-line+headers+body 字节序列
//
// 复用 net/http.Response.Write 而不是手写拼接: 它已经处理了规范的 header 大小写与
// Content-Length/Transfer-Encoding 的取舍
func serializeH1Response(resp *http.Response, body []byte) []byte {
	resp.ProtoMajor = 1
	resp.ProtoMinor = 1
	resp.ContentLength = int64(len(body))
	resp.Body = io.NopCloser(bytes.NewReader(body))
	var buf bytes.Buffer
	_ = resp.Write(&buf)
	return buf.Bytes()
}

// serializeH1Request 把一个请求序列化为完整的 HTTP/1.1 request-line+headers+body 字节序列
func serializeH1Request(req *http.Request, body []byte) []byte {
	req.ContentLength = int64(len(body))
	req.Body = io.NopCloser(bytes.NewReader(body))
	var buf bytes.Buffer
	_ = req.Write(&buf)
	return buf.Bytes()
}

// nextClientStreamID H2 客户端发起的 stream-id 恒为奇数递增
func (s *Session) nextClientStreamID() uint32 {
	return uint32(2*s.ReqCnt + 1)
}

// removeStreamByID 把 id 对应的 Stream 从链表中摘除 找不到时无操作
func (s *Session) removeStreamByID(id uint32) *Stream {
	prev := &s.streamHead
	for cur := s.streamHead.next; cur != nil; cur = cur.next {
		if cur.id == id {
			prev.next = cur.next
			if s.streamTail == cur {
				s.streamTail = prev
			}
			if s.sending == cur {
				s.sending = cur.next
			}
			return cur
		}
		prev = cur
	}
	return nil
}

// onMessage 是 h1msg.Parser 与 h2bridge.Codec 共用的消息到达回调
func (s *Session) onMessage(msg *h1msg.Message) {
	if s.role == RoleServer {
		st := s.newStream(msg.StreamID)
		st.req = msg.Request
		s.appendStream(st)
		s.ReqCnt++
		if s.handler.OnRequest != nil {
			s.handler.OnRequest(s, st)
		}
		return
	}

	// H2 的响应按显式 stream-id 配对 可能乱序完成; H1.1 没有多路复用 id 只能假定 FIFO
	var st *Stream
	if s.proto == ProtoH2 {
		st = s.removeStreamByID(msg.StreamID)
	} else {
		st = s.popOldestStream()
	}
	if st == nil {
		return // 协议违例: 收到了没有对应请求的响应 丢弃而不崩溃
	}
	st.resp = msg.Response
	s.RspCnt++
	s.StrmCloseCnt++
	if s.handler.OnResponse != nil {
		s.handler.OnResponse(s, st)
	}
	if st.FreeCB != nil {
		st.FreeCB(st)
	}
}

func (s *Session) onGoAway() {
	if s.Term == StateLive {
		s.Term = StateWaitRsp
	}
}

// Recv 从 transport 读取一次 返回值含义: >0 读到的字节数 0 暂不可读 <0 需要 reap
func (s *Session) Recv() int {
	n, err := netpoll.RawRead(s.fd, s.recvBuf[:])
	if err != nil {
		if netpoll.IsWouldBlock(err) {
			return 0
		}
		if err == netpoll.ErrEOF {
			s.CloseReason = CloseSocketEOF
		} else {
			s.CloseReason = CloseSocketError
		}
		return -1
	}

	s.acc.Append(s.recvBuf[:n])

	var feedErr error
	if s.proto == ProtoH2 {
		feedErr = s.h2c.Feed(s.acc)
		if feedErr != nil {
			s.CloseReason = CloseH2CodecError
		}
	} else {
		feedErr = s.h1p.Feed(s.acc, s.onMessage)
		if feedErr != nil {
			s.CloseReason = CloseHTTPError
		}
	}
	s.acc.ShrinkIfIdle()

	if feedErr != nil {
		return -1
	}
	return n
}

// transportWriter 把 *Session 包装为 wbuf.Writer
type transportWriter struct{ s *Session }

func (w transportWriter) Write(p []byte) (int, error) {
	return netpoll.RawWrite(w.s.fd, p)
}

// sendSource 返回当前应当被 WriteBuffer 拉取的数据来源
func (s *Session) sendSource() wbuf.Source {
	if s.proto == ProtoH2 {
		return s.h2c
	}
	return streamListSource{s}
}

// streamListSource 按 §4.1 的规则把 stream 链表适配为 wbuf.Source
//
// 服务端: 依次发送已经 Respond 过且尚未耗尽的 Stream 出站字节全部交给 WriteBuffer 后即从链表摘除
// 客户端: 沿着 sending 游标前进 跳过已耗尽的 Stream
type streamListSource struct{ s *Session }

func (src streamListSource) NextChunk() ([]byte, bool) {
	s := src.s
	if s.role == RoleServer {
		for {
			st := s.streamHead.next
			if st == nil || !st.responseSet {
				return nil, false
			}
			if chunk, ok := st.NextChunk(); ok {
				return chunk, true
			}
			s.removeHeadStream()
		}
	}

	for {
		st := s.sending
		if st == nil {
			return nil, false
		}
		if chunk, ok := st.NextChunk(); ok {
			return chunk, true
		}
		s.sending = st.next
	}
}

// Send 循环 pump+flush 直到没有正向进展为止 (§4.3)
func (s *Session) Send() int {
	total := 0
	src := s.sendSource()
	for {
		s.wb.Pump(src)
		n, err := s.wb.Flush(transportWriter{s})
		total += n
		if err != nil {
			s.CloseReason = CloseSocketError
			return -1
		}
		if n == 0 {
			break
		}
	}

	s.sendPending = s.wb.Pending()

	if s.proto == ProtoH2 && s.h2c.Closed() && s.wb.Empty() {
		s.CloseReason = CloseH2CodecEnd
	}
	return total
}

// WantsRead 当前是否还对可读事件感兴趣 (两种协议恒为 true 直到关闭)
func (s *Session) WantsRead() bool {
	return s.Term != StateImmediate
}

// Terminate 实现 §4.6 描述的三态终止规则
func (s *Session) Terminate(waitRsp bool) {
	if waitRsp && s.ReqCnt > s.RspCnt {
		s.Term = StateWaitRsp
		if s.proto == ProtoH2 {
			s.h2c.GoAway(0, 0)
		} else {
			if tc, ok := s.conn.(interface{ CloseWrite() error }); ok {
				_ = tc.CloseWrite()
			}
		}
		return
	}

	s.Term = StateImmediate
	if s.proto == ProtoH2 {
		s.h2c.GoAway(0, 0)
	} else {
		_ = s.conn.Close()
	}
	s.CloseReason = CloseByTerminate
	s.sendPending = true
}

// Draining 返回会话是否仍在 wait_rsp 状态下等待未完成的响应
func (s *Session) Draining() bool {
	return s.Term == StateWaitRsp && s.ReqCnt > s.RspCnt
}

// Free 释放会话持有的底层资源 由 EventLoop 在 reap 时调用
func (s *Session) Free() {
	if s.h2c != nil {
		s.h2c.Release()
	}
	s.wb.Release()
	_ = s.conn.Close()
	if s.Peer != nil {
		s.Peer.SessFreeCB(s)
	}
}
