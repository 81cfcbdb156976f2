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

package h2bridge

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	fasthttp2 "github.com/dgrr/http2"
	"github.com/pkg/errors"
	"golang.org/x/net/http2/hpack"

	"github.com/packetd/h2mux/internal/h1msg"
	"github.com/packetd/h2mux/internal/racc"
)

// Role 区分本端在这条连接上扮演客户端还是服务端
type Role uint8

const (
	RoleServer Role = iota
	RoleClient
)

// ErrMalformed 帧级别的协议错误 调用方应将 Session 标记为 close-reason http-error
var ErrMalformed = errors.New("h2bridge: malformed frame")

// Callbacks 是 Codec 向上层报告事件的回调集合 均在 Feed 调用栈内同步触发
type Callbacks struct {
	// OnMessage 一条完整的请求/响应到达 (headers + 可选 body 已就绪)
	OnMessage func(msg *h1msg.Message)

	// OnStreamReset 对端发送了 RST_STREAM
	OnStreamReset func(streamID uint32)

	// OnSettingsAcked 对端确认了本端发出的 SETTINGS 帧
	OnSettingsAcked func()

	// OnGoAway 对端发送了 GOAWAY 连接即将终止
	OnGoAway func()
}

// Codec 把 HTTP/2 的帧级别细节封装成 mem-send/mem-recv 两个方向
//
// Feed 对应 mem-recv: 从 Session 的 ReadAccumulator 中增量消费 解析出的事件通过 Callbacks 上报
// NextChunk 对应 mem-send: 实现 wbuf.Source 供 WriteBuffer 拉取待发送的帧字节
//
// 单个 Codec 实例只服务于一条连接 不支持并发调用 (与 Session 的单线程模型一致)
type Codec struct {
	role Role
	tls  bool
	cb   Callbacks

	prefaceSeen   bool
	settingsAcked bool // 对端是否已经 ACK 本端发出的首个 SETTINGS 帧
	closed        bool

	local  Settings
	remote Settings

	dec    *fasthttp2.HPACK
	enc    *hpack.Encoder
	encBuf bytes.Buffer

	streams map[uint32]*recvStream

	out []byte
}

// New 创建一个 Codec role 决定 Feed 期望看到的是客户端连接前言还是直接的帧序列
func New(role Role, tls bool, cb Callbacks) *Codec {
	c := &Codec{
		role:    role,
		tls:     tls,
		cb:      cb,
		dec:     fasthttp2.AcquireHPACK(),
		streams: make(map[uint32]*recvStream),
	}
	c.enc = hpack.NewEncoder(&c.encBuf)
	c.enc.SetMaxDynamicTableSize(0) // 仅使用静态表与字面量表示 避免维护跨帧一致的编码端动态表
	return c
}

// Release 归还 Codec 持有的池化资源 Session 终止时调用
func (c *Codec) Release() {
	c.dec.Reset()
	fasthttp2.ReleaseHPACK(c.dec)
	for _, st := range c.streams {
		st.release()
	}
	c.streams = nil
}

// Open 生成建链时必须立即发出的字节: 客户端是 连接前言+SETTINGS 服务端只有 SETTINGS
func (c *Codec) Open() {
	c.OpenWithSettings(defaultSettings())
}

// OpenWithSettings 与 Open 相同 但本端的 SETTINGS 取自 s 而不是内置默认值
//
// 供动态配置重载路径 (DecodeH2Settings) 在建链前就把覆盖值带入 SETTINGS 协商
func (c *Codec) OpenWithSettings(s Settings) {
	c.local = s
	if c.role == RoleClient {
		c.out = append(c.out, clientPreface...)
	}
	c.out = appendFrame(c.out, FrameSettings, 0, 0, encodeSettings(c.local))
}

// ReadyToSend 返回对端是否已经 ACK 了本端的首个 SETTINGS 帧
//
// 在收到 ACK 之前发送请求属于合法但不建议的行为 (RFC 7540 §3.5)
// Peer 的分发路径不检查此状态: 新拨号的 Session 在 SETTINGS 交换完成之前就会被投入轮转
func (c *Codec) ReadyToSend() bool {
	return c.settingsAcked
}

// Closed 返回是否已经收到 GOAWAY
func (c *Codec) Closed() bool {
	return c.closed
}

// NextChunk 实现 wbuf.Source 每次调用取走当前全部待发送字节
func (c *Codec) NextChunk() ([]byte, bool) {
	if len(c.out) == 0 {
		return nil, false
	}
	chunk := c.out
	c.out = nil
	return chunk, true
}

// Feed 从 acc 中解析出尽可能多的完整帧 每个事件通过 Callbacks 同步上报
func (c *Codec) Feed(acc *racc.Accumulator) error {
	for {
		if c.role == RoleServer && !c.prefaceSeen {
			if acc.Len() < len(clientPreface) {
				return nil
			}
			if !bytes.Equal(acc.Bytes()[:len(clientPreface)], clientPreface) {
				return errors.Wrap(ErrMalformed, "missing connection preface")
			}
			acc.Advance(len(clientPreface))
			c.prefaceSeen = true
			continue
		}

		if acc.Len() < frameHeaderLen {
			return nil
		}
		hdr := decodeFrameHeader(acc.Bytes()[:frameHeaderLen])
		if hdr.Length > maxFramePayload {
			return errors.Wrap(ErrMalformed, "frame too large")
		}

		total := frameHeaderLen + int(hdr.Length)
		if acc.Len() < total {
			return nil
		}

		payload := acc.Bytes()[frameHeaderLen:total]
		if err := c.dispatch(hdr, payload); err != nil {
			return err
		}
		acc.Advance(total)
	}
}

func (c *Codec) dispatch(hdr frameHeader, payload []byte) error {
	switch hdr.Type {
	case FrameSettings:
		return c.onSettings(hdr, payload)
	case FramePing:
		return c.onPing(hdr, payload)
	case FrameWindowUpdate:
		return nil // 不做真实的流量控制 仅按合法帧消费
	case FrameGoAway:
		c.closed = true
		if c.cb.OnGoAway != nil {
			c.cb.OnGoAway()
		}
		return nil
	case FrameRSTStream:
		if st, ok := c.streams[hdr.StreamID]; ok {
			st.release()
			delete(c.streams, hdr.StreamID)
		}
		if c.cb.OnStreamReset != nil {
			c.cb.OnStreamReset(hdr.StreamID)
		}
		return nil
	case FrameHeaders:
		return c.onHeaders(hdr, payload)
	case FrameContinuation:
		return c.onContinuation(hdr, payload)
	case FrameData:
		return c.onData(hdr, payload)
	case FramePriority, FramePushPromise:
		return nil // 优先级与服务端推送均不在支持范围内 按 RFC 允许忽略
	default:
		return nil // 未知帧类型 RFC 7540 §4.1 要求忽略
	}
}

func (c *Codec) onSettings(hdr frameHeader, payload []byte) error {
	if hdr.Flags&FlagAck != 0 {
		c.settingsAcked = true
		if c.cb.OnSettingsAcked != nil {
			c.cb.OnSettingsAcked()
		}
		return nil
	}
	if err := parseSettings(payload, &c.remote); err != nil {
		return err
	}
	c.out = appendFrame(c.out, FrameSettings, FlagAck, 0, nil)
	return nil
}

func (c *Codec) onPing(hdr frameHeader, payload []byte) error {
	if hdr.Flags&FlagAck != 0 {
		return nil
	}
	if len(payload) != 8 {
		return errors.Wrap(ErrMalformed, "bad PING payload")
	}
	echo := make([]byte, 8)
	copy(echo, payload)
	c.out = appendFrame(c.out, FramePing, FlagAck, 0, echo)
	return nil
}

func stripPadding(flags uint8, payload []byte) ([]byte, error) {
	if flags&FlagPadded == 0 {
		return payload, nil
	}
	if len(payload) < 1 {
		return nil, errors.Wrap(ErrMalformed, "missing pad length")
	}
	padLen := int(payload[0])
	payload = payload[1:]
	if padLen > len(payload) {
		return nil, errors.Wrap(ErrMalformed, "pad length exceeds payload")
	}
	return payload[:len(payload)-padLen], nil
}

func (c *Codec) onHeaders(hdr frameHeader, payload []byte) error {
	if hdr.StreamID == 0 {
		return errors.Wrap(ErrMalformed, "HEADERS on stream 0")
	}

	payload, err := stripPadding(hdr.Flags, payload)
	if err != nil {
		return err
	}
	if hdr.Flags&FlagPriority != 0 {
		if len(payload) < 5 {
			return errors.Wrap(ErrMalformed, "truncated priority field")
		}
		payload = payload[5:]
	}

	st, ok := c.streams[hdr.StreamID]
	if !ok {
		st = newRecvStream()
		c.streams[hdr.StreamID] = st
	}
	st.headerBuf.Write(payload)
	if hdr.Flags&FlagEndStream != 0 {
		st.endStream = true
	}
	if hdr.Flags&FlagEndHeaders != 0 {
		return c.finishHeaders(hdr.StreamID, st)
	}
	return nil
}

func (c *Codec) onContinuation(hdr frameHeader, payload []byte) error {
	st, ok := c.streams[hdr.StreamID]
	if !ok {
		return errors.Wrap(ErrMalformed, "CONTINUATION on unknown stream")
	}
	st.headerBuf.Write(payload)
	if hdr.Flags&FlagEndHeaders != 0 {
		return c.finishHeaders(hdr.StreamID, st)
	}
	return nil
}

// finishHeaders 把累积的 Header Block Fragment 整体喂给 HPACK 解码器
//
// 解码沿用单连接共享一个 HPACK 解码器实例的做法: 动态表状态天然跨 stream 保持一致
func (c *Codec) finishHeaders(streamID uint32, st *recvStream) error {
	b := st.headerBuf.B
	field := &fasthttp2.HeaderField{}
	for len(b) > 0 {
		field.Reset()
		var err error
		b, err = c.dec.Next(field, b)
		if err != nil {
			return errors.Wrap(ErrMalformed, "hpack decode failed")
		}
		k := field.Key()
		if k == "" {
			continue
		}
		if strings.HasPrefix(k, ":") {
			st.pseudo[k] = field.Value()
			continue
		}
		st.header.Add(k, field.Value())
	}
	st.headerBuf.Reset()
	st.headersDone = true

	if st.endStream {
		c.deliver(streamID, st)
	}
	return nil
}

func (c *Codec) onData(hdr frameHeader, payload []byte) error {
	st, ok := c.streams[hdr.StreamID]
	if !ok {
		return errors.Wrap(ErrMalformed, "DATA on unknown stream")
	}

	payload, err := stripPadding(hdr.Flags, payload)
	if err != nil {
		return err
	}
	st.bodyBuf.Write(payload)
	if hdr.Flags&FlagEndStream != 0 {
		st.endStream = true
		c.deliver(hdr.StreamID, st)
	}
	return nil
}

func (c *Codec) deliver(streamID uint32, st *recvStream) {
	body := make([]byte, len(st.bodyBuf.B))
	copy(body, st.bodyBuf.B)

	msg := &h1msg.Message{StreamID: streamID}
	if c.role == RoleServer {
		scheme := st.pseudo[":scheme"]
		if scheme == "" {
			scheme = "http"
			if c.tls {
				scheme = "https"
			}
		}
		authority := st.pseudo[":authority"]
		req := &http.Request{
			Method:        st.pseudo[":method"],
			URL:           &url.URL{Scheme: scheme, Host: authority, Path: st.pseudo[":path"]},
			Proto:         "HTTP/2.0",
			ProtoMajor:    2,
			ProtoMinor:    0,
			Header:        st.header,
			Host:          authority,
			ContentLength: int64(len(body)),
			Body:          io.NopCloser(bytes.NewReader(body)),
		}
		msg.Request = req
		msg.Authority = authority
	} else {
		status, _ := strconv.Atoi(st.pseudo[":status"])
		resp := &http.Response{
			StatusCode:    status,
			Status:        st.pseudo[":status"],
			Proto:         "HTTP/2.0",
			ProtoMajor:    2,
			ProtoMinor:    0,
			Header:        st.header,
			ContentLength: int64(len(body)),
			Body:          io.NopCloser(bytes.NewReader(body)),
		}
		msg.Response = resp
	}

	if c.cb.OnMessage != nil {
		c.cb.OnMessage(msg)
	}

	st.release()
	delete(c.streams, streamID)
}

func flagIf(cond bool, f uint8) uint8 {
	if cond {
		return f
	}
	return 0
}

// encodeHeaderBlock 用共享的 Encoder (禁用动态表) 把伪头部和常规头部编码为一段 HPACK 字面量序列
func (c *Codec) encodeHeaderBlock(write func(enc *hpack.Encoder)) []byte {
	c.encBuf.Reset()
	write(c.enc)
	block := make([]byte, c.encBuf.Len())
	copy(block, c.encBuf.Bytes())
	return block
}

func (c *Codec) maxFrameSize() uint32 {
	if c.remote.MaxFrameSize == 0 {
		return DefaultMaxFrameSize
	}
	return c.remote.MaxFrameSize
}

func (c *Codec) sendDataFrames(streamID uint32, body []byte) {
	max := int(c.maxFrameSize())
	if len(body) == 0 {
		c.out = appendFrame(c.out, FrameData, FlagEndStream, streamID, nil)
		return
	}
	for len(body) > 0 {
		n := len(body)
		if n > max {
			n = max
		}
		chunk := body[:n]
		body = body[n:]
		c.out = appendFrame(c.out, FrameData, flagIf(len(body) == 0, FlagEndStream), streamID, chunk)
	}
}

// SendRequest 把一个请求编码为 HEADERS(+CONTINUATION 省略, 依赖 MaxFrameSize 放得下)+DATA* 帧序列
func (c *Codec) SendRequest(streamID uint32, method, scheme, authority, path string, header http.Header, body []byte) {
	block := c.encodeHeaderBlock(func(enc *hpack.Encoder) {
		_ = enc.WriteField(hpack.HeaderField{Name: ":method", Value: method})
		_ = enc.WriteField(hpack.HeaderField{Name: ":scheme", Value: scheme})
		_ = enc.WriteField(hpack.HeaderField{Name: ":authority", Value: authority})
		_ = enc.WriteField(hpack.HeaderField{Name: ":path", Value: path})
		for k, vs := range header {
			lk := strings.ToLower(k)
			for _, v := range vs {
				_ = enc.WriteField(hpack.HeaderField{Name: lk, Value: v})
			}
		}
	})

	endStream := len(body) == 0
	c.out = appendFrame(c.out, FrameHeaders, FlagEndHeaders|flagIf(endStream, FlagEndStream), streamID, block)
	if !endStream {
		c.sendDataFrames(streamID, body)
	}
}

// SendResponse 把一个响应编码为 HEADERS(+DATA*) 帧序列
func (c *Codec) SendResponse(streamID uint32, status int, header http.Header, body []byte) {
	block := c.encodeHeaderBlock(func(enc *hpack.Encoder) {
		_ = enc.WriteField(hpack.HeaderField{Name: ":status", Value: strconv.Itoa(status)})
		for k, vs := range header {
			lk := strings.ToLower(k)
			for _, v := range vs {
				_ = enc.WriteField(hpack.HeaderField{Name: lk, Value: v})
			}
		}
	})

	endStream := len(body) == 0
	c.out = appendFrame(c.out, FrameHeaders, FlagEndHeaders|flagIf(endStream, FlagEndStream), streamID, block)
	if !endStream {
		c.sendDataFrames(streamID, body)
	}
}

// ResetStream 发送 RST_STREAM 用于主动终止一个 stream
func (c *Codec) ResetStream(streamID uint32, errCode uint32) {
	var payload [4]byte
	payload[0] = byte(errCode >> 24)
	payload[1] = byte(errCode >> 16)
	payload[2] = byte(errCode >> 8)
	payload[3] = byte(errCode)
	c.out = appendFrame(c.out, FrameRSTStream, 0, streamID, payload[:])
}

// GoAway 发送 GOAWAY 通知对端不再接受新的 stream
func (c *Codec) GoAway(lastStreamID uint32, errCode uint32) {
	payload := make([]byte, 8)
	payload[0] = byte(lastStreamID >> 24)
	payload[1] = byte(lastStreamID >> 16)
	payload[2] = byte(lastStreamID >> 8)
	payload[3] = byte(lastStreamID)
	payload[4] = byte(errCode >> 24)
	payload[5] = byte(errCode >> 16)
	payload[6] = byte(errCode >> 8)
	payload[7] = byte(errCode)
	c.out = appendFrame(c.out, FrameGoAway, 0, 0, payload)
}
