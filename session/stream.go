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

// Package session 实现了协议无关的 Session/Stream 模型
//
// Session 把 HTTP/1.1 与 HTTP/2 的差异隐藏在统一的 recv/send/terminate 操作之后
// 上层 (Listener/Peer/EventLoop) 只依赖这三个操作与 Handler 回调
package session

import "net/http"

// Stream 代表一条请求/响应配对 H2 下对应一个 stream-id H1.1 下服务端使用 2*req_cnt+1 伪造 id
type Stream struct {
	id   uint32
	next *Stream

	req  *http.Request
	resp *http.Response

	body     []byte // 出站 body (服务端为响应体 客户端为请求体)
	bodyUsed int

	responseSet bool // H1.1 服务端: 响应是否已经通过 Respond 设置

	UserData any
	FreeCB   func(*Stream)
}

// ID 返回 stream 标识
func (st *Stream) ID() uint32 { return st.id }

// Request 返回请求消息句柄 (服务端收到的请求 / 客户端发出的请求)
func (st *Stream) Request() *http.Request { return st.req }

// Response 返回响应消息句柄 (客户端收到的响应 / 服务端发出的响应)
func (st *Stream) Response() *http.Response { return st.resp }

// SetOutboundBody 设置本 Stream 待发送的 body 字节 (服务端响应体或客户端请求体)
func (st *Stream) SetOutboundBody(body []byte) {
	st.body = body
	st.bodyUsed = 0
}

// drained 返回出站 body 是否已经完全交给 WriteBuffer
func (st *Stream) drained() bool {
	return st.bodyUsed >= len(st.body)
}

// NextChunk 实现 wbuf.Source 每次调用返回剩余的全部出站 body (一次性整体借出)
func (st *Stream) NextChunk() ([]byte, bool) {
	if st.drained() {
		return nil, false
	}
	chunk := st.body[st.bodyUsed:]
	st.bodyUsed = len(st.body)
	return chunk, true
}
