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

// Package h2bridge 把 HTTP/2 当作一个只暴露 mem-send/mem-recv 的不透明编解码器来对待
//
// Codec.Feed 从 Session 的 ReadAccumulator 中增量消费字节 解析出完整帧后触发回调
// Codec 产出的待发送帧进入内部队列 通过实现 wbuf.Source 被 WriteBuffer 取走 (mem-send)
//
// 帧头的手工解析沿用了 HTTP/2 被动抓包解析中已经验证过的位运算布局
// HPACK 解码复用 github.com/dgrr/http2 的 HPACK 实现 编码使用 golang.org/x/net/http2/hpack
package h2bridge

import "encoding/binary"

// 帧类型 (RFC 7540 §11.2)
const (
	FrameData         uint8 = 0x0
	FrameHeaders      uint8 = 0x1
	FramePriority     uint8 = 0x2
	FrameRSTStream    uint8 = 0x3
	FrameSettings     uint8 = 0x4
	FramePushPromise  uint8 = 0x5
	FramePing         uint8 = 0x6
	FrameGoAway       uint8 = 0x7
	FrameWindowUpdate uint8 = 0x8
	FrameContinuation uint8 = 0x9
)

// 帧标志位
const (
	FlagEndStream  uint8 = 0x1
	FlagAck        uint8 = 0x1 // SETTINGS/PING 复用同一 bit
	FlagEndHeaders uint8 = 0x4
	FlagPadded     uint8 = 0x8
	FlagPriority   uint8 = 0x20
)

// frameHeaderLen 固定 9 字节帧头长度
const frameHeaderLen = 9

// maxFramePayload 24 位长度字段能表示的最大值
const maxFramePayload = 0xFFFFFF

// DefaultMaxFrameSize 本端未经协商前使用的默认最大帧 payload
const DefaultMaxFrameSize = 16384

// clientPreface RFC 7540 §3.5 定义的连接前言 服务端在看到任何帧之前必须先读到它
var clientPreface = []byte("PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n")

// frameHeader 9 字节帧头 布局:
//
//	+-----------------------------------------------+
//	|                 Length (24)                   |
//	+---------------+---------------+---------------+
//	|   Type (8)    |   Flags (8)   |
//	+-+-------------+---------------+-------------------------------+
//	|R|                 Stream Identifier (31)                      |
//	+-+-------------------------------------------------------------+
type frameHeader struct {
	Length   uint32
	Type     uint8
	Flags    uint8
	StreamID uint32
}

// decodeFrameHeader 解析 9 字节帧头 调用方必须保证 b 至少有 frameHeaderLen 字节
func decodeFrameHeader(b []byte) frameHeader {
	return frameHeader{
		Length:   uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2]),
		Type:     b[3],
		Flags:    b[4],
		StreamID: binary.BigEndian.Uint32(b[5:9]) & 0x7fffffff,
	}
}

// encodeFrameHeader 将帧头写入 dst (dst 长度必须至少为 frameHeaderLen)
func encodeFrameHeader(dst []byte, length uint32, typ, flags uint8, streamID uint32) {
	dst[0] = byte(length >> 16)
	dst[1] = byte(length >> 8)
	dst[2] = byte(length)
	dst[3] = typ
	dst[4] = flags
	binary.BigEndian.PutUint32(dst[5:9], streamID&0x7fffffff)
}

// appendFrame 把一个完整帧 (头部 + payload) 追加到 dst 并返回新的切片
func appendFrame(dst []byte, typ, flags uint8, streamID uint32, payload []byte) []byte {
	var hdr [frameHeaderLen]byte
	encodeFrameHeader(hdr[:], uint32(len(payload)), typ, flags, streamID)
	dst = append(dst, hdr[:]...)
	dst = append(dst, payload...)
	return dst
}
