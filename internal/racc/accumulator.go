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

// Package racc 为 HTTP/1.1 Session 实现了可增长的接收缓冲区
//
// 维护 used/size/offset 三个游标: used 是已经被 parser 消费的字节数
// size 是缓冲区中有效字节总数 offset 是 buf[0] 相对于整条字节流的位置 (单调递增)
package racc

import "github.com/packetd/h2mux/common"

// Accumulator HTTP/1.1 的增量接收缓冲区
type Accumulator struct {
	buf    []byte
	size   int // 有效字节数
	used   int // parser 已消费的字节数
	offset int64
}

// New 创建一个空的 Accumulator 初始时不持有任何底层内存
func New() *Accumulator {
	return &Accumulator{}
}

// Len 返回尚未消费的字节数
func (a *Accumulator) Len() int {
	return a.size - a.used
}

// Bytes 返回尚未消费的字节切片 (只读 由 parser 读取)
func (a *Accumulator) Bytes() []byte {
	return a.buf[a.used:a.size]
}

// Offset 返回 buf[0] 在整条字节流中的位置
func (a *Accumulator) Offset() int64 {
	return a.offset
}

// Advance 标记 n 个字节已经被 parser 消费
func (a *Accumulator) Advance(n int) {
	a.used += n
	if a.used > a.size {
		a.used = a.size
	}
}

// Append 将 p 追加到缓冲区中 按照 §4.2 的策略: 能直接放下就放下
// 放不下但 compact 之后能放下就 compact 否则 realloc
func (a *Accumulator) Append(p []byte) {
	if len(p) == 0 {
		return
	}

	if a.size+len(p) <= cap(a.buf) {
		a.buf = a.buf[:a.size+len(p)]
		copy(a.buf[a.size:], p)
		a.size += len(p)
		return
	}

	remain := a.size - a.used
	if remain+len(p) <= cap(a.buf) {
		a.compact()
		a.buf = a.buf[:a.size+len(p)]
		copy(a.buf[a.size:], p)
		a.size += len(p)
		return
	}

	a.realloc(remain + len(p))
	a.buf = a.buf[:a.size+len(p)]
	copy(a.buf[a.size:], p)
	a.size += len(p)
}

// compact 去除已消费的前缀 offset 随之前移
func (a *Accumulator) compact() {
	if a.used == 0 {
		return
	}
	n := copy(a.buf, a.buf[a.used:a.size])
	a.offset += int64(a.used)
	a.size = n
	a.used = 0
	a.buf = a.buf[:a.size]
}

// realloc 扩容 并在过程中顺带完成 compact
func (a *Accumulator) realloc(need int) {
	newCap := cap(a.buf) * 2
	if newCap < need {
		newCap = need
	}
	if newCap < common.DefaultAccumulatorSize {
		newCap = common.DefaultAccumulatorSize
	}

	nb := make([]byte, a.size-a.used, newCap)
	copy(nb, a.buf[a.used:a.size])
	a.offset += int64(a.used)
	a.size = len(nb)
	a.used = 0
	a.buf = nb
}

// ShrinkIfIdle 在缓冲区被完全消费且曾经增长超过默认大小时释放底层内存
//
// 避免空闲连接长期占用大块内存
func (a *Accumulator) ShrinkIfIdle() {
	if a.used != a.size {
		return
	}
	if cap(a.buf) <= common.DefaultAccumulatorSize {
		a.used, a.size = 0, 0
		return
	}
	a.buf = nil
	a.used, a.size = 0, 0
}
