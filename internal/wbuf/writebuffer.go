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

// Package wbuf 实现了 Session 的两级发送缓冲: 定长合并缓冲区 + 借用的 deferred 切片
//
// 设计目标: 在一次 readiness 唤醒中尽可能多地将 Source 产出的数据写入 transport
// 且在部分写 (short write) / would-block 的情况下不丢字节也不重复发送
package wbuf

import (
	"github.com/valyala/bytebufferpool"

	"github.com/packetd/h2mux/common"
	"github.com/packetd/h2mux/internal/netpoll"
)

// Source 是 WriteBuffer 的数据来源
//
// HTTP/2 场景下 Source 是编解码库的 mem-send 接口 每次返回一块借用的 payload
// HTTP/1.1 场景下 Source 是 Session 内 Stream 链表按顺序游走的结果
//
// 返回 ok=false 代表当前没有更多数据可取 (并不代表连接已经结束)
type Source interface {
	NextChunk() (chunk []byte, ok bool)
}

// Writer 是 WriteBuffer 的 transport 写出口
//
// 实现方必须是非阻塞的: 无法立即写出时返回 ErrWouldBlock
type Writer interface {
	Write(p []byte) (n int, err error)
}

// WriteBuffer 会话级别的两级发送缓冲
//
// mergeBuf 定长 合并尽量多的小块数据以减少 syscall 次数
// deferred 是无法并入 mergeBuf 的一块借用数据 (不持有所有权 不能拷贝)
type WriteBuffer struct {
	mergeBuf  *bytebufferpool.ByteBuffer
	mergeCap  int
	deferred  []byte // 借用切片 调用方必须保证其在完全发送前保持有效且不变
	hasDefer  bool
	pending   bool // send_pending: 存在尚未发送完的数据
}

// New 创建一个合并缓冲容量为 cap 的 WriteBuffer
func New(cap int) *WriteBuffer {
	if cap <= 0 {
		cap = common.H2SendMergeBufSize
	}
	return &WriteBuffer{
		mergeBuf: bytebufferpool.Get(),
		mergeCap: cap,
	}
}

// Release 归还底层缓冲区
func (w *WriteBuffer) Release() {
	bytebufferpool.Put(w.mergeBuf)
	w.mergeBuf = nil
}

// Pending 返回 send_pending 标记
func (w *WriteBuffer) Pending() bool {
	return w.pending
}

// Empty 返回两级缓冲是否都已清空
func (w *WriteBuffer) Empty() bool {
	return w.mergeBuf.Len() == 0 && !w.hasDefer
}

// Pump 从 src 中尽量多地拉取数据塞入两级缓冲
//
// 终止条件: src 返回 ok=false, 或合并缓冲已满, 或出现了一块无法合并的数据 (此时进入 deferred 并停止拉取)
func (w *WriteBuffer) Pump(src Source) {
	for {
		if w.hasDefer {
			return
		}
		remain := w.mergeCap - w.mergeBuf.Len()
		if remain <= 0 {
			return
		}

		chunk, ok := src.NextChunk()
		if !ok {
			return
		}
		if len(chunk) == 0 {
			continue
		}

		if len(chunk) <= remain {
			w.mergeBuf.Write(chunk)
			continue
		}

		// 放不进合并缓冲 转为 deferred 借用切片 停止继续拉取
		w.deferred = chunk
		w.hasDefer = true
		return
	}
}

// Flush 分两阶段将已缓冲的数据写出 transport
//
// 返回本次实际写出的字节数与错误 ErrWouldBlock 不是错误 代表暂不可写 需要等待下一次 writable 事件
func (w *WriteBuffer) Flush(wr Writer) (int, error) {
	var total int

	// Phase A: merge buffer
	if w.mergeBuf.Len() > 0 {
		n, err := wr.Write(w.mergeBuf.B)
		total += n
		if n > 0 {
			remaining := w.mergeBuf.B[n:]
			copy(w.mergeBuf.B, remaining)
			w.mergeBuf.B = w.mergeBuf.B[:len(remaining)]
		}
		if err == netpoll.ErrWouldBlock {
			w.pending = w.mergeBuf.Len() > 0 || w.hasDefer
			return total, nil
		}
		if err != nil {
			return total, err
		}
		if w.mergeBuf.Len() > 0 {
			// 部分写: 保留顺序 等待下一次 flush 重试
			w.pending = true
			return total, nil
		}
	}

	// Phase B: deferred borrowed slice
	if w.hasDefer {
		n, err := wr.Write(w.deferred)
		total += n
		if n > 0 {
			w.deferred = w.deferred[n:]
		}
		if err == netpoll.ErrWouldBlock {
			w.pending = true
			return total, nil
		}
		if err != nil {
			return total, err
		}
		if len(w.deferred) == 0 {
			w.deferred = nil
			w.hasDefer = false
		} else {
			w.pending = true
			return total, nil
		}
	}

	w.pending = !w.Empty()
	return total, nil
}
