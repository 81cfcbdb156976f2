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

// Package loop 实现单线程协作式 EventLoop (§4.7)
//
// 一个 EventLoop 拥有全部 Listener 与 Session 的 readiness 句柄
// 所有回调 (accept/recv/send/terminate) 都运行在调用 Run 的同一个 goroutine 上
package loop

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/packetd/h2mux/common"
	"github.com/packetd/h2mux/listener"
	"github.com/packetd/h2mux/session"
)

// EventLoop 单线程事件循环
type EventLoop struct {
	log       *zap.Logger
	backend   backend
	listeners map[int]*listener.Listener
	sessions  map[int]*session.Session

	serviceFlag atomic.Bool

	// pumpBytes/reapCounts 只在 EventLoop 自己的 goroutine 里写入 但允许被一个
	// 独立的指标抓取 goroutine (例如 promhttp.Handler) 并发读取 因此用原子/互斥保护
	pumpBytes  atomic.Uint64
	reapMu     sync.Mutex
	reapCounts map[session.CloseReason]uint64
}

// New 创建一个 EventLoop 后端由构建标签决定: Linux 上为 epoll 其他平台为 poll 后端创建失败时返回错误
func New(log *zap.Logger) (*EventLoop, error) {
	b, err := newBackend()
	if err != nil {
		return nil, err
	}

	l := &EventLoop{
		log:        log,
		backend:    b,
		listeners:  make(map[int]*listener.Listener),
		sessions:   make(map[int]*session.Session),
		reapCounts: make(map[session.CloseReason]uint64),
	}
	l.serviceFlag.Store(true)
	return l, nil
}

// AddListener 把一个 Listener 纳入 EventLoop 的读事件关注集合
func (l *EventLoop) AddListener(ln *listener.Listener) error {
	l.listeners[ln.FD()] = ln
	return l.backend.addRead(ln.FD())
}

// AddSession 把一个新建立的 Session 纳入 EventLoop
func (l *EventLoop) AddSession(s *session.Session) error {
	l.sessions[s.FD()] = s
	return l.backend.addRead(s.FD())
}

// Stop 清除 service_flag 当前迭代完成后 Run 会返回
func (l *EventLoop) Stop() {
	l.serviceFlag.Store(false)
}

// Running 返回事件循环是否仍在运行
func (l *EventLoop) Running() bool {
	return l.serviceFlag.Load()
}

// Run 是阻塞调用 持续轮询直到 Stop 被调用
//
// 每轮的 wait 超时上限为 common.PollTimeout 毫秒 用于定期重新检视 service_flag (§5)
func (l *EventLoop) Run() error {
	for l.serviceFlag.Load() {
		events, err := l.backend.wait(common.PollTimeout)
		if err != nil {
			return err
		}

		for _, ev := range events {
			l.dispatch(ev)
		}

		l.reapSessions()
	}
	return nil
}

func (l *EventLoop) dispatch(ev event) {
	if ln, ok := l.listeners[ev.fd]; ok {
		if ev.readable {
			l.handleAccept(ln)
		}
		return
	}

	s, ok := l.sessions[ev.fd]
	if !ok {
		return
	}

	if ev.errored || ev.hup {
		s.CloseReason = session.CloseSocketError
		return
	}

	if ev.readable {
		if n := s.Recv(); n < 0 {
			return // close-reason 已设置 交由 reapSessions 处理
		} else if n > 0 {
			l.pumpBytes.Add(uint64(n))
		}
	}

	// 收到数据之后总是尝试发送一次 (§5 "Within one readiness wake, recv is always processed before send")
	if ev.readable || ev.writable || s.SendPending() {
		n := s.Send()
		if n < 0 {
			return
		}
		if n > 0 {
			l.pumpBytes.Add(uint64(n))
		}
	}

	l.rearm(s)
}

func (l *EventLoop) handleAccept(ln *listener.Listener) {
	sess, err := ln.Accept()
	if err != nil {
		if l.log != nil {
			l.log.Warn("accept failed", zap.Error(err))
		}
		return
	}
	if err := l.AddSession(sess); err != nil && l.log != nil {
		l.log.Warn("register accepted session failed", zap.Error(err))
	}
}

// rearm 根据 send_pending 重新计算一条 Session 关注的事件集合
func (l *EventLoop) rearm(s *session.Session) {
	if s.SendPending() {
		_ = l.backend.addWrite(s.FD())
	} else {
		_ = l.backend.delWrite(s.FD())
	}

	// level-triggered 后端下: H2 会话既不再关心读也没有待发送数据时视为协议正常结束
	if !s.SendPending() && s.Proto() == session.ProtoH2 && !s.WantsRead() {
		s.CloseReason = session.CloseHTTPEnd
	}
}

// TerminateAll 对所有已注册的 Session 调用 Terminate 并关闭所有 Listener
//
// 用于优雅关闭: Listener 立即停止接受新连接 而会话按 waitRsp 的语义各自排干
func (l *EventLoop) TerminateAll(waitRsp bool) {
	for _, ln := range l.listeners {
		_ = ln.Close()
	}
	for _, s := range l.sessions {
		s.Terminate(waitRsp)
	}
}

// Idle 返回事件循环当前是否已经没有任何会话在排干 (供优雅关闭轮询使用)
func (l *EventLoop) Idle() bool {
	return len(l.sessions) == 0
}

// SessionCount 返回当前注册的会话数量
func (l *EventLoop) SessionCount() int { return len(l.sessions) }

// PumpBytes 返回跨所有会话累计 Recv+Send 搬运的字节数 可被指标抓取 goroutine 并发读取
func (l *EventLoop) PumpBytes() uint64 { return l.pumpBytes.Load() }

// ReapCounts 返回按关闭原因分类的累计 reap 次数快照 可被指标抓取 goroutine 并发读取
func (l *EventLoop) ReapCounts() map[session.CloseReason]uint64 {
	l.reapMu.Lock()
	defer l.reapMu.Unlock()
	out := make(map[session.CloseReason]uint64, len(l.reapCounts))
	for k, v := range l.reapCounts {
		out[k] = v
	}
	return out
}

// reapSessions 扫描一遍本轮被标记了 close-reason 的会话并释放
func (l *EventLoop) reapSessions() {
	for fd, s := range l.sessions {
		if s.CloseReason == session.CloseNone {
			continue
		}
		if s.Draining() {
			continue // wait_rsp 状态下仍有未完成的响应 继续保留
		}

		l.reapMu.Lock()
		l.reapCounts[s.CloseReason]++
		l.reapMu.Unlock()

		_ = l.backend.remove(fd)
		delete(l.sessions, fd)
		s.Free()
	}
}
