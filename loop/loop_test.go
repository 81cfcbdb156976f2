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

package loop

import (
	"crypto/tls"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/packetd/h2mux/internal/netpoll"
	"github.com/packetd/h2mux/listener"
	"github.com/packetd/h2mux/session"
)

// fakeBackend 记录每一次 add/del/remove 调用 供断言 EventLoop 对 backend 的调用序列是否正确
// wait 本身不在这些测试里被用到 (dispatch/rearm/reapSessions 都被直接调用 跳过真实的等待)
type fakeBackend struct {
	reads   map[int]bool
	writes  map[int]bool
	removed map[int]bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{reads: map[int]bool{}, writes: map[int]bool{}, removed: map[int]bool{}}
}

func (f *fakeBackend) addRead(fd int) error  { f.reads[fd] = true; return nil }
func (f *fakeBackend) addWrite(fd int) error { f.writes[fd] = true; return nil }
func (f *fakeBackend) delWrite(fd int) error { delete(f.writes, fd); return nil }
func (f *fakeBackend) remove(fd int) error {
	delete(f.reads, fd)
	delete(f.writes, fd)
	f.removed[fd] = true
	return nil
}
func (f *fakeBackend) wait(timeoutMs int) ([]event, error) { return nil, nil }

func newTestLoop(b backend) *EventLoop {
	return &EventLoop{
		backend:    b,
		listeners:  make(map[int]*listener.Listener),
		sessions:   make(map[int]*session.Session),
		reapCounts: make(map[session.CloseReason]uint64),
	}
}

// loopbackPair 建立一对已连接的回环 TCP socket 并转交为非阻塞裸 fd 供 Session 直接使用
func loopbackPair(t *testing.T) (net.Conn, int, net.Conn, int) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	acceptCh := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			acceptCh <- c
		}
	}()

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	var serverConn net.Conn
	select {
	case serverConn = <-acceptCh:
	case <-time.After(2 * time.Second):
		t.Fatal("accept timed out")
	}

	serverFD, err := netpoll.TCPConnFD(serverConn.(*net.TCPConn))
	require.NoError(t, err)
	clientFD, err := netpoll.TCPConnFD(clientConn.(*net.TCPConn))
	require.NoError(t, err)

	return serverConn, serverFD, clientConn, clientFD
}

func TestEventLoopAddListenerRegistersReadWithBackend(t *testing.T) {
	fb := newFakeBackend()
	l := newTestLoop(fb)

	ln, err := listener.New("127.0.0.1:0", func(net.Conn) (*tls.Config, bool, session.Handler) {
		return nil, false, session.Handler{}
	}, nil)
	require.NoError(t, err)
	defer ln.Close()

	require.NoError(t, l.AddListener(ln))
	require.True(t, fb.reads[ln.FD()])
	require.Same(t, ln, l.listeners[ln.FD()])
}

func TestEventLoopAddSessionRegistersReadWithBackend(t *testing.T) {
	serverConn, serverFD, clientConn, _ := loopbackPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	fb := newFakeBackend()
	l := newTestLoop(fb)

	s := session.New(serverConn, serverFD, session.RoleServer, session.ProtoH1, false, session.Handler{})
	require.NoError(t, l.AddSession(s))

	require.True(t, fb.reads[serverFD])
	require.Same(t, s, l.sessions[serverFD])
	require.Equal(t, 1, l.SessionCount())
}

func TestEventLoopDispatchProcessesRecvThenSend(t *testing.T) {
	serverConn, serverFD, clientConn, clientFD := loopbackPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	var gotReq *http.Request
	fb := newFakeBackend()
	l := newTestLoop(fb)

	server := session.New(serverConn, serverFD, session.RoleServer, session.ProtoH1, false, session.Handler{
		OnRequest: func(s *session.Session, st *session.Stream) {
			gotReq = st.Request()
			s.Respond(st, &http.Response{StatusCode: 200}, nil)
		},
	})
	require.NoError(t, l.AddSession(server))

	client := session.New(clientConn, clientFD, session.RoleClient, session.ProtoH1, false, session.Handler{})
	req, err := http.NewRequest(http.MethodGet, "http://example/a", nil)
	require.NoError(t, err)
	client.SubmitRequest(req, nil)
	client.Send()

	// 给内核一点时间把字节送达对端 socket 的接收缓冲区
	require.Eventually(t, func() bool {
		l.dispatch(event{fd: serverFD, readable: true})
		return gotReq != nil
	}, time.Second, time.Millisecond)

	require.Equal(t, "/a", gotReq.URL.Path)
	// 请求处理完立刻调用了 Respond 响应应当已经被尝试发送 rearm 应该据此更新 backend 的写关注
	l.rearm(server)
	require.False(t, fb.writes[serverFD], "server has nothing left to send, should not be armed for write")
}

func TestEventLoopRearmTracksSendPending(t *testing.T) {
	serverConn, serverFD, clientConn, clientFD := loopbackPair(t)
	defer serverConn.Close()
	defer clientConn.Close()
	_ = clientFD

	fb := newFakeBackend()
	l := newTestLoop(fb)

	// H2 会话构造时立即有 SETTINGS 待发送 send_pending 为 true
	s := session.New(serverConn, serverFD, session.RoleServer, session.ProtoH2, false, session.Handler{})
	require.NoError(t, l.AddSession(s))
	require.True(t, s.SendPending())

	l.rearm(s)
	require.True(t, fb.writes[serverFD])

	s.Send()
	l.rearm(s)
	require.False(t, fb.writes[serverFD])
}

func TestEventLoopReapSessionsRemovesClosedNonDrainingSessions(t *testing.T) {
	serverConn, serverFD, clientConn, _ := loopbackPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	fb := newFakeBackend()
	l := newTestLoop(fb)

	s := session.New(serverConn, serverFD, session.RoleServer, session.ProtoH1, false, session.Handler{})
	require.NoError(t, l.AddSession(s))

	s.Terminate(false) // 无需等待响应 直接进入 immediate 状态 CloseReason 被设置
	l.reapSessions()

	require.True(t, fb.removed[serverFD])
	_, stillPresent := l.sessions[serverFD]
	require.False(t, stillPresent)
	require.EqualValues(t, 1, l.ReapCounts()[session.CloseByTerminate])
}

func TestEventLoopReapSessionsKeepsDrainingSessions(t *testing.T) {
	serverConn, serverFD, clientConn, _ := loopbackPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	fb := newFakeBackend()
	l := newTestLoop(fb)

	s := session.New(serverConn, serverFD, session.RoleServer, session.ProtoH1, false, session.Handler{})
	require.NoError(t, l.AddSession(s))

	s.ReqCnt = 1 // 伪造一条尚未应答的请求 令 terminate(true) 进入 wait_rsp 而不是 immediate
	s.Terminate(true)
	require.Equal(t, session.StateWaitRsp, s.Term)
	require.True(t, s.Draining())

	// 即便传输层此时报告了错误 仍在排干中的会话也不应该被这一轮 reap 收走
	s.CloseReason = session.CloseSocketError
	l.reapSessions()

	_, stillPresent := l.sessions[serverFD]
	require.True(t, stillPresent, "a draining session must survive reapSessions until it stops draining")
}

func TestEventLoopTerminateAllClosesListenersAndSessions(t *testing.T) {
	serverConn, serverFD, clientConn, _ := loopbackPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	fb := newFakeBackend()
	l := newTestLoop(fb)

	s := session.New(serverConn, serverFD, session.RoleServer, session.ProtoH1, false, session.Handler{})
	require.NoError(t, l.AddSession(s))
	require.False(t, l.Idle())

	l.TerminateAll(false)
	require.Equal(t, session.StateImmediate, s.Term)
}

func TestEventLoopIdleReflectsSessionCount(t *testing.T) {
	serverConn, serverFD, clientConn, _ := loopbackPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	fb := newFakeBackend()
	l := newTestLoop(fb)
	require.True(t, l.Idle())

	s := session.New(serverConn, serverFD, session.RoleServer, session.ProtoH1, false, session.Handler{})
	require.NoError(t, l.AddSession(s))
	require.False(t, l.Idle())
	require.Equal(t, 1, l.SessionCount())
}
