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
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/packetd/h2mux/internal/netpoll"
)

// loopbackPair 建立一对已连接的回环 TCP socket 并转交为非阻塞裸 fd
// 镜像 peer.fillSlot/listener.Accept 对 netpoll.TCPConnFD 的使用方式
func loopbackPair(t *testing.T) (net.Conn, int, net.Conn, int) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	acceptCh := make(chan net.Conn, 1)
	errCh := make(chan error, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			errCh <- err
			return
		}
		acceptCh <- c
	}()

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	var serverConn net.Conn
	select {
	case serverConn = <-acceptCh:
	case err := <-errCh:
		t.Fatalf("accept failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("accept timed out")
	}

	serverFD, err := netpoll.TCPConnFD(serverConn.(*net.TCPConn))
	require.NoError(t, err)
	clientFD, err := netpoll.TCPConnFD(clientConn.(*net.TCPConn))
	require.NoError(t, err)

	return serverConn, serverFD, clientConn, clientFD
}

// pumpUntil 交替驱动两端的 Send/Recv 直到 done() 返回 true 或达到迭代上限
func pumpUntil(t *testing.T, a, b *Session, done func() bool) {
	t.Helper()
	for i := 0; i < 200 && !done(); i++ {
		a.Send()
		b.Recv()
		b.Send()
		a.Recv()
		if !done() {
			time.Sleep(time.Millisecond)
		}
	}
	require.True(t, done(), "condition not reached within iteration budget")
}

func TestSessionH1RequestResponseRoundTrip(t *testing.T) {
	serverConn, serverFD, clientConn, clientFD := loopbackPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	var gotReq *http.Request
	server := New(serverConn, serverFD, RoleServer, ProtoH1, false, Handler{
		OnRequest: func(s *Session, st *Stream) {
			gotReq = st.Request()
			body, _ := io.ReadAll(gotReq.Body)
			resp := &http.Response{
				StatusCode: http.StatusOK,
				Header:     http.Header{"X-Echo": []string{string(body)}},
			}
			s.Respond(st, resp, []byte("pong"))
		},
	})

	var gotResp *http.Response
	client := New(clientConn, clientFD, RoleClient, ProtoH1, false, Handler{
		OnResponse: func(s *Session, st *Stream) {
			gotResp = st.Response()
		},
	})

	req, err := http.NewRequest(http.MethodPost, "http://"+serverConn.LocalAddr().String()+"/ping", nil)
	require.NoError(t, err)
	client.SubmitRequest(req, []byte("ping"))

	pumpUntil(t, client, server, func() bool { return gotResp != nil })

	require.NotNil(t, gotReq)
	require.Equal(t, "POST", gotReq.Method)
	require.Equal(t, "/ping", gotReq.URL.Path)

	require.NotNil(t, gotResp)
	require.Equal(t, 200, gotResp.StatusCode)
	require.Equal(t, "ping", gotResp.Header.Get("X-Echo"))

	body, err := io.ReadAll(gotResp.Body)
	require.NoError(t, err)
	require.Equal(t, "pong", string(body))

	require.EqualValues(t, 1, client.ReqCnt)
	require.EqualValues(t, 1, client.RspCnt)
	require.EqualValues(t, 1, server.ReqCnt)
}

func TestSessionH2RequestResponseRoundTrip(t *testing.T) {
	serverConn, serverFD, clientConn, clientFD := loopbackPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	var gotReq *http.Request
	server := New(serverConn, serverFD, RoleServer, ProtoH2, false, Handler{
		OnRequest: func(s *Session, st *Stream) {
			gotReq = st.Request()
			s.Respond(st, &http.Response{StatusCode: 200, Header: http.Header{"X-Via": []string{"h2"}}}, []byte("world"))
		},
	})
	client := New(clientConn, clientFD, RoleClient, ProtoH2, false, Handler{})

	pumpUntil(t, client, server, func() bool { return client.ReadyToSend() && server.ReadyToSend() })

	var gotResp *http.Response
	client.handler.OnResponse = func(s *Session, st *Stream) { gotResp = st.Response() }

	req, err := http.NewRequest(http.MethodGet, "http://h2mux.example/hello", nil)
	require.NoError(t, err)
	client.SubmitRequest(req, nil)

	pumpUntil(t, client, server, func() bool { return gotResp != nil })

	require.NotNil(t, gotReq)
	require.Equal(t, "GET", gotReq.Method)
	require.Equal(t, "/hello", gotReq.URL.Path)

	require.NotNil(t, gotResp)
	require.Equal(t, 200, gotResp.StatusCode)
	require.Equal(t, "h2", gotResp.Header.Get("X-Via"))
}

func TestSessionTerminateImmediateWhenNoOutstandingRequests(t *testing.T) {
	serverConn, serverFD, clientConn, clientFD := loopbackPair(t)
	defer serverConn.Close()
	defer clientConn.Close()
	_ = clientFD

	s := New(serverConn, serverFD, RoleServer, ProtoH1, false, Handler{})
	s.Terminate(true)

	require.Equal(t, StateImmediate, s.Term)
	require.Equal(t, CloseByTerminate, s.CloseReason)
	require.False(t, s.Draining())
}

func TestSessionTerminateWaitsForOutstandingResponses(t *testing.T) {
	serverConn, serverFD, clientConn, clientFD := loopbackPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	client := New(clientConn, clientFD, RoleClient, ProtoH1, false, Handler{})
	req, err := http.NewRequest(http.MethodGet, "http://example/x", nil)
	require.NoError(t, err)
	client.SubmitRequest(req, nil)

	client.Terminate(true)

	require.Equal(t, StateWaitRsp, client.Term)
	require.True(t, client.Draining())

	_ = serverFD
}

func TestSessionWantsReadFalseAfterImmediateTerminate(t *testing.T) {
	serverConn, serverFD, clientConn, clientFD := loopbackPair(t)
	defer serverConn.Close()
	defer clientConn.Close()
	_ = clientFD

	s := New(serverConn, serverFD, RoleServer, ProtoH1, false, Handler{})
	require.True(t, s.WantsRead())
	s.Terminate(false)
	require.False(t, s.WantsRead())
}
