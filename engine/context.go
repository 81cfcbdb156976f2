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

// Package engine 实现进程级容器 Context (§3/§4.7)
//
// Context 拥有全部 Listener/Session/Peer 的生命周期 并驱动内部持有的 EventLoop (不对外暴露)
package engine

import (
	"crypto/tls"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/packetd/h2mux/listener"
	"github.com/packetd/h2mux/loop"
	"github.com/packetd/h2mux/peer"
	"github.com/packetd/h2mux/session"
)

// shutdownPollInterval 是优雅关闭轮询 EventLoop 是否已排干的间隔
//
// 与 net/http.Server.Shutdown 的轮询策略同源: 没有条件变量可用时 定时轮询是最简单可靠的等待方式
const shutdownPollInterval = 10 * time.Millisecond

// Config 是 Context 的默认行为配置
type Config struct {
	DefaultProto session.Protocol
	Verbosity    int
}

// Context 是进程范围的容器: 持有全部 Listener/Peer 并驱动底层 EventLoop
type Context struct {
	log      *zap.Logger
	loop     *loop.EventLoop
	registry *prometheus.Registry

	listeners []*listener.Listener
	peers     []*peer.Peer

	defaultProto session.Protocol
	verbosity    int

	terminating atomic.Bool
}

// New 创建一个新的 Context 内部持有一个全新的 EventLoop
func New(log *zap.Logger, cfg Config) (*Context, error) {
	el, err := loop.New(log)
	if err != nil {
		return nil, err
	}
	c := &Context{
		log:          log,
		loop:         el,
		defaultProto: cfg.DefaultProto,
		verbosity:    cfg.Verbosity,
	}

	c.registry = prometheus.NewRegistry()
	c.registry.MustRegister(metricsCollector{ctx: c})

	return c, nil
}

// Registry 返回 Context 的 Prometheus 注册表 供 server 挂载 /metrics 抓取端点使用
func (c *Context) Registry() *prometheus.Registry { return c.registry }

// TerminatingLocked 实现 session.ContextHandle: Context 是否已经进入终止流程
//
// 单线程协作模型下不需要真正的锁 方法名沿用规范措辞 语义上等价于一次原子读
func (c *Context) TerminatingLocked() bool {
	return c.terminating.Load()
}

// AddListener 创建一个监听地址并把它注册进 EventLoop 与 Context 自身的列表
func (c *Context) AddListener(addr string, accept listener.AcceptCallback, opts ...listener.Option) (*listener.Listener, error) {
	ln, err := listener.New(addr, accept, c.log, opts...)
	if err != nil {
		return nil, err
	}
	if err := c.loop.AddListener(ln); err != nil {
		_ = ln.Close()
		return nil, err
	}
	c.listeners = append(c.listeners, ln)
	return ln, nil
}

// ConnectPeer 建立一个新的 Peer 会话池并纳入 Context 的生命周期管理
func (c *Context) ConnectPeer(authority string, n int, threshold uint64, handler session.Handler, opts ...peer.Option) (*peer.Peer, error) {
	opts = append(opts, peer.WithLogger(c.log))
	p, err := peer.Connect(c, c.loop, authority, n, threshold, handler, opts...)
	if err != nil {
		return nil, err
	}
	c.peers = append(c.peers, p)
	return p, nil
}

// WithPeerTLS 是 peer.WithTLS 的直接转发 避免调用方额外导入 peer 包
func WithPeerTLS(conf *tls.Config) peer.Option { return peer.WithTLS(conf) }

// Listeners 返回当前注册的监听器快照
func (c *Context) Listeners() []*listener.Listener { return c.listeners }

// Peers 返回当前注册的 Peer 快照
func (c *Context) Peers() []*peer.Peer { return c.peers }

// Snapshot 汇总了 Context 当前的规模与累计计数 供 /debug 或日志周期性输出
type Snapshot struct {
	Listeners   int
	Sessions    int
	Peers       int
	ReqCnt      uint64
	RspCnt      uint64
	Terminating bool
}

// Snapshot 生成一次当前状态的快照
func (c *Context) Snapshot() Snapshot {
	snap := Snapshot{
		Listeners:   len(c.listeners),
		Sessions:    c.loop.SessionCount(),
		Peers:       len(c.peers),
		Terminating: c.terminating.Load(),
	}
	for _, p := range c.peers {
		snap.ReqCnt += p.ReqCnt
		snap.RspCnt += p.RspCnt
	}
	return snap
}

// Run 阻塞运行内部 EventLoop 直到 Stop/Shutdown 生效
func (c *Context) Run() error {
	return c.loop.Run()
}

// Stop 请求 EventLoop 在当前迭代结束后立即退出 不等待任何会话排干
func (c *Context) Stop() {
	c.terminating.Store(true)
	c.loop.Stop()
}

// Shutdown 实现优雅关闭: 终止所有 Peer 与 Session 等待它们在 timeout 内排干后再停止 EventLoop
//
// 必须从运行 Run() 的 goroutine 之外调用 (典型用法: 信号处理 goroutine) 否则轮询会自我阻塞
func (c *Context) Shutdown(waitRsp bool, timeout time.Duration) error {
	c.terminating.Store(true)

	for _, p := range c.peers {
		p.Terminate(waitRsp)
	}
	c.loop.TerminateAll(waitRsp)

	deadline := time.Now().Add(timeout)
	for c.loop.Running() && !c.loop.Idle() && time.Now().Before(deadline) {
		time.Sleep(shutdownPollInterval)
	}

	c.loop.Stop()
	return nil
}
