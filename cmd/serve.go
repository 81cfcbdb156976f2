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

package cmd

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/packetd/h2mux/confengine"
	"github.com/packetd/h2mux/engine"
	"github.com/packetd/h2mux/internal/sigs"
	"github.com/packetd/h2mux/listener"
	"github.com/packetd/h2mux/logger"
	"github.com/packetd/h2mux/server"
	"github.com/packetd/h2mux/session"
)

// ListenerConfig 描述一个监听地址以及它的 TLS/协议协商偏好
type ListenerConfig struct {
	Address  string `config:"address"`
	CertFile string `config:"certFile"`
	KeyFile  string `config:"keyFile"`
	StrictH2 bool   `config:"strictH2"`
	ForceH2  bool   `config:"forceH2"`
}

// ServeConfig 是 `h2mux serve` 的顶层配置
type ServeConfig struct {
	Listeners      []ListenerConfig `config:"listeners"`
	ShutdownWaitMS int              `config:"shutdownWaitMs"`
	Logger         logger.Options   `config:"logger"`
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the h2mux session engine with the given configuration",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := confengine.LoadConfigPath(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}

		var sc ServeConfig
		if err := cfg.Unpack(&sc); err != nil {
			fmt.Fprintf(os.Stderr, "failed to unpack config: %v\n", err)
			os.Exit(1)
		}
		if sc.ShutdownWaitMS == 0 {
			sc.ShutdownWaitMS = 5000
		}
		logger.SetOptions(sc.Logger)

		ctx, err := engine.New(logger.Zap(), engine.Config{DefaultProto: session.ProtoH1})
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create engine context: %v\n", err)
			os.Exit(1)
		}

		// debug/pprof 服务器是可选的 与核心会话引擎运行在各自独立的 goroutine/netpoller 上
		if debugSrv, err := server.New(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "failed to create debug server: %v\n", err)
			os.Exit(1)
		} else if debugSrv != nil {
			debugSrv.RegisterMetricsHandler(ctx.Registry())
			go func() {
				if err := debugSrv.ListenAndServe(); err != nil {
					logger.Errorf("debug server exited: %v", err)
				}
			}()
		}

		for _, lc := range sc.Listeners {
			if _, err := ctx.AddListener(lc.Address, acceptCallback(lc), listenerOpts(lc)...); err != nil {
				fmt.Fprintf(os.Stderr, "failed to add listener %s: %v\n", lc.Address, err)
				os.Exit(1)
			}
			logger.Infof("listening on %s", lc.Address)
		}

		go func() {
			if err := ctx.Run(); err != nil {
				logger.Errorf("event loop exited with error: %v", err)
			}
		}()

		for {
			select {
			case <-sigs.Terminate():
				logger.Infof("shutting down, draining in-flight responses for up to %dms", sc.ShutdownWaitMS)
				_ = ctx.Shutdown(true, time.Duration(sc.ShutdownWaitMS)*time.Millisecond)
				return

			case <-sigs.Reload():
				snap := ctx.Snapshot()
				logger.Infof("reload signal received (listeners=%d sessions=%d peers=%d req=%d rsp=%d)",
					snap.Listeners, snap.Sessions, snap.Peers, snap.ReqCnt, snap.RspCnt)
			}
		}
	},
	Example: "# h2mux serve --config h2mux.yaml",
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "h2mux.yaml", "Configuration file path")
	rootCmd.AddCommand(serveCmd)
}

var configPath string

// listenerOpts 把 ListenerConfig 中与协商相关的部分转换为 listener.Option
func listenerOpts(lc ListenerConfig) []listener.Option {
	if lc.StrictH2 {
		return []listener.Option{listener.WithStrictH2()}
	}
	return nil
}

// acceptCallback 为每条新连接返回 TLS 配置与请求处理器
//
// 处理器本身只是一个占位回显实现: 引擎的职责止于会话 I/O 不关心应用语义
func acceptCallback(lc ListenerConfig) listener.AcceptCallback {
	var tlsConf *tls.Config
	if lc.CertFile != "" && lc.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(lc.CertFile, lc.KeyFile)
		if err != nil {
			logger.Errorf("failed to load tls keypair for %s: %v", lc.Address, err)
		} else {
			tlsConf = &tls.Config{
				Certificates: []tls.Certificate{cert},
				NextProtos:   []string{"h2", "http/1.1"},
			}
		}
	}

	return func(conn net.Conn) (*tls.Config, bool, session.Handler) {
		return tlsConf, lc.ForceH2, session.Handler{OnRequest: echoHandler}
	}
}

// echoHandler 以 200 响应回显请求的方法与路径 作为引擎可用性的最小示例
func echoHandler(s *session.Session, st *session.Stream) {
	req := st.Request()
	body := []byte("h2mux: echo of " + req.Method + " " + req.URL.Path)

	resp := &http.Response{
		StatusCode: http.StatusOK,
		Proto:      req.Proto,
		Header:     http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
	}
	s.Respond(st, resp, body)
}
