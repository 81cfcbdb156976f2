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

package common

const (
	// App 应用程序名称
	App = "h2mux"

	// Version 应用程序版本
	Version = "v0.0.1"

	// H2RecvBufSize 单次从 transport 读取的最大字节数
	H2RecvBufSize = 65536

	// H2SendMergeBufSize WriteBuffer 合并缓冲区大小
	//
	// 太小会导致过多的系统调用 太大则会占用过多内存
	// 取 16 KiB 与 HTTP/2 默认的最大帧 payload 相同
	H2SendMergeBufSize = 16384

	// DefaultAccumulatorSize ReadAccumulator 的默认初始容量
	DefaultAccumulatorSize = 16 * 1024

	// PollTimeout EventLoop 每轮等待的超时时间
	//
	// 用于定期重新检视 service_flag 从而响应 Stop
	PollTimeout = 100
)
