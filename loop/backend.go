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

// event 是一次 readiness 通知 对同一个 fd 可以同时携带读写两个方向的信息
type event struct {
	fd       int
	readable bool
	writable bool
	errored  bool
	hup      bool
}

// backend 是 EventLoop 的 readiness 后端契约 epoll (Linux) 与通用 poll 都实现同一接口
type backend interface {
	addRead(fd int) error
	addWrite(fd int) error
	delWrite(fd int) error
	remove(fd int) error
	wait(timeoutMs int) ([]event, error)
}
