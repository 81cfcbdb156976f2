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

//go:build !linux

package loop

import "golang.org/x/sys/unix"

// pollBackend 是非 Linux 平台的通用 readiness 后端 基于 poll(2)
//
// 与 epollBackend 语义等价: addRead/addWrite/delWrite/remove 只更新关注集合 每次 wait 都据此完整重建 pollfd 数组
// 代价是 wait 的复杂度是 O(被监听 fd 数) 而不是 epoll 的事件数量 在会话规模较大时更慢
// 但不依赖 Linux 专有的 epoll API 可以在任何支持 poll(2) 的平台上运行
type pollBackend struct {
	reads  map[int]bool
	writes map[int]bool
}

func newBackend() (backend, error) {
	return &pollBackend{reads: make(map[int]bool), writes: make(map[int]bool)}, nil
}

func (b *pollBackend) addRead(fd int) error {
	b.reads[fd] = true
	return nil
}

func (b *pollBackend) addWrite(fd int) error {
	b.writes[fd] = true
	return nil
}

func (b *pollBackend) delWrite(fd int) error {
	delete(b.writes, fd)
	return nil
}

func (b *pollBackend) remove(fd int) error {
	delete(b.reads, fd)
	delete(b.writes, fd)
	return nil
}

func (b *pollBackend) wait(timeoutMs int) ([]event, error) {
	if len(b.reads) == 0 {
		return nil, nil
	}

	fds := make([]unix.PollFd, 0, len(b.reads))
	for fd := range b.reads {
		var ev int16 = unix.POLLIN
		if b.writes[fd] {
			ev |= unix.POLLOUT
		}
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: ev})
	}

	_, err := unix.Poll(fds, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}

	out := make([]event, 0, len(fds))
	for _, pf := range fds {
		if pf.Revents == 0 {
			continue
		}
		out = append(out, event{
			fd:       int(pf.Fd),
			readable: pf.Revents&unix.POLLIN != 0,
			writable: pf.Revents&unix.POLLOUT != 0,
			errored:  pf.Revents&unix.POLLERR != 0,
			hup:      pf.Revents&(unix.POLLHUP|unix.POLLRDHUP) != 0,
		})
	}
	return out, nil
}
