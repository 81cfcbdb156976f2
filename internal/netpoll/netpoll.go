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

// Package netpoll 封装了裸 fd 上的非阻塞读写以及 Listener/Session 所需要的 socket 选项
//
// Session 的 transport 必须是非阻塞的 would-block 条件 (EAGAIN/EWOULDBLOCK/EINTR)
// 被统一折叠为 ErrWouldBlock 由上层 (wbuf/racc/session) 当作本地重试处理 不作为错误上抛
package netpoll

import (
	"errors"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock 代表 transport 暂不可读/写 调用方应在下一次 readiness 事件时重试
var ErrWouldBlock = errors.New("netpoll: would block")

// ErrEOF 代表 transport 对端已关闭 (recv 返回 0)
var ErrEOF = errors.New("netpoll: eof")

// IsWouldBlock 判断 err 是否是本地可重试的 would-block 错误
func IsWouldBlock(err error) bool {
	return errors.Is(err, ErrWouldBlock)
}

func classifyErrno(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
		return ErrWouldBlock
	}
	return err
}

// RawRead 对裸 fd 执行一次非阻塞 read
func RawRead(fd int, p []byte) (int, error) {
	n, err := unix.Read(fd, p)
	if err != nil {
		return 0, classifyErrno(err)
	}
	if n == 0 {
		return 0, ErrEOF
	}
	return n, nil
}

// RawWrite 对裸 fd 执行一次非阻塞 write
func RawWrite(fd int, p []byte) (int, error) {
	n, err := unix.Write(fd, p)
	if err != nil {
		return n, classifyErrno(err)
	}
	return n, nil
}

// FD 从 net.Conn 中取出裸文件描述符
//
// 取出的 fd 由 runtime 的 netpoller 继续持有生命周期 调用方不应该 close 它
// 若需要自行管理非阻塞 IO 需先 SetNonblock
func FD(conn syscall.Conn) (int, error) {
	rc, err := conn.SyscallConn()
	if err != nil {
		return -1, err
	}

	var fd int
	err = rc.Control(func(p uintptr) {
		fd = int(p)
	})
	if err != nil {
		return -1, err
	}
	return fd, nil
}

// SetNonblock 将 fd 设置为非阻塞模式
func SetNonblock(fd int) error {
	return unix.SetNonblock(fd, true)
}

// SetCloseOnExec 为 fd 设置 FD_CLOEXEC
func SetCloseOnExec(fd int) error {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_SETFD, unix.FD_CLOEXEC)
	return err
}

// SetTCPNoDelay 为 fd 关闭 Nagle 算法
func SetTCPNoDelay(fd int) error {
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
}

// SetReuseAddr 为监听 fd 设置 SO_REUSEADDR
func SetReuseAddr(fd int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
}

// TCPConnFD 返回 *net.TCPConn 的裸 fd 并完成非阻塞化配置
//
// 适用于 Session 接管一条已经由 net.Dial/net.Listener.Accept 建立的连接之后
// 把控制权从 runtime netpoller 转交给我们自己的 EventLoop
func TCPConnFD(c *net.TCPConn) (int, error) {
	raw, err := c.SyscallConn()
	if err != nil {
		return -1, err
	}

	var fd int
	err = raw.Control(func(p uintptr) {
		fd = int(p)
	})
	if err != nil {
		return -1, err
	}

	if err := SetNonblock(fd); err != nil {
		return -1, err
	}
	if err := SetCloseOnExec(fd); err != nil {
		return -1, err
	}
	if err := SetTCPNoDelay(fd); err != nil {
		return -1, err
	}
	return fd, nil
}
