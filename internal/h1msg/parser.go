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

// Package h1msg 实现 HTTP/1.1 的增量解析: request-line/status-line → headers → fixed-length body
//
// 解析产物复用 net/http 的 Request/Response 类型作为消息句柄 (仅使用其构造器与访问器)
// 本包只负责按 accumulator 中已有的字节增量推进状态机 不做 chunked/Transfer-Encoding 支持
package h1msg

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/net/http/httpguts"

	"github.com/packetd/h2mux/internal/racc"
)

// Role 区分解析的是请求还是响应
type Role uint8

const (
	RoleServer Role = iota
	RoleClient
)

// ErrMalformed 首行或 header 不合法 调用方应将 Session 标记为 close-reason http-error
var ErrMalformed = errors.New("h1msg: malformed message")

type state uint8

const (
	stateFirstLine state = iota
	stateHeaders
	stateBody
	stateComplete
)

// Message 是一条完整解析出来的 HTTP/1.1 消息
//
// Server 角色产出 Request Client 角色产出 Response 两者互斥
type Message struct {
	Request   *http.Request
	Response  *http.Response
	Authority string // 仅 Server 角色填充 来自 Host header

	// StreamID 仅在消息来自 HTTP/2 会话时有意义 HTTP/1.1 消息恒为 0
	StreamID uint32
}

// Parser 单条连接方向上的增量状态机 不支持并发调用
type Parser struct {
	role Role
	tls  bool

	state         state
	contentLength int64
	bodyNeed      int64
	bodyBuf       []byte

	method, path, authority string
	status                  int
	header                  http.Header
}

// New 创建一个 Parser role 决定首行解析为 request-line 还是 status-line
// tls 仅在 Server 角色下用于推导 scheme
func New(role Role, tls bool) *Parser {
	return &Parser{role: role, tls: tls, header: make(http.Header)}
}

// Feed 从 acc 中解析出尽可能多的完整消息 每解析出一条就回调一次 onComplete
//
// 在 onComplete 返回之前不会开始解析下一条消息 accumulator 中剩余字节原样保留供下次调用
func (p *Parser) Feed(acc *racc.Accumulator, onComplete func(*Message)) error {
	for {
		switch p.state {
		case stateFirstLine:
			line, ok := popLine(acc)
			if !ok {
				return nil
			}
			if err := p.parseFirstLine(line); err != nil {
				return err
			}
			p.state = stateHeaders

		case stateHeaders:
			for {
				line, ok := popLine(acc)
				if !ok {
					return nil
				}
				if len(line) == 0 {
					p.state = stateBody
					break
				}
				if err := p.parseHeaderLine(line); err != nil {
					return err
				}
			}
			if p.contentLength == 0 {
				p.state = stateComplete
			} else {
				p.bodyNeed = p.contentLength
			}

		case stateBody:
			if int64(acc.Len()) < p.bodyNeed {
				return nil
			}
			body := make([]byte, p.bodyNeed)
			copy(body, acc.Bytes()[:p.bodyNeed])
			acc.Advance(int(p.bodyNeed))
			p.bodyBuf = body
			p.state = stateComplete

		case stateComplete:
			msg := p.build()
			onComplete(msg)
			p.reset()
		}
	}
}

// popLine 从 acc 中取出下一行 (以 LF 结尾 丢弃尾部 CR) 没有完整行时返回 ok=false
func popLine(acc *racc.Accumulator) ([]byte, bool) {
	data := acc.Bytes()
	idx := bytes.IndexByte(data, '\n')
	if idx < 0 {
		return nil, false
	}
	line := data[:idx]
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	acc.Advance(idx + 1)
	return line, true
}

const httpVersion = "HTTP/1.1"

func (p *Parser) parseFirstLine(line []byte) error {
	if p.role == RoleServer {
		return p.parseRequestLine(line)
	}
	return p.parseStatusLine(line)
}

// parseRequestLine METHOD SP PATH SP HTTP/1.1
func (p *Parser) parseRequestLine(line []byte) error {
	s := strings.TrimRight(string(line), " \t")
	if !strings.HasSuffix(s, httpVersion) {
		return errors.Wrapf(ErrMalformed, "request-line missing %s suffix", httpVersion)
	}
	rest := strings.TrimRight(s[:len(s)-len(httpVersion)], " \t")
	rest = strings.TrimLeft(rest, " \t")

	idx := strings.IndexAny(rest, " \t")
	if idx < 0 {
		return errors.Wrap(ErrMalformed, "request-line missing path")
	}
	method := rest[:idx]
	path := strings.TrimLeft(rest[idx+1:], " \t")
	if method == "" || path == "" {
		return errors.Wrap(ErrMalformed, "empty method or path")
	}

	p.method = method
	p.path = path
	return nil
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

// parseStatusLine HTTP/1.1 SP ddd[SP reason]
func (p *Parser) parseStatusLine(line []byte) error {
	if !bytes.HasPrefix(line, []byte(httpVersion)) {
		return errors.Wrapf(ErrMalformed, "status-line missing %s prefix", httpVersion)
	}
	line = line[len(httpVersion):]
	if len(line) == 0 || (line[0] != ' ' && line[0] != '\t') {
		return errors.Wrap(ErrMalformed, "status-line missing status code")
	}
	line = bytes.TrimLeft(line, " \t")
	if len(line) < 3 {
		return errors.Wrap(ErrMalformed, "status-line too short")
	}
	d0, d1, d2 := line[0], line[1], line[2]
	if !isDigit(d0) || !isDigit(d1) || !isDigit(d2) {
		return errors.Wrap(ErrMalformed, "status-line not numeric")
	}
	if d0 < '1' || d0 > '5' {
		return errors.Wrap(ErrMalformed, "status-line out of range")
	}
	if len(line) > 3 {
		c := line[3]
		if c != ' ' && c != '\t' {
			return errors.Wrap(ErrMalformed, "status-line malformed terminator")
		}
	}

	p.status = 100*int(d0-'0') + 10*int(d1-'0') + int(d2-'0')
	return nil
}

func (p *Parser) parseHeaderLine(line []byte) error {
	idx := bytes.IndexByte(line, ':')
	if idx < 0 {
		return errors.Wrap(ErrMalformed, "header line missing colon")
	}
	name := strings.TrimSpace(string(line[:idx]))
	value := strings.Trim(string(line[idx+1:]), " \t")

	switch strings.ToLower(name) {
	case "host":
		if p.role == RoleServer {
			p.authority = value
			return nil
		}
	case "content-length":
		n, err := strconv.ParseUint(value, 10, 63)
		if err != nil {
			return errors.Wrapf(ErrMalformed, "bad content-length %q", value)
		}
		p.contentLength = int64(n)
		return nil
	}

	if !httpguts.ValidHeaderFieldName(name) || !httpguts.ValidHeaderFieldValue(value) {
		return errors.Wrapf(ErrMalformed, "invalid header field %q", name)
	}
	p.header.Add(name, value)
	return nil
}

func (p *Parser) build() *Message {
	if p.role == RoleServer {
		scheme := "http"
		if p.tls {
			scheme = "https"
		}
		u := &url.URL{Scheme: scheme, Host: p.authority, Path: p.path}
		req := &http.Request{
			Method:        p.method,
			URL:           u,
			Proto:         httpVersion,
			ProtoMajor:    1,
			ProtoMinor:    1,
			Header:        p.header,
			Host:          p.authority,
			ContentLength: p.contentLength,
			Body:          io.NopCloser(bytes.NewReader(p.bodyBuf)),
		}
		return &Message{Request: req, Authority: p.authority}
	}

	resp := &http.Response{
		Status:        strconv.Itoa(p.status) + " ",
		StatusCode:    p.status,
		Proto:         httpVersion,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        p.header,
		ContentLength: p.contentLength,
		Body:          io.NopCloser(bytes.NewReader(p.bodyBuf)),
	}
	return &Message{Response: resp}
}

func (p *Parser) reset() {
	p.state = stateFirstLine
	p.contentLength = 0
	p.bodyNeed = 0
	p.bodyBuf = nil
	p.method = ""
	p.path = ""
	p.authority = ""
	p.status = 0
	p.header = make(http.Header)
}
