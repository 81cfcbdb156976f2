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

package h1msg

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packetd/h2mux/internal/racc"
)

func feedAll(t *testing.T, p *Parser, data []byte, chunkSize int) []*Message {
	t.Helper()
	acc := racc.New()
	var got []*Message

	for len(data) > 0 {
		n := chunkSize
		if n > len(data) {
			n = len(data)
		}
		acc.Append(data[:n])
		data = data[n:]

		err := p.Feed(acc, func(m *Message) { got = append(got, m) })
		require.NoError(t, err)
	}
	return got
}

func TestParserRequestWholeInOneShot(t *testing.T) {
	raw := "POST /submit HTTP/1.1\r\nHost: example.com\r\nContent-Length: 5\r\nX-Trace: abc\r\n\r\nhello"

	p := New(RoleServer, false)
	msgs := feedAll(t, p, []byte(raw), len(raw))

	require.Len(t, msgs, 1)
	req := msgs[0].Request
	assert.Equal(t, "POST", req.Method)
	assert.Equal(t, "/submit", req.URL.Path)
	assert.Equal(t, "example.com", msgs[0].Authority)
	assert.Equal(t, "abc", req.Header.Get("X-Trace"))
	assert.Equal(t, int64(5), req.ContentLength)

	body, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
}

// TestParserResilientToByteAtATimeDelivery 是 §8 的 chunking 韧性场景: 不管字节如何被拆分喂入
// accumulator 最终都必须产出与一次性喂入等价的消息
func TestParserResilientToByteAtATimeDelivery(t *testing.T) {
	raw := "GET /a/b?c=d HTTP/1.1\r\nHost: h.example\r\nAccept: */*\r\nContent-Length: 3\r\n\r\nxyz"

	p := New(RoleServer, true)
	msgs := feedAll(t, p, []byte(raw), 1)

	require.Len(t, msgs, 1)
	req := msgs[0].Request
	assert.Equal(t, "GET", req.Method)
	assert.Equal(t, "https", req.URL.Scheme)
	assert.Equal(t, "/a/b?c=d", req.URL.Path)
	assert.Equal(t, "*/*", req.Header.Get("Accept"))

	body, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.Equal(t, "xyz", string(body))
}

func TestParserClientResponseNoBody(t *testing.T) {
	raw := "HTTP/1.1 204 No Content\r\nX-Request-Id: r-1\r\n\r\n"

	p := New(RoleClient, false)
	msgs := feedAll(t, p, []byte(raw), 3)

	require.Len(t, msgs, 1)
	resp := msgs[0].Response
	assert.Equal(t, 204, resp.StatusCode)
	assert.Equal(t, "r-1", resp.Header.Get("X-Request-Id"))
}

func TestParserMultipleMessagesBackToBack(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nokHTTP/1.1 404 Not Found\r\nContent-Length: 0\r\n\r\n"

	p := New(RoleClient, false)
	msgs := feedAll(t, p, []byte(raw), 7)

	require.Len(t, msgs, 2)
	assert.Equal(t, 200, msgs[0].Response.StatusCode)
	assert.Equal(t, 404, msgs[1].Response.StatusCode)
}

func TestParserMalformedRequestLineMissingVersion(t *testing.T) {
	raw := "GET /nope\r\nHost: x\r\n\r\n"
	p := New(RoleServer, false)
	acc := racc.New()
	acc.Append([]byte(raw))

	err := p.Feed(acc, func(*Message) { t.Fatal("should not complete") })
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestParserMalformedStatusLineNonNumeric(t *testing.T) {
	raw := "HTTP/1.1 abc OK\r\n\r\n"
	p := New(RoleClient, false)
	acc := racc.New()
	acc.Append([]byte(raw))

	err := p.Feed(acc, func(*Message) { t.Fatal("should not complete") })
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestParserMalformedHeaderLineMissingColon(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nbroken-header\r\n\r\n"
	p := New(RoleServer, false)
	acc := racc.New()
	acc.Append([]byte(raw))

	err := p.Feed(acc, func(*Message) { t.Fatal("should not complete") })
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestParserRejectsBadContentLength(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nContent-Length: notanumber\r\n\r\n"
	p := New(RoleServer, false)
	acc := racc.New()
	acc.Append([]byte(raw))

	err := p.Feed(acc, func(*Message) { t.Fatal("should not complete") })
	assert.ErrorIs(t, err, ErrMalformed)
}
