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

package h2bridge

import (
	"net/http"

	"github.com/valyala/bytebufferpool"
)

// recvStream 维护单个 stream 在接收方向上的组装状态
//
// HEADERS/CONTINUATION 帧的 Header Block Fragment 先拼接到 headerBuf
// 直到 END_HEADERS 才整体喂给 HPACK 解码; DATA 帧原样拼接到 bodyBuf 直到 END_STREAM
type recvStream struct {
	headerBuf *bytebufferpool.ByteBuffer
	bodyBuf   *bytebufferpool.ByteBuffer

	pseudo      map[string]string
	header      http.Header
	headersDone bool
	endStream   bool
}

func newRecvStream() *recvStream {
	return &recvStream{
		headerBuf: bytebufferpool.Get(),
		bodyBuf:   bytebufferpool.Get(),
		pseudo:    make(map[string]string, 4),
		header:    make(http.Header),
	}
}

func (st *recvStream) release() {
	bytebufferpool.Put(st.headerBuf)
	bytebufferpool.Put(st.bodyBuf)
}
