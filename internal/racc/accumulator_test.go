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

package racc

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/packetd/h2mux/common"
)

func TestAccumulatorAppendAndAdvance(t *testing.T) {
	a := New()
	a.Append([]byte("hello "))
	a.Append([]byte("world"))

	assert.Equal(t, "hello world", string(a.Bytes()))
	assert.Equal(t, 11, a.Len())

	a.Advance(6)
	assert.Equal(t, "world", string(a.Bytes()))
	assert.Equal(t, 5, a.Len())
}

func TestAccumulatorAdvanceClampsToSize(t *testing.T) {
	a := New()
	a.Append([]byte("abc"))
	a.Advance(100)
	assert.Equal(t, 0, a.Len())
}

func TestAccumulatorCompactAdvancesOffset(t *testing.T) {
	a := New()
	a.buf = make([]byte, 0, 8)
	a.Append([]byte("abcd")) // fits entirely, size=4 cap=8
	a.Advance(2)             // used=2

	a.Append([]byte("efghij")) // size+len = 4+6=10 > cap(8); remain(2)+6=8 <= cap(8) -> compact path

	assert.Equal(t, int64(2), a.Offset())
	assert.Equal(t, "cdefghij", string(a.Bytes()))
}

func TestAccumulatorReallocGrowsAndPreservesUnconsumedTail(t *testing.T) {
	a := New()
	big := make([]byte, common.DefaultAccumulatorSize+10)
	for i := range big {
		big[i] = byte(i)
	}
	a.Append(big)
	assert.Equal(t, len(big), a.Len())
	assert.Equal(t, big, a.Bytes())

	a.Advance(len(big) - 3)
	more := []byte{1, 2, 3, 4}
	a.Append(more)
	assert.Equal(t, append(big[len(big)-3:], more...), a.Bytes())
}

func TestAccumulatorShrinkIfIdleKeepsSmallBuffer(t *testing.T) {
	a := New()
	a.Append([]byte("small"))
	a.Advance(5)
	a.ShrinkIfIdle()

	assert.Equal(t, 0, a.Len())
	assert.LessOrEqual(t, cap(a.buf), common.DefaultAccumulatorSize)
}

func TestAccumulatorShrinkIfIdleReleasesOversizedBuffer(t *testing.T) {
	a := New()
	big := make([]byte, common.DefaultAccumulatorSize*3)
	a.Append(big)
	a.Advance(len(big))
	a.ShrinkIfIdle()

	assert.Equal(t, 0, a.Len())
	assert.Nil(t, a.buf)
}

func TestAccumulatorShrinkIfIdleNoopWhenNotFullyConsumed(t *testing.T) {
	a := New()
	a.Append([]byte("hello"))
	a.Advance(2)
	a.ShrinkIfIdle()

	assert.Equal(t, 3, a.Len())
	assert.Equal(t, "llo", string(a.Bytes()))
}
