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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeH2SettingsNilOverrideKeepsDefaults(t *testing.T) {
	got, err := DecodeH2Settings(nil)
	require.NoError(t, err)
	assert.Equal(t, defaultSettings(), got)
}

func TestDecodeH2SettingsOverridesOnlyProvidedKeys(t *testing.T) {
	got, err := DecodeH2Settings(map[string]any{
		"MaxConcurrentStreams": 16,
		"InitialWindowSize":    1 << 16,
	})
	require.NoError(t, err)

	want := defaultSettings()
	want.MaxConcurrentStreams = 16
	want.InitialWindowSize = 1 << 16
	assert.Equal(t, want, got)
}

func TestDecodeH2SettingsRejectsWrongFieldType(t *testing.T) {
	_, err := DecodeH2Settings(map[string]any{"EnablePush": "not-a-bool"})
	assert.Error(t, err)
}

func TestOpenWithSettingsUsesOverrideInsteadOfDefaults(t *testing.T) {
	override := defaultSettings()
	override.MaxFrameSize = 32768

	c := New(RoleServer, false, Callbacks{})
	c.OpenWithSettings(override)
	assert.Equal(t, override, c.local)

	chunk, ok := c.NextChunk()
	require.True(t, ok)

	hdr := decodeFrameHeader(chunk[:frameHeaderLen])
	assert.Equal(t, FrameSettings, hdr.Type)

	var got Settings
	require.NoError(t, parseSettings(chunk[frameHeaderLen:], &got))
	assert.Equal(t, override, got)
}

func TestOpenUsesBuiltinDefaults(t *testing.T) {
	c := New(RoleClient, false, Callbacks{})
	c.Open()
	assert.Equal(t, defaultSettings(), c.local)
}
