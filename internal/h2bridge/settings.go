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
	"encoding/binary"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// SETTINGS 参数标识符 (RFC 7540 §6.5.2)
const (
	settingHeaderTableSize      uint16 = 0x1
	settingEnablePush           uint16 = 0x2
	settingMaxConcurrentStreams uint16 = 0x3
	settingInitialWindowSize    uint16 = 0x4
	settingMaxFrameSize         uint16 = 0x5
	settingMaxHeaderListSize    uint16 = 0x6
)

// Settings 记录一端声明的连接级参数 零值并不等于 RFC 规定的默认值 本端的初始值见 defaultSettings
type Settings struct {
	HeaderTableSize      uint32
	EnablePush           bool
	MaxConcurrentStreams uint32
	InitialWindowSize    uint32
	MaxFrameSize         uint32
	MaxHeaderListSize    uint32
}

// defaultSettings 本端发起连接时采用的初始设置
func defaultSettings() Settings {
	return Settings{
		HeaderTableSize:      4096,
		EnablePush:           false,
		MaxConcurrentStreams: 128,
		InitialWindowSize:    65535,
		MaxFrameSize:         DefaultMaxFrameSize,
		MaxHeaderListSize:    0, // 0 表示不限制
	}
}

// H2Settings 是动态配置重载场景下 SETTINGS 覆盖值的解码目标 独立于 confengine 的静态加载路径
type H2Settings = Settings

// DecodeH2Settings 把一份来自配置热更新的原始 map 覆盖解码到 defaultSettings 之上
// 调用方省略的键保持默认值不变
func DecodeH2Settings(raw map[string]any) (H2Settings, error) {
	s := defaultSettings()
	if len(raw) == 0 {
		return s, nil
	}
	if err := mapstructure.Decode(raw, &s); err != nil {
		return Settings{}, errors.Wrap(err, "decode h2 settings override failed")
	}
	return s, nil
}

// parseSettings 解析 SETTINGS 帧 payload 每 6 字节一个 (id uint16, value uint32)
func parseSettings(payload []byte, into *Settings) error {
	if len(payload)%6 != 0 {
		return ErrMalformed
	}
	for i := 0; i+6 <= len(payload); i += 6 {
		id := binary.BigEndian.Uint16(payload[i : i+2])
		val := binary.BigEndian.Uint32(payload[i+2 : i+6])
		switch id {
		case settingHeaderTableSize:
			into.HeaderTableSize = val
		case settingEnablePush:
			into.EnablePush = val != 0
		case settingMaxConcurrentStreams:
			into.MaxConcurrentStreams = val
		case settingInitialWindowSize:
			into.InitialWindowSize = val
		case settingMaxFrameSize:
			into.MaxFrameSize = val
		case settingMaxHeaderListSize:
			into.MaxHeaderListSize = val
		}
	}
	return nil
}

// encodeSettings 把 Settings 编码为 SETTINGS 帧 payload
func encodeSettings(s Settings) []byte {
	payload := make([]byte, 0, 6*6)
	put := func(id uint16, val uint32) {
		var b [6]byte
		binary.BigEndian.PutUint16(b[0:2], id)
		binary.BigEndian.PutUint32(b[2:6], val)
		payload = append(payload, b[:]...)
	}
	put(settingHeaderTableSize, s.HeaderTableSize)
	if s.EnablePush {
		put(settingEnablePush, 1)
	} else {
		put(settingEnablePush, 0)
	}
	put(settingMaxConcurrentStreams, s.MaxConcurrentStreams)
	put(settingInitialWindowSize, s.InitialWindowSize)
	put(settingMaxFrameSize, s.MaxFrameSize)
	if s.MaxHeaderListSize > 0 {
		put(settingMaxHeaderListSize, s.MaxHeaderListSize)
	}
	return payload
}
