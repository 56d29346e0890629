// Copyright 2016 Google Inc. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

// Source names where a Setting's value was populated from. Higher
// values take precedence over lower ones in EffectiveValue.
type Source int

const (
	SourceDefault Source = iota
	SourceSystem
	SourceUser
	SourceCommandLine
)

func (s Source) String() string {
	switch s {
	case SourceDefault:
		return "default"
	case SourceSystem:
		return "system"
	case SourceUser:
		return "user"
	case SourceCommandLine:
		return "command_line"
	default:
		return "unknown"
	}
}

// Setting is one configuration knob tracked per Source, used by the
// environment-precedence resolution in §6: command-line overrides beat
// the user config file, which beats the system config file, which
// beats the compiled default. Every layer that populates a value
// records which Source it came from, rather than overwriting blindly,
// so EffectiveValue can always explain itself.
type Setting[T any] struct {
	name     string
	values   [4]*T
}

// NewSetting returns a Setting named name with no values set at any
// source.
func NewSetting[T any](name string) *Setting[T] {
	return &Setting[T]{name: name}
}

// Name returns the setting's name, as it appears in a config file or
// command-line flag.
func (s *Setting[T]) Name() string { return s.name }

// Set records value as populated from src.
func (s *Setting[T]) Set(src Source, value T) {
	v := value
	s.values[src] = &v
}

// EffectiveValue returns the highest-priority populated value and the
// Source it came from. ok is false if no source has populated this
// setting.
func (s *Setting[T]) EffectiveValue() (value T, src Source, ok bool) {
	for src := SourceCommandLine; src >= SourceDefault; src-- {
		if v := s.values[src]; v != nil {
			return *v, src, true
		}
	}
	var zero T
	return zero, SourceDefault, false
}
