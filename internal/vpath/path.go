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

// Package vpath provides path primitives for relative, repository-internal
// paths, mirroring the distinction the original C++ sources draw between
// AbsolutePath (real filesystem paths) and RelativePath (paths inside a
// checkout, always "/"-separated regardless of host OS).
package vpath

import "strings"

// Relative is a "/"-separated path relative to a mount root. The empty
// Relative("") denotes the mount root itself.
type Relative string

// Root is the relative path denoting the mount root.
const Root Relative = ""

// Components splits a Relative path into its path components. The root
// path has zero components.
func (r Relative) Components() []string {
	if r == "" {
		return nil
	}
	return strings.Split(string(r), "/")
}

// Join appends a single path component, returning a new Relative path.
func (r Relative) Join(component string) Relative {
	if r == "" {
		return Relative(component)
	}
	return Relative(string(r) + "/" + component)
}

// Dir returns the parent path and the final component. Dir of the root
// path returns (Root, "").
func (r Relative) Dir() (Relative, string) {
	s := string(r)
	i := strings.LastIndexByte(s, '/')
	if i < 0 {
		if s == "" {
			return Root, ""
		}
		return Root, s
	}
	return Relative(s[:i]), s[i+1:]
}

// Basename is the final path component.
func (r Relative) Basename() string {
	_, base := r.Dir()
	return base
}

// IsDotfile reports whether the final path component begins with ".".
func (r Relative) IsDotfile() bool {
	base := r.Basename()
	return len(base) > 0 && base[0] == '.'
}

// FromComponents re-joins path components produced by Components.
func FromComponents(components []string) Relative {
	return Relative(strings.Join(components, "/"))
}
