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

// Package fserr defines the small error taxonomy shared by the object
// store, overlay and inode layers, and the translation from that
// taxonomy to the error codes the filesystem bridge understands.
package fserr

import (
	"errors"
	"fmt"
)

// Code is one of the error codes surfaced to the filesystem bridge.
type Code int

const (
	// CodeNotFound means the requested key, name or object does not exist.
	CodeNotFound Code = iota
	CodeNotADirectory
	CodeIsADirectory
	CodeNotEmpty
	CodeExists
	CodeIOError
	CodeReadOnly
	CodeInterrupted
)

func (c Code) String() string {
	switch c {
	case CodeNotFound:
		return "NotFound"
	case CodeNotADirectory:
		return "NotADirectory"
	case CodeIsADirectory:
		return "IsADirectory"
	case CodeNotEmpty:
		return "NotEmpty"
	case CodeExists:
		return "Exists"
	case CodeIOError:
		return "IoError"
	case CodeReadOnly:
		return "ReadOnly"
	case CodeInterrupted:
		return "Interrupted"
	default:
		return "Unknown"
	}
}

// Class categorizes errors for logging and recovery purposes. It is
// coarser than Code: several Codes (NotADirectory, IsADirectory,
// NotEmpty, Exists) are all Conflict-class.
type Class int

const (
	ClassAbsent Class = iota
	ClassTransport
	ClassCorruption
	ClassConflict
	ClassInvariant
)

// Error is a classified error carrying a filesystem Code.
type Error struct {
	Code  Code
	Class Class
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Class, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func (c Class) String() string {
	switch c {
	case ClassAbsent:
		return "absent"
	case ClassTransport:
		return "transport"
	case ClassCorruption:
		return "corruption"
	case ClassConflict:
		return "conflict"
	case ClassInvariant:
		return "invariant"
	default:
		return "unknown"
	}
}

// NotFound builds an Absent-class NotFound error.
func NotFound(msg string) error {
	return &Error{Code: CodeNotFound, Class: ClassAbsent, Msg: msg}
}

// Transport wraps a backing-store or local-KV I/O failure.
func Transport(msg string, err error) error {
	return &Error{Code: CodeIOError, Class: ClassTransport, Msg: msg, Err: err}
}

// Corruption marks a fetched object or on-disk record as unusable.
func Corruption(msg string, err error) error {
	return &Error{Code: CodeIOError, Class: ClassCorruption, Msg: msg, Err: err}
}

// Conflict builds a user-visible filesystem conflict, such as NotEmpty
// or Exists.
func Conflict(code Code, msg string) error {
	return &Error{Code: code, Class: ClassConflict, Msg: msg}
}

// Invariant marks a materialization-invariant violation. Callers that
// see this should mark the affected subtree degraded.
func Invariant(msg string) error {
	return &Error{Code: CodeIOError, Class: ClassInvariant, Msg: msg}
}

// CodeOf extracts the Code of err, defaulting to CodeIOError for
// unclassified errors. Errors wrapping ErrAbsent, and a nil err, yield
// CodeNotFound.
func CodeOf(err error) Code {
	if err == nil {
		return CodeNotFound
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	if errors.Is(err, ErrAbsent) {
		return CodeNotFound
	}
	return CodeIOError
}

// ClassOf extracts the Class of err, defaulting to ClassTransport for
// unclassified errors.
func ClassOf(err error) Class {
	if err == nil {
		return ClassTransport
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Class
	}
	return ClassTransport
}

// ErrAbsent is a sentinel usable with errors.Is for storage layers that
// do not need the full Error struct (e.g. a plain "key not in bucket").
var ErrAbsent = errors.New("fserr: absent")
