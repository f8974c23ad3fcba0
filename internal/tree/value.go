// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package tree

import (
	"bytes"
	"fmt"
	"strconv"
)

// Kind enumerates the value types a leaf can carry. A leaf's kind is fixed
// the first time a valid value is stored.
type Kind int

const (
	KindInvalid Kind = iota
	KindInt
	KindReal
	KindText
	KindBytes
)

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindInt:
		return "int"
	case KindReal:
		return "real"
	case KindText:
		return "text"
	case KindBytes:
		return "bytes"
	}
	return "unknown"
}

// Value is a typed item value. The zero Value is invalid.
type Value struct {
	kind Kind
	i    int64
	f    float64
	s    string
	b    []byte
}

// Invalid returns the null value used for absent measurements.
func Invalid() Value { return Value{} }

func Int(v int64) Value { return Value{kind: KindInt, i: v} }

func Real(v float64) Value { return Value{kind: KindReal, f: v} }

func Text(v string) Value { return Value{kind: KindText, s: v} }

func Bytes(v []byte) Value { return Value{kind: KindBytes, b: v} }

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsValid() bool { return v.kind != KindInvalid }

// Int returns the integer payload, converting a real if needed.
func (v Value) Int() int64 {
	if v.kind == KindReal {
		return int64(v.f)
	}
	return v.i
}

// Real returns the floating point payload, converting an int if needed.
func (v Value) Real() float64 {
	if v.kind == KindInt {
		return float64(v.i)
	}
	return v.f
}

func (v Value) Text() string { return v.s }

func (v Value) Bytes() []byte { return v.b }

// Equal reports whether two values carry the same kind and payload.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindInvalid:
		return true
	case KindInt:
		return v.i == o.i
	case KindReal:
		return v.f == o.f
	case KindText:
		return v.s == o.s
	case KindBytes:
		return bytes.Equal(v.b, o.b)
	}
	return false
}

// Format renders the value with the given precision, without a unit.
func (v Value) Format(precision int) string {
	switch v.kind {
	case KindInvalid:
		return ""
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindReal:
		return strconv.FormatFloat(v.f, 'f', precision, 64)
	case KindText:
		return v.s
	case KindBytes:
		return fmt.Sprintf("% x", v.b)
	}
	return ""
}

func (v Value) String() string {
	return v.Format(-1)
}
