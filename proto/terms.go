package proto

import (
	"math/big"

	"github.com/okeuday/erlang_go/v2/erlang"
)

// Helpers that normalize the several encodings a host may use for the
// same logical value: strings arrive as STRING_EXT, binaries, or char
// lists; integers as small ints, 32-bit ints, or bignums.

func termInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case uint8:
		return int64(n), true
	case int8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case int16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case int32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case uint:
		return int64(n), true
	case *big.Int:
		if n.IsInt64() {
			return n.Int64(), true
		}
	}
	return 0, false
}

func termAtom(v interface{}) (string, bool) {
	switch a := v.(type) {
	case erlang.OtpErlangAtom:
		return string(a), true
	case erlang.OtpErlangAtomUTF8:
		return string(a), true
	}
	return "", false
}

func termString(v interface{}) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case erlang.OtpErlangBinary:
		return string(s.Value), true
	case erlang.OtpErlangList:
		// Char list; also matches the empty string, which decodes as NIL.
		b := make([]byte, 0, len(s.Value))
		for _, el := range s.Value {
			n, ok := termInt(el)
			if !ok || n < 0 || n > 255 {
				return "", false
			}
			b = append(b, byte(n))
		}
		return string(b), true
	}
	return "", false
}

func termBinary(v interface{}) ([]byte, bool) {
	if b, ok := v.(erlang.OtpErlangBinary); ok {
		return b.Value, true
	}
	if s, ok := termString(v); ok {
		return []byte(s), true
	}
	return nil, false
}

func termTuple(v interface{}) (erlang.OtpErlangTuple, bool) {
	t, ok := v.(erlang.OtpErlangTuple)
	return t, ok
}

func termList(v interface{}) ([]interface{}, bool) {
	if l, ok := v.(erlang.OtpErlangList); ok {
		return l.Value, true
	}
	return nil, false
}

func atom(s string) erlang.OtpErlangAtom {
	return erlang.OtpErlangAtom(s)
}

func tuple(terms ...interface{}) erlang.OtpErlangTuple {
	return erlang.OtpErlangTuple(terms)
}

func bin(b []byte) erlang.OtpErlangBinary {
	return erlang.OtpErlangBinary{Value: b, Bits: 8}
}
