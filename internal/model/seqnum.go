package model

import (
	"strconv"
	"strings"
)

// SeqNum is a stream-assigned sequence number in canonical decimal form.
// Transports with 128-bit sequence numbers (Kinesis) and 64-bit counters
// (memory, Redis) share this representation. The empty value sorts before
// every assigned sequence number.
type SeqNum string

// SeqFromUint converts a counter value to a SeqNum.
func SeqFromUint(n uint64) SeqNum {
	if n == 0 {
		return ""
	}
	return SeqNum(strconv.FormatUint(n, 10))
}

// Uint returns the numeric value for 64-bit transports.
func (s SeqNum) Uint() (uint64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(string(s), 10, 64)
}

// IsZero reports whether no sequence has been assigned.
func (s SeqNum) IsZero() bool {
	return s == ""
}

// Compare returns -1, 0 or 1. Numbers are compared by length first, which is
// valid because canonical decimals carry no leading zeros.
func (s SeqNum) Compare(o SeqNum) int {
	a := strings.TrimLeft(string(s), "0")
	b := strings.TrimLeft(string(o), "0")
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return strings.Compare(a, b)
}

// After reports whether s > o.
func (s SeqNum) After(o SeqNum) bool {
	return s.Compare(o) > 0
}

func (s SeqNum) String() string {
	if s == "" {
		return "0"
	}
	return string(s)
}
