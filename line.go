package tarssh

import (
	"bytes"
	"math/rand/v2"
)

const (
	minLineLength = 3
	maxLineLength = 253

	lineTerminatorLen = 2
)

// the identification string prefix an SSH client scans for (RFC 4253, 4.2)
var versionPrefix = []byte("SSH-")

// Source is the randomness a generated line is drawn from.
// *rand.Rand from math/rand/v2 satisfies it.
type Source interface {
	IntN(n int) int
}

type globalSource struct{}

func (globalSource) IntN(n int) int { return rand.IntN(n) }

// GenerateLine fills buf with one random line of printable ASCII followed by CRLF
// and returns the number of bytes written. The body length is uniform in
// [3, maxLen] and the line never starts with "SSH-", so a client never mistakes
// it for a version exchange. maxLen must already be clamped and buf must hold at
// least maxLen+2 bytes.
func GenerateLine(buf []byte, maxLen int, src Source) int {
	if src == nil {
		src = globalSource{}
	}
	n := minLineLength + src.IntN(maxLen-minLineLength+1)
	for i := 0; i < n; i++ {
		buf[i] = byte(0x20 + src.IntN(0x7e-0x20+1)) // ' ' through '~'
	}
	if bytes.HasPrefix(buf[:n], versionPrefix) {
		buf[0] = 'X'
	}
	buf[n] = '\r'
	buf[n+1] = '\n'
	return n + lineTerminatorLen
}

// ClampLineLength bounds a configured line length to [3, 253].
func ClampLineLength(n int) int {
	return min(max(n, minLineLength), maxLineLength)
}
