package tarssh

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateLineBounds(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for maxLen := minLineLength; maxLen <= maxLineLength; maxLen++ {
		buf := make([]byte, maxLen+lineTerminatorLen)
		for i := 0; i < 200; i++ {
			n := GenerateLine(buf, maxLen, rng)
			require.GreaterOrEqual(t, n, 5)
			require.LessOrEqual(t, n, maxLen+2)
			require.Equal(t, "\r\n", string(buf[n-2:n]), "maxLen=%d", maxLen)
			for j, b := range buf[:n-2] {
				require.True(t, b >= 0x20 && b <= 0x7e, "byte %d = %#x out of printable range", j, b)
			}
			require.NotEqual(t, "SSH-", string(buf[:4]))
		}
	}
}

func TestGenerateLineShort(t *testing.T) {
	buf := make([]byte, 12)
	seen := map[int]bool{}
	for i := 0; i < 5000; i++ {
		n := GenerateLine(buf, 10, nil)
		assert.True(t, n >= 5 && n <= 12, "length %d", n)
		seen[n] = true
	}
	for n := 5; n <= 12; n++ {
		assert.True(t, seen[n], "length %d never produced", n)
	}
}

// scripted hands out fixed values in order, wrapping around.
type scripted struct {
	vals []int
	i    int
}

func (s *scripted) IntN(n int) int {
	v := s.vals[s.i%len(s.vals)]
	s.i++
	return v % n
}

func TestGenerateLineVersionPrefix(t *testing.T) {
	// length draw 1 -> 4 bytes, then 'S','S','H','-' offset from 0x20
	src := &scripted{vals: []int{1, 'S' - 0x20, 'S' - 0x20, 'H' - 0x20, '-' - 0x20}}
	buf := make([]byte, 44)
	n := GenerateLine(buf, 42, src)
	assert.Equal(t, "XSH-\r\n", string(buf[:n]))
}

func TestGenerateLineMinimal(t *testing.T) {
	src := &scripted{vals: []int{0, 'a' - 0x20, 'a' - 0x20, 'a' - 0x20}}
	buf := make([]byte, 5)
	n := GenerateLine(buf, 3, src)
	assert.Equal(t, "aaa\r\n", string(buf[:n]))
}

func TestClampLineLength(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{-5, 3},
		{0, 3},
		{3, 3},
		{42, 42},
		{253, 253},
		{254, 253},
		{1 << 20, 253},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClampLineLength(tt.in), "ClampLineLength(%d)", tt.in)
	}
}
