package session

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScrollbackAppendAndTail(t *testing.T) {
	s := newScrollback(100)

	s.append("one\ntwo\nthr")
	s.append("ee\n")

	assert.Equal(t, "one\ntwo\nthree", s.Tail(0))
	assert.Equal(t, "two\nthree", s.Tail(2))
	assert.Equal(t, 3, s.Len())
}

func TestScrollbackPartialLineVisible(t *testing.T) {
	s := newScrollback(100)

	s.append("done\n? Proceed (y/n)")

	// The prompt never got a newline but must still be scannable.
	assert.Equal(t, "done\n? Proceed (y/n)", s.Tail(0))
	assert.Equal(t, 2, s.Len())
}

func TestScrollbackCarriageReturnOverwrites(t *testing.T) {
	s := newScrollback(100)

	// Progress bars redraw in place with bare CRs.
	s.append("10%\r20%\r100%\n")
	assert.Equal(t, "100%", s.Tail(0))

	s.append("a\rb")
	assert.Equal(t, "100%\nb", s.Tail(0))
}

func TestScrollbackBounded(t *testing.T) {
	s := newScrollback(3)

	for i := 0; i < 10; i++ {
		s.append(fmt.Sprintf("line %d\n", i))
	}

	assert.Equal(t, 3, s.Len())
	assert.Equal(t, "line 7\nline 8\nline 9", s.Tail(0))
}

func TestScrollbackZeroMaxUsesDefault(t *testing.T) {
	s := newScrollback(0)
	assert.Equal(t, 1000, s.max)
}
