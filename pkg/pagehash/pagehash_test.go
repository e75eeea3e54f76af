package pagehash

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Run("canonical hash passes through", func(t *testing.T) {
		h, err := Parse("c4ca4238a0b923820dcc509a6f75849b")
		require.NoError(t, err)
		assert.Equal(t, Hash("c4ca4238a0b923820dcc509a6f75849b"), h)
	})

	t.Run("uppercase input is lowercased", func(t *testing.T) {
		h, err := Parse("C4CA4238A0B923820DCC509A6F75849B")
		require.NoError(t, err)
		assert.Equal(t, Hash("c4ca4238a0b923820dcc509a6f75849b"), h)
	})

	t.Run("surrounding whitespace is stripped", func(t *testing.T) {
		h, err := Parse("  c4ca4238a0b923820dcc509a6f75849b\n")
		require.NoError(t, err)
		assert.Equal(t, Hash("c4ca4238a0b923820dcc509a6f75849b"), h)
	})

	t.Run("rejects malformed input", func(t *testing.T) {
		for _, s := range []string{
			"",
			"c4ca4238",                            // too short
			"c4ca4238a0b923820dcc509a6f75849bff",  // too long
			"z4ca4238a0b923820dcc509a6f75849b",    // non-hex
			"c4ca4238-a0b9-2382-0dcc509a6f7584",   // separators
		} {
			_, err := Parse(s)
			assert.Error(t, err, "input %q", s)
		}
	})
}

func TestFromBytes(t *testing.T) {
	// md5("1") - matches the hash-check partition scenario fixture
	h := FromBytes([]byte("1"))
	assert.Equal(t, Hash("c4ca4238a0b923820dcc509a6f75849b"), h)
	assert.True(t, Valid(h.String()))
}
