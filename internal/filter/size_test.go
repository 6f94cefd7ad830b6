package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSize(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"100", 100},
		{"100B", 100},
		{"4K", 4 * 1024},
		{"64k", 64 * 1024},
		{"1M", 1024 * 1024},
		{"1.5M", 1536 * 1024},
		{"2G", 2 * 1024 * 1024 * 1024},
		{"1T", 1024 * 1024 * 1024 * 1024},
	}
	for _, tc := range cases {
		got, err := ParseSize(tc.in)
		require.NoError(t, err, "parse %q", tc.in)
		assert.Equal(t, tc.want, got, "parse %q", tc.in)
	}
}

func TestParseSizeInvalid(t *testing.T) {
	for _, in := range []string{"", "K", "abc", "12X3"} {
		_, err := ParseSize(in)
		assert.Error(t, err, "parse %q", in)
	}
}
