package crawler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{in: "HTTPS://Example.COM:443/a#frag", want: "https://example.com/a"},
		{in: "http://example.com:80", want: "http://example.com/"},
		{in: "https://example.com/p?b=2&a=1", want: "https://example.com/p?a=1&b=2"},
		{in: "https://example.com:8443/x", want: "https://example.com:8443/x"},
	}
	for _, tt := range tests {
		got, err := NormalizeURL(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestNormalizeURLError(t *testing.T) {
	t.Parallel()

	_, err := NormalizeURL("http://[::1")
	require.Error(t, err)
}

func TestSameHost(t *testing.T) {
	t.Parallel()

	assert.True(t, SameHost("https://Example.com/a", "http://example.com/b"))
	assert.False(t, SameHost("https://example.com/a", "https://other.com/a"))
	assert.False(t, SameHost("::", "::"))
}

func TestVisitedSetMarksNormalizedOnce(t *testing.T) {
	t.Parallel()

	s := NewVisitedSet()
	assert.True(t, s.MarkIfNew("https://example.com/a#top"))
	assert.False(t, s.MarkIfNew("HTTPS://EXAMPLE.com/a"))
	assert.True(t, s.Seen("https://example.com/a"))
	assert.False(t, s.MarkIfNew(""))
	assert.Equal(t, 1, s.Len())
}

func TestVisitedSetConcurrentMarks(t *testing.T) {
	t.Parallel()

	s := NewVisitedSet()
	results := make(chan bool, 50)
	for i := 0; i < 50; i++ {
		go func() {
			results <- s.MarkIfNew("https://example.com/shared")
		}()
	}
	won := 0
	for i := 0; i < 50; i++ {
		if <-results {
			won++
		}
	}
	assert.Equal(t, 1, won)
}
