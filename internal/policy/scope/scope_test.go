package scope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyAllowFetch(t *testing.T) {
	t.Parallel()

	p, err := New("https://Example.com/start")
	require.NoError(t, err)

	cases := []struct {
		name      string
		candidate string
		depth     int
		want      bool
	}{
		{name: "same host page", candidate: "https://example.com/about", depth: 1, want: true},
		{name: "scheme switch keeps host", candidate: "http://example.com/a", depth: 1, want: true},
		{name: "other host", candidate: "https://other.com/a", depth: 1, want: false},
		{name: "subdomain", candidate: "https://www.example.com/a", depth: 1, want: false},
		{name: "too deep", candidate: "https://example.com/a", depth: 3, want: false},
		{name: "binary asset", candidate: "https://example.com/file.PDF", depth: 1, want: false},
		{name: "mailto", candidate: "mailto:a@example.com", depth: 1, want: false},
		{name: "relative", candidate: "/relative", depth: 1, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, p.AllowFetch(tc.candidate, tc.depth, 2))
		})
	}
}
