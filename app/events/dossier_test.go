package events

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitChunks(t *testing.T) {
	tbl := []struct {
		name  string
		text  string
		limit int
		want  []string
	}{
		{"under limit", "short text", 100, []string{"short text"}},
		{"exactly at limit", "1234567890", 10, []string{"1234567890"}},
		{"two lines over limit", "aaaa\nbbbb", 5, []string{"aaaa", "bbbb"}},
		{"lines accumulate below limit", "aa\nbb\ncc", 6, []string{"aa\nbb", "cc"}},
		{"single line over limit split mid-line", strings.Repeat("a", 12), 5,
			[]string{"aaaaa", "aaaaa", "aa"}},
		{"line at exactly the limit followed by more",
			strings.Repeat("a", 4096) + "\nmore", 4096,
			[]string{strings.Repeat("a", 4096), "more"}},
		{"buffer flushed before full-size line",
			"bb\n" + strings.Repeat("a", 6), 6,
			[]string{"bb", "aaaaaa"}},
	}

	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			got := splitChunks(tt.text, tt.limit)
			assert.Equal(t, tt.want, got)
			for i, chunk := range got {
				require.NotEmpty(t, chunk, "chunk %d must not be empty", i)
				require.LessOrEqual(t, len(chunk), tt.limit, "chunk %d over the limit", i)
			}
		})
	}
}
