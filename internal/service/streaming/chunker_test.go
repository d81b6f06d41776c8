package streaming

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplit(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		maxWords int
		want     []string
	}{
		{
			name:     "word limit",
			text:     "one two three four five",
			maxWords: 3,
			want:     []string{"one two three ", "four five"},
		},
		{
			name:     "punctuation breaks",
			text:     "Hi, there friend. Bye",
			maxWords: 5,
			want:     []string{"Hi, ", "there friend. ", "Bye"},
		},
		{
			name:     "newline breaks",
			text:     "line one\nline two",
			maxWords: 5,
			want:     []string{"line one\n", "line two"},
		},
		{
			name:     "brackets",
			text:     "odds (home) win",
			maxWords: 5,
			want:     []string{"odds (home) ", "win"},
		},
		{
			name:     "leading and trailing whitespace",
			text:     "  hello world  ",
			maxWords: 3,
			want:     []string{"  hello world  "},
		},
		{
			name:     "empty",
			text:     "",
			maxWords: 3,
			want:     nil,
		},
		{
			name:     "default width",
			text:     "a b c d",
			maxWords: 0,
			want:     []string{"a b c ", "d"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Split(tt.text, tt.maxWords)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.text, strings.Join(got, ""))
		})
	}
}

func TestRechunker_ArbitraryDeltas(t *testing.T) {
	text := "Real Madrid play Barcelona on Sunday. Odds: 2.10, 3.40 and 3.25!\nGood luck"
	want := Split(text, 3)

	// 按单个字节投喂，结果与整体切分一致
	r := NewRechunker(3)
	var got []string
	for i := 0; i < len(text); i++ {
		got = append(got, r.Push(text[i:i+1])...)
	}
	got = append(got, r.Flush()...)

	assert.Equal(t, want, got)
	assert.Equal(t, text, strings.Join(got, ""))
}

func TestRechunker_WaitsForWhitespaceToEnd(t *testing.T) {
	r := NewRechunker(1)

	assert.Empty(t, r.Push("hello "))
	assert.Empty(t, r.Push(" "))
	assert.Equal(t, []string{"hello  "}, r.Push("w"))
	assert.Equal(t, []string{"w"}, r.Flush())
	assert.Nil(t, r.Flush())
}
