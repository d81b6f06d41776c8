package streaming

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultChunkWords 每块默认词数
const DefaultChunkWords = 3

// 一个完整的词：可选前导空白、非空白串、空白串，且后面还有内容
var completeWord = regexp.MustCompile(`^\s*\S+\s+`)

// Split 按词切分文本，拼接结果与原文逐字节一致
// 遇到以标点结尾的词、换行或达到 maxWords 时断开
func Split(text string, maxWords int) []string {
	r := NewRechunker(maxWords)
	chunks := r.Push(text)
	return append(chunks, r.Flush()...)
}

// Rechunker 把任意切分的 token 流重组为按词分块
type Rechunker struct {
	maxWords int
	buf      string
	pending  strings.Builder
	words    int
}

// NewRechunker 创建重组器
func NewRechunker(maxWords int) *Rechunker {
	if maxWords <= 0 {
		maxWords = DefaultChunkWords
	}
	return &Rechunker{maxWords: maxWords}
}

// Push 追加增量，返回已完整的块
func (r *Rechunker) Push(delta string) []string {
	r.buf += delta

	var out []string
	for {
		loc := completeWord.FindStringIndex(r.buf)
		// 空白可能在下一个增量里继续，必须等到后面出现非空白
		if loc == nil || loc[1] == len(r.buf) {
			break
		}
		word := r.buf[:loc[1]]
		r.buf = r.buf[loc[1]:]

		r.pending.WriteString(word)
		r.words++
		if r.shouldBreak(word) {
			out = append(out, r.take())
		}
	}
	return out
}

// Flush 输出剩余内容
func (r *Rechunker) Flush() []string {
	if r.buf != "" {
		r.pending.WriteString(r.buf)
		r.buf = ""
	}
	if r.pending.Len() == 0 {
		return nil
	}
	return []string{r.take()}
}

func (r *Rechunker) take() string {
	s := r.pending.String()
	r.pending.Reset()
	r.words = 0
	return s
}

func (r *Rechunker) shouldBreak(word string) bool {
	if r.words >= r.maxWords {
		return true
	}
	trimmed := strings.TrimRightFunc(word, unicode.IsSpace)
	if strings.Contains(word[len(trimmed):], "\n") {
		return true
	}
	last, _ := utf8.DecodeLastRuneInString(trimmed)
	return strings.ContainsRune(".!?,;:()[]", last)
}
