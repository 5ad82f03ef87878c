// Package text prepares request text for the engine: it cleans input and
// cuts long input into segments that are synthesized back to back.
package text

import (
	"strings"
	"unicode/utf8"
)

// ChunkBySentence splits text into segments at sentence boundaries, grouping
// consecutive sentences while staying within maxChars characters (runes) per
// segment. A blank line always ends a segment. If maxChars is 0, no
// splitting is performed. Sentences longer than maxChars are kept intact.
func ChunkBySentence(text string, maxChars int) []string {
	if maxChars <= 0 {
		return []string{text}
	}

	var chunks []string
	for _, para := range splitParagraphs(text) {
		chunks = append(chunks, groupSentences(splitSentences(para), maxChars)...)
	}
	if len(chunks) <= 1 {
		return []string{text}
	}

	return chunks
}

func groupSentences(sentences []string, maxChars int) []string {
	var chunks []string
	var current strings.Builder
	size := 0

	for _, s := range sentences {
		n := utf8.RuneCountInString(s)
		switch {
		case size == 0:
			current.WriteString(s)
			size = n
		case size+1+n > maxChars:
			chunks = append(chunks, current.String())
			current.Reset()
			current.WriteString(s)
			size = n
		default:
			current.WriteByte(' ')
			current.WriteString(s)
			size += 1 + n
		}
	}
	if size > 0 {
		chunks = append(chunks, current.String())
	}

	return chunks
}

func splitParagraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")

	var out []string
	for _, p := range strings.Split(text, "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}

	return out
}

func isTerminator(r rune) bool {
	switch r {
	case '.', '!', '?', ';', '…':
		return true
	}

	return false
}

// splitSentences splits text after runs of sentence-ending punctuation,
// keeping the terminators attached. Empty segments are dropped.
func splitSentences(text string) []string {
	var sentences []string
	start := 0
	runes := []rune(text)

	for i, r := range runes {
		if !isTerminator(r) {
			continue
		}
		if i+1 < len(runes) && isTerminator(runes[i+1]) {
			continue
		}
		if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
			sentences = append(sentences, s)
		}
		start = i + 1
	}

	if start < len(runes) {
		if s := strings.TrimSpace(string(runes[start:])); s != "" {
			sentences = append(sentences, s)
		}
	}

	return sentences
}
