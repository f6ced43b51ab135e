package channel

import (
	"strings"
)

// ChunkMessage splits text into chunks of at most limit runes. Splits prefer
// paragraph boundaries, then sentence boundaries, then word boundaries; only
// a single over-long word is hard-split, always on rune boundaries so UTF-8
// scalars stay intact.
func ChunkMessage(text string, limit int) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	if limit <= 0 || runeLen(trimmed) <= limit {
		return []string{trimmed}
	}
	paragraphs := strings.Split(trimmed, "\n\n")
	chunks := make([]string, 0)
	buf := make([]string, 0, len(paragraphs))
	bufLen := 0
	flush := func() {
		if len(buf) > 0 {
			chunks = append(chunks, strings.Join(buf, "\n\n"))
			buf = buf[:0]
			bufLen = 0
		}
	}
	for _, para := range paragraphs {
		paraLen := runeLen(para)
		sepLen := 0
		if len(buf) > 0 {
			sepLen = 2
		}
		if bufLen+sepLen+paraLen <= limit {
			buf = append(buf, para)
			bufLen += sepLen + paraLen
			continue
		}
		flush()
		if paraLen <= limit {
			buf = append(buf, para)
			bufLen = paraLen
			continue
		}
		chunks = append(chunks, chunkSentences(para, limit)...)
	}
	flush()
	return chunks
}

// chunkSentences splits one over-long paragraph at sentence boundaries.
func chunkSentences(text string, limit int) []string {
	sentences := splitSentences(text)
	chunks := make([]string, 0)
	var buf strings.Builder
	bufLen := 0
	flush := func() {
		if bufLen > 0 {
			chunks = append(chunks, strings.TrimSpace(buf.String()))
			buf.Reset()
			bufLen = 0
		}
	}
	for _, sentence := range sentences {
		sentenceLen := runeLen(sentence)
		sepLen := 0
		if bufLen > 0 {
			sepLen = 1
		}
		if bufLen+sepLen+sentenceLen <= limit {
			if sepLen > 0 {
				buf.WriteByte(' ')
			}
			buf.WriteString(sentence)
			bufLen += sepLen + sentenceLen
			continue
		}
		flush()
		if sentenceLen <= limit {
			buf.WriteString(sentence)
			bufLen = sentenceLen
			continue
		}
		chunks = append(chunks, chunkWords(sentence, limit)...)
	}
	flush()
	return chunks
}

// chunkWords splits one over-long sentence at word boundaries.
func chunkWords(text string, limit int) []string {
	words := strings.Fields(text)
	chunks := make([]string, 0)
	var buf strings.Builder
	bufLen := 0
	flush := func() {
		if bufLen > 0 {
			chunks = append(chunks, buf.String())
			buf.Reset()
			bufLen = 0
		}
	}
	for _, word := range words {
		wordLen := runeLen(word)
		sepLen := 0
		if bufLen > 0 {
			sepLen = 1
		}
		if bufLen+sepLen+wordLen <= limit {
			if sepLen > 0 {
				buf.WriteByte(' ')
			}
			buf.WriteString(word)
			bufLen += sepLen + wordLen
			continue
		}
		flush()
		if wordLen <= limit {
			buf.WriteString(word)
			bufLen = wordLen
			continue
		}
		chunks = append(chunks, splitLongRun(word, limit)...)
	}
	flush()
	return chunks
}

// splitSentences breaks text after sentence terminators and newlines.
func splitSentences(text string) []string {
	runes := []rune(text)
	sentences := make([]string, 0)
	start := 0
	for i := 0; i < len(runes); i++ {
		switch runes[i] {
		case '\n':
			if segment := strings.TrimSpace(string(runes[start : i+1])); segment != "" {
				sentences = append(sentences, segment)
			}
			start = i + 1
		case '.', '!', '?':
			if i+1 < len(runes) && runes[i+1] != ' ' && runes[i+1] != '\n' {
				continue
			}
			if segment := strings.TrimSpace(string(runes[start : i+1])); segment != "" {
				sentences = append(sentences, segment)
			}
			start = i + 1
		}
	}
	if segment := strings.TrimSpace(string(runes[start:])); segment != "" {
		sentences = append(sentences, segment)
	}
	return sentences
}

// splitLongRun hard-splits a single run of runes into limit-sized pieces.
func splitLongRun(text string, limit int) []string {
	if limit <= 0 {
		return []string{text}
	}
	runes := []rune(text)
	chunks := make([]string, 0)
	for start := 0; start < len(runes); start += limit {
		end := start + limit
		if end > len(runes) {
			end = len(runes)
		}
		segment := strings.TrimSpace(string(runes[start:end]))
		if segment == "" {
			continue
		}
		chunks = append(chunks, segment)
	}
	return chunks
}

func runeLen(value string) int {
	return len([]rune(value))
}
