package channel

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestChunkMessageShortTextPassesThrough(t *testing.T) {
	chunks := ChunkMessage("hello world", 100)
	if len(chunks) != 1 || chunks[0] != "hello world" {
		t.Fatalf("chunks = %v", chunks)
	}
}

func TestChunkMessageEmpty(t *testing.T) {
	if chunks := ChunkMessage("   \n ", 100); chunks != nil {
		t.Fatalf("chunks = %v, want nil", chunks)
	}
}

func TestChunkMessagePrefersParagraphs(t *testing.T) {
	text := strings.Repeat("a", 40) + "\n\n" + strings.Repeat("b", 40)
	chunks := ChunkMessage(text, 50)
	if len(chunks) != 2 {
		t.Fatalf("chunks = %v", chunks)
	}
	if chunks[0] != strings.Repeat("a", 40) || chunks[1] != strings.Repeat("b", 40) {
		t.Fatalf("paragraph boundary not used: %v", chunks)
	}
}

func TestChunkMessageFallsBackToSentences(t *testing.T) {
	text := "First sentence here. Second sentence here. Third sentence here."
	chunks := ChunkMessage(text, 45)
	if len(chunks) < 2 {
		t.Fatalf("expected sentence split, got %v", chunks)
	}
	for _, chunk := range chunks {
		if !strings.HasSuffix(chunk, ".") {
			t.Fatalf("chunk does not end at a sentence boundary: %q", chunk)
		}
	}
}

func TestChunkMessageFallsBackToWords(t *testing.T) {
	text := "alpha beta gamma delta epsilon zeta eta theta"
	chunks := ChunkMessage(text, 15)
	for _, chunk := range chunks {
		if runeLen(chunk) > 15 {
			t.Fatalf("chunk exceeds limit: %q", chunk)
		}
		if strings.HasPrefix(chunk, " ") || strings.HasSuffix(chunk, " ") {
			t.Fatalf("chunk has ragged whitespace: %q", chunk)
		}
	}
	if strings.Join(chunks, " ") != text {
		t.Fatalf("words lost: %v", chunks)
	}
}

func TestChunkMessageNeverSplitsRunes(t *testing.T) {
	text := strings.Repeat("日本語テキスト", 40)
	chunks := ChunkMessage(text, 17)
	var rebuilt strings.Builder
	for _, chunk := range chunks {
		if runeLen(chunk) > 17 {
			t.Fatalf("chunk exceeds limit: %d runes", runeLen(chunk))
		}
		if !utf8.ValidString(chunk) {
			t.Fatalf("chunk is not valid UTF-8: %q", chunk)
		}
		rebuilt.WriteString(chunk)
	}
	if rebuilt.String() != text {
		t.Fatal("joined chunks differ from original")
	}
}

func TestChunkMessageRoundTrip(t *testing.T) {
	text := "Paragraph one with some words.\n\nParagraph two. It has two sentences!\n\n" +
		strings.Repeat("x", 90)
	limit := 40
	chunks := ChunkMessage(text, limit)
	for _, chunk := range chunks {
		if runeLen(chunk) > limit {
			t.Fatalf("chunk exceeds limit: %q", chunk)
		}
	}
	// Joining with whitespace collapsed must reproduce the original words.
	want := strings.Join(strings.Fields(text), " ")
	got := strings.Join(strings.Fields(strings.Join(chunks, " ")), " ")
	if got != want {
		t.Fatalf("content lost across chunk seams:\n got %q\nwant %q", got, want)
	}
}
