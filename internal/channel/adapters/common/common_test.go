package common_test

import (
	"encoding/base64"
	"testing"

	"github.com/cachibotio/cachibot/internal/channel/adapters/common"
)

func TestStripMarkdown(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want string
	}{
		{"**bold** and *italic*", "bold and italic"},
		{"`inline` code", "inline code"},
		{"# Heading\nbody", "Heading\nbody"},
		{"[link](https://example.com)", "link (https://example.com)"},
		{"```go\nfmt.Println(1)\n```", "fmt.Println(1)\n"},
		{"plain text stays", "plain text stays"},
	}
	for _, tc := range cases {
		if got := common.StripMarkdown(tc.in); got != tc.want {
			t.Errorf("StripMarkdown(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestDecodeDataURI(t *testing.T) {
	t.Parallel()
	payload := []byte{0x89, 0x50, 0x4e, 0x47}
	uri := "data:image/png;base64," + base64.StdEncoding.EncodeToString(payload)
	mime, data, err := common.DecodeDataURI(uri)
	if err != nil {
		t.Fatalf("DecodeDataURI: %v", err)
	}
	if mime != "image/png" || string(data) != string(payload) {
		t.Fatalf("mime=%q data=%v", mime, data)
	}
	if _, _, err := common.DecodeDataURI("https://example.com/a.png"); err == nil {
		t.Fatal("expected error for non data uri")
	}
	if _, _, err := common.DecodeDataURI("data:image/png;base64,%%%"); err == nil {
		t.Fatal("expected error for bad base64")
	}
}

func TestSummarizeText(t *testing.T) {
	t.Parallel()
	long := ""
	for i := 0; i < 50; i++ {
		long += "ログ"
	}
	got := common.SummarizeText(long)
	if len([]rune(got)) != 81 {
		t.Fatalf("summary length = %d runes", len([]rune(got)))
	}
}
