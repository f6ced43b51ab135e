package redact_test

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/cachibotio/cachibot/internal/redact"
)

func TestMask(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name  string
		value string
		want  string
	}{
		{"short", "abc", "****"},
		{"exactly_four", "abcd", "****"},
		{"project_key", "sk-proj-abcdefghij1234567890WXYZ", strings.Repeat("*", 28) + "WXYZ"},
		{"endpoint_verbatim", "https://api.openai.com/v1", "https://api.openai.com/v1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := redact.Mask(tc.value); got != tc.want {
				t.Fatalf("Mask(%q) = %q, want %q", tc.value, got, tc.want)
			}
		})
	}
}

func TestScrubPatterns(t *testing.T) {
	t.Parallel()
	secrets := []string{
		"sk-proj-abcdefghij1234567890",
		"sk-ant-REDACTED",
		"gsk_abcdefghij12345678",
		"AIzaSyD1234567890abcdef",
		"123456789:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw",
	}
	for _, secret := range secrets {
		out := redact.Scrub("before " + secret + " after")
		if strings.Contains(out, secret) {
			t.Fatalf("Scrub left secret %q in output %q", secret, out)
		}
		if !strings.Contains(out, "before ") || !strings.Contains(out, " after") {
			t.Fatalf("Scrub mangled surrounding text: %q", out)
		}
	}
}

func TestScrubLeavesPlainText(t *testing.T) {
	t.Parallel()
	plain := "no secrets here, just a sentence about tasks and skills"
	if got := redact.Scrub(plain); got != plain {
		t.Fatalf("Scrub(%q) = %q, want unchanged", plain, got)
	}
}

func TestHandlerScrubsRecords(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := slog.New(redact.NewHandler(slog.NewTextHandler(&buf, nil)))

	secret := "sk-proj-abcdefghij1234567890"
	logger.Info("resolved key "+secret, slog.String("value", secret))

	out := buf.String()
	if strings.Contains(out, secret) {
		t.Fatalf("log output contains raw secret: %q", out)
	}
	if !strings.Contains(out, "7890") {
		t.Fatalf("log output missing masked suffix: %q", out)
	}
}

func TestHandlerScrubsWithAttrs(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	secret := "gsk_abcdefghij12345678"
	logger := slog.New(redact.NewHandler(slog.NewTextHandler(&buf, nil))).With(slog.String("token", secret))

	logger.Info("startup")
	if strings.Contains(buf.String(), secret) {
		t.Fatalf("pre-bound attr leaked secret: %q", buf.String())
	}
}
