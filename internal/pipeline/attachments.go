package pipeline

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"

	"github.com/cachibotio/cachibot/internal/bots"
	"github.com/cachibotio/cachibot/internal/channel"
)

const (
	docTruncateAt = 4000
	truncationTag = "\n[... truncated ...]"

	maxAttachmentBytes = 20 << 20
	fetchTimeout       = 30 * time.Second
)

// processedAttachments is what attachment handling contributes to the run:
// augmented user text, vision inputs, and the metadata persisted with the
// user message. Raw bytes never reach storage.
type processedAttachments struct {
	text        string
	images      []string
	attachments []map[string]any
}

func (p *Pipeline) processAttachments(ctx context.Context, bot bots.Bot, msg channel.IncomingMessage) processedAttachments {
	out := processedAttachments{text: strings.TrimSpace(msg.Text)}
	var prefixes []string

	for _, att := range msg.Attachments {
		out.attachments = append(out.attachments, map[string]any{
			"type":     string(att.Type),
			"filename": att.Name,
		})
		att.Data = p.resolveBytes(ctx, att)

		switch {
		case att.Type == channel.AttachmentAudio || att.Type == channel.AttachmentVoice:
			if transcript := p.transcribe(ctx, att); transcript != "" {
				prefixes = append(prefixes, "[Audio transcription]: "+transcript)
			}
		case isPDF(att):
			if text := p.extractPDF(att); text != "" {
				prefixes = append(prefixes, fmt.Sprintf("[Document: %s]\n%s", attachmentName(att), text))
			}
		case isPlainText(att):
			if text := decodeText(att.Data); text != "" {
				prefixes = append(prefixes, fmt.Sprintf("[Document: %s]\n%s", attachmentName(att), text))
			}
		case att.Type == channel.AttachmentImage:
			if !bot.HasCapability(bots.CapabilityVision) {
				p.logger.Debug("image attachment skipped, vision capability disabled",
					slog.String("bot_id", bot.ID))
				continue
			}
			if uri := imageDataURI(att); uri != "" {
				out.images = append(out.images, uri)
			}
		}
	}

	if len(prefixes) > 0 {
		parts := append(prefixes, out.text)
		out.text = strings.TrimSpace(strings.Join(parts, "\n"))
	}
	return out
}

// resolveBytes returns the attachment's bytes, downloading platform-hosted
// content when the adapter delivered only a URL. Data URIs are left for the
// vision path to consume directly.
func (p *Pipeline) resolveBytes(ctx context.Context, att channel.Attachment) []byte {
	if len(att.Data) > 0 || att.URL == "" || strings.HasPrefix(att.URL, "data:") {
		return att.Data
	}
	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, att.URL, nil)
	if err != nil {
		p.logger.Warn("attachment fetch failed", slog.Any("error", err))
		return nil
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Warn("attachment fetch failed", slog.Any("error", err))
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		p.logger.Warn("attachment fetch failed", slog.Int("status", resp.StatusCode))
		return nil
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAttachmentBytes+1))
	if err != nil {
		p.logger.Warn("attachment read failed", slog.Any("error", err))
		return nil
	}
	if len(data) > maxAttachmentBytes {
		p.logger.Warn("attachment too large, skipping", slog.String("filename", att.Name))
		return nil
	}
	return data
}

func (p *Pipeline) transcribe(ctx context.Context, att channel.Attachment) string {
	if p.deps.Transcriber == nil {
		p.logger.Debug("audio attachment skipped, no transcriber configured")
		return ""
	}
	if len(att.Data) == 0 {
		p.logger.Debug("audio attachment skipped, no bytes resolved", slog.String("url", att.URL))
		return ""
	}
	text, err := p.deps.Transcriber.Transcribe(ctx, att.Data, att.Mime)
	if err != nil {
		p.logger.Warn("transcription failed", slog.Any("error", err))
		return ""
	}
	return strings.TrimSpace(text)
}

func (p *Pipeline) extractPDF(att channel.Attachment) string {
	if len(att.Data) == 0 {
		return ""
	}
	reader, err := pdf.NewReader(bytes.NewReader(att.Data), int64(len(att.Data)))
	if err != nil {
		p.logger.Warn("pdf parse failed", slog.String("filename", att.Name), slog.Any("error", err))
		return ""
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		p.logger.Warn("pdf text extraction failed", slog.String("filename", att.Name), slog.Any("error", err))
		return ""
	}
	text, err := readDocument(plain)
	if err != nil {
		p.logger.Warn("pdf text read failed", slog.String("filename", att.Name), slog.Any("error", err))
		return ""
	}
	return text
}

// readDocument drains document text from r and applies the rune cap. The
// byte budget covers docTruncateAt runes at the maximum UTF-8 width; a rune
// clipped at the budget boundary is dropped.
func readDocument(r io.Reader) (string, error) {
	raw, err := io.ReadAll(io.LimitReader(r, 4*(docTruncateAt+1)))
	if err != nil {
		return "", err
	}
	return capDocument(strings.ToValidUTF8(string(raw), "")), nil
}

func decodeText(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	return capDocument(strings.ToValidUTF8(string(data), "�"))
}

func capDocument(text string) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) <= docTruncateAt {
		return text
	}
	return string(runes[:docTruncateAt]) + truncationTag
}

func isPDF(att channel.Attachment) bool {
	return strings.Contains(att.Mime, "pdf") || strings.HasSuffix(strings.ToLower(att.Name), ".pdf")
}

func isPlainText(att channel.Attachment) bool {
	if strings.HasPrefix(att.Mime, "text/plain") || strings.HasPrefix(att.Mime, "text/markdown") {
		return true
	}
	name := strings.ToLower(att.Name)
	return strings.HasSuffix(name, ".txt") || strings.HasSuffix(name, ".md")
}

func attachmentName(att channel.Attachment) string {
	if att.Name != "" {
		return att.Name
	}
	return "attachment"
}

func imageDataURI(att channel.Attachment) string {
	if len(att.Data) > 0 {
		mime := att.Mime
		if mime == "" {
			mime = "image/png"
		}
		return fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(att.Data))
	}
	if strings.HasPrefix(att.URL, "data:") {
		return att.URL
	}
	return ""
}
