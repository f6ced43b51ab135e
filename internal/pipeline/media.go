package pipeline

import (
	"regexp"
	"strings"
	"time"

	"github.com/cachibotio/cachibot/internal/agent"
	"github.com/cachibotio/cachibot/internal/channel"
)

const toolResultTruncateAt = 2000

var dataURIPattern = regexp.MustCompile(`data:((?:image|audio)/[A-Za-z0-9.+-]+);base64,[A-Za-z0-9+/]+=*`)

// extractMedia pulls data-URI media emitted by tools out of the agent output
// and step texts, returning the cleaned reply text and a structured media
// list for the adapter to deliver natively.
func extractMedia(output string, steps []agent.Step) (string, []channel.Media) {
	var media []channel.Media
	seen := map[string]bool{}

	collect := func(text string) {
		for _, uri := range dataURIPattern.FindAllString(text, -1) {
			if seen[uri] {
				continue
			}
			seen[uri] = true
			media = append(media, channel.Media{Type: mediaType(uri), URI: uri})
		}
	}

	collect(output)
	for _, step := range steps {
		collect(step.Text)
		for _, call := range step.ToolCalls {
			collect(call.Result)
		}
	}

	cleaned := dataURIPattern.ReplaceAllString(output, "")
	cleaned = strings.TrimSpace(regexp.MustCompile(`\n{3,}`).ReplaceAllString(cleaned, "\n\n"))
	return cleaned, media
}

func mediaType(uri string) string {
	sub := dataURIPattern.FindStringSubmatch(uri)
	if len(sub) < 2 {
		return "file"
	}
	switch {
	case strings.HasPrefix(sub[1], "image/"):
		return "image"
	case strings.HasPrefix(sub[1], "audio/"):
		return "audio"
	default:
		return "file"
	}
}

// toolCallRecord is the frontend-facing projection of one tool invocation.
type toolCallRecord struct {
	ID        string    `json:"id"`
	Tool      string    `json:"tool"`
	Args      string    `json:"args,omitempty"`
	Result    string    `json:"result,omitempty"`
	Success   bool      `json:"success"`
	StartTime time.Time `json:"startTime,omitzero"`
	EndTime   time.Time `json:"endTime,omitzero"`
}

// projectToolCalls flattens the steps into call records in step order.
// Long plain-text results are truncated; data URIs pass through whole so the
// frontend can render produced media.
func projectToolCalls(steps []agent.Step) []toolCallRecord {
	var records []toolCallRecord
	for _, step := range steps {
		for _, call := range step.ToolCalls {
			result := call.Result
			if len([]rune(result)) > toolResultTruncateAt && !dataURIPattern.MatchString(result) {
				result = truncateRunes(result, toolResultTruncateAt) + "…"
			}
			records = append(records, toolCallRecord{
				ID:        newID(),
				Tool:      call.Name,
				Args:      call.Arguments,
				Result:    result,
				Success:   !strings.HasPrefix(call.Result, "error:"),
				StartTime: call.StartedAt,
				EndTime:   call.EndedAt,
			})
		}
	}
	return records
}
