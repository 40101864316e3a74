// Package reply turns raw model output into paced, ordered messages:
// splitting on the agent's name marker, resolving embedded media
// directives, and simulating human typing speed.
package reply

import (
	"regexp"
	"strings"

	"github.com/forPelevin/gomoji"

	"personabot/internal/domain"
)

// directivePattern matches the {<query> gif} / {<query> sticker}
// mini-protocol the model is prompted to use. Case-insensitive, tolerant
// of a space or underscore before the keyword.
var directivePattern = regexp.MustCompile(`(?i)\{(.*?)[\s_]?(gif|sticker)\}`)

// Split cuts raw model output into segments on the agent's own
// name-prefix marker. Empty segments are discarded; the model uses the
// marker between logical turns it wants sent as separate messages.
func Split(raw, displayName string) []string {
	marker := "[" + displayName + "]: "
	var segments []string
	for _, part := range strings.Split(raw, marker) {
		if part != "" {
			segments = append(segments, part)
		}
	}
	return segments
}

// ParseDirective extracts the first media directive from a segment.
// An emoji in the query is a stronger signal than the literal keyword:
// such directives resolve as sticker lookups, everything else as GIF
// searches. Returns the directive, the segment with the directive text
// removed and trimmed, and whether a directive was found.
func ParseDirective(segment string) (domain.MediaDirective, string, bool) {
	loc := directivePattern.FindStringSubmatchIndex(segment)
	if loc == nil {
		return domain.MediaDirective{}, segment, false
	}

	query := strings.TrimSpace(segment[loc[2]:loc[3]])
	kind := domain.MediaGIF
	if gomoji.ContainsEmoji(query) {
		kind = domain.MediaSticker
	}

	stripped := strings.TrimSpace(segment[:loc[0]] + segment[loc[1]:])
	return domain.MediaDirective{Kind: kind, Query: query}, stripped, true
}
