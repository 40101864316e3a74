package domain

import "fmt"

// UpstreamError reports a failed or unusable language-model or messaging
// backend call. Callers must not retry: a retry risks duplicate generations.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("upstream %s failed", e.Op)
	}
	return fmt.Sprintf("upstream %s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// MediaResolutionError reports a GIF/sticker lookup that found no match.
// Non-fatal to the segment: remaining text is still sent.
type MediaResolutionError struct {
	Kind  MediaKind
	Query string
}

func (e *MediaResolutionError) Error() string {
	return fmt.Sprintf("no %s found for %q", e.Kind, e.Query)
}

// ParseError reports extraction text that did not match the expected
// record format.
type ParseError struct {
	Reason string
	Input  string
}

func (e *ParseError) Error() string {
	if e.Input == "" {
		return fmt.Sprintf("parse: %s", e.Reason)
	}
	input := e.Input
	if len(input) > 80 {
		input = input[:80] + "..."
	}
	return fmt.Sprintf("parse: %s: %q", e.Reason, input)
}
