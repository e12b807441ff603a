package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/core"
)

var rateLimitMarkers = []string{
	"resource_exhausted",
	"resource exhausted",
	"quota",
	"rate limit",
	"rate_limit",
	"ratelimit",
	"too many requests",
}

// statusTooMany matches an HTTP 429 status written next to its label, as in
// "status 429", "Error 429:" or "code=429". A bare number is not enough.
var statusTooMany = regexp.MustCompile(`(?:status|code|error|http)[\s:=/]*429\b`)

// IsRateLimitText reports whether a close reason or error message describes
// quota exhaustion.
func IsRateLimitText(s string) bool {
	s = strings.ToLower(s)
	for _, marker := range rateLimitMarkers {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return statusTooMany.MatchString(s)
}

// Classify maps a transport failure onto the engine error taxonomy.
// Already classified errors pass through unchanged.
func Classify(err error) *core.Error {
	if err == nil {
		return nil
	}
	var coreErr *core.Error
	if errors.As(err, &coreErr) {
		return coreErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return core.NewTimeoutError("connect timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return core.NewTimeoutError("network timeout", err)
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusTooManyRequests {
		return core.NewRateLimitError("quota exhausted", err)
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && IsRateLimitText(closeErr.Text) {
		return core.NewRateLimitError(closeErr.Text, err)
	}
	if IsRateLimitText(err.Error()) {
		return core.NewRateLimitError("quota exhausted", err)
	}
	return core.NewTransportError("transport failure", err)
}

// ErrorEvent converts err into a terminal Error event.
func ErrorEvent(err error) Error {
	classified := Classify(err)
	return Error{Message: classified.Error(), Kind: classified.Kind, Err: classified}
}

// terminalEvent maps a receive-loop failure to the stream's last event. A
// clean websocket close becomes Closed; quota closes and all other failures
// become Error.
func terminalEvent(err error, goAway bool) Event {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && !IsRateLimitText(closeErr.Text) {
		reason := closeErr.Text
		if goAway {
			reason = ReasonGoAway
		}
		if reason == "" {
			reason = "remote_closed"
		}
		return Closed{Reason: reason, Code: closeErr.Code}
	}
	return ErrorEvent(err)
}
