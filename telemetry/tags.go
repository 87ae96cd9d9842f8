// Package telemetry provides request tagging for structured logging and metrics.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

const (
	requestTagsKey contextKey = "request_tags"
)

// GateDecision is the outcome of a public gallery view check.
type GateDecision string

const (
	DecisionAllowed   GateDecision = "allowed"
	DecisionForbidden GateDecision = "forbidden"
	DecisionNotFound  GateDecision = "not_found"
	DecisionNA        GateDecision = "na"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	Area     string
	Endpoint string
	Decision GateDecision
	UserID   string
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{Decision: DecisionNA}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	return TagsFromContext(r.Context())
}

// TagsFromContext retrieves the request tags from a request context.
func TagsFromContext(ctx context.Context) *RequestTags {
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetArea sets the route area (api, gallery, blobs, ops).
func SetArea(r *http.Request, area string) {
	if tags := GetTags(r); tags != nil {
		tags.Area = area
	}
}

// SetEndpoint sets the endpoint name for logging.
func SetEndpoint(r *http.Request, endpoint string) {
	if tags := GetTags(r); tags != nil {
		tags.Endpoint = endpoint
	}
}

// SetDecision records the access gate decision for the request.
func SetDecision(r *http.Request, decision GateDecision) {
	if tags := GetTags(r); tags != nil {
		tags.Decision = decision
	}
}

// SetUserID records the authenticated user for logging.
func SetUserID(r *http.Request, userID string) {
	if tags := GetTags(r); tags != nil {
		tags.UserID = userID
	}
}
