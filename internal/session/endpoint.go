package session

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ResourcePlaceholder is replaced with the resource id in a base URL.
const ResourcePlaceholder = "{resource}"

// Errors
var (
	ErrNoBaseURL    = errors.New("endpoint base URL is required")
	ErrNoResourceID = errors.New("endpoint resource id is required")
	ErrBadScheme    = errors.New("endpoint scheme must be http, https, ws or wss")
)

// Endpoint identifies the server and the session resource to join.
type Endpoint struct {
	BaseURL    string // e.g. https://live.example.com/ws/debates/{resource}
	ResourceID string // e.g. a debate id
}

// URL derives the WebSocket URL for the endpoint. https maps to wss and
// http to ws. The resource id replaces ResourcePlaceholder when present
// and is otherwise appended as the last path segment.
func (e Endpoint) URL() (string, error) {
	if e.BaseURL == "" {
		return "", ErrNoBaseURL
	}
	if e.ResourceID == "" {
		return "", ErrNoResourceID
	}

	base := e.BaseURL
	hasPlaceholder := strings.Contains(base, ResourcePlaceholder)
	if hasPlaceholder {
		base = strings.ReplaceAll(base, ResourcePlaceholder, url.PathEscape(e.ResourceID))
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("%w: %q", ErrBadScheme, u.Scheme)
	}

	if !hasPlaceholder {
		u = u.JoinPath(e.ResourceID)
	}
	return u.String(), nil
}
