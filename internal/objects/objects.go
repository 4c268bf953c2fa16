// Package objects holds shared value types that cross package boundaries.
package objects

// Error is the wire representation of an error.
type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ErrorResponse wraps an Error for JSON responses.
type ErrorResponse struct {
	Error Error `json:"error"`
}
