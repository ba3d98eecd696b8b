// Package protocol defines the websocket message contract and the HTTP
// response types.
package protocol

// ErrorResponse is returned on HTTP API errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Details string `json:"details,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Watches     int    `json:"watches"`
}

// Websocket close codes.
const (
	CloseUnauthorized = 4000
	CloseLogout       = 4001
)
