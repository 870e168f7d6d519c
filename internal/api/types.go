package api

import "github.com/mattjoyce/cdispd/internal/history"

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status           string `json:"status"`
	UptimeSeconds    int64  `json:"uptime_seconds"`
	State            string `json:"state"`
	QueueDepth       int    `json:"queue_depth"`
	ReferenceVersion string `json:"reference_version,omitempty"`
}

// DispatchesResponse is returned by GET /dispatches.
type DispatchesResponse struct {
	Dispatches []history.Record `json:"dispatches"`
}
