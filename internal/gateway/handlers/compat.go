package handlers

import (
	"context"
	"net/http"

	"github.com/mrmushfiq/llm0-broker/pkg/protocol"
)

// CompatReporter produces the capability report.
type CompatReporter interface {
	Report(ctx context.Context) protocol.Compatibility
}

// HandleCompatibility serves GET /compatibility.
func HandleCompatibility(reporter CompatReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := reporter.Report(r.Context())
		w.Header().Set("Cache-Control", "public, max-age=300")
		respondJSON(w, http.StatusOK, report)
	}
}
