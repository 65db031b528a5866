package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/opsmith-ai/opsmith/internal/platerr"
)

const apiVersion = "2.0.0"

var requestCounter atomic.Uint64

func nextRequestID() string {
	return fmt.Sprintf("req_%d", requestCounter.Add(1))
}

// tenantRef is the caller identification attached to every response.
type tenantRef struct {
	OrgID     string `json:"org_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

type responseMetadata struct {
	RequestID  string `json:"request_id"`
	APIVersion string `json:"api_version"`
	Timestamp  string `json:"timestamp"`
}

type successEnvelope struct {
	Data          interface{}      `json:"data"`
	TenantContext *tenantRef       `json:"tenant_context,omitempty"`
	Metadata      responseMetadata `json:"metadata"`
}

type errorBody struct {
	Message   string `json:"message"`
	Code      int    `json:"code"`
	Kind      string `json:"kind"`
	Timestamp string `json:"timestamp"`
}

type errorEnvelope struct {
	Error         errorBody  `json:"error"`
	TenantContext *tenantRef `json:"tenant_context,omitempty"`
}

func writeData(w http.ResponseWriter, requestID string, status int, data interface{}, ref *tenantRef) {
	now := time.Now().UTC().Format(time.RFC3339)
	if ref != nil {
		ref.Timestamp = now
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(successEnvelope{
		Data:          data,
		TenantContext: ref,
		Metadata: responseMetadata{
			RequestID:  requestID,
			APIVersion: apiVersion,
			Timestamp:  now,
		},
	})
}

func writeError(w http.ResponseWriter, err error, ref *tenantRef) {
	kind := platerr.KindOf(err)
	status := platerr.HTTPStatus(kind)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{
		Error: errorBody{
			Message:   platerr.MessageOf(err),
			Code:      status,
			Kind:      string(kind),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		},
		TenantContext: ref,
	})
}
