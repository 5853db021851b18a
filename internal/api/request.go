// Package api exposes publishing over HTTP and gRPC, with a small HTML form.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"procodus.dev/rabbitmq-poc/pkg/mq"
)

// PublishRequest is the body of POST /api/rabbitmq/message and the fields
// of the gRPC Publish struct.
type PublishRequest struct {
	Body       any            `json:"body"`
	Headers    map[string]any `json:"headers,omitempty"`
	Exchange   string         `json:"exchange"`
	RoutingKey string         `json:"routingKey"`
}

// Response is returned by both transports.
type Response struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Success   bool      `json:"success"`
}

// ValidationError reports a request that cannot be published.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid request: " + strings.Join(e.Problems, "; ")
}

// Validate checks the required fields.
func (r *PublishRequest) Validate() error {
	var problems []string
	if strings.TrimSpace(r.Exchange) == "" {
		problems = append(problems, "exchange is required")
	}
	if strings.TrimSpace(r.RoutingKey) == "" {
		problems = append(problems, "routingKey is required")
	}
	if r.Body == nil {
		problems = append(problems, "body is required")
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Message converts the request into a persistent message. A string body is
// sent as is; any other JSON value is re-encoded and marked application/json.
func (r *PublishRequest) Message() (mq.Message, error) {
	if s, ok := r.Body.(string); ok {
		return mq.NewMessage([]byte(s), r.Headers), nil
	}
	msg, err := mq.NewJSONMessage(r.Body, r.Headers)
	if err != nil {
		return mq.Message{}, &ValidationError{Problems: []string{fmt.Sprintf("body cannot be encoded: %v", err)}}
	}
	return msg, nil
}

// decodeRequest parses a JSON publish request.
func decodeRequest(data []byte) (*PublishRequest, error) {
	var req PublishRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &ValidationError{Problems: []string{"malformed JSON: " + err.Error()}}
	}
	return &req, nil
}

func isValidation(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}
