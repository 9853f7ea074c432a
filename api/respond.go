package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
	json "github.com/goccy/go-json"
	"github.com/gurre/courseshop/catalog"
	"github.com/gurre/courseshop/enrollment"
	"github.com/gurre/courseshop/identity"
	"github.com/gurre/courseshop/payments"
	"github.com/gurre/courseshop/uploads"
	"github.com/gurre/courseshop/users"
	"github.com/gurre/courseshop/validation"
	"go.uber.org/zap"
)

var (
	errBadRequest       = errors.New("bad request")
	errUnauthorized     = errors.New("authentication required")
	errForbidden        = errors.New("admin role required")
	errRouteNotFound    = errors.New("route not found")
	errMethodNotAllowed = errors.New("method not allowed")
	errAlreadyEnrolled  = errors.New("already enrolled in this course")
)

type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, validation.ErrInvalid),
		errors.Is(err, enrollment.ErrInvalidConfirmation),
		errors.Is(err, enrollment.ErrPaymentMismatch),
		errors.Is(err, identity.ErrInvalidPassword),
		errors.Is(err, payments.ErrFreeCourse),
		errors.Is(err, payments.ErrInvalidSignature),
		errors.Is(err, payments.ErrMalformedEvent):
		return http.StatusBadRequest
	case errors.Is(err, errUnauthorized),
		errors.Is(err, identity.ErrInvalidToken),
		errors.Is(err, identity.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, enrollment.ErrPaymentNotSucceeded):
		return http.StatusPaymentRequired
	case errors.Is(err, errForbidden),
		errors.Is(err, identity.ErrNotConfirmed),
		errors.Is(err, identity.ErrChallengeRequired):
		return http.StatusForbidden
	case errors.Is(err, errRouteNotFound),
		errors.Is(err, catalog.ErrNotFound),
		errors.Is(err, users.ErrNotFound),
		errors.Is(err, enrollment.ErrNotFound),
		errors.Is(err, uploads.ErrObjectNotFound),
		errors.Is(err, payments.ErrUnknownPayment):
		return http.StatusNotFound
	case errors.Is(err, errMethodNotAllowed):
		return http.StatusMethodNotAllowed
	case errors.Is(err, identity.ErrUserExists),
		errors.Is(err, errAlreadyEnrolled),
		errors.Is(err, users.ErrExists):
		return http.StatusConflict
	case errors.Is(err, uploads.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// errorBodyFor maps err to a status and body. Server errors are logged and
// replaced by a generic message carrying the request id.
func errorBodyFor(log *zap.Logger, requestID string, err error) (int, errorBody) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", zap.Error(err))
		return status, errorBody{Error: "internal server error", RequestID: requestID}
	}
	log.Debug("request rejected", zap.Int("status", status), zap.Error(err))
	return status, errorBody{Error: err.Error()}
}

// errorResponse renders err for failures outside the router.
func (s *Server) errorResponse(log *zap.Logger, requestID string, err error) events.APIGatewayProxyResponse {
	status, body := errorBodyFor(log, requestID, err)
	b, merr := json.Marshal(body)
	if merr != nil {
		b = []byte(`{"error":"internal server error"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(b),
	}
}

// fail renders err from a route handler or middleware.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	info := s.infoFor(r)
	status, body := errorBodyFor(info.log, info.id, err)
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(b)
	return err
}

func ok(w http.ResponseWriter, v any) error {
	return writeJSON(w, http.StatusOK, v)
}

func created(w http.ResponseWriter, v any) error {
	return writeJSON(w, http.StatusCreated, v)
}

func noContent(w http.ResponseWriter) error {
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read body", errBadRequest)
	}
	return body, nil
}

// decode parses a JSON request body into v.
func decode(r *http.Request, v any) error {
	body, err := readBody(r)
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return fmt.Errorf("%w: request body is required", errBadRequest)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: invalid JSON body", errBadRequest)
	}
	return nil
}
