package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/shineum/ses-notify/internal/apperror"
	"github.com/shineum/ses-notify/internal/email"
)

// maxRequestBodySize bounds a notification request, attachments included.
const maxRequestBodySize = 10 << 20

// retryAfterSeconds is advertised when the sandbox gate defers a send.
const retryAfterSeconds = "60"

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var n email.Notification
	if err := dec.Decode(&n); err != nil {
		s.writeError(w, r, apperror.Wrap(err, apperror.KindInvalidArgument, "HttpApi", "Invalid JSON body"))
		return
	}
	if dec.More() {
		s.writeError(w, r, apperror.New(apperror.KindInvalidArgument, "HttpApi", "Body must contain a single JSON object"))
		return
	}
	if n.Channel == "" {
		n.Channel = email.ChannelEmail
	}
	if err := s.validate.Struct(n); err != nil {
		s.writeError(w, r, apperror.New(apperror.KindInvalidArgument, "HttpApi", "%s", describeValidation(err)))
		return
	}

	res, err := s.notifier.Send(r.Context(), &n)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	ids, err := s.notifier.TemplateIDs(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"templates": ids})
}

// StatusFor maps an error to its HTTP status. Schema validation failures
// wrapped by the service still answer 400.
func StatusFor(err error) int {
	if apperror.Has(err, apperror.KindInvalidArgument) {
		return http.StatusBadRequest
	}

	switch apperror.KindOf(err) {
	case apperror.KindInvalidArgument, apperror.KindInvalidData:
		return http.StatusBadRequest
	case apperror.KindNotFound:
		return http.StatusNotFound
	case apperror.KindRetryable:
		return http.StatusServiceUnavailable
	case apperror.KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}

	code := string(apperror.KindOf(err))
	switch {
	case apperror.Has(err, apperror.KindInvalidArgument):
		code = string(apperror.KindInvalidArgument)
	case code == "":
		code = string(apperror.KindInternal)
	}

	if status >= 500 {
		s.logger.Error("request failed", "error", err, "request_id", requestIDFrom(r.Context()))
	}

	writeJSON(w, status, errorBody{Error: errorDetail{
		Code:      code,
		Message:   err.Error(),
		RequestID: requestIDFrom(r.Context()),
	}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// describeValidation renders validator errors as "field: rule" pairs.
func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}

	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s: failed '%s'", fe.Namespace(), fe.Tag()))
	}
	return "Invalid request: " + strings.Join(parts, ", ")
}
