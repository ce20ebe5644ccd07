package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/vx11/vx11/pkg/apierr"
	"github.com/vx11/vx11/pkg/log"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err as the uniform envelope and logs it at a level
// matching who is at fault.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := apierr.From(err)
	cid := CorrelationID(r.Context())
	logger := log.WithCorrelationID(s.logger, cid)

	var event *zerolog.Event
	switch e.Kind {
	case apierr.KindValidation, apierr.KindNotFound:
		event = logger.Debug()
	case apierr.KindAuthRequired, apierr.KindForbidden, apierr.KindOffByPolicy,
		apierr.KindWindowExpired, apierr.KindAlreadyOpen, apierr.KindGone, apierr.KindRateLimited:
		event = logger.Info()
	case apierr.KindUpstreamUnavailable:
		event = logger.Warn()
	default:
		event = logger.Error()
	}
	event.Err(err).
		Str("kind", string(e.Kind)).
		Int("status", e.Status).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Msg("request failed")

	writeJSON(w, e.Status, apierr.NewEnvelope(e, cid, s.clock.Now()))
}

// decodeBody reads a JSON body into dst. An empty body leaves dst untouched
// when optional is set.
func decodeBody(r *http.Request, dst any, optional bool) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		switch {
		case errors.Is(err, io.EOF) && optional:
			return nil
		case errors.Is(err, io.EOF):
			return apierr.Validation("request body is required")
		case isBodyTooLarge(err):
			return apierr.Validation("request body too large")
		default:
			return apierr.Validationf("malformed JSON body: %v", err)
		}
	}
	if dec.More() {
		return apierr.Validation("request body must hold a single JSON document")
	}
	return nil
}
