package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/yairfalse/curfew/internal/override"
	"github.com/yairfalse/curfew/internal/slack"
)

// Response texts shown to the user who clicked the button.
const (
	textPostponed      = "Instance shutdown delayed 1 hour!"
	textSilenced       = "Instance silenced on Slack!"
	textAlreadyStopped = "Instance already shut down! :man-shrugging:"
	textBadSignature   = "Signing Signature Invalid!"
	textInternalError  = "INTERNAL SERVER ERROR!"
)

func (s *Server) handleInstanceAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := log.With().Str("component", "webhook").Logger()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeText(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		writeText(w, http.StatusBadRequest, "Unreadable request body")
		return
	}

	if s.cfg.SigningSecret == "" {
		logger.Error().Msg("signing secret not configured, rejecting callback")
		writeText(w, http.StatusUnauthorized, textBadSignature)
		return
	}
	err = slack.Verify(r.Header, body, s.cfg.SigningSecret, s.now(), s.cfg.MaxRequestAge)
	if err != nil {
		logger.Warn().Err(err).Msg("callback signature rejected")
		writeText(w, http.StatusUnauthorized, textBadSignature)
		return
	}

	payload, action, err := slack.ParseActionPayload(body)
	if err != nil {
		logger.Warn().Err(err).Msg("malformed callback payload")
		writeText(w, http.StatusBadRequest, "Malformed payload")
		return
	}

	act, err := override.ParseAction(action.Name)
	if err != nil {
		logger.Warn().Err(err).Str("user", payload.User.ID).Msg("unknown action")
		writeText(w, http.StatusBadRequest, "Unknown action")
		return
	}

	res, err := s.applier.Apply(ctx, action.Value, act, override.TransportWebhook)
	switch {
	case errors.Is(err, override.ErrEmptyResourceID), errors.Is(err, override.ErrUnknownAction):
		writeText(w, http.StatusBadRequest, "Invalid action value")
		return
	case err != nil:
		logger.Error().Err(err).Ctx(ctx).Msg("apply override failed")
		writeText(w, http.StatusInternalServerError, textInternalError)
		return
	}

	logger.Info().
		Str("instance_id", res.ResourceID).
		Str("action", string(act)).
		Str("user", payload.User.ID).
		Bool("found", res.Found).
		Msg("callback handled")

	switch {
	case !res.Found:
		writeText(w, http.StatusOK, textAlreadyStopped)
	case act == override.Postpone:
		writeText(w, http.StatusOK, textPostponed)
	default:
		writeText(w, http.StatusOK, textSilenced)
	}
}
