package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/curfew/internal/ledger"
	"github.com/yairfalse/curfew/internal/override"
)

type messageResponse struct {
	Message string `json:"message"`
}

func (s *Server) handleListWarnings(w http.ResponseWriter, r *http.Request) {
	records, err := s.warnings.List(r.Context())
	if err != nil {
		log.Error().Err(err).Ctx(r.Context()).Msg("list warnings failed")
		writeJSON(w, http.StatusInternalServerError, messageResponse{Message: fmt.Sprintf("Error: %v", err)})
		return
	}
	if records == nil {
		records = []ledger.WarningRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleGetWarning(w http.ResponseWriter, r *http.Request) {
	id := override.Sanitize(mux.Vars(r)["instance_id"])

	rec, err := s.warnings.Get(r.Context(), id)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		writeJSON(w, http.StatusNotFound, messageResponse{Message: "instance not found: " + id})
		return
	case err != nil:
		log.Error().Err(err).Ctx(r.Context()).Str("instance_id", id).Msg("get warning failed")
		writeJSON(w, http.StatusInternalServerError, messageResponse{Message: fmt.Sprintf("Error: %v", err)})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
