package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/trustgate/trustgate/internal/repository"
	"github.com/trustgate/trustgate/internal/service"
)

// AuditQuery returns audit events matching the query parameters, in chain
// order
func (h *Handler) AuditQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.AuditFilter{
		Actor:  q.Get("actor"),
		Action: q.Get("action"),
		Target: q.Get("target"),
	}
	filter.FromSeq = parseUint(q.Get("fromSeq"))
	filter.ToSeq = parseUint(q.Get("toSeq"))
	filter.Limit = int(parseUint(q.Get("limit")))
	filter.Offset = int(parseUint(q.Get("offset")))

	if v := q.Get("from"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", "Invalid 'from' timestamp; expected RFC 3339")
			return
		}
		filter.From = ts
	}
	if v := q.Get("to"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", "Invalid 'to' timestamp; expected RFC 3339")
			return
		}
		filter.To = ts
	}

	events, err := h.auditSvc.Query(r.Context(), filter)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to query audit events")
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to query audit events")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

// AuditVerify walks a range of the chain and reports the first break
func (h *Handler) AuditVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	fromSeq := parseUint(q.Get("fromSeq"))
	toSeq := parseUint(q.Get("toSeq"))

	report, err := h.auditSvc.VerifyChain(r.Context(), fromSeq, toSeq)
	if err != nil {
		if errors.Is(err, service.ErrEmptyRange) {
			writeError(w, http.StatusBadRequest, "empty_range", "The verification range is empty")
			return
		}
		h.log.Error().Err(err).Msg("failed to verify audit chain")
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to verify audit chain")
		return
	}

	writeJSON(w, http.StatusOK, report)
}

func parseUint(s string) uint64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
