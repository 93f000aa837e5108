package httpapi

import (
	"net/http"
	"strings"
	"time"

	"authgate.org/internal/audit"
)

type listAuditResponse struct {
	Items []audit.Entry `json:"items"`
	Total int           `json:"total"`
	Page  int           `json:"page"`
	Size  int           `json:"size"`
}

func (a *API) handleAuditCollection(w http.ResponseWriter, r *http.Request) {
	if err := requireRole(r.Context(), adminRole); err != nil {
		writeError(w, r, http.StatusForbidden, err.Error())
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	q := r.URL.Query()
	page, err := parsePositiveInt(q.Get("page"), 1, 1, 1<<30)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "page must be a positive integer")
		return
	}
	size, err := parsePositiveInt(q.Get("size"), 20, 1, 100)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "size must be between 1 and 100")
		return
	}

	filter := audit.Filter{
		Actor:  strings.TrimSpace(q.Get("actor")),
		Action: strings.TrimSpace(q.Get("action")),
		Offset: (page - 1) * size,
		Limit:  size,
	}
	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filter.Since = t
	}
	if raw := q.Get("until"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "until must be RFC3339")
			return
		}
		filter.Until = t
	}

	items, total, err := a.auditQ.List(r.Context(), filter)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if items == nil {
		items = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, listAuditResponse{
		Items: items,
		Total: total,
		Page:  page,
		Size:  size,
	})
}

func (a *API) handleAuditResource(w http.ResponseWriter, r *http.Request) {
	if err := requireRole(r.Context(), adminRole); err != nil {
		writeError(w, r, http.StatusForbidden, err.Error())
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/v1/audit-logs/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	entry, err := a.auditQ.Find(r.Context(), id)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}
