package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"tradegate/internal/dispatch"
	"tradegate/internal/session"
	"tradegate/internal/store"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// defaultJournalLimit is used when /journal has no limit parameter.
const defaultJournalLimit = 50

type handlers struct {
	dispatcher *dispatch.Dispatcher
	store      *session.Store
	journal    JournalReader
	log        *slog.Logger
}

// operation returns the handler for one gateway operation. Bodies are read
// only for operations that take parameters.
func (h *handlers) operation(op dispatch.Operation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := dispatch.WithOrigin(r.Context(), originHost(r.RemoteAddr))

		var body json.RawMessage
		if op.TakesBody() {
			b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
			if err != nil {
				f := dispatch.Malformed("unreadable request body")
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					f = dispatch.Malformed("request body exceeds %d bytes", tooLarge.Limit)
				}
				h.writeEnvelope(w, dispatch.Normalize(h.dispatcher.Fail(ctx, op, f)))
				return
			}
			body = b
		}

		h.writeEnvelope(w, dispatch.Normalize(h.dispatcher.Dispatch(ctx, op, body)))
	}
}

type healthStatus struct {
	Status  string `json:"status"`
	Session string `json:"session"`
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	st := healthStatus{Status: "ok", Session: "empty"}
	if h.store.Active() {
		st.Session = "active"
	}
	h.writeEnvelope(w, dispatch.Envelope{Data: st, Status: http.StatusOK})
}

func (h *handlers) journalEntries(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		h.writeEnvelope(w, dispatch.Normalize(dispatch.Result{Failure: dispatch.Malformed("journal is disabled")}))
		return
	}

	limit := defaultJournalLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > store.MaxRecent {
			f := dispatch.Malformed("limit must be an integer between 1 and %d", store.MaxRecent)
			h.writeEnvelope(w, dispatch.Normalize(dispatch.Result{Failure: f}))
			return
		}
		limit = n
	}

	entries, err := h.journal.Recent(r.Context(), limit)
	if err != nil {
		h.log.Error("reading journal", "error", err)
		h.writeEnvelope(w, dispatch.Envelope{Error: "journal unavailable", Status: http.StatusInternalServerError})
		return
	}
	h.writeEnvelope(w, dispatch.Envelope{Data: entries, Status: http.StatusOK})
}

func (h *handlers) writeEnvelope(w http.ResponseWriter, env dispatch.Envelope) {
	h.writeJSON(w, env.Status, env)
}

func (h *handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("encoding JSON response", "status", status, "error", err)
	}
}
