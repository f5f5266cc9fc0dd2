package public

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/mpapenbr/tirewatch-backend-go/log"
	"github.com/mpapenbr/tirewatch-backend-go/pkg/broadcast"
	"github.com/mpapenbr/tirewatch-backend-go/pkg/repository"
	"github.com/mpapenbr/tirewatch-backend-go/pkg/repository/insight"
	"github.com/mpapenbr/tirewatch-backend-go/version"
)

const defaultListLimit = 20

type (
	// PublicManager serves the outward-facing surface: the live websocket
	// feed plus the insight lookup endpoints.
	PublicManager struct {
		db  repository.Querier
		hub *broadcast.Hub
		l   *log.Logger
	}

	Option func(m *PublicManager)
)

func WithLogger(l *log.Logger) Option {
	return func(m *PublicManager) {
		m.l = l
	}
}

//nolint:whitespace // editor/linter issue
func InitPublicEndpoints(
	db repository.Querier,
	hub *broadcast.Hub,
	opts ...Option,
) *PublicManager {
	ret := &PublicManager{
		db:  db,
		hub: hub,
		l:   log.Default().Named("public"),
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

func (m *PublicManager) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /live", m.handleLive)
	mux.HandleFunc("GET /insights/{id}", m.handleInsightByID)
	mux.HandleFunc("GET /insights", m.handleInsightList)
	mux.HandleFunc("GET /version", m.handleVersion)
}

func (m *PublicManager) handleInsightByID(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid insight id", http.StatusBadRequest)
		return
	}
	item, err := insight.LoadByID(r.Context(), m.db, id)
	if err != nil {
		if errors.Is(err, insight.ErrNotFound) {
			http.Error(w, "insight not found", http.StatusNotFound)
			return
		}
		m.l.Error("insight lookup failed",
			log.Uint64("id", id), log.ErrorField(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	m.writeJSON(w, item)
}

func (m *PublicManager) handleInsightList(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if arg := r.URL.Query().Get("limit"); arg != "" {
		v, err := strconv.Atoi(arg)
		if err != nil || v < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = v
	}
	items, err := insight.LoadLatest(r.Context(), m.db, limit)
	if err != nil {
		m.l.Error("insight list failed", log.ErrorField(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	m.writeJSON(w, items)
}

func (m *PublicManager) handleVersion(w http.ResponseWriter, _ *http.Request) {
	m.writeJSON(w, map[string]string{"version": version.FullVersion})
}

func (m *PublicManager) writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		m.l.Warn("response write failed", log.ErrorField(err))
	}
}
