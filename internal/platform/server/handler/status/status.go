package status

import (
	"net/http"

	"TileServer/internal/domain"
	"TileServer/internal/domain/index"
	"TileServer/internal/platform/api/wire"
	json "github.com/json-iterator/go"
)

type Source interface {
	Status() wire.StatusReply
	QueryErrors() uint64
	TotalSessions() uint64
	Index() *index.TileIndex
	RequestStop() bool
}

// Document is the JSON body served on /status and /stop.
type Document struct {
	State           domain.ServerState      `json:"state"`
	ActiveSessions  uint32                  `json:"active_sessions"`
	TotalSessions   uint64                  `json:"total_sessions"`
	ProtocolVersion uint8                   `json:"protocol_version"`
	QueriesServed   uint64                  `json:"queries_served"`
	QueryErrors     uint64                  `json:"query_errors"`
	Params          *domain.IndexParameters `json:"params,omitempty"`
	Index           *index.Stats            `json:"index,omitempty"`
}

type StatusHandler struct {
	source Source
}

func NewStatusHandler(source Source) *StatusHandler {
	return &StatusHandler{source: source}
}

func (h *StatusHandler) document() Document {
	s := h.source.Status()
	doc := Document{
		State:           s.State,
		ActiveSessions:  s.ActiveSessions,
		TotalSessions:   h.source.TotalSessions(),
		ProtocolVersion: s.ProtocolVersion,
		QueriesServed:   s.QueriesServed,
		QueryErrors:     h.source.QueryErrors(),
	}
	if ix := h.source.Index(); ix != nil {
		params, stats := ix.Params(), ix.Stats()
		doc.Params, doc.Index = &params, &stats
	}
	return doc
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.document())
}

// Stop starts a cooperative shutdown and answers 202 with the state at that
// moment, or 409 if the server was not running.
func (h *StatusHandler) Stop(w http.ResponseWriter, r *http.Request) {
	if !h.source.RequestStop() {
		writeJSON(w, http.StatusConflict, h.document())
		return
	}
	writeJSON(w, http.StatusAccepted, h.document())
}
