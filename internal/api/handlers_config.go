package api

import (
	"net/http"
	"time"

	"github.com/tienda-app/tienda-go/internal/configctx"
	"github.com/tienda-app/tienda-go/internal/models"
)

func (h *Handlers) getConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, configctx.Read(r.Context()))
}

// statusResponse is the detailed subscription state.
type statusResponse struct {
	Status          models.Status       `json:"status"`
	StoreOpen       bool                `json:"storeOpen"`
	AcceptingOrders bool                `json:"acceptingOrders"`
	HasSnapshot     bool                `json:"hasSnapshot"`
	Error           *models.ConfigError `json:"error"`
	UpdatedAt       time.Time           `json:"updatedAt"`
}

func (h *Handlers) getStatus(w http.ResponseWriter, r *http.Request) {
	st := configctx.MustFromContext(r.Context()).State()
	writeJSON(w, http.StatusOK, statusResponse{
		Status:          st.Status,
		StoreOpen:       st.Snapshot.StoreOpen,
		AcceptingOrders: st.Snapshot.AcceptingOrders,
		HasSnapshot:     st.HasSnapshot,
		Error:           st.Err,
		UpdatedAt:       st.UpdatedAt,
	})
}

// infoResponse describes the running service.
type infoResponse struct {
	Hostname string `json:"hostname"`
	Version  string `json:"version"`
	Source   string `json:"source"`
	Path     string `json:"path"`
}

func (h *Handlers) getInfo(w http.ResponseWriter, r *http.Request) {
	scope := configctx.MustFromContext(r.Context())
	writeJSON(w, http.StatusOK, infoResponse{
		Hostname: h.info.Hostname,
		Version:  h.info.Version,
		Source:   scope.Source(),
		Path:     scope.Path(),
	})
}

func (h *Handlers) healthz(w http.ResponseWriter, r *http.Request) {
	if _, err := configctx.FromContext(r.Context()); err != nil {
		writeError(w, models.ErrUnavailable(err.Error()))
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
