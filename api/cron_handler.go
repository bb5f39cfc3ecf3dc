package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (a *API) listCrons(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.eng.Scheduler().Entries())
}

// runCron fires a scheduled entry immediately.
func (a *API) runCron(w http.ResponseWriter, r *http.Request) {
	if err := a.eng.Scheduler().Run(r.Context(), chi.URLParam(r, "name")); err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
