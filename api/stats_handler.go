package api

import (
	"net/http"
	"time"

	"github.com/teacurran/village-dispatch/budget"
)

// month reads ?month=YYYY-MM, defaulting to the current UTC month.
func month(r *http.Request) (budget.Month, bool) {
	raw := r.URL.Query().Get("month")
	if raw == "" {
		return budget.MonthOf(time.Now()), true
	}
	m, err := budget.ParseMonth(raw)
	return m, err == nil
}

func (a *API) budget(w http.ResponseWriter, r *http.Request) {
	m, ok := month(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid month, want YYYY-MM")
		return
	}
	report, err := a.eng.BudgetState(r.Context(), m)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) budgetUsage(w http.ResponseWriter, r *http.Request) {
	m, ok := month(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid month, want YYYY-MM")
		return
	}
	records, err := a.eng.BudgetUsage(r.Context(), m)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (a *API) queues(w http.ResponseWriter, r *http.Request) {
	depths, err := a.eng.QueueDepths(r.Context())
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, depths)
}

// GovernorResponse is the JSON view of governor.Stats.
type GovernorResponse struct {
	Capacity        int     `json:"capacity"`
	InFlight        int     `json:"in_flight"`
	Waiting         int     `json:"waiting"`
	LastWaitSeconds float64 `json:"last_wait_seconds"`
	MaxWaitSeconds  float64 `json:"max_wait_seconds"`
}

func (a *API) governor(w http.ResponseWriter, _ *http.Request) {
	st := a.eng.Governor().Stats()
	writeJSON(w, http.StatusOK, GovernorResponse{
		Capacity:        st.Capacity,
		InFlight:        st.InFlight,
		Waiting:         st.Waiting,
		LastWaitSeconds: st.LastWait.Seconds(),
		MaxWaitSeconds:  st.MaxWait.Seconds(),
	})
}
