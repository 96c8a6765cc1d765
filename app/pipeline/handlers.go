package pipeline

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/usagelens/warehouse/pkg/model"
	"github.com/usagelens/warehouse/pkg/utils"
)

// SetupServer builds the read-only HTTP surface for dashboards and
// notebooks.
func (a *App) SetupServer() {
	r := mux.NewRouter()

	r.HandleFunc("/health", a.handleHealth).Methods("GET")
	r.HandleFunc("/runs/latest", a.handleLatestRun).Methods("GET")
	r.HandleFunc("/runs/{id}", a.handleRun).Methods("GET")
	r.HandleFunc("/metrics/daily", a.handleDailyMetrics).Methods("GET")
	r.HandleFunc("/retention/cohorts", a.handleRetentionCohorts).Methods("GET")
	r.HandleFunc("/growth", a.handleGrowth).Methods("GET")
	r.HandleFunc("/engagement/funnel", a.handleFunnel).Methods("GET")
	r.HandleFunc("/engagement/churn-risk", a.handleChurnRisk).Methods("GET")

	addr := utils.Env("ADDR", ":3003")
	a.Server = &http.Server{Addr: addr, Handler: r}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := a.Store.Validate(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"status": "errored",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) handleLatestRun(w http.ResponseWriter, _ *http.Request) {
	report, ok := a.LatestRun()
	if !ok {
		writeError(w, http.StatusNotFound, "no runs recorded")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *App) handleRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	report, ok := a.Runs.Load(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown run id")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// dateParam parses a required YYYY-MM-DD query parameter.
func dateParam(r *http.Request, name string) (model.Date, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return model.Date{}, false
	}
	d, err := model.ParseDate(raw)
	if err != nil {
		return model.Date{}, false
	}
	return d, true
}

func (a *App) handleDailyMetrics(w http.ResponseWriter, r *http.Request) {
	date, ok := dateParam(r, "date")
	if !ok {
		writeError(w, http.StatusBadRequest, "date parameter required (YYYY-MM-DD)")
		return
	}
	rows, err := a.Store.DailyMetrics(r.Context(), date)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (a *App) handleRetentionCohorts(w http.ResponseWriter, r *http.Request) {
	rows, err := a.Store.RetentionCohorts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (a *App) handleGrowth(w http.ResponseWriter, r *http.Request) {
	start, okStart := dateParam(r, "start")
	end, okEnd := dateParam(r, "end")
	if !okStart || !okEnd {
		writeError(w, http.StatusBadRequest, "start and end parameters required (YYYY-MM-DD)")
		return
	}
	rows, err := a.Runner.Engine().BuildGrowthAccounting(r.Context(), start, end)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (a *App) handleFunnel(w http.ResponseWriter, r *http.Request) {
	date, ok := dateParam(r, "date")
	if !ok {
		writeError(w, http.StatusBadRequest, "date parameter required (YYYY-MM-DD)")
		return
	}
	rows, err := a.Runner.Engine().BuildFunnel(r.Context(), date)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (a *App) handleChurnRisk(w http.ResponseWriter, r *http.Request) {
	date, ok := dateParam(r, "date")
	if !ok {
		writeError(w, http.StatusBadRequest, "date parameter required (YYYY-MM-DD)")
		return
	}
	rows, err := a.Runner.Engine().BuildChurnRisk(r.Context(), date)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rows)
}
