package czar

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lsst/qserv/internal/global"
)

// MonitorHandler serves the czar's dispatch-monitoring endpoints.
func (c *Czar) MonitorHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /workers", c.getWorkers)
	mux.HandleFunc("GET /queries", c.getQueries)
	mux.HandleFunc("GET /queries/{id}", c.getQuery)
	mux.HandleFunc("POST /queries", c.postQuery)
	mux.HandleFunc("DELETE /queries/{id}", c.deleteQuery)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (c *Czar) getWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{"workers": c.Workers()})
}

type querySummary struct {
	QueryId     global.QueryId `json:"queryId"`
	State       string         `json:"state"`
	Jobs        int            `json:"jobs"`
	Incomplete  int            `json:"incomplete"`
	ResultTable string         `json:"resultTable"`
}

func (c *Czar) getQueries(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	out := make([]querySummary, 0, len(c.queries))
	for qid, uq := range c.queries {
		out = append(out, querySummary{
			QueryId:     qid,
			State:       uq.State().String(),
			Jobs:        uq.Executive().JobCount(),
			Incomplete:  uq.Executive().IncompleteCount(),
			ResultTable: uq.ResultTable(),
		})
	}
	c.mu.Unlock()
	writeJSON(w, map[string]interface{}{"queries": out})
}

func (c *Czar) getQuery(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "bad query id", http.StatusBadRequest)
		return
	}
	uq, ok := c.Query(global.QueryId(id))
	if !ok {
		http.Error(w, "unknown query", http.StatusNotFound)
		return
	}
	type jobInfo struct {
		JobId int         `json:"jobId"`
		State string      `json:"state"`
		Info  interface{} `json:"info"`
	}
	jobs := make([]jobInfo, 0)
	for jobId, info := range uq.Executive().JobStatuses() {
		jobs = append(jobs, jobInfo{JobId: jobId, State: info.State.String(), Info: info})
	}
	writeJSON(w, map[string]interface{}{
		"queryId":     uq.QueryId(),
		"state":       uq.State().String(),
		"resultTable": uq.ResultTable(),
		"rowCount":    uq.RowCount(),
		"bytes":       uq.CollectedBytes(),
		"jobs":        jobs,
		"messages":    uq.MessageStore().Messages(),
	})
}
