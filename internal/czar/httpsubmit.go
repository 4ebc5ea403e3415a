package czar

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/lsst/qserv/internal/ccontrol"
	"github.com/lsst/qserv/internal/global"
	"github.com/lsst/qserv/internal/rproc"
)

// submitBody is the JSON shape accepted by POST /queries. The caller
// has already analyzed the query; this surface only dispatches it.
type submitBody struct {
	Db          string                    `json:"db"`
	Schema      []rproc.ColSchema         `json:"schema"`
	MergeStmt   string                    `json:"mergeStmt"`
	RowLimit    int                       `json:"rowLimit"`
	Interactive bool                      `json:"interactive"`
	Priority    int                       `json:"priority"`
	Chunks      []ccontrol.ChunkQuerySpec `json:"chunks"`
}

func (c *Czar) postQuery(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}
	uq, err := c.SubmitQuery(SubmitRequest{
		Db:          body.Db,
		Schema:      rproc.Schema(body.Schema),
		MergeStmt:   body.MergeStmt,
		RowLimit:    body.RowLimit,
		Interactive: body.Interactive,
		Priority:    body.Priority,
		Chunks:      body.Chunks,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	// The query runs on; the caller polls /queries/{id} or joins via a
	// follow-up DELETE-free read. Join happens on its own goroutine so
	// the result table gets finalized.
	go func() {
		uq.Join()
	}()
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]interface{}{
		"queryId":     uq.QueryId(),
		"resultTable": uq.ResultTable(),
	})
}

func (c *Czar) deleteQuery(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "bad query id", http.StatusBadRequest)
		return
	}
	if err := c.KillQuery(global.QueryId(id)); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
