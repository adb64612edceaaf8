package httpapi

import (
	"fmt"
	"net/http"
	"sort"
	"time"

	"ecobin-dispatch/internal/eventlog"
)

// BinEmptiedCount one row of the emptied statistics
type BinEmptiedCount struct {
	BinID   string `json:"bin_id"`
	Emptied int    `json:"emptied"`
}

func logQuery(r *http.Request) (eventlog.Query, error) {
	q := r.URL.Query()
	query := eventlog.Query{
		SocietyID: q.Get("society_id"),
		BinID:     q.Get("bin_id"),
		DriverID:  q.Get("driver_id"),
	}
	var err error
	if query.Limit, err = parseInt(q.Get("limit"), 0); err != nil {
		return query, err
	}
	if query.Since, err = parseSince(q.Get("since")); err != nil {
		return query, err
	}
	return query, nil
}

func (h *Handler) GetLogs(w http.ResponseWriter, r *http.Request) {
	query, err := logQuery(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	entries, err := h.logs.Timeline(r.Context(), query)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if entries == nil {
		entries = []eventlog.Entry{}
	}
	writeJSON(w, http.StatusOK, Ok(entries))
}

func (h *Handler) ExportLogs(w http.ResponseWriter, r *http.Request) {
	query, err := logQuery(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	entries, err := h.logs.Timeline(r.Context(), query)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	data, err := GenerateTimelineExport(entries)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	filename := fmt.Sprintf("bin-timeline-%s.xlsx", time.Now().UTC().Format("20060102-150405"))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", "attachment; filename="+filename)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *Handler) GetEmptiedStats(w http.ResponseWriter, r *http.Request) {
	query, err := logQuery(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	counts, err := h.logs.EmptiedCounts(r.Context(), query)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	rows := make([]BinEmptiedCount, 0, len(counts))
	for binID, n := range counts {
		rows = append(rows, BinEmptiedCount{BinID: binID, Emptied: n})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Emptied != rows[j].Emptied {
			return rows[i].Emptied > rows[j].Emptied
		}
		return rows[i].BinID < rows[j].BinID
	})
	writeJSON(w, http.StatusOK, Ok(rows))
}
