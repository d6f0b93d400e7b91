package admin

import (
	"time"

	"github.com/aalhour/tabletkv/internal/compaction"
	"github.com/aalhour/tabletkv/internal/rowset"
)

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusError indicates a request failed.
	StatusError Status = "error"
)

// Response is the envelope of every JSON reply.
type Response struct {
	Status Status `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}

// RowsetInfo describes one live rowset.
type RowsetInfo struct {
	Start     int64     `json:"start"`
	End       int64     `json:"end"`
	SizeBytes int64     `json:"size_bytes"`
	Rows      int64     `json:"rows"`
	Delete    string    `json:"delete,omitempty"`
	Created   time.Time `json:"created"`
}

func newRowsetInfo(d *rowset.Descriptor) RowsetInfo {
	ri := RowsetInfo{
		Start:     d.Version.Start,
		End:       d.Version.End,
		SizeBytes: d.SizeBytes,
		Rows:      d.RowCount,
		Created:   d.CreationTime,
	}
	if d.IsDeleteRowset() {
		ri.Delete = d.DeletePredicate.String()
	}
	return ri
}

// VersionsResponse is the reply of GET /tablets/{id}/versions.
type VersionsResponse struct {
	TabletID        int64        `json:"tablet_id"`
	CumulativePoint int64        `json:"cumulative_point"`
	Rowsets         []RowsetInfo `json:"rowsets"`
}

// StatsResponse is the reply of GET /stats and POST /compaction/trigger.
type StatsResponse struct {
	Tablets     int    `json:"tablets"`
	Concurrency int    `json:"concurrency"`
	Running     int    `json:"running"`
	Scheduled   uint64 `json:"scheduled"`
	Succeeded   uint64 `json:"succeeded"`
	Failed      uint64 `json:"failed"`
	Admitted    *int   `json:"admitted,omitempty"`
}

func newStatsResponse(m *compaction.Manager) StatsResponse {
	st := m.Stats()
	return StatsResponse{
		Tablets:     st.Tablets,
		Concurrency: m.Concurrency(),
		Running:     st.Running,
		Scheduled:   st.Scheduled,
		Succeeded:   st.Succeeded,
		Failed:      st.Failed,
	}
}
