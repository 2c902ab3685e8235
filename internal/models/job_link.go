package models

import "time"

// Link relations attached to jobs.
const (
	LinkRelData = "data"
	LinkRelSelf = "self"
)

// TemporalRange is the time coverage of a produced artifact.
type TemporalRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// JobLink is one output artifact attached to a job. Links are append-only;
// a job may accumulate an unbounded number of them.
type JobLink struct {
	ID        uint64         `json:"id" badgerhold:"key"`
	JobID     string         `json:"jobID" badgerhold:"index"`
	Href      string         `json:"href"`
	Rel       string         `json:"rel" badgerhold:"index"`
	Type      string         `json:"type,omitempty"`
	Title     string         `json:"title,omitempty"`
	Temporal  *TemporalRange `json:"temporal,omitempty"`
	BBox      []float64      `json:"bbox,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// NewJobLink creates a data link. ID is assigned at insert.
func NewJobLink(jobID, href, rel string) *JobLink {
	return &JobLink{
		JobID:     jobID,
		Href:      href,
		Rel:       rel,
		CreatedAt: time.Now().UTC(),
	}
}
