package models

// JobRequest is the intake payload for creating a job. The chain name is
// resolved against the service chain registry; validation rejects requests
// the orchestrator could never run.
type JobRequest struct {
	Username         string   `json:"username" validate:"required"`
	Request          string   `json:"request" validate:"required"`
	Chain            string   `json:"chain" validate:"required"`
	NumInputGranules int      `json:"numInputGranules" validate:"gte=0"`
	IsAsync          bool     `json:"isAsync"`
	IgnoreErrors     bool     `json:"ignoreErrors"`
	SkipPreview      bool     `json:"skipPreview"`
	Labels           []string `json:"labels,omitempty"`
	DestinationURL   string   `json:"destinationUrl,omitempty" validate:"omitempty,url"`
}
