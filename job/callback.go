package job

import (
	"encoding/json"
)

// Callback holds info to be posted back to the provided callback destination.
type Callback struct {
	// Success refers to whether the report generation succeeded or not
	Success bool `json:"success"`

	// Error contains errors that occured while building the report
	Error string `json:"error"`

	// Extra are opaque/pass through data
	Extra string `json:"extra"`

	// Kind of the generated report
	Kind string `json:"kind"`

	// DownloadURL is the url where the generated report resides
	DownloadURL string `json:"download_url"`

	// JobID is the unique id of a Job
	JobID string `json:"job_id"`

	// Delivered signifies whether the callback has been delivered or not
	Delivered bool `json:"delivered"`

	// DeliveryError contains the error occured while delivering a callback
	DeliveryError string `json:"delivery_error"`
}

// Bytes returns a byte slice for a callback info encoded as JSON
func (cb *Callback) Bytes() ([]byte, error) {
	return json.Marshal(cb)
}
