package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"
)

// The report kinds the service knows how to build.
const (
	KindCourseActivity  = "course-activity"
	KindLearnerProgress = "learner-progress"
	KindCertificates    = "certificates"
)

// Job represents a user request for generating a report.
//
// It is the core entity of reportd and holds all info and state of the
// report generation.
type Job struct {
	// Auto-generated
	ID string `json:"-"`

	// Kind selects the report to build. See the Kind* constants.
	Kind string `json:"kind"`

	// Params are opaque report parameters (eg. course id, date range)
	// passed through to the report builder.
	Params map[string]string `json:"params,omitempty"`

	// Requester identifies the user the report is built for.
	Requester string `json:"requester"`

	State State `json:"-"`

	// Progress of the generation, 0-100.
	Progress int `json:"-"`

	// How many times generation was attempted
	Attempts int `json:"-"`

	// Auxiliary ad-hoc information. Typically used for communicating
	// generation errors back to the user.
	Meta string `json:"-"`

	CallbackState State  `json:"-"`
	CallbackType  string `json:"callback_type"`
	CallbackDst   string `json:"callback_dst"`

	// Auxiliary ad-hoc information used for debugging.
	CallbackMeta string `json:"-"`

	// How many times the callback request was attempted
	CallbackCount int `json:"-"`

	// Arbitrary info provided by the user that are posted
	// back during the callback
	Extra string `json:"extra"`

	S3Bucket string `json:"s3_bucket"`
	S3Region string `json:"s3_region"`

	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

// Status is the snapshot of a job returned by the status endpoint and
// consumed by pollers. It is read-only from the poller's point of view.
type Status struct {
	ID       string `json:"id"`
	State    State  `json:"state"`
	Progress int    `json:"progress"`
}

// Path returns the relative artifact path of the job.
func (j *Job) Path() string {
	return path.Join(j.ID[0:3], j.ID+".xlsx")
}

// UnmarshalJSON is used to populate a job from the values in
// the provided JSON message.
func (j *Job) UnmarshalJSON(b []byte) error {
	var tmp map[string]interface{}

	err := json.Unmarshal(b, &tmp)
	if err != nil {
		return err
	}

	kind, ok := tmp["kind"].(string)
	if !ok {
		return errors.New("kind must be a string")
	}
	switch kind {
	case KindCourseActivity, KindLearnerProgress, KindCertificates:
	default:
		return fmt.Errorf("Unknown report kind: %#v", kind)
	}
	j.Kind = kind

	requester, ok := tmp["requester"].(string)
	if !ok {
		return errors.New("requester must be a string")
	}
	if requester == "" {
		return errors.New("requester cannot be empty")
	}
	j.Requester = requester

	s3Region, ok := tmp["s3_region"].(string)
	if ok {
		j.S3Region = s3Region
	}

	s3Bucket, ok := tmp["s3_bucket"].(string)
	if ok {
		j.S3Bucket = s3Bucket
	}

	if s3Bucket == "" && s3Region != "" {
		return errors.New("s3_region provided without an s3_bucket")
	} else if s3Region == "" && s3Bucket != "" {
		return errors.New("s3_bucket provided without an s3_region")
	}

	cbType, _ := tmp["callback_type"].(string)
	cbDst, _ := tmp["callback_dst"].(string)

	// Callbacks are optional; if one half is given the other is required.
	if (cbType == "") != (cbDst == "") {
		return fmt.Errorf("You need to provide both callback_type (%#v) and callback_dst (%#v)", cbType, cbDst)
	}

	if strings.HasPrefix(cbDst, "http") {
		_, err = url.ParseRequestURI(cbDst)
		if err != nil {
			return errors.New("Could not parse callback URL: " + err.Error())
		}
	}
	j.CallbackType = cbType
	j.CallbackDst = cbDst

	extra, ok := tmp["extra"].(string)
	if ok {
		j.Extra = extra
	}

	p, ok := tmp["params"]
	if ok {
		params, ok := p.(map[string]interface{})
		if !ok {
			return errors.New("params must be a dictionary")
		}
		out := make(map[string]string, len(params))
		for k, v := range params {
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("Values of params must be strings. Given value is %v", v)
			}
			out[k] = s
		}
		j.Params = out
	}

	return nil
}

// HasCallback returns true if the job requires a callback.
// A valid case of a job not having a callback is if the requester picks
// up the artifact through the download endpoint instead.
func (j *Job) HasCallback() bool {
	return j.CallbackDst != ""
}

// CallbackInfo validates the state of a job and returns a callback info
// along with an error if appropriate. The expected argument downloadURL is
// the base path of finished artifacts in reportd.
func (j *Job) CallbackInfo(downloadURL url.URL) (Callback, error) {
	var dwURL string

	if j.State != StateReady && j.State != StateFailed {
		return Callback{}, fmt.Errorf("Invalid job state: '%s'", j.State)
	}

	if j.State == StateReady {
		downloadURL.Path = path.Join(downloadURL.Path, j.Path())
		dwURL = downloadURL.String()
	}

	return Callback{
		Success:     j.State == StateReady,
		Error:       j.Meta,
		Extra:       j.Extra,
		Kind:        j.Kind,
		DownloadURL: dwURL,
		JobID:       j.ID,
		Delivered:   true,
	}, nil
}

func (j Job) String() string {
	return fmt.Sprintf("Job{ID:%s, Kind:%s, Requester:%s, State:%s, "+
		"Progress:%d, Attempts:%d, callback_type:%s, callback_dst:%s}",
		j.ID, j.Kind, j.Requester, j.State,
		j.Progress, j.Attempts, j.CallbackType, j.CallbackDst)
}
