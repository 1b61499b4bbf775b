// Package storage is an abstraction/utility layer over Redis.
package storage

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/learnhub/reportd/job"

	"github.com/go-redis/redis"
)

const (
	// Each Job has a corresponding Redis Hash named in the form
	// "<JobKeyPrefix><job-id>"
	JobKeyPrefix = "job:"

	// ReportQueue contains IDs of jobs waiting to be picked up by the
	// processor. Scores are the time each job becomes ready to run,
	// which is how delayed retries are implemented.
	ReportQueue = "ReportQueue"

	// CallbackQueue contains IDs of jobs that are completed
	// and their callback is to be executed
	CallbackQueue = "CallbackQueue"

	// Cached detail documents live under "<DetailKeyPrefix><job-id>".
	// They expire on their own but are invalidated eagerly when a job
	// reaches a terminal state.
	DetailKeyPrefix = "detail:"

	// Prefix for stats related entries
	statsPrefix = "stats"

	// DetailCacheTTL bounds the staleness of a cached detail document
	// if eager invalidation is missed.
	DetailCacheTTL = 5 * time.Minute
)

var (
	// Atomically pop jobs from a sorted set (ZSET)
	//
	// Each job has a score that points to the time
	// it should be executed.
	//
	// We only pop jobs that are "ready" to execute,
	// so we can implement backoffs by scheduling jobs
	// in the future.
	//
	// Note that we return two different kind of errors,
	// EMPTY & RETRYLATER. We need this distinction in
	// order to decide if we should close the worker pool
	// or just wait a bit for new jobs.
	//
	// Both operations are 0(1) since we operate on the
	// left side of an ordered list.
	zpop = redis.NewScript(`
		local key = KEYS[1]
		local max_score = ARGV[1]

		-- Get the Job with the smallest score
		local top = redis.call("zrange", key, 0, 0, 'withscores')

		-- Empty ZSET
		if #top == 0 then
			return redis.error_reply("EMPTY")
		end

		local job = top[1]
		local score = top[2]

		-- Job is not ready yet
		if score > max_score then
			return redis.error_reply("RETRYLATER")
		end

		-- We have a Job!
		redis.call("zremrangebyrank", key, 0, 0)
		return job
		`)

	// ErrEmptyQueue is returned by ZPOP when there is no job in the queue
	ErrEmptyQueue = errors.New("Queue is empty")
	// ErrRetryLater is returned by ZPOP when there are only future jobs in the queue
	ErrRetryLater = errors.New("Retry again later")
	// ErrNotFound is returned by GetJob when a requested job is not
	// found in Redis.
	ErrNotFound = errors.New("Not Found")
)

// Storage wraps a redis.Client instance.
type Storage struct {
	Redis *redis.Client
}

// New returns a new Storage that can communicate with Redis. If Redis
// is not up an error will be returned.
func New(r *redis.Client) (*Storage, error) {
	if ping := r.Ping(); ping.Err() != nil || ping.Val() != "PONG" {
		if ping.Err() != nil {
			return nil, fmt.Errorf("Could not ping Redis Server successfully: %v", ping.Err())
		}
		return nil, fmt.Errorf("Could not ping Redis Server successfully: Expected PONG, received %s", ping.Val())
	}

	return &Storage{Redis: r}, nil
}

// SaveJob updates or creates j in Redis.
func (s *Storage) SaveJob(j *job.Job) error {
	j.UpdatedAt = time.Now().UTC().Truncate(time.Second)
	if j.CreatedAt.IsZero() {
		j.CreatedAt = j.UpdatedAt
	}
	return s.Redis.HMSet(JobKeyPrefix+j.ID, jobToMap(j)).Err()
}

// GetJob fetches the job with the given id from Redis.
// In the case of ErrNotFound, the returned job has valid ID and can be used
// further.
func (s *Storage) GetJob(id string) (job.Job, error) {
	val, err := s.Redis.HGetAll(JobKeyPrefix + id).Result()
	if err != nil {
		return job.Job{}, err
	}

	if v, ok := val["ID"]; !ok || v == "" {
		return job.Job{ID: id}, ErrNotFound
	}

	return jobFromMap(val)
}

// RemoveJob removes the job key from Redis.
func (s *Storage) RemoveJob(id string) error {
	return s.Redis.Del(JobKeyPrefix + id).Err()
}

// JobExists checks if the given job exists in Redis.
// If a non-nil error is returned, the first returned value should be ignored.
func (s *Storage) JobExists(j *job.Job) (bool, error) {
	res, err := s.Redis.Exists(JobKeyPrefix + j.ID).Result()
	return res > 0, err
}

// QueuePendingReport sets the state of a job to "queued", saves it and
// adds it to the report queue.
// If a delay >0 is given, the job is queued with a higher score & actually later in time.
func (s *Storage) QueuePendingReport(j *job.Job, delay time.Duration) error {
	j.State = job.StateQueued
	err := s.SaveJob(j)
	if err != nil {
		return err
	}

	z := redis.Z{
		Member: j.ID,
		Score:  float64(time.Now().Add(delay).Unix()),
	}
	return s.Redis.ZAdd(ReportQueue, z).Err()
}

// QueuePendingCallback sets the callback state of a job to "pending",
// saves it and adds it to the callback queue.
// If a delay >0 is given, the job is queued with a higher score & actually later in time.
func (s *Storage) QueuePendingCallback(j *job.Job, delay time.Duration) error {
	j.CallbackState = job.StatePending
	err := s.SaveJob(j)
	if err != nil {
		return err
	}

	z := redis.Z{
		Member: j.ID,
		Score:  float64(time.Now().Add(delay).Unix()),
	}
	return s.Redis.ZAdd(CallbackQueue, z).Err()
}

// PopReport attempts to pop a Job from the report queue.
// If it succeeds the job with the popped ID is returned.
func (s *Storage) PopReport() (job.Job, error) {
	return s.pop(ReportQueue)
}

// PopCallback attempts to pop a Job from the callback queue.
// If it succeeds the job with the popped ID is returned.
func (s *Storage) PopCallback() (job.Job, error) {
	return s.pop(CallbackQueue)
}

// RetryCallback resets a job's callback state and injects it back to the
// callback queue.
// If the job is not found, an error is returned.
func (s *Storage) RetryCallback(j *job.Job) error {
	exists, err := s.JobExists(j)
	if err != nil {
		return fmt.Errorf("Could not check Job existence: %s", err)
	}
	if !exists {
		return errors.New("Job doesn't exist in Redis:" + j.ID)
	}

	j.CallbackMeta = ""
	j.CallbackCount = 0
	return s.QueuePendingCallback(j, 0)
}

// GetCachedDetail returns the cached detail document for the given job
// id, or nil if there is no cache entry.
func (s *Storage) GetCachedDetail(id string) ([]byte, error) {
	getCmd := s.Redis.Get(DetailKeyPrefix + id)
	if err := getCmd.Err(); err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	return getCmd.Bytes()
}

// SetCachedDetail stores a detail document for the given job id. Entries
// expire after DetailCacheTTL on their own.
func (s *Storage) SetCachedDetail(id string, doc []byte) error {
	return s.Redis.Set(DetailKeyPrefix+id, doc, DetailCacheTTL).Err()
}

// InvalidateDetail drops the cached detail document for the given job
// id so the next read refetches authoritative data. Invalidating a
// missing entry is a no-op.
func (s *Storage) InvalidateDetail(id string) error {
	return s.Redis.Del(DetailKeyPrefix + id).Err()
}

// GetStats fetches stats prefixed entries from Redis
func (s *Storage) GetStats(id string) ([]byte, error) {
	getCmd := s.Redis.Get(strings.Join([]string{statsPrefix, id}, ":"))

	if err := getCmd.Err(); err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	return getCmd.Bytes()
}

// SetStats saves stats in Redis
func (s *Storage) SetStats(id, stats string, expiration time.Duration) error {
	return s.Redis.Set(strings.Join([]string{statsPrefix, id}, ":"), stats, expiration).Err()
}

func jobToMap(j *job.Job) map[string]interface{} {
	out := map[string]interface{}{
		"ID":            j.ID,
		"Kind":          j.Kind,
		"Requester":     j.Requester,
		"State":         j.State,
		"Progress":      j.Progress,
		"Attempts":      j.Attempts,
		"Meta":          j.Meta,
		"CallbackState": j.CallbackState,
		"CallbackType":  j.CallbackType,
		"CallbackDst":   j.CallbackDst,
		"CallbackMeta":  j.CallbackMeta,
		"CallbackCount": j.CallbackCount,
		"Extra":         j.Extra,
		"S3Bucket":      j.S3Bucket,
		"S3Region":      j.S3Region,
		"CreatedAt":     j.CreatedAt.Format(time.RFC3339),
		"UpdatedAt":     j.UpdatedAt.Format(time.RFC3339),
	}

	for k, v := range j.Params {
		out["Params:"+k] = v
	}
	return out
}

func jobFromMap(m map[string]string) (job.Job, error) {
	var err error
	j := job.Job{}
	for k, v := range m {
		if strings.HasPrefix(k, "Params:") {
			if j.Params == nil {
				j.Params = make(map[string]string)
			}
			j.Params[strings.TrimPrefix(k, "Params:")] = v
			continue
		}

		switch k {
		case "ID":
			j.ID = v
		case "Kind":
			j.Kind = v
		case "Requester":
			j.Requester = v
		case "State":
			j.State = job.State(v)
		case "Progress":
			j.Progress, err = strconv.Atoi(v)
			if err != nil {
				return j, fmt.Errorf("Could not decode struct from map: %v", err)
			}
		case "Attempts":
			j.Attempts, err = strconv.Atoi(v)
			if err != nil {
				return j, fmt.Errorf("Could not decode struct from map: %v", err)
			}
		case "Meta":
			j.Meta = v
		case "CallbackState":
			j.CallbackState = job.State(v)
		case "CallbackType":
			j.CallbackType = v
		case "CallbackDst":
			j.CallbackDst = v
		case "CallbackMeta":
			j.CallbackMeta = v
		case "CallbackCount":
			j.CallbackCount, err = strconv.Atoi(v)
			if err != nil {
				return j, fmt.Errorf("Could not decode struct from map: %v", err)
			}
		case "Extra":
			j.Extra = v
		case "S3Bucket":
			j.S3Bucket = v
		case "S3Region":
			j.S3Region = v
		case "CreatedAt":
			j.CreatedAt, err = time.Parse(time.RFC3339, v)
			if err != nil {
				return j, fmt.Errorf("Could not decode struct from map: %v", err)
			}
		case "UpdatedAt":
			j.UpdatedAt, err = time.Parse(time.RFC3339, v)
			if err != nil {
				return j, fmt.Errorf("Could not decode struct from map: %v", err)
			}
		default:
			return j, fmt.Errorf("Field %s with value %s was not found in Job struct", k, v)
		}
	}
	return j, nil
}

// POPs from list and returns the corresponding job
func (s *Storage) pop(list string) (job.Job, error) {
	val, err := zpop.Run(s.Redis, []string{list}, time.Now().Unix()).Result()

	if err != nil {
		switch err.Error() {
		case "EMPTY":
			return job.Job{}, ErrEmptyQueue
		case "RETRYLATER":
			return job.Job{}, ErrRetryLater
		default:
			return job.Job{}, fmt.Errorf("Could not zpop: %s", err)
		}
	}

	// ZPOP should always return a string
	jobID, ok := val.(string)
	if !ok {
		panic(fmt.Sprintf("zpop replied with '%#v', it should be a string!", val))
	}

	return s.GetJob(jobID)
}
