// Copyright 2016 Nokia Corporation and/or its subsidiary(-ies).
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package queue adapts the beanstalkd tube carrying deployment jobs.
//
// Jobs are durable FIFO with a visibility timeout (TTR): a reserved job
// that is neither deleted nor released within the TTR is redelivered to
// another worker.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/beanstalkd/go-beanstalk"
)

const (
	// Tube is the beanstalkd tube name for deployment jobs.
	Tube = "deployer-deployments"
	// TimeToRun is the visibility timeout of a reserved job.
	TimeToRun = 30 * time.Minute
)

// Job is the queue payload. Only DeployID is authoritative; the names are
// carried for log context.
type Job struct {
	DeployID        int64  `json:"deploy_id"`
	RepositoryName  string `json:"repository_name"`
	EnvironmentName string `json:"environment_name"`
}

// Serialize renders the job payload.
func (j Job) Serialize() ([]byte, error) {
	return json.Marshal(j)
}

// DeserializeJob parses a queue payload.
func DeserializeJob(body []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(body, &j); err != nil {
		return Job{}, fmt.Errorf("failed to decode job payload: %w", err)
	}
	return j, nil
}

// Queue is one beanstalkd connection bound to the deployment tube. Not
// safe for concurrent use; each worker dials its own.
type Queue struct {
	conn    *beanstalk.Conn
	tube    *beanstalk.Tube
	tubeSet *beanstalk.TubeSet
}

// Dial connects to the beanstalkd daemon at addr (host:port).
func Dial(addr string) (*Queue, error) {
	conn, err := beanstalk.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to beanstalkd at %s: %w", addr, err)
	}
	return &Queue{
		conn:    conn,
		tube:    beanstalk.NewTube(conn, Tube),
		tubeSet: beanstalk.NewTubeSet(conn, Tube),
	}, nil
}

// Close tears down the connection.
func (q *Queue) Close() error {
	return q.conn.Close()
}

// Put enqueues a job with the standard TTR.
func (q *Queue) Put(job Job) (uint64, error) {
	body, err := job.Serialize()
	if err != nil {
		return 0, err
	}
	id, err := q.tube.Put(body, 1024, 0, TimeToRun)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue deployment %d: %w", job.DeployID, err)
	}
	return id, nil
}

// Reserve waits up to timeout for a job. A timeout is not an error: both
// return values are zero.
func (q *Queue) Reserve(timeout time.Duration) (*ReservedJob, error) {
	id, body, err := q.tubeSet.Reserve(timeout)
	if err != nil {
		var connErr beanstalk.ConnError
		if errors.As(err, &connErr) && errors.Is(connErr.Err, beanstalk.ErrTimeout) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to reserve job: %w", err)
	}
	job, err := DeserializeJob(body)
	if err != nil {
		// Poison payload: drop it so it does not loop forever.
		_ = q.conn.Delete(id)
		return nil, err
	}
	return &ReservedJob{ID: id, Job: job, queue: q}, nil
}

// ReservedJob is a job held by this worker until Delete or Release.
type ReservedJob struct {
	ID    uint64
	Job   Job
	queue *Queue
}

// Delete removes the job from the tube permanently.
func (r *ReservedJob) Delete() error {
	return r.queue.conn.Delete(r.ID)
}

// Release puts the job back on the tube after delay.
func (r *ReservedJob) Release(delay time.Duration) error {
	return r.queue.conn.Release(r.ID, 1024, delay)
}

// Releases returns how many times the job has been released back.
func (r *ReservedJob) Releases() (int, error) {
	stats, err := r.queue.conn.StatsJob(r.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to stat job %d: %w", r.ID, err)
	}
	releases, err := strconv.Atoi(stats["releases"])
	if err != nil {
		return 0, fmt.Errorf("unparseable releases count %q for job %d", stats["releases"], r.ID)
	}
	return releases, nil
}
