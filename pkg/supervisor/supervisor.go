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

// Package supervisor runs the deployer workers, restarting the ones that
// fail and flagging the ones that die.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"deployer/pkg/health"
)

// Worker is one long-lived goroutine of the deployer. Start must block
// until the context ends; returning earlier without an error is a bug
// and the worker is reported dead.
type Worker interface {
	Name() string
	Start(ctx context.Context) error
}

// Supervisor spawns every worker, restarts a worker whose Start returns
// an error or panics, and degrades the "workers" health key when one
// exits for good.
type Supervisor struct {
	workers []Worker
	health  *health.Registry
	logger  *slog.Logger

	restartDelay  time.Duration
	monitorPeriod time.Duration
	joinTimeout   time.Duration

	mu      sync.Mutex
	dead    []string
	running map[string]bool
}

// New builds a supervisor over the given workers.
func New(hr *health.Registry, logger *slog.Logger, workers ...Worker) *Supervisor {
	return &Supervisor{
		workers:       workers,
		health:        hr,
		logger:        logger.With("component", "supervisor"),
		restartDelay:  30 * time.Second,
		monitorPeriod: 20 * time.Second,
		joinTimeout:   10 * time.Second,
	}
}

// Run blocks until the context ends, then waits for the workers to
// terminate. A worker that outlives the join timeout is logged and
// abandoned; an in-flight deployment is the usual cause.
func (s *Supervisor) Run(ctx context.Context) error {
	s.running = make(map[string]bool, len(s.workers))
	var wg sync.WaitGroup
	for _, w := range s.workers {
		s.mu.Lock()
		s.running[w.Name()] = true
		s.mu.Unlock()
		wg.Add(1)
		go func(w Worker) {
			defer wg.Done()
			s.superviseWorker(ctx, w)
		}(w)
	}

	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		s.monitor(ctx)
	}()

	<-ctx.Done()
	<-monitorDone
	s.logger.Info("Stopping the deployer (this can take a few seconds)...")

	joined := make(chan struct{})
	go func() {
		defer close(joined)
		wg.Wait()
	}()
	select {
	case <-joined:
		s.logger.Info("All workers gracefully terminated.")
	case <-time.After(s.joinTimeout):
		for _, name := range s.stillRunning() {
			s.logger.Error("Worker is still alive after the shutdown timeout, maybe because of a deployment in progress. Send SIGKILL to force the exit.",
				"worker", name, "timeout", s.joinTimeout)
		}
	}
	return nil
}

// superviseWorker runs one worker, restarting it after a delay when its
// Start returns an error or panics. A clean return while the deployer is
// still running means the worker is gone for good.
func (s *Supervisor) superviseWorker(ctx context.Context, w Worker) {
	defer func() {
		s.mu.Lock()
		delete(s.running, w.Name())
		s.mu.Unlock()
	}()
	for {
		err := s.startOnce(ctx, w)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			s.logger.Error("A worker returned while the deployer is still running, this is a bug.", "worker", w.Name())
			s.mu.Lock()
			s.dead = append(s.dead, w.Name())
			s.mu.Unlock()
			return
		}
		s.logger.Error("Worker failed, will restart it", "worker", w.Name(), "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.restartDelay):
		}
	}
}

func (s *Supervisor) startOnce(ctx context.Context, w Worker) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panicked: %v", r)
		}
	}()
	return w.Start(ctx)
}

// monitor periodically reports dead workers on the health registry.
func (s *Supervisor) monitor(ctx context.Context) {
	reported := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.monitorPeriod):
		}
		s.mu.Lock()
		fresh := s.dead[reported:]
		reported = len(s.dead)
		s.mu.Unlock()
		for _, name := range fresh {
			s.health.AddDegraded("workers", fmt.Sprintf("worker %s died (see logs for details)", name))
			s.logger.Error("A worker died. Examine the logs and probably restart the deployer.", "worker", name)
		}
	}
}

func (s *Supervisor) stillRunning() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for name := range s.running {
		out = append(out, name)
	}
	return out
}
