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

// Package health tracks per-source degradation of the deployer process.
//
// Workers report problems under a source key ("workers", "releases", ...);
// the API surfaces the aggregate through /api/status.
package health

import "sync"

// Status is the aggregate health snapshot.
type Status struct {
	Degraded bool                `json:"degraded"`
	Errors   map[string][]string `json:"errors"`
}

// Registry is a thread-safe mapping from source key to error messages.
// The zero value is not usable; call NewRegistry.
type Registry struct {
	mu     sync.Mutex
	errors map[string][]string
}

// NewRegistry creates an empty, healthy registry.
func NewRegistry() *Registry {
	return &Registry{errors: make(map[string][]string)}
}

// AddDegraded records a problem under the given source key.
func (r *Registry) AddDegraded(key, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors[key] = append(r.errors[key], message)
}

// SetOK clears every problem recorded under the given source key.
func (r *Registry) SetOK(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.errors, key)
}

// GetStatus returns a copy of the current state. Degraded is true iff any
// key has at least one recorded problem.
func (r *Registry) GetStatus() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Status{Errors: make(map[string][]string, len(r.errors))}
	for key, msgs := range r.errors {
		if len(msgs) == 0 {
			continue
		}
		st.Degraded = true
		st.Errors[key] = append([]string(nil), msgs...)
	}
	return st
}
