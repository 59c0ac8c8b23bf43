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

// Package auth implements the permission lattice and session token
// handling.
//
// Permissions are value objects decoded from a role's JSON blob on every
// authorization check. The implication lattice: SuperAdmin implies
// everything; Impersonate implies ReadAll; Deploy(e) implies
// DeployBusinessHours(e) implies Read(e) implies Default.
package auth

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Kind tags a permission variant.
type Kind int

const (
	KindDefault Kind = iota
	KindRead
	KindDeployBusinessHours
	KindDeploy
	KindReadAll
	KindImpersonate
	KindDeployer
	KindSuperAdmin
)

// Permission is a tagged variant. EnvironmentID is meaningful only for
// the environment-scoped kinds (Read, DeployBusinessHours, Deploy).
type Permission struct {
	Kind          Kind
	EnvironmentID int64
}

func Default() Permission { return Permission{Kind: KindDefault} }

func Read(env int64) Permission { return Permission{Kind: KindRead, EnvironmentID: env} }

func DeployBusinessHours(env int64) Permission {
	return Permission{Kind: KindDeployBusinessHours, EnvironmentID: env}
}

func Deploy(env int64) Permission { return Permission{Kind: KindDeploy, EnvironmentID: env} }

func ReadAll() Permission { return Permission{Kind: KindReadAll} }

func Impersonate() Permission { return Permission{Kind: KindImpersonate} }

func Deployer() Permission { return Permission{Kind: KindDeployer} }

func SuperAdmin() Permission { return Permission{Kind: KindSuperAdmin} }

// Implies reports whether holding p grants q.
func (p Permission) Implies(q Permission) bool {
	switch p.Kind {
	case KindSuperAdmin:
		return true
	case KindDeployer:
		// Deployer is the machine account of peer deployers; it may do
		// anything a permission check can ask for except nothing at all.
		return true
	case KindImpersonate:
		return q.Kind == KindImpersonate || ReadAll().Implies(q)
	case KindReadAll:
		return q.Kind == KindReadAll || q.Kind == KindRead || q.Kind == KindDefault
	case KindDeploy:
		if q.Kind == KindDeploy {
			return q.EnvironmentID == p.EnvironmentID
		}
		return DeployBusinessHours(p.EnvironmentID).Implies(q)
	case KindDeployBusinessHours:
		if q.Kind == KindDeployBusinessHours {
			return q.EnvironmentID == p.EnvironmentID
		}
		return Read(p.EnvironmentID).Implies(q)
	case KindRead:
		if q.Kind == KindRead {
			return q.EnvironmentID == p.EnvironmentID
		}
		return q.Kind == KindDefault
	case KindDefault:
		return q.Kind == KindDefault
	}
	return false
}

// Permissions is the decoded permission set of a user.
type Permissions []Permission

// Grants reports whether any permission of the set implies q.
func (ps Permissions) Grants(q Permission) bool {
	for _, p := range ps {
		if p.Implies(q) {
			return true
		}
	}
	return false
}

// CanReadAll reports whether the set grants ReadAll. Check this before
// relying on ReadableEnvironments.
func (ps Permissions) CanReadAll() bool {
	return ps.Grants(ReadAll())
}

// ReadableEnvironments lists the environment ids readable through
// environment-scoped permissions.
func (ps Permissions) ReadableEnvironments() []int64 {
	seen := map[int64]bool{}
	var out []int64
	for _, p := range ps {
		switch p.Kind {
		case KindRead, KindDeployBusinessHours, KindDeploy:
			if !seen[p.EnvironmentID] {
				seen[p.EnvironmentID] = true
				out = append(out, p.EnvironmentID)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// permissionBlob is the JSON shape stored on roles.
type permissionBlob struct {
	Admin               bool    `json:"admin,omitempty"`
	Impersonate         bool    `json:"impersonate,omitempty"`
	Deployer            bool    `json:"deployer,omitempty"`
	Read                []int64 `json:"read,omitempty"`
	DeployBusinessHours []int64 `json:"deploy_business_hours,omitempty"`
	Deploy              []int64 `json:"deploy,omitempty"`
}

// FromJSON decodes a role's permission blob. The lattice is not collapsed
// so the set round-trips back to the same blob.
func FromJSON(blob string) (Permissions, error) {
	if blob == "" {
		return nil, nil
	}
	var data permissionBlob
	if err := json.Unmarshal([]byte(blob), &data); err != nil {
		return nil, fmt.Errorf("failed to decode permission blob: %w", err)
	}
	var ps Permissions
	if data.Admin {
		ps = append(ps, SuperAdmin())
	}
	if data.Impersonate {
		ps = append(ps, Impersonate())
	}
	if data.Deployer {
		ps = append(ps, Deployer())
	}
	for _, env := range data.Read {
		ps = append(ps, Read(env))
	}
	for _, env := range data.DeployBusinessHours {
		ps = append(ps, DeployBusinessHours(env))
	}
	for _, env := range data.Deploy {
		ps = append(ps, Deploy(env))
	}
	return ps, nil
}

// ToJSON renders the set back to the role blob shape, merging duplicates.
func (ps Permissions) ToJSON() (string, error) {
	var data permissionBlob
	for _, p := range ps {
		switch p.Kind {
		case KindSuperAdmin:
			data.Admin = true
		case KindImpersonate:
			data.Impersonate = true
		case KindDeployer:
			data.Deployer = true
		case KindRead:
			data.Read = appendUnique(data.Read, p.EnvironmentID)
		case KindDeployBusinessHours:
			data.DeployBusinessHours = appendUnique(data.DeployBusinessHours, p.EnvironmentID)
		case KindDeploy:
			data.Deploy = appendUnique(data.Deploy, p.EnvironmentID)
		}
	}
	out, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func appendUnique(list []int64, v int64) []int64 {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
