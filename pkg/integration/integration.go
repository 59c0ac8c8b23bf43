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

// Package integration is the extension seam for deployer installations:
// a provider can contribute an artifact detector, extra notification
// sinks and the authentication backend. Providers are compiled in and
// selected by name through the [integration] config section.
//
// The interfaces here are deliberately small and should not be
// considered stable.
package integration

import (
	"fmt"
	"sort"
	"sync"

	"deployer/pkg/api"
	"deployer/pkg/engine"
	"deployer/pkg/notify"
	"deployer/pkg/store"
)

// Provider plugs installation-specific behavior into the deployer.
type Provider interface {
	// Name selects the provider in the config file.
	Name() string
	// Notifiers returns extra sinks added to the built-in collection.
	Notifiers() []notify.Notifier
	// ArtifactDetector may return nil, in which case the engine always
	// deploys the repository contents.
	ArtifactDetector() engine.ArtifactDetector
	// Authenticator builds the credential backend over the store.
	Authenticator(st *store.Store) api.Authenticator
}

var (
	registryMu sync.Mutex
	registry   = map[string]Provider{}
)

// Register makes a provider selectable by name. Called from init
// functions of provider implementations.
func Register(p Provider) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[p.Name()]; dup {
		panic(fmt.Sprintf("integration provider %q registered twice", p.Name()))
	}
	registry[p.Name()] = p
}

// Get resolves a provider by name. The empty name selects the default
// provider.
func Get(name string) (Provider, error) {
	if name == "" {
		name = "default"
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	p, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown integration provider %q (have %v)", name, names())
	}
	return p, nil
}

func names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func init() {
	Register(defaultProvider{})
}

// defaultProvider deploys repository contents as they are and
// authenticates against the local user table.
type defaultProvider struct{}

func (defaultProvider) Name() string { return "default" }

func (defaultProvider) Notifiers() []notify.Notifier { return nil }

func (defaultProvider) ArtifactDetector() engine.ArtifactDetector { return nil }

func (defaultProvider) Authenticator(st *store.Store) api.Authenticator {
	return &StoreAuthenticator{store: st}
}
