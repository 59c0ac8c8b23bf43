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

package notify

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"time"

	"deployer/pkg/model"
)

var graphiteUnsafe = regexp.MustCompile(`[^A-Za-z0-9_\-]`)

// SanitizeForGraphite replaces every character outside [A-Za-z0-9_-]
// with a dash so names never split metric paths.
func SanitizeForGraphite(name string) string {
	return graphiteUnsafe.ReplaceAllString(name, "-")
}

// GraphiteNotifier pushes one carbon datapoint per successful deployment.
type GraphiteNotifier struct {
	host string
	port int
	now  func() time.Time
}

// NewGraphiteNotifier builds the graphite sink. An empty host disables it.
func NewGraphiteNotifier(host string, port int) *GraphiteNotifier {
	return &GraphiteNotifier{host: host, port: port, now: time.Now}
}

func (g *GraphiteNotifier) Name() string { return "graphite" }

// Dispatch sends "deploy.<env>.<repo> 1 <unix_ts>" on COMPLETE
// deployment.end events.
func (g *GraphiteNotifier) Dispatch(ctx context.Context, event Event) error {
	if g.host == "" || event.Type != EventDeploymentEnd || event.Environment == nil {
		return nil
	}
	if event.Deployment.Status != model.StatusComplete {
		return nil
	}
	metric := fmt.Sprintf("deploy.%s.%s",
		SanitizeForGraphite(event.Environment.Name),
		SanitizeForGraphite(event.Environment.Repository.Name))
	message := fmt.Sprintf("%s 1 %d\n", metric, g.now().Unix())

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", g.host, g.port))
	if err != nil {
		return fmt.Errorf("failed to reach carbon at %s:%d: %w", g.host, g.port, err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(message)); err != nil {
		return fmt.Errorf("failed to send metric %s: %w", metric, err)
	}
	return nil
}
