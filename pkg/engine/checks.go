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

package engine

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"deployer/pkg/auth"
	"deployer/pkg/model"
)

// globalOpsLockPath blocks every non-SuperAdmin deployment while present.
const globalOpsLockPath = "/tmp/global_ops_lock"

// staleDeploymentAge is how long a running deployment may hold its
// servers before a newer one expires it.
const staleDeploymentAge = 20 * time.Minute

// checkConfiguration validates the deployment row and loads the targets.
func (e *Engine) checkConfiguration(ctx context.Context, r *run, emit emitFunc) error {
	hostname, _ := os.Hostname()
	emit(model.NewLogEntry(fmt.Sprintf("Deployment handled by %s", hostname)))

	start := e.now().UTC()
	r.d.DateStartDeploy = &start
	if err := e.store.SetDeploymentStart(ctx, r.d.ID, start); err != nil {
		return err
	}

	if r.d.EnvironmentID == nil {
		emit(model.NewLogEntryWithSeverity("No environment ID for this deployment, can not proceed", model.SeverityError))
		return nil
	}
	if r.d.UserID == nil {
		emit(model.NewLogEntryWithSeverity("No user ID associated with this deployment, can not proceed", model.SeverityError))
		return nil
	}
	user, err := e.store.GetUser(ctx, *r.d.UserID)
	if err != nil {
		return err
	}
	r.user = user
	if err := e.resolveTargets(ctx, r); err != nil {
		return err
	}
	emit(model.NewLogEntry(fmt.Sprintf(
		"Found configuration: username %s, repo %s, environment %s, branch %s, commit %s",
		user.Username, r.env.Repository.Name, r.env.Name, r.d.Branch, r.d.Commit)))

	deactivated := r.deactivatedServers()
	for _, s := range deactivated {
		emit(model.NewLogEntryWithSeverity(
			fmt.Sprintf("Server %s is deactivated, will be ignored for this deployment.", s.Name), model.SeverityWarn))
	}
	if len(r.targetServers()) == 0 {
		if len(deactivated) > 0 {
			emit(model.NewLogEntryWithSeverity("All target servers are deactivated.", model.SeverityError))
		} else {
			emit(model.NewLogEntryWithSeverity(
				"This deployment has no target servers (the target cluster is empty).", model.SeverityError))
		}
		return nil
	}
	if r.d.Status != model.StatusQueued {
		emit(model.NewLogEntryWithSeverity(fmt.Sprintf(
			"This deployment has the status %s (expected QUEUED). "+
				"It was probably interrupted (by a deployer restart?), "+
				"or there is another deeper issue (several deployer instances using the same queue? TTR exceeded?). "+
				"In any case, aborting here.", r.d.Status), model.SeverityError))
	}
	return nil
}

// protectedEnvironments get business-hours restrictions.
var protectedEnvironments = []string{"prod"}

// checkDeployAllowed enforces the permission lattice and the deploy
// windows of protected environments.
func (e *Engine) checkDeployAllowed(ctx context.Context, r *run, emit emitFunc) error {
	perms, err := e.store.UserPermissions(ctx, r.user.ID)
	if err != nil {
		return err
	}

	if _, err := os.Stat(globalOpsLockPath); err == nil && !perms.Grants(auth.SuperAdmin()) {
		emit(model.NewLogEntryWithSeverity(
			"Denied: your beloved Platform Ops team is blocking all deployments until further notice.", model.SeverityError))
		return nil
	}
	if perms.Grants(auth.Deploy(r.env.ID)) {
		return nil
	}
	if !perms.Grants(auth.DeployBusinessHours(r.env.ID)) {
		emit(model.NewLogEntryWithSeverity("Denied (insufficient permissions)", model.SeverityError))
		return nil
	}

	protected := false
	for _, name := range protectedEnvironments {
		if r.env.Name == name {
			protected = true
		}
	}
	if !protected {
		return nil
	}
	if reason := businessHoursViolation(e.now(), r.env.Name); reason != "" {
		emit(model.NewLogEntryWithSeverity(reason, model.SeverityError))
	}
	return nil
}

// businessHoursViolation returns a denial reason when now falls outside
// the allowed deploy window for a protected environment, or "".
func businessHoursViolation(now time.Time, envName string) string {
	if now.Weekday() == time.Friday && now.Hour() >= 14 {
		return fmt.Sprintf("Denied: no deployment allowed during Fridays after 2pm in environment '%s'", envName)
	}
	if now.Weekday() == time.Saturday || now.Weekday() == time.Sunday {
		return fmt.Sprintf("Denied: no deployment allowed during week-ends in environment '%s'", envName)
	}
	if now.Hour() < 8 || now.Hour() > 18 || (now.Hour() == 18 && now.Minute() >= 30) {
		return fmt.Sprintf("Denied: no deployment allowed before 8:00 or after 18:30 in environment '%s'", envName)
	}
	for _, day := range holidays(now.Year()) {
		if now.Month() == day.Month() && now.Day() == day.Day() {
			return fmt.Sprintf("Denied: no deployment allowed today in environment '%s'", envName)
		}
	}
	return ""
}

// holidays lists the French bank holidays (plus the days around
// Christmas) on which production deployments are refused.
func holidays(year int) []time.Time {
	day := func(month time.Month, d int) time.Time {
		return time.Date(year, month, d, 0, 0, 0, 0, time.UTC)
	}
	return []time.Time{
		day(time.January, 1),   // New Year's Day
		day(time.May, 1),       // Labor Day
		day(time.May, 8),       // WWII Victory Day
		day(time.July, 14),     // Bastille Day
		day(time.November, 1),  // All Saints' Day
		day(time.November, 11), // Armistice Day
		day(time.December, 24), // Christmas Eve
		day(time.December, 25), // Christmas Day
		day(time.December, 26),
		day(time.December, 31), // New Year's Eve
	}
}

// checkServersAvailability expires stale competing deployments and
// blocks on live conflicts.
func (e *Engine) checkServersAvailability(ctx context.Context, r *run, emit emitFunc) error {
	var serverIDs []int64
	for _, s := range r.targetServers() {
		serverIDs = append(serverIDs, s.ID)
	}
	others, err := e.store.ConflictingDeployments(ctx, r.d.ID, serverIDs)
	if err != nil {
		return err
	}
	for _, other := range others {
		if other.DateStartDeploy != nil && e.now().UTC().Sub(*other.DateStartDeploy) > staleDeploymentAge {
			emit(model.NewLogEntryWithSeverity(fmt.Sprintf(
				"Deployment (id %d, repo %s, env %s) already in progress since more than 20 minutes ago, marking it as failed and going on...",
				other.ID, other.RepositoryName, other.EnvironmentName), model.SeverityWarn))
			entry := model.NewLogEntryWithSeverity("Timeout", model.SeverityError)
			if err := e.store.ExpireDeployment(ctx, other.ID, entry); err != nil {
				return err
			}
			continue
		}
		if strings.HasPrefix(r.env.Name, "beta") || strings.HasPrefix(r.env.Name, "prod") {
			emit(model.NewLogEntryWithSeverity(fmt.Sprintf(
				"Conflict with deployment (id %d, repo %s, env %s)",
				other.ID, other.RepositoryName, other.EnvironmentName), model.SeverityError))
			return nil
		}
		if other.Branch == r.d.Branch && other.Commit == r.d.Commit {
			emit(model.NewLogEntryWithSeverity(fmt.Sprintf(
				"Conflict with deployment (id %d) for the same branch (%s) and commit (%s)",
				other.ID, r.d.Branch, r.d.Commit), model.SeverityError))
			return nil
		}
	}
	return nil
}
