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
	"sort"
	"strings"
	"time"

	"github.com/wneessen/go-mail"

	"deployer/pkg/model"
)

// Mailer sends one mail. Implemented by SMTPMailer; faked in tests.
type Mailer interface {
	Send(ctx context.Context, from string, to []string, subject, body string, attachments []string) error
}

// SMTPMailer delivers through the configured MTA.
type SMTPMailer struct {
	mta string
}

// NewSMTPMailer creates a mailer relaying through mta.
func NewSMTPMailer(mta string) *SMTPMailer {
	return &SMTPMailer{mta: mta}
}

// Send delivers one mail, attaching screenshot files when present.
func (m *SMTPMailer) Send(ctx context.Context, from string, to []string, subject, body string, attachments []string) error {
	msg := mail.NewMsg()
	if err := msg.From(from); err != nil {
		return fmt.Errorf("invalid sender %q: %w", from, err)
	}
	if err := msg.To(to...); err != nil {
		return fmt.Errorf("invalid recipients %v: %w", to, err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)
	for _, file := range attachments {
		msg.AttachFile(file)
	}

	client, err := mail.NewClient(m.mta, mail.WithTLSPolicy(mail.TLSOpportunistic))
	if err != nil {
		return fmt.Errorf("failed to create mail client for %s: %w", m.mta, err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("failed to send mail via %s: %w", m.mta, err)
	}
	return nil
}

// MailNotifier mails a deployment summary to the repository owners and
// the global notify list on deployment.end.
type MailNotifier struct {
	sender       string
	alwaysNotify []string
	mailer       Mailer
}

// NewMailNotifier builds the mail sink. alwaysNotify receives every
// deployment mail on top of the repository owners.
func NewMailNotifier(mailer Mailer, sender string, alwaysNotify []string) *MailNotifier {
	return &MailNotifier{sender: sender, alwaysNotify: alwaysNotify, mailer: mailer}
}

func (m *MailNotifier) Name() string { return "mail" }

// Dispatch sends the summary mail for terminal deployments.
func (m *MailNotifier) Dispatch(ctx context.Context, event Event) error {
	if event.Type != EventDeploymentEnd || event.Environment == nil {
		return nil
	}
	receivers := mergeReceivers(event.Environment.Repository.NotifyMails, m.alwaysNotify)
	if len(receivers) == 0 {
		return nil
	}
	body, subject := DeploymentMail(event.Deployment, event.Environment, event.TargetClusters)
	return m.mailer.Send(ctx, m.sender, receivers, subject, body, event.Screenshots)
}

func mergeReceivers(owners, always []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, addr := range append(append([]string{}, owners...), always...) {
		if addr != "" && !seen[addr] {
			seen[addr] = true
			out = append(out, addr)
		}
	}
	sort.Strings(out)
	return out
}

const mailTemplate = `== Deployment summary (id: %d) ==

= General info =
Status: %s

Repository: %s
Branch: %s
Commit: %s

Started: %s
Completed: %s

= Clusters =

%s

= Log =

%s
`

// DeploymentMail renders the summary body and subject of a finished
// deployment.
func DeploymentMail(d *model.Deployment, env *model.Environment, clusters []*model.Cluster) (body, subject string) {
	shortStatus, longStatus := "failure", "failed"
	if d.Status == model.StatusComplete {
		shortStatus, longStatus = "success", "was successful"
	}

	var clusterLines []string
	for _, c := range clusters {
		var names []string
		for _, cs := range c.Servers {
			if cs.Server != nil {
				names = append(names, cs.Server.Name)
			}
		}
		clusterLines = append(clusterLines, fmt.Sprintf("%s: %s", c.Name, strings.Join(names, ", ")))
	}

	var logLines []string
	for _, entry := range d.LogEntries {
		logLines = append(logLines, entry.Format())
	}

	body = fmt.Sprintf(mailTemplate,
		d.ID, shortStatus,
		env.Repository.Name, d.Branch, d.Commit,
		formatDate(d.DateStartDeploy), formatDate(d.DateEndDeploy),
		strings.Join(clusterLines, "\n"),
		strings.Join(logLines, "\n"))

	subject = fmt.Sprintf("%s/%s (branch %s): deployment %s",
		d.RepositoryName, d.EnvironmentName, env.DeployBranch, longStatus)
	return body, subject
}

func formatDate(t *time.Time) string {
	if t == nil {
		return "unknown"
	}
	return t.Format("2006-01-02 15:04:05")
}
