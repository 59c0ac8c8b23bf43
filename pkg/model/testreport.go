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

package model

import "fmt"

// TestReport is the outcome of a local or remote test script run.
type TestReport struct {
	Host     string
	ExitCode int
	Stdout   string
	Stderr   string
}

// Failed reports whether the test run failed.
func (t TestReport) Failed() bool {
	return t.ExitCode != 0
}

// Format renders the report for deployment logs and mails.
func (t TestReport) Format() string {
	where := t.Host
	if where == "" {
		where = "local"
	}
	return fmt.Sprintf("Tests on %s exited with code %d\n--- stdout ---\n%s\n--- stderr ---\n%s",
		where, t.ExitCode, t.Stdout, t.Stderr)
}
