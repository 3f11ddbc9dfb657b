// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package marker encodes and decodes the cutover status marker stored
// in a free-text directory attribute on each mailbox.
//
// The marker is the only synchronization primitive shared between
// cutover stages.  Its wire form is four semicolon-delimited
// positional fields:
//
//	MIG;STEP3;INITIATED;2025-01-02
//
// The leading tag distinguishes cutover markers from unrelated uses
// of the same attribute slot by other processes.  Strings without the
// tag are not an error; they simply mean the record is not part of
// this workflow.
package marker

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Tag is the fixed literal identifying this workflow's markers.
const Tag = "MIG"

// DateLayout is the calendar-date form used in the fourth field.
const DateLayout = "2006-01-02"

// Steps of the cutover pipeline.  Step numbers appear on the wire as
// "STEP<n>".
const (
	StepValidate  = 1
	StepProvision = 2
	StepRestore   = 3
	StepConfirm   = 4
)

// Status is the outcome field of a marker.
type Status string

const (
	StatusOK        Status = "OK"
	StatusKO        Status = "KO"
	StatusInitiated Status = "INITIATED"
	StatusReady     Status = "READY"
)

func validStatus(s Status) bool {
	switch s {
	case StatusOK, StatusKO, StatusInitiated, StatusReady:
		return true
	}
	return false
}

// Marker is the decoded form of the status attribute.  Only the
// calendar date of Date is significant; time-of-day is discarded on
// encode.
type Marker struct {
	Step   int
	Status Status
	Date   time.Time
}

// New returns a marker for the given step and status stamped with the
// calendar date of now.
func New(step int, status Status, now time.Time) Marker {
	return Marker{Step: step, Status: status, Date: now}
}

// Encode renders the marker in its wire form.
func (m Marker) Encode() string {
	return fmt.Sprintf("%s;STEP%d;%s;%s", Tag, m.Step, m.Status, m.Date.Format(DateLayout))
}

// Parse decodes a raw attribute value.  The second return value is
// false when the string is not a marker of this workflow: wrong or
// absent tag, wrong field count, unknown status, malformed step or
// date.  Callers must treat false as "record not eligible", never as
// a failure.
func Parse(raw string) (Marker, bool) {
	fields := strings.Split(raw, ";")
	if len(fields) != 4 || fields[0] != Tag {
		return Marker{}, false
	}
	stepText, found := strings.CutPrefix(fields[1], "STEP")
	if !found {
		return Marker{}, false
	}
	step, err := strconv.Atoi(stepText)
	if err != nil || step < StepValidate || step > StepConfirm {
		return Marker{}, false
	}
	status := Status(fields[2])
	if !validStatus(status) {
		return Marker{}, false
	}
	date, err := time.Parse(DateLayout, fields[3])
	if err != nil {
		return Marker{}, false
	}
	return Marker{Step: step, Status: status, Date: date}, true
}

// MatchMode selects how eligibility predicates compare a raw
// attribute against an expected step and status.
type MatchMode int

const (
	// MatchExact parses the attribute and compares decoded fields.
	// This is the authoritative mode.
	MatchExact MatchMode = iota

	// MatchSubstring reproduces the legacy contains-style predicate
	// ("*MIG;STEP2;OK;*").  It can false-positive on unrelated text
	// that happens to embed the same fragment and exists only for
	// directories still holding markers written by older tooling.
	MatchSubstring
)

// Matches reports whether raw denotes the given step and status under
// the chosen mode.
func Matches(raw string, step int, status Status, mode MatchMode) bool {
	if mode == MatchSubstring {
		return strings.Contains(raw, fmt.Sprintf("%s;STEP%d;%s;", Tag, step, status))
	}
	m, ok := Parse(raw)
	return ok && m.Step == step && m.Status == status
}
