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

// Package graphdir implements the directory gateway against a
// Graph-style REST endpoint.  Both the on-prem bridge and the cloud
// tenant expose the same surface, so one client serves either side.
//
// Marker serialization stays at this boundary: callers hand over the
// already-encoded attribute string and receive the raw attribute
// back on records; nothing in here understands marker fields.
package graphdir

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"marmstrong/cutover/internal/directory"
	"marmstrong/cutover/internal/mailbox"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

const (
	// Request costs against the endpoint's throttling budget.
	// Listings page server-side and are charged more than point
	// reads; restore submissions are the most expensive call.
	costGet    = 1
	costList   = 2
	costMutate = 2
	costSubmit = 5

	unitsPerSecond = 60
	limitPerSecond = unitsPerSecond * 0.8
	limitBurst     = unitsPerSecond

	// The endpoint sheds load with 429s.  Honor a bounded number of
	// them per call before giving up.
	maxThrottleRetries = 5
)

// Service is a directory.Directory over one REST endpoint.
type Service struct {
	base    *url.URL
	client  *http.Client
	limiter *rate.Limiter
}

var _ directory.Directory = (*Service)(nil)

// New returns a Service rooted at baseURL, speaking through client
// (which carries auth; see NewClient).
func New(baseURL string, client *http.Client) (*Service, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid directory endpoint %q", baseURL)
	}
	l := rate.NewLimiter(limitPerSecond, limitBurst)
	return &Service{base: base, client: client, limiter: l}, nil
}

// record is the wire form of a mailbox record.
type record struct {
	ID                string `json:"id"`
	DisplayName       string `json:"displayName"`
	PrimaryAddress    string `json:"primaryAddress"`
	SizeBytes         int64  `json:"sizeBytes"`
	LastAccess        string `json:"lastAccess,omitempty"`
	ContentKey        string `json:"contentKey,omitempty"`
	ArchiveContentKey string `json:"archiveContentKey,omitempty"`
	ArchiveState      string `json:"archiveState,omitempty"`
	CustomAttribute6  string `json:"customAttribute6,omitempty"`
	Disabled          bool   `json:"accountDisabled,omitempty"`
}

func archiveState(s string) mailbox.ArchiveState {
	switch s {
	case "local":
		return mailbox.ArchiveLocal
	case "remote":
		return mailbox.ArchiveRemote
	}
	return mailbox.ArchiveNone
}

func (r record) toMailbox() mailbox.Record {
	rec := mailbox.Record{
		Identity:          r.ID,
		DisplayName:       r.DisplayName,
		PrimaryAddress:    r.PrimaryAddress,
		SizeBytes:         r.SizeBytes,
		ContentKey:        r.ContentKey,
		ArchiveContentKey: r.ArchiveContentKey,
		ArchiveState:      archiveState(r.ArchiveState),
		RawMarker:         r.CustomAttribute6,
		Disabled:          r.Disabled,
	}
	if r.LastAccess != "" {
		if ts, err := time.Parse(time.RFC3339, r.LastAccess); err == nil {
			rec.LastAccess = ts
		}
	}
	return rec
}

type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("directory endpoint returned %d: %s", e.Status, e.Body)
}

// do performs one REST call, honoring the rate limit and retrying a
// bounded number of throttle responses.  A nil out skips decoding.
// path may carry an encoded query after "?".
func (s *Service) do(ctx context.Context, cost int, method, path string, body, out interface{}) error {
	u := *s.base
	if i := strings.Index(path, "?"); i >= 0 {
		u.RawQuery = path[i+1:]
		path = path[:i]
	}
	u.Path = u.Path + path

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "unable to encode request body")
		}
	}

	for attempt := 0; ; attempt++ {
		if err := s.limiter.WaitN(ctx, cost); err != nil {
			return err
		}
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
		if err != nil {
			return err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return errors.Wrapf(err, "%s %s failed", method, path)
		}

		if resp.StatusCode == http.StatusTooManyRequests && attempt < maxThrottleRetries {
			resp.Body.Close()
			continue
		}
		if resp.StatusCode == http.StatusNotFound {
			resp.Body.Close()
			return directory.ErrNotFound
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			text, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			return &apiError{Status: resp.StatusCode, Body: string(bytes.TrimSpace(text))}
		}

		if out == nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			return nil
		}
		err = json.NewDecoder(resp.Body).Decode(out)
		resp.Body.Close()
		if err != nil {
			return errors.Wrapf(err, "unable to decode %s %s response", method, path)
		}
		return nil
	}
}

// nextPath turns a continuation link into a path relative to the
// service base, so the follow-up request goes through do and its rate
// accounting like any other call.
func (s *Service) nextPath(link string) (string, error) {
	u, err := url.Parse(link)
	if err != nil {
		return "", errors.Wrapf(err, "bad continuation link %q", link)
	}
	path := strings.TrimPrefix(u.Path, s.base.Path)
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return path, nil
}

func (s *Service) ListRecords(ctx context.Context, f directory.Filter) ([]mailbox.Record, error) {
	path := "/mailboxes"
	q := url.Values{}
	if f.DisplayName != "" {
		q.Set("displayName", f.DisplayName)
	}
	if f.PrimaryAddress != "" {
		q.Set("primaryAddress", f.PrimaryAddress)
	}
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	// Listings page server-side.  A truncated listing would silently
	// shrink the eligible set, so every continuation link is followed
	// before returning.
	var out []mailbox.Record
	for {
		var page struct {
			Value    []record `json:"value"`
			NextLink string   `json:"@odata.nextLink"`
		}
		if err := s.do(ctx, costList, http.MethodGet, path, nil, &page); err != nil {
			return nil, errors.Wrap(err, "unable to list records")
		}
		for _, r := range page.Value {
			out = append(out, r.toMailbox())
		}
		if page.NextLink == "" {
			return out, nil
		}
		var err error
		if path, err = s.nextPath(page.NextLink); err != nil {
			return nil, err
		}
	}
}

func (s *Service) GetRecord(ctx context.Context, identity string) (mailbox.Record, error) {
	var r record
	if err := s.do(ctx, costGet, http.MethodGet, "/mailboxes/"+url.PathEscape(identity), nil, &r); err != nil {
		return mailbox.Record{}, err
	}
	return r.toMailbox(), nil
}

func (s *Service) SetStatusMarker(ctx context.Context, identity, raw string) error {
	body := map[string]string{"customAttribute6": raw}
	return s.do(ctx, costMutate, http.MethodPatch, "/mailboxes/"+url.PathEscape(identity), body, nil)
}

func (s *Service) Disable(ctx context.Context, identity string) error {
	err := s.do(ctx, costMutate, http.MethodPost, "/mailboxes/"+url.PathEscape(identity)+"/disable", nil, nil)
	// The endpoint answers 409 for a record that is already
	// disabled.  Disable is idempotent, so that is a success.
	var api *apiError
	if errors.As(err, &api) && api.Status == http.StatusConflict {
		return nil
	}
	return err
}

func (s *Service) Enable(ctx context.Context, identity, recoveryKey string) error {
	var body interface{}
	if recoveryKey != "" {
		body = map[string]string{"recoveryKey": recoveryKey}
	}
	return s.do(ctx, costMutate, http.MethodPost, "/mailboxes/"+url.PathEscape(identity)+"/enable", body, nil)
}

func (s *Service) SubmitRestoreJob(ctx context.Context, sourceContentKey, targetIdentity string, opts directory.RestoreOptions) (directory.JobID, error) {
	body := map[string]interface{}{
		"sourceContentKey":    sourceContentKey,
		"targetIdentity":      targetIdentity,
		"badItemLimit":        opts.BadItemLimit,
		"allowLegacyMismatch": opts.AllowLegacyMismatch,
	}
	if opts.ArchiveContentKey != "" {
		body["archiveContentKey"] = opts.ArchiveContentKey
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := s.do(ctx, costSubmit, http.MethodPost, "/restoreJobs", body, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", errors.New("restore job submission returned no job id")
	}
	return directory.JobID(resp.ID), nil
}

func (s *Service) QueryJobStatus(ctx context.Context, id directory.JobID) (directory.JobStatus, error) {
	var resp struct {
		State           string `json:"state"`
		PercentComplete int    `json:"percentComplete"`
		FailureInfo     string `json:"failureInfo"`
	}
	if err := s.do(ctx, costGet, http.MethodGet, "/restoreJobs/"+url.PathEscape(string(id)), nil, &resp); err != nil {
		return directory.JobStatus{}, err
	}
	return directory.JobStatus{
		State:           directory.JobState(resp.State),
		PercentComplete: resp.PercentComplete,
		FailureInfo:     resp.FailureInfo,
	}, nil
}

func (s *Service) CancelJob(ctx context.Context, id directory.JobID) error {
	return s.do(ctx, costMutate, http.MethodDelete, "/restoreJobs/"+url.PathEscape(string(id)), nil, nil)
}
