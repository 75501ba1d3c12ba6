/*
Copyright 2024 The Lifecycle Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package activityfeed defines the seam through which the deploy core
// pushes status transitions to the external activity stream. Rendering
// the user-facing comment is explicitly out of scope (spec.md §1); this
// package only emits the tuples the renderer consumes.
package activityfeed

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/goodrx/lifecycle-core/pkg/log"
)

// Event is one status + status message + run-uuid tuple pushed to the
// activity feed, per spec.md §6.
type Event struct {
	DeployUUID string
	RunUUID    string
	Status     string
	Message    string
}

// ActivityFeed publishes deploy status transitions. Implementations
// must be safe for concurrent use. No other package of this module
// calls Publish; the scheduler and executors do not publish events.
type ActivityFeed interface {
	Publish(ctx context.Context, event Event) error
}

// LoggingFeed logs every event instead of shipping it anywhere, useful
// for local runs and as the default when no external feed is wired.
type LoggingFeed struct{}

// Publish implements ActivityFeed.
func (LoggingFeed) Publish(_ context.Context, event Event) error {
	log.Logger.Infow("activity feed event",
		"deployUUID", event.DeployUUID,
		"runUUID", event.RunUUID,
		"status", event.Status,
		"message", event.Message,
	)
	return nil
}

// HTTPFeed posts events as JSON to a fixed URL, the transport the real
// activity-stream collaborator is reached through.
type HTTPFeed struct {
	URL    string
	Client *http.Client
}

// NewHTTPFeed returns an HTTPFeed with a bounded-timeout client.
func NewHTTPFeed(url string) *HTTPFeed {
	return &HTTPFeed{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Publish implements ActivityFeed.
func (f *HTTPFeed) Publish(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "marshal activity feed event")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.URL, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build activity feed request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.Client.Do(req)
	if err != nil {
		return errors.Wrap(err, "publish activity feed event")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.Errorf("activity feed returned status %d", resp.StatusCode)
	}
	return nil
}
