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

package executor

import "fmt"

// Kind classifies a DeployExecutor failure. The scheduler does not
// inspect it, and nothing retries on it.
type Kind string

// Error kinds. No executor returns KindSupersession.
const (
	KindConfigError   Kind = "config_error"
	KindRemoteAPI     Kind = "remote_api_error"
	KindTimeout       Kind = "timeout"
	KindSupersession  Kind = "superseded"
	KindPodsNotReady  Kind = "pods_not_ready"
)

// Error is a classified executor failure. DeploymentManager treats every
// Error alike, whatever its Kind: it fails the Deploy's wave once all of
// the wave's members have settled.
type Error struct {
	Kind    Kind
	Deploy  string
	Wrapped error
}

func (e *Error) Error() string {
	return fmt.Sprintf("deploy %s: %s: %v", e.Deploy, e.Kind, e.Wrapped)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// newError wraps err as a classified executor Error.
func newError(kind Kind, deployUUID string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Deploy: deployUUID, Wrapped: err}
}
