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

package util

import (
	"crypto/rand"
	"strings"
)

const jobIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewJobID returns a random 6-character string from the alphabet
// [a-z0-9], used as the collision-breaker in a deploy job's name.
func NewJobID() string {
	return randomString(6)
}

func randomString(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	out := make([]byte, n)
	for i, c := range b {
		out[i] = jobIDAlphabet[int(c)%len(jobIDAlphabet)]
	}
	return string(out)
}

// DeployJobName builds a deploy job's name from spec.md's formula:
// <deploy.uuid>-deploy-<6-char-jobId>-<sha[0:7]>, truncated to 63
// characters with any trailing '-' stripped.
func DeployJobName(deployUUID, jobID, sha string) string {
	shaPrefix := sha
	if len(shaPrefix) > 7 {
		shaPrefix = shaPrefix[:7]
	}
	name := deployUUID + "-deploy-" + jobID + "-" + shaPrefix
	return TruncateName(name, 63)
}

// TruncateName truncates name to at most max characters and strips any
// resulting trailing '-', the rule spec.md applies to every generated
// Kubernetes object name.
func TruncateName(name string, max int) string {
	if len(name) > max {
		name = name[:max]
	}
	return strings.TrimRight(name, "-")
}

// ReleaseName returns the Helm release name for a deploy UUID: the UUID
// lowercased, per spec.md's invariant.
func ReleaseName(deployUUID string) string {
	return strings.ToLower(deployUUID)
}

// EscapeHelmSetValue escapes '/' as '\/' in a value destined for a Helm
// `--set` flag, preventing Helm from interpreting '/' as a nested-path
// separator. Required for every value that originated from
// user-supplied data (spec.md invariant 7).
func EscapeHelmSetValue(v string) string {
	return strings.ReplaceAll(v, "/", `\/`)
}

// DoubleUnderscores doubles every underscore in key, the transform
// applied to env-var keys before they're embedded as Helm value paths
// (spec.md §4.2: "<resourceType>.env.<KEY_WITH_DOUBLED_UNDERSCORES>").
func DoubleUnderscores(key string) string {
	return strings.ReplaceAll(key, "_", "__")
}
