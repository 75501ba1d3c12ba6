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

import (
	"context"

	v1 "github.com/goodrx/lifecycle-core/apis/core/v1"
	"github.com/goodrx/lifecycle-core/pkg/log"
)

// DeployExecutor runs a single Deploy to completion.
type DeployExecutor interface {
	Deploy(ctx context.Context, patcher v1.DeployPatcher, build *v1.Build, deploy *v1.Deploy) error
}

// NoOpExecutor handles deployable types the scheduler tracks but never
// actually deploys (EXTERNAL_HTTP, CONFIGURATION, CODEFRESH): it marks
// the Deploy ready immediately so downstream waves are unblocked.
type NoOpExecutor struct{}

// Deploy marks deploy ready without touching the cluster.
func (NoOpExecutor) Deploy(_ context.Context, patcher v1.DeployPatcher, _ *v1.Build, deploy *v1.Deploy) error {
	log.With("deploy", deploy.UUID).Infow("no-op deployable type, marking ready", "type", deploy.Deployable.Type)
	return patcher.PatchStatus(deploy.UUID, v1.DeployStatusReady, "")
}

// Registry selects the DeployExecutor for a DeployableType, matching
// spec.md §1's three-way split between the Helm executor, the
// raw-manifest executor, and no-op types.
type Registry struct {
	helm   DeployExecutor
	raw    DeployExecutor
	noop   DeployExecutor
}

// NewRegistry wires the Helm and raw-manifest executors into a Registry.
func NewRegistry(helm, raw DeployExecutor) *Registry {
	return &Registry{helm: helm, raw: raw, noop: NoOpExecutor{}}
}

// For returns the DeployExecutor for deployableType.
func (r *Registry) For(deployableType v1.DeployableType) DeployExecutor {
	switch {
	case deployableType == v1.DeployableHelm:
		return r.helm
	case deployableType.IsRawManifestType():
		return r.raw
	default:
		return r.noop
	}
}
