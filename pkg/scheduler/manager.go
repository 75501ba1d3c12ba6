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

package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	v1 "github.com/goodrx/lifecycle-core/apis/core/v1"
	"github.com/goodrx/lifecycle-core/pkg/executor"
	"github.com/goodrx/lifecycle-core/pkg/log"
)

// DeploymentManager runs a Build's Deploys wave by wave, fanning each
// wave's Deploys out to goroutines the way the teacher's
// ListAddonUIDataFromReader fans registry reads out: a sync.WaitGroup
// plus a buffered error channel sized to the fan-out, drained once all
// goroutines settle rather than on first error, so one Deploy's failure
// never starves another in the same wave of its result.
type DeploymentManager struct {
	registry       *executor.Registry
	patcher        v1.DeployPatcher
	maxConcurrency int
}

// NewDeploymentManager returns a DeploymentManager. maxConcurrency caps
// how many Deploys within one wave run concurrently; zero means
// unbounded (spec.md §9's Open Question resolution).
func NewDeploymentManager(registry *executor.Registry, patcher v1.DeployPatcher, maxConcurrency int) *DeploymentManager {
	return &DeploymentManager{registry: registry, patcher: patcher, maxConcurrency: maxConcurrency}
}

// Run builds the wave plan for build's deploys and executes it. It
// returns the first wave-level error encountered, after letting every
// Deploy in the failing wave finish, matching spec.md §5's "fail the
// wave, not the deploy" propagation rule.
func (m *DeploymentManager) Run(ctx context.Context, build *v1.Build, deploys []*v1.Deploy) error {
	waves, unplaced, dropped := BuildWaves(deploys, m.maxConcurrency)

	for _, d := range dropped {
		log.With("build", build.UUID).Warnw("dependency dropped", "detail", d.String())
	}
	for _, d := range unplaced {
		_ = m.patcher.PatchStatus(d.UUID, v1.DeployStatusDeployFailed, "excluded: unresolved dependency cycle")
	}

	// spec.md §4.1 Execution: every Deploy is patched QUEUED up front,
	// before the first wave runs, not per-wave as each wave starts.
	for _, wave := range waves {
		for _, d := range wave.Deploys {
			if err := m.patcher.PatchStatus(d.UUID, v1.DeployStatusQueued, ""); err != nil {
				log.With("deploy", d.UUID).Warnw("failed to patch queued status", "err", err)
			}
		}
	}

	for _, wave := range waves {
		start := time.Now()
		err := m.runWave(ctx, build, wave)
		waveDuration.WithLabelValues(build.UUID).Observe(time.Since(start).Seconds())
		if err != nil {
			return errors.Wrapf(err, "wave %d", wave.Level)
		}
	}
	return nil
}

func (m *DeploymentManager) runWave(ctx context.Context, build *v1.Build, wave v1.Wave) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(wave.Deploys))

	var sem chan struct{}
	if m.maxConcurrency > 0 {
		sem = make(chan struct{}, m.maxConcurrency)
	}

	for _, deploy := range wave.Deploys {
		wg.Add(1)
		go func(d *v1.Deploy) {
			defer wg.Done()
			if sem != nil {
				sem <- struct{}{}
				defer func() { <-sem }()
			}
			if err := m.deployOne(ctx, build, d); err != nil {
				errCh <- err
			}
		}(deploy)
	}

	wg.Wait()
	close(errCh)

	var first error
	for err := range errCh {
		if first == nil {
			first = err
		}
	}
	return first
}

func (m *DeploymentManager) deployOne(ctx context.Context, build *v1.Build, deploy *v1.Deploy) error {
	logger := log.With("deploy", deploy.UUID, "build", build.UUID)

	if err := m.patcher.PatchStatus(deploy.UUID, v1.DeployStatusDeploying, ""); err != nil {
		logger.Warnw("failed to patch deploying status", "err", err)
	}

	exec := m.registry.For(deploy.Deployable.Type)
	err := exec.Deploy(ctx, m.patcher, build, deploy)
	observeDeployResult(err == nil)
	if err != nil {
		logger.Errorw("deploy failed", "err", err)
		return err
	}
	return nil
}
