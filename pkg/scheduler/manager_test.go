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
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/goodrx/lifecycle-core/apis/core/v1"
	"github.com/goodrx/lifecycle-core/pkg/executor"
)

// recordingExecutor is a DeployExecutor test double that records which
// Deploys it was asked to run and can be made to fail one of them.
type recordingExecutor struct {
	mu      sync.Mutex
	seen    []string
	inFlight int32
	maxSeen  int32
	failName string
}

func (r *recordingExecutor) Deploy(_ context.Context, patcher v1.DeployPatcher, _ *v1.Build, deploy *v1.Deploy) error {
	cur := atomic.AddInt32(&r.inFlight, 1)
	defer atomic.AddInt32(&r.inFlight, -1)
	for {
		old := atomic.LoadInt32(&r.maxSeen)
		if cur <= old || atomic.CompareAndSwapInt32(&r.maxSeen, old, cur) {
			break
		}
	}

	r.mu.Lock()
	r.seen = append(r.seen, deploy.UUID)
	r.mu.Unlock()

	if deploy.UUID == r.failName {
		_ = patcher.PatchStatus(deploy.UUID, v1.DeployStatusDeployFailed, "boom")
		return fmt.Errorf("boom")
	}
	return patcher.PatchStatus(deploy.UUID, v1.DeployStatusReady, "")
}

func TestDeploymentManager_RunsWavesInOrder(t *testing.T) {
	rec := &recordingExecutor{}
	registry := executor.NewRegistry(rec, rec)
	patcher := v1.NewMemoryPatcher()
	manager := NewDeploymentManager(registry, patcher, 0)

	postgres := deploy("postgres")
	redis := deploy("redis", "postgres")
	postgres.UUID, redis.UUID = "postgres-uuid", "redis-uuid"

	err := manager.Run(context.Background(), &v1.Build{UUID: "build-1", Namespace: "ns"}, []*v1.Deploy{postgres, redis})
	require.NoError(t, err)

	assert.Equal(t, []string{"postgres-uuid", "redis-uuid"}, rec.seen)
	assert.Equal(t, v1.DeployStatusReady, patcher.StatusOf("postgres-uuid"))
	assert.Equal(t, v1.DeployStatusReady, patcher.StatusOf("redis-uuid"))
}

func TestDeploymentManager_WaveFailurePropagates(t *testing.T) {
	rec := &recordingExecutor{failName: "a-uuid"}
	registry := executor.NewRegistry(rec, rec)
	patcher := v1.NewMemoryPatcher()
	manager := NewDeploymentManager(registry, patcher, 0)

	a := deploy("a")
	b := deploy("b")
	a.UUID, b.UUID = "a-uuid", "b-uuid"

	err := manager.Run(context.Background(), &v1.Build{UUID: "build-1", Namespace: "ns"}, []*v1.Deploy{a, b})
	require.Error(t, err)

	// Both wave members finish even though one failed (wave barrier
	// waits for every member to settle before propagating).
	assert.ElementsMatch(t, []string{"a-uuid", "b-uuid"}, rec.seen)
	assert.Equal(t, v1.DeployStatusDeployFailed, patcher.StatusOf("a-uuid"))
	assert.Equal(t, v1.DeployStatusReady, patcher.StatusOf("b-uuid"))
}

func TestDeploymentManager_UnplacedDeploysMarkedFailed(t *testing.T) {
	rec := &recordingExecutor{}
	registry := executor.NewRegistry(rec, rec)
	patcher := v1.NewMemoryPatcher()
	manager := NewDeploymentManager(registry, patcher, 0)

	a := deploy("a", "b")
	b := deploy("b", "a")
	a.UUID, b.UUID = "a-uuid", "b-uuid"

	err := manager.Run(context.Background(), &v1.Build{UUID: "build-1", Namespace: "ns"}, []*v1.Deploy{a, b})
	require.NoError(t, err)

	assert.Empty(t, rec.seen)
	assert.Equal(t, v1.DeployStatusDeployFailed, patcher.StatusOf("a-uuid"))
	assert.Equal(t, v1.DeployStatusDeployFailed, patcher.StatusOf("b-uuid"))
}

func TestDeploymentManager_EmptyDeploySetIsNoOp(t *testing.T) {
	rec := &recordingExecutor{}
	registry := executor.NewRegistry(rec, rec)
	patcher := v1.NewMemoryPatcher()
	manager := NewDeploymentManager(registry, patcher, 0)

	err := manager.Run(context.Background(), &v1.Build{UUID: "build-1", Namespace: "ns"}, nil)
	require.NoError(t, err)
	assert.Empty(t, rec.seen)
}

func TestDeploymentManager_ConcurrencyCapBoundsInFlight(t *testing.T) {
	rec := &recordingExecutor{}
	registry := executor.NewRegistry(rec, rec)
	patcher := v1.NewMemoryPatcher()
	manager := NewDeploymentManager(registry, patcher, 2)

	var deploys []*v1.Deploy
	for i := 0; i < 6; i++ {
		d := deploy(fmt.Sprintf("svc-%d", i))
		d.UUID = fmt.Sprintf("svc-%d-uuid", i)
		deploys = append(deploys, d)
	}

	err := manager.Run(context.Background(), &v1.Build{UUID: "build-1", Namespace: "ns"}, deploys)
	require.NoError(t, err)
	assert.LessOrEqual(t, int(rec.maxSeen), 2)
	assert.Len(t, rec.seen, 6)
}
