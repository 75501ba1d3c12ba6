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

package v1

import "sync"

// MemoryPatcher is an in-memory DeployPatcher used by the test suites in
// this module. The real persistence layer is an external collaborator;
// this double only needs to record what was written.
type MemoryPatcher struct {
	mu          sync.Mutex
	Statuses    map[string]DeployStatus
	Messages    map[string]string
	BuildOutput map[string]string
}

// NewMemoryPatcher returns an empty MemoryPatcher.
func NewMemoryPatcher() *MemoryPatcher {
	return &MemoryPatcher{
		Statuses:    map[string]DeployStatus{},
		Messages:    map[string]string{},
		BuildOutput: map[string]string{},
	}
}

// PatchStatus implements DeployPatcher.
func (m *MemoryPatcher) PatchStatus(deployUUID string, status DeployStatus, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Statuses[deployUUID] = status
	m.Messages[deployUUID] = message
	return nil
}

// PatchBuildOutput implements DeployPatcher.
func (m *MemoryPatcher) PatchBuildOutput(deployUUID string, output string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BuildOutput[deployUUID] = output
	return nil
}

// StatusOf returns the last status patched for deployUUID.
func (m *MemoryPatcher) StatusOf(deployUUID string) DeployStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Statuses[deployUUID]
}
