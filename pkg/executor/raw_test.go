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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	v1 "github.com/goodrx/lifecycle-core/apis/core/v1"
	"github.com/goodrx/lifecycle-core/pkg/config"
)

func TestRawManifestExecutor_Deploy_StagesManifestConfigMapBeforeJobWait(t *testing.T) {
	kubeClient := newExecutorTestClient(t)

	cfg := config.Config{ServiceAccountName: "build-sa"}
	executor := NewRawManifestExecutor(cfg, kubeClient, "deploy-job-image")

	build := &v1.Build{UUID: "build-1", Namespace: "ns-1"}
	deployable := &v1.Deployable{Name: "svc", Type: v1.DeployableGithub}
	deploy := &v1.Deploy{
		UUID:       "deploy-1",
		SHA:        "abcdef123456",
		Deployable: deployable,
		Manifest:   "apiVersion: v1\nkind: ConfigMap\nmetadata:\n  name: demo\n",
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = executor.Deploy(ctx, noopPatcher{}, build, deploy)
	}()

	var found *corev1.ConfigMap
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var list corev1.ConfigMapList
		if err := kubeClient.Runtime.List(context.Background(), &list, client.InNamespace("ns-1")); err == nil {
			for i := range list.Items {
				if list.Items[i].Data["manifest.yaml"] != "" {
					found = &list.Items[i]
					break
				}
			}
		}
		if found != nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	cancel()
	<-done

	require.NotNil(t, found, "expected the synthesized manifest configmap to have been created before the job wait")
	assert.Equal(t, deploy.Manifest, found.Data["manifest.yaml"])
	assert.Contains(t, found.Name, "-manifest")
}
