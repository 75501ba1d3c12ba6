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

package manifest

import (
	"strings"
	"testing"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sigs.k8s.io/yaml"

	v1 "github.com/goodrx/lifecycle-core/apis/core/v1"
	"github.com/goodrx/lifecycle-core/pkg/config"
)

func testBuild() *v1.Build {
	return &v1.Build{UUID: "build-1", Namespace: "ns-1", CapacityType: "ON_DEMAND"}
}

func testDeploy() *v1.Deploy {
	return &v1.Deploy{UUID: "deploy-uuid-1", DockerImage: "example/app:1.0", ReplicaCount: 2}
}

func testDeployable() *v1.Deployable {
	return &v1.Deployable{
		Name:  "app",
		Type:  v1.DeployableGithub,
		Ports: []v1.Port{{Name: "http", Port: 8080}},
	}
}

func documentsOf(t *testing.T, combined string) []string {
	t.Helper()
	parts := strings.Split(combined, "\n---\n")
	require.NotEmpty(t, parts)
	return parts
}

func TestSynthesize_BasicDeployNoDisksNoGRPC(t *testing.T) {
	s := New(config.Config{})
	build, deploy, deployable := testBuild(), testDeploy(), testDeployable()

	out, err := s.Synthesize(build, deploy, deployable)
	require.NoError(t, err)

	docs := documentsOf(t, out)
	// Deployment, NodePort Service, internal-LB Service: no PVC (no
	// disks), no Mapping (GRPC false), no ExternalName (no Cname).
	require.Len(t, docs, 3)

	var dep appsv1.Deployment
	require.NoError(t, yaml.Unmarshal([]byte(docs[0]), &dep))
	assert.Equal(t, "deploy-uuid-1", dep.Name)
	assert.Equal(t, int32(2), *dep.Spec.Replicas)
	assert.Equal(t, int32(5), *dep.Spec.RevisionHistoryLimit)
	assert.Equal(t, map[string]string{"name": "deploy-uuid-1"}, dep.Spec.Selector.MatchLabels)
	assert.Equal(t, appsv1.RollingUpdateDeploymentStrategyType, dep.Spec.Strategy.Type)
	// Pod template carries both the selector label and the
	// deploy_uuid label pod-readiness polling matches on.
	assert.Equal(t, "deploy-uuid-1", dep.Spec.Template.Labels["name"])
	assert.Equal(t, "deploy-uuid-1", dep.Spec.Template.Labels["deploy_uuid"])
}

func TestSynthesize_DiskMediumEBS_ForcesRecreateStrategyAndEmitsPVC(t *testing.T) {
	s := New(config.Config{})
	build, deploy, deployable := testBuild(), testDeploy(), testDeployable()
	deployable.Disks = []v1.Disk{{Name: "data", Medium: v1.DiskMediumEBS, Size: "5Gi"}}

	out, err := s.Synthesize(build, deploy, deployable)
	require.NoError(t, err)
	docs := documentsOf(t, out)
	require.Len(t, docs, 4) // PVC, Deployment, Service, internal-LB

	var pvc corev1.PersistentVolumeClaim
	require.NoError(t, yaml.Unmarshal([]byte(docs[0]), &pvc))
	assert.Equal(t, "deploy-uuid-1-data", pvc.Name)

	var dep appsv1.Deployment
	require.NoError(t, yaml.Unmarshal([]byte(docs[1]), &dep))
	assert.Equal(t, appsv1.RecreateDeploymentStrategyType, dep.Spec.Strategy.Type)
}

func TestSynthesize_GRPC_EmitsAmbassadorMapping(t *testing.T) {
	s := New(config.Config{})
	build, deploy, deployable := testBuild(), testDeploy(), testDeployable()
	deployable.GRPC = true
	deployable.GRPCHost = "grpc.example.com"

	out, err := s.Synthesize(build, deploy, deployable)
	require.NoError(t, err)
	assert.Contains(t, out, "getambassador.io/v3alpha1")
	assert.Contains(t, out, "deploy-uuid-1.grpc.example.com:443")
	assert.Contains(t, out, "timeout_ms")
}

func TestSynthesize_Cname_EmitsExternalName(t *testing.T) {
	s := New(config.Config{})
	build, deploy, deployable := testBuild(), testDeploy(), testDeployable()
	deploy.Cname = "somewhere.example.com"

	out, err := s.Synthesize(build, deploy, deployable)
	require.NoError(t, err)
	docs := documentsOf(t, out)
	last := docs[len(docs)-1]

	var svc corev1.Service
	require.NoError(t, yaml.Unmarshal([]byte(last), &svc))
	assert.Equal(t, corev1.ServiceTypeExternalName, svc.Spec.Type)
	assert.Equal(t, "somewhere.example.com", svc.Spec.ExternalName)
}

func TestSynthesize_StaticBuild_AddsToleration(t *testing.T) {
	s := New(config.Config{})
	build, deploy, deployable := testBuild(), testDeploy(), testDeployable()
	build.IsStatic = true

	out, err := s.Synthesize(build, deploy, deployable)
	require.NoError(t, err)
	docs := documentsOf(t, out)

	var dep appsv1.Deployment
	require.NoError(t, yaml.Unmarshal([]byte(docs[0]), &dep))
	require.Len(t, dep.Spec.Template.Spec.Tolerations, 1)
	assert.Equal(t, staticTolerationKey, dep.Spec.Template.Spec.Tolerations[0].Key)
}

func TestSynthesize_InitContainer_OnlyWhenInitImagePresent(t *testing.T) {
	s := New(config.Config{})
	build, deploy, deployable := testBuild(), testDeploy(), testDeployable()

	out, err := s.Synthesize(build, deploy, deployable)
	require.NoError(t, err)
	docs := documentsOf(t, out)
	var dep appsv1.Deployment
	require.NoError(t, yaml.Unmarshal([]byte(docs[0]), &dep))
	assert.Empty(t, dep.Spec.Template.Spec.InitContainers)

	deploy.InitDockerImage = "example/init:1.0"
	out, err = s.Synthesize(build, deploy, deployable)
	require.NoError(t, err)
	docs = documentsOf(t, out)
	require.NoError(t, yaml.Unmarshal([]byte(docs[0]), &dep))
	require.Len(t, dep.Spec.Template.Spec.InitContainers, 1)
	assert.Equal(t, "example/init:1.0", dep.Spec.Template.Spec.InitContainers[0].Image)
}
