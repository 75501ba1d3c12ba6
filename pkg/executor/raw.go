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
	"fmt"
	"strings"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	v1 "github.com/goodrx/lifecycle-core/apis/core/v1"
	"github.com/goodrx/lifecycle-core/pkg/config"
	"github.com/goodrx/lifecycle-core/pkg/jobmonitor"
	"github.com/goodrx/lifecycle-core/pkg/kube"
	"github.com/goodrx/lifecycle-core/pkg/log"
	"github.com/goodrx/lifecycle-core/pkg/manifest"
	"github.com/goodrx/lifecycle-core/pkg/rbac"
	"github.com/goodrx/lifecycle-core/pkg/util"
)

const (
	podExistenceWait  = 5 * time.Minute
	podReadinessWait  = 15 * time.Minute
	podReadinessPoll  = 5 * time.Second
)

// RawManifestExecutor deploys a GITHUB/DOCKER/CLI-typed Deployable by
// synthesizing its Kubernetes object YAML, applying it through a
// `kubectl apply` job, waiting on the JobMonitor, and then separately
// waiting for the deployed workload's own pods (excluded from the apply
// job by name) to become ready, per spec.md §4.3.
type RawManifestExecutor struct {
	cfg      config.Config
	kube     *kube.Client
	rbac     *rbac.Provisioner
	jobs     *jobmonitor.Monitor
	synth    *manifest.Synthesizer
	jobImage string
}

// NewRawManifestExecutor returns a RawManifestExecutor. jobImage is the
// container image the in-cluster `kubectl apply` job runs.
func NewRawManifestExecutor(cfg config.Config, kubeClient *kube.Client, jobImage string) *RawManifestExecutor {
	return &RawManifestExecutor{
		cfg:      cfg,
		kube:     kubeClient,
		rbac:     rbac.New(kubeClient),
		jobs:     jobmonitor.New(kubeClient),
		synth:    manifest.New(cfg),
		jobImage: jobImage,
	}
}

// Deploy runs the raw-manifest deploy sequence from spec.md §4.3.
func (e *RawManifestExecutor) Deploy(ctx context.Context, patcher v1.DeployPatcher, build *v1.Build, deploy *v1.Deploy) (err error) {
	deployable := deploy.Deployable
	logger := log.With("deploy", deploy.UUID, "namespace", build.Namespace)

	// Every returned error is recorded as DEPLOY_FAILED; the job and pod
	// failure paths below patch it themselves, with the job logs.
	statusPatched := false
	defer func() {
		if err != nil && !statusPatched {
			_ = patcher.PatchStatus(deploy.UUID, v1.DeployStatusDeployFailed, err.Error())
		}
	}()

	manifestYAML := deploy.Manifest
	if manifestYAML == "" {
		synthesized, err := e.synth.Synthesize(build, deploy, deployable)
		if err != nil {
			return newError(KindConfigError, deploy.UUID, err)
		}
		manifestYAML = synthesized
	}

	profile := rbac.ProfileDeploy
	sa := e.cfg.ServiceAccountName
	if sa == "" {
		sa = "default"
	}
	if err := e.rbac.Ensure(ctx, build.Namespace, sa, e.cfg.ServiceAccountIAMRole, profile); err != nil {
		return newError(KindConfigError, deploy.UUID, err)
	}

	jobID := util.NewJobID()
	jobName := util.DeployJobName(deploy.UUID, jobID, deploy.SHA)

	manifestConfigMapName := jobName + "-manifest"
	manifestConfigMap := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: manifestConfigMapName, Namespace: build.Namespace},
		Data:       map[string]string{"manifest.yaml": manifestYAML},
	}
	if err := e.kube.ApplyConfigMap(ctx, manifestConfigMap); err != nil {
		return newError(KindRemoteAPI, deploy.UUID, err)
	}
	defer func() {
		if err := e.kube.DeleteConfigMap(context.Background(), build.Namespace, manifestConfigMapName); err != nil {
			logger.Warnw("failed to delete manifest configmap", "err", err)
		}
	}()

	job := e.buildJob(jobName, sa, build, deploy)

	if err := e.kube.ApplyJob(ctx, job); err != nil {
		return newError(KindRemoteAPI, deploy.UUID, err)
	}

	result := e.jobs.Run(ctx, jobmonitor.Options{
		JobName:   jobName,
		Namespace: build.Namespace,
		LogPrefix: "[apply] ",
	})
	if !result.Success {
		statusPatched = true
		_ = patcher.PatchStatus(deploy.UUID, v1.DeployStatusDeployFailed, result.Logs)
		return newError(KindPodsNotReady, deploy.UUID, fmt.Errorf("apply job %s did not succeed: %s", jobName, result.Status))
	}

	if err := e.awaitWorkloadPodsReady(ctx, build.Namespace, deploy.UUID); err != nil {
		statusPatched = true
		_ = patcher.PatchStatus(deploy.UUID, v1.DeployStatusDeployFailed, err.Error())
		return newError(KindTimeout, deploy.UUID, err)
	}

	if err := patcher.PatchBuildOutput(deploy.UUID, result.Logs); err != nil {
		logger.Warnw("failed to persist build output", "err", err)
	}
	if err := patcher.PatchStatus(deploy.UUID, v1.DeployStatusReady, ""); err != nil {
		logger.Warnw("failed to persist ready status", "err", err)
	}
	return nil
}

func (e *RawManifestExecutor) buildJob(jobName, sa string, build *v1.Build, deploy *v1.Deploy) *batchv1.Job {
	labels := map[string]string{
		"lc-uuid":                deploy.UUID,
		"app.kubernetes.io/name": "raw-manifest-apply",
	}
	backoff := int32(0)
	return &batchv1.Job{
		TypeMeta:   metav1.TypeMeta{APIVersion: "batch/v1", Kind: "Job"},
		ObjectMeta: metav1.ObjectMeta{Name: jobName, Namespace: build.Namespace, Labels: labels},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoff,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					ServiceAccountName: sa,
					RestartPolicy:      corev1.RestartPolicyNever,
					Containers: []corev1.Container{
						{
							Name:    "kubectl",
							Image:   e.jobImage,
							Command: []string{"kubectl"},
							Args:    []string{"apply", "-n", build.Namespace, "-f", "/config/manifest.yaml"},
							VolumeMounts: []corev1.VolumeMount{
								{Name: "manifest", MountPath: "/config"},
							},
						},
					},
					Volumes: []corev1.Volume{
						{
							Name: "manifest",
							VolumeSource: corev1.VolumeSource{
								ConfigMap: &corev1.ConfigMapVolumeSource{
									LocalObjectReference: corev1.LocalObjectReference{Name: jobName + "-manifest"},
								},
							},
						},
					},
				},
			},
		},
	}
}

// awaitWorkloadPodsReady polls the Deployment's own pods (selector
// deploy_uuid=<deployUUID>) in the two phases spec.md §4.3 describes:
// up to 5 minutes waiting for at least one non-apply-job pod to exist,
// then up to 15 minutes waiting for every such pod to report
// condition Ready=True. Both loops exclude pods whose name contains
// "-deploy-", the apply job's own pods.
func (e *RawManifestExecutor) awaitWorkloadPodsReady(ctx context.Context, ns, deployUUID string) error {
	selector := "deploy_uuid=" + deployUUID

	existenceDeadline := time.Now().Add(podExistenceWait)
	var pods []corev1.Pod
	for {
		listed, err := e.kube.ListPodsByLabel(ctx, ns, selector)
		if err == nil {
			pods = workloadPods(listed)
			if len(pods) > 0 {
				break
			}
		}
		if time.Now().After(existenceDeadline) {
			return fmt.Errorf("no workload pods for %s appeared within %s", deployUUID, podExistenceWait)
		}
		if err := sleepOrDone(ctx, podReadinessPoll); err != nil {
			return err
		}
	}

	readinessDeadline := time.Now().Add(podReadinessWait)
	for {
		listed, err := e.kube.ListPodsByLabel(ctx, ns, selector)
		if err == nil {
			pods = workloadPods(listed)
			if len(pods) > 0 && allWorkloadPodsReady(pods) {
				return nil
			}
		}
		if time.Now().After(readinessDeadline) {
			return fmt.Errorf("workload pods for %s not ready after %s", deployUUID, podReadinessWait)
		}
		if err := sleepOrDone(ctx, podReadinessPoll); err != nil {
			return err
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func workloadPods(pods []corev1.Pod) []corev1.Pod {
	out := make([]corev1.Pod, 0, len(pods))
	for _, p := range pods {
		if strings.Contains(p.Name, "-deploy-") {
			continue
		}
		out = append(out, p)
	}
	return out
}

func allWorkloadPodsReady(pods []corev1.Pod) bool {
	for _, p := range pods {
		ready := false
		for _, cond := range p.Status.Conditions {
			if cond.Type == corev1.PodReady && cond.Status == corev1.ConditionTrue {
				ready = true
			}
		}
		if !ready {
			return false
		}
	}
	return true
}
