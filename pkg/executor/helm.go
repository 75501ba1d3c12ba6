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

// Package executor runs one Deploy to completion through whichever
// backend its DeployableType maps to: HelmExecutor for HELM deployables
// (spec.md §4.2), RawManifestExecutor for GITHUB/DOCKER/CLI (spec.md
// §4.3). Neither talks to Helm's install/upgrade path directly — both
// delegate the actual apply to an in-cluster Job, watched to completion
// by pkg/jobmonitor, matching spec.md §1's non-goal of reimplementing
// Helm.
package executor

import (
	"context"
	"fmt"
	"net/http"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"

	v1 "github.com/goodrx/lifecycle-core/apis/core/v1"
	"github.com/goodrx/lifecycle-core/pkg/config"
	"github.com/goodrx/lifecycle-core/pkg/jobmonitor"
	"github.com/goodrx/lifecycle-core/pkg/kube"
	"github.com/goodrx/lifecycle-core/pkg/log"
	"github.com/goodrx/lifecycle-core/pkg/manifest"
	"github.com/goodrx/lifecycle-core/pkg/rbac"
	"github.com/goodrx/lifecycle-core/pkg/release"
	"github.com/goodrx/lifecycle-core/pkg/util"
)

const (
	scaleToZeroPollInterval = 5 * time.Second
	scaleToZeroRequestTimeout = 10 * time.Second
	ingressBannerAnnotation = "nginx.ingress.kubernetes.io/configuration-snippet"
)

// HelmExecutor deploys a HELM-typed Deployable by reconciling any stale
// release, provisioning RBAC, synthesizing the job that runs `helm
// upgrade --install`, and waiting for it through the JobMonitor.
type HelmExecutor struct {
	cfg         config.Config
	kube        *kube.Client
	rbac        *rbac.Provisioner
	releases    *release.Reconciler
	jobs        *jobmonitor.Monitor
	jobImage    string
}

// NewHelmExecutor returns a HelmExecutor. jobImage is the container
// image the in-cluster `helm upgrade --install` job runs.
func NewHelmExecutor(cfg config.Config, kubeClient *kube.Client, releases *release.Reconciler, jobImage string) *HelmExecutor {
	return &HelmExecutor{
		cfg:      cfg,
		kube:     kubeClient,
		rbac:     rbac.New(kubeClient),
		releases: releases,
		jobs:     jobmonitor.New(kubeClient),
		jobImage: jobImage,
	}
}

// Deploy reconciles any stale release, ensures RBAC, stages the computed
// Helm values in a ConfigMap, runs the `helm upgrade --install` Job and
// waits on it, then patches the Ingress banner and, for HTTP
// scale-to-zero, polls the public URL. It does not validate the docker
// image (the public-chart block list is the only chart check), and it
// creates no HTTP-scaler or ExternalName objects. Every error it
// returns is also recorded as DEPLOY_FAILED.
func (e *HelmExecutor) Deploy(ctx context.Context, patcher v1.DeployPatcher, build *v1.Build, deploy *v1.Deploy) (err error) {
	deployable := deploy.Deployable
	logger := log.With("deploy", deploy.UUID, "namespace", build.Namespace)

	// The job failure path below patches DEPLOY_FAILED itself, with the
	// job logs; every other returned error is patched here.
	statusPatched := false
	defer func() {
		if err != nil && !statusPatched {
			_ = patcher.PatchStatus(deploy.UUID, v1.DeployStatusDeployFailed, err.Error())
		}
	}()

	if deployable.Helm == nil {
		return newError(KindConfigError, deploy.UUID, fmt.Errorf("deployable %s has no Helm config", deployable.Name))
	}
	helmVersion, err := e.cfg.ResolveHelmVersion("")
	if err != nil {
		return newError(KindConfigError, deploy.UUID, err)
	}

	releaseName := deploy.ReleaseName()
	if err := e.releases.Reconcile(ctx, build.Namespace, releaseName); err != nil {
		return newError(KindRemoteAPI, deploy.UUID, err)
	}

	profile := rbac.ProfileDeploy
	sa := e.cfg.ServiceAccountName
	if sa == "" {
		sa = "default"
	}
	if err := e.rbac.Ensure(ctx, build.Namespace, sa, e.cfg.ServiceAccountIAMRole, profile); err != nil {
		return newError(KindConfigError, deploy.UUID, err)
	}

	values, err := manifest.HelmValues(e.cfg, build, deploy, deployable)
	if err != nil {
		return newError(KindConfigError, deploy.UUID, err)
	}
	valuesYAML, err := yaml.Marshal(values)
	if err != nil {
		return newError(KindConfigError, deploy.UUID, err)
	}

	jobID := util.NewJobID()
	jobName := util.DeployJobName(deploy.UUID, jobID, deploy.SHA)

	valuesConfigMapName := jobName + "-values"
	valuesConfigMap := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: valuesConfigMapName, Namespace: build.Namespace},
		Data:       map[string]string{"values.yaml": string(valuesYAML)},
	}
	if err := e.kube.ApplyConfigMap(ctx, valuesConfigMap); err != nil {
		return newError(KindRemoteAPI, deploy.UUID, err)
	}
	defer func() {
		if err := e.kube.DeleteConfigMap(context.Background(), build.Namespace, valuesConfigMapName); err != nil {
			logger.Warnw("failed to delete values configmap", "err", err)
		}
	}()

	job := e.buildJob(jobName, sa, releaseName, helmVersion, build, deploy, deployable)

	if err := e.kube.ApplyJob(ctx, job); err != nil {
		return newError(KindRemoteAPI, deploy.UUID, err)
	}

	result := e.jobs.Run(ctx, jobmonitor.Options{
		JobName:   jobName,
		Namespace: build.Namespace,
		LogPrefix: "[helm] ",
	})
	if !result.Success {
		statusPatched = true
		_ = patcher.PatchStatus(deploy.UUID, v1.DeployStatusDeployFailed, result.Logs)
		return newError(KindPodsNotReady, deploy.UUID, fmt.Errorf("helm job %s did not succeed: %s", jobName, result.Status))
	}

	if err := patcher.PatchBuildOutput(deploy.UUID, result.Logs); err != nil {
		logger.Warnw("failed to persist build output", "err", err)
	}
	if err := patcher.PatchStatus(deploy.UUID, v1.DeployStatusReady, ""); err != nil {
		logger.Warnw("failed to persist ready status", "err", err)
	}

	// spec.md §4.2 step 8: merge the banner configuration-snippet onto
	// the Ingress matching Deploy.uuid. Non-fatal on failure.
	if e.cfg.IngressBannerSnippet != "" {
		if err := e.kube.PatchIngressAnnotation(ctx, build.Namespace, deploy.UUID,
			map[string]string{ingressBannerAnnotation: e.cfg.IngressBannerSnippet}); err != nil {
			logger.Warnw("failed to patch ingress banner annotation", "err", err)
		}
	}

	if deploy.KedaScaleToZero != nil && deploy.KedaScaleToZero.Type == v1.ScaleToZeroHTTP {
		e.awaitScaleToZeroReady(ctx, publicHTTPSURL(e.cfg, deploy), deploy.KedaScaleToZero.MaxRetries)
	}

	return nil
}

func (e *HelmExecutor) buildJob(jobName, sa, releaseName, helmVersion string, build *v1.Build, deploy *v1.Deploy, deployable *v1.Deployable) *batchv1.Job {
	args := append([]string{}, e.cfg.Helm.DefaultArgs...)
	args = append(args, deployable.Helm.Args...)

	chartRef := deployable.Helm.ChartName
	if deployable.Helm.Variant == v1.ChartVariantOrg {
		chartRef = e.cfg.OrgChartName
	}

	labels := map[string]string{
		"lc-uuid":                releaseName,
		"app.kubernetes.io/name": "native-helm",
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
							Name:  "helm",
							Image: e.jobImage,
							Command: []string{"helm"},
							Args: append([]string{
								"upgrade", "--install", releaseName, chartRef,
								"--namespace", build.Namespace,
								"--version", deployable.Helm.ChartVersion,
								"--values", "/config/values.yaml",
							}, args...),
							Env: []corev1.EnvVar{
								{Name: "HELM_VERSION", Value: helmVersion},
							},
							VolumeMounts: []corev1.VolumeMount{
								{Name: "values", MountPath: "/config"},
							},
						},
					},
					Volumes: []corev1.Volume{
						{
							Name: "values",
							VolumeSource: corev1.VolumeSource{
								ConfigMap: &corev1.ConfigMapVolumeSource{
									LocalObjectReference: corev1.LocalObjectReference{Name: jobName + "-values"},
								},
							},
						},
					},
				},
			},
		},
	}
}

// publicHTTPSURL builds the public https URL scale-to-zero polling
// targets: the Deploy's own Cname when set (its ExternalName-service
// hostname), falling back to the UUID-scoped HTTP domain the same way
// the Ambassador Mapping derives its gRPC hostname (spec.md §4.6).
func publicHTTPSURL(cfg config.Config, deploy *v1.Deploy) string {
	host := deploy.Cname
	if host == "" {
		host = deploy.UUID + "." + cfg.HTTPDomain
	}
	return "https://" + host
}

// awaitScaleToZeroReady polls url until it responds successfully, up to
// maxRetries attempts, logging but not failing the deploy if it never
// does — scale-to-zero services may legitimately take a request to wake
// from zero, per spec.md §4.2 step 9.
func (e *HelmExecutor) awaitScaleToZeroReady(ctx context.Context, url string, maxRetries int) {
	logger := log.With("url", url)
	client := &http.Client{Timeout: scaleToZeroRequestTimeout}

	for attempt := 0; attempt < maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err == nil {
			resp, err := client.Do(req)
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode < 500 {
					return
				}
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(scaleToZeroPollInterval):
		}
	}
	logger.Infow("scale-to-zero target did not respond successfully within maxRetries; continuing")
}
