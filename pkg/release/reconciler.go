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

// Package release resolves a prior Helm release's state before a new
// install: it kills stale jobs/pods left over from a superseded
// attempt and uninstalls a release stuck in a pending-* state. It never
// runs `helm upgrade --install` itself — that happens inside the
// in-cluster deploy job (spec.md §1's non-goal: "implementing Helm
// itself").
//
// Helm control-plane operations (status, uninstall) go through the
// action.Configuration pattern the teacher uses in
// pkg/apiserver/rest/services/velainstall.go.
package release

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"helm.sh/helm/v3/pkg/action"
	"helm.sh/helm/v3/pkg/release"
	"helm.sh/helm/v3/pkg/storage/driver"
	"k8s.io/cli-runtime/pkg/genericclioptions"
	"k8s.io/client-go/rest"

	v1 "github.com/goodrx/lifecycle-core/apis/core/v1"
	"github.com/goodrx/lifecycle-core/pkg/jobmonitor"
	"github.com/goodrx/lifecycle-core/pkg/kube"
	"github.com/goodrx/lifecycle-core/pkg/log"
)

const (
	uninstallTimeout = 5 * time.Minute
	absenceWait      = 30 * time.Second
	absencePoll      = 2 * time.Second
	settleDelay      = 2 * time.Second
)

// ActionConfigFactory builds a Helm action.Configuration scoped to
// namespace. Production callers wire this to the in-process REST
// config; tests can substitute an in-memory storage driver.
type ActionConfigFactory func(namespace string) (*action.Configuration, error)

// NewActionConfigFactory returns an ActionConfigFactory that talks to
// the real cluster through restConfig, matching the teacher's
// getActionConfig helper.
func NewActionConfigFactory(restConfig *rest.Config) ActionConfigFactory {
	return func(namespace string) (*action.Configuration, error) {
		cfg := new(action.Configuration)
		flags := genericclioptions.NewConfigFlags(false)
		flags.APIServer = &restConfig.Host
		flags.BearerToken = &restConfig.BearerToken
		flags.CAFile = &restConfig.CAFile
		flags.Namespace = &namespace
		if err := cfg.Init(flags, namespace, "", helmLogf); err != nil {
			return nil, err
		}
		return cfg, nil
	}
}

func helmLogf(format string, v ...interface{}) {
	log.Logger.Debugf(format, v...)
}

// Reconciler ensures a fresh Helm install can proceed for a release
// name.
type Reconciler struct {
	kube          *kube.Client
	actionConfigs ActionConfigFactory
}

// New returns a Reconciler.
func New(kubeClient *kube.Client, actionConfigs ActionConfigFactory) *Reconciler {
	return &Reconciler{kube: kubeClient, actionConfigs: actionConfigs}
}

// Reconcile runs the full sequence from spec.md §4.5: supersede stale
// jobs, settle, read release status, and uninstall if the release is
// stuck pending.
func (r *Reconciler) Reconcile(ctx context.Context, namespace, releaseName string) error {
	logger := log.With("namespace", namespace, "release", releaseName)

	if err := r.supersedeStaleJobs(ctx, namespace, releaseName); err != nil {
		return errors.Wrap(err, "supersede stale jobs")
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(settleDelay):
	}

	state, err := r.GetState(ctx, namespace, releaseName)
	if err != nil {
		return errors.Wrap(err, "get release state")
	}
	logger.Infow("release state observed", "status", state.Status)

	if !state.Status.IsPending() {
		return nil
	}

	if err := r.uninstall(ctx, namespace, releaseName); err != nil {
		return errors.Wrap(err, "uninstall pending release")
	}
	return r.awaitAbsence(ctx, namespace, releaseName)
}

// supersedeStaleJobs lists jobs labeled
// lc-uuid=<releaseName>,app.kubernetes.io/name=native-helm and, for
// each, annotates it superseded-by-retry, force-deletes its pods, then
// force-deletes the job itself.
func (r *Reconciler) supersedeStaleJobs(ctx context.Context, namespace, releaseName string) error {
	selector := fmt.Sprintf("lc-uuid=%s,app.kubernetes.io/name=native-helm", releaseName)
	jobs, err := r.kube.ListJobsByLabel(ctx, namespace, selector)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if err := r.kube.AnnotateJob(ctx, namespace, job.Name,
			jobmonitor.TerminationReasonAnnotation, jobmonitor.SupersededByRetry); err != nil {
			return err
		}
		if err := r.kube.AnnotateJob(ctx, namespace, job.Name,
			"lifecycle.goodrx.com/terminated-at", time.Now().UTC().Format(time.RFC3339)); err != nil {
			return err
		}
		pods, err := r.kube.ListPodsByLabel(ctx, namespace, "job-name="+job.Name)
		if err != nil {
			return err
		}
		for _, pod := range pods {
			if err := r.kube.ForceDeletePod(ctx, namespace, pod.Name); err != nil {
				return err
			}
		}
		if err := r.kube.ForceDeleteJob(ctx, namespace, job.Name); err != nil {
			return err
		}
	}
	return nil
}

// GetState reads the current Helm release status, translating
// ErrReleaseNotFound into ReleaseStatusAbsent, matching the teacher's
// CheckVelaHelmChartExist error-classification pattern.
func (r *Reconciler) GetState(ctx context.Context, namespace, releaseName string) (v1.ReleaseState, error) {
	cfg, err := r.actionConfigs(namespace)
	if err != nil {
		return v1.ReleaseState{}, err
	}
	status := action.NewStatus(cfg)
	rel, err := status.Run(releaseName)
	if errors.Is(err, driver.ErrReleaseNotFound) {
		return v1.ReleaseState{Status: v1.ReleaseStatusAbsent}, nil
	}
	if err != nil {
		return v1.ReleaseState{}, err
	}
	return stateFromRelease(rel), nil
}

func stateFromRelease(rel *release.Release) v1.ReleaseState {
	state := v1.ReleaseState{Revision: rel.Version}
	if rel.Info != nil {
		state.Description = rel.Info.Description
		state.Status = releaseStatusFromHelm(rel.Info.Status.String())
	} else {
		state.Status = v1.ReleaseStatusUnknown
	}
	return state
}

func releaseStatusFromHelm(s string) v1.ReleaseStatus {
	switch s {
	case "deployed":
		return v1.ReleaseStatusDeployed
	case "pending-install":
		return v1.ReleaseStatusPendingInstall
	case "pending-upgrade":
		return v1.ReleaseStatusPendingUpgrade
	case "pending-rollback":
		return v1.ReleaseStatusPendingRollback
	case "failed":
		return v1.ReleaseStatusFailed
	default:
		return v1.ReleaseStatusUnknown
	}
}

func (r *Reconciler) uninstall(ctx context.Context, namespace, releaseName string) error {
	cfg, err := r.actionConfigs(namespace)
	if err != nil {
		return err
	}
	uninstall := action.NewUninstall(cfg)
	uninstall.Wait = true
	uninstall.Timeout = uninstallTimeout
	_, err = uninstall.Run(releaseName)
	if err != nil && !errors.Is(err, driver.ErrReleaseNotFound) {
		return err
	}
	_ = ctx // uninstall.Run has no context parameter in this Helm version
	return nil
}

func (r *Reconciler) awaitAbsence(ctx context.Context, namespace, releaseName string) error {
	deadline := time.Now().Add(absenceWait)
	for {
		state, err := r.GetState(ctx, namespace, releaseName)
		if err != nil {
			return err
		}
		if state.Status == v1.ReleaseStatusAbsent {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Errorf("timed out after %s waiting for release %s to be uninstalled", absenceWait, releaseName)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(absencePoll):
		}
	}
}
