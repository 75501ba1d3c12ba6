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

// Package jobmonitor watches a single Kubernetes Job through its pod
// lifecycle to completion, collecting init- and main-container logs
// along the way. It never returns an error to its caller: every
// unrecoverable condition is folded into a failed JobResult, per
// spec.md §4.4.
package jobmonitor

import (
	"context"
	"fmt"
	"io"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"

	v1 "github.com/goodrx/lifecycle-core/apis/core/v1"
	"github.com/goodrx/lifecycle-core/pkg/kube"
	"github.com/goodrx/lifecycle-core/pkg/log"
)

// TerminationReasonAnnotation carries the classification hint
// ReleaseReconciler writes when it supersedes a stale job.
const TerminationReasonAnnotation = "lifecycle.goodrx.com/termination-reason"

// SupersededByRetry is the annotation value classify() treats as a
// successful supersession rather than a failure.
const SupersededByRetry = "superseded-by-retry"

const pollInterval = 2 * time.Second

// DefaultTimeout is the JobMonitor deadline used when Options.Timeout
// is zero.
const DefaultTimeout = 30 * time.Minute

// Options configures one Monitor call.
type Options struct {
	JobName          string
	Namespace        string
	Timeout          time.Duration
	LogPrefix        string
	ContainerFilters []string
}

func (o Options) timeout() time.Duration {
	if o.Timeout <= 0 {
		return DefaultTimeout
	}
	return o.Timeout
}

// Monitor watches a single Job through awaitPod -> awaitInitContainers
// -> collectInitLogs -> awaitMainContainers -> collectMainLogs ->
// awaitJobCompletion -> classify.
type Monitor struct {
	client *kube.Client
}

// New returns a Monitor backed by client.
func New(client *kube.Client) *Monitor {
	return &Monitor{client: client}
}

// Run executes the full state machine for opts and always returns a
// JobResult, never an error.
func (m *Monitor) Run(ctx context.Context, opts Options) v1.JobResult {
	logger := log.With("job", opts.JobName, "namespace", opts.Namespace)
	ctx, cancel := context.WithTimeout(ctx, opts.timeout())
	defer cancel()

	pod, err := m.awaitPod(ctx, opts)
	if err != nil {
		logger.Warnw("job monitor: awaitPod failed", "err", err)
		return failed("", err)
	}
	logger = logger.With("pod", pod.Name)

	if err := m.awaitInitContainers(ctx, opts.Namespace, pod.Name); err != nil {
		logger.Warnw("job monitor: awaitInitContainers failed", "err", err)
		return failed("", err)
	}
	initLogs := m.collectLogs(ctx, opts, pod.Name, true)

	if err := m.awaitMainContainers(ctx, opts.Namespace, pod.Name); err != nil {
		logger.Warnw("job monitor: awaitMainContainers failed", "err", err)
		return failed(initLogs, err)
	}
	mainLogs := m.collectLogs(ctx, opts, pod.Name, false)
	allLogs := initLogs + mainLogs

	job, err := m.awaitJobCompletion(ctx, opts.Namespace, opts.JobName)
	if err != nil {
		logger.Warnw("job monitor: awaitJobCompletion failed", "err", err)
		return failed(allLogs, err)
	}
	return m.classify(job, allLogs)
}

func failed(logs string, err error) v1.JobResult {
	msg := logs
	if err != nil {
		msg += fmt.Sprintf("\n[jobmonitor] %v", err)
	}
	return v1.JobResult{Success: false, Status: v1.JobStatusFailed, Logs: msg}
}

// awaitPod lists pods with label job-name=<jobName> until one appears.
func (m *Monitor) awaitPod(ctx context.Context, opts Options) (*corev1.Pod, error) {
	selector := "job-name=" + opts.JobName
	for {
		pods, err := m.client.ListPodsByLabel(ctx, opts.Namespace, selector)
		if err == nil && len(pods) > 0 {
			return &pods[0], nil
		}
		if err := sleepOrDone(ctx, pollInterval); err != nil {
			return nil, err
		}
	}
}

// awaitInitContainers waits until every init container is either ready
// or terminated.
func (m *Monitor) awaitInitContainers(ctx context.Context, ns, pod string) error {
	for {
		p, err := m.getPod(ctx, ns, pod)
		if err == nil && allInitContainersSettled(p.Status.InitContainerStatuses) {
			return nil
		}
		if err := sleepOrDone(ctx, pollInterval); err != nil {
			return err
		}
	}
}

func allInitContainersSettled(statuses []corev1.ContainerStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, s := range statuses {
		if s.State.Terminated != nil {
			continue
		}
		if !s.Ready {
			return false
		}
	}
	return true
}

// awaitMainContainers waits until every main container is running or
// terminated, logging waiting.reason transitions, and gives up after 30
// consecutive unsuccessful observations or the shared deadline.
func (m *Monitor) awaitMainContainers(ctx context.Context, ns, pod string) error {
	lastReason := map[string]string{}
	unsuccessful := 0
	for {
		p, err := m.getPod(ctx, ns, pod)
		if err == nil {
			if allMainContainersSettled(p.Status.ContainerStatuses) {
				return nil
			}
			logWaitingReasons(ns, pod, p.Status.ContainerStatuses, lastReason)
			unsuccessful = 0
		} else {
			unsuccessful++
			if unsuccessful >= 30 {
				return fmt.Errorf("awaitMainContainers: %d consecutive failed observations: %w", unsuccessful, err)
			}
		}
		if err := sleepOrDone(ctx, pollInterval); err != nil {
			return err
		}
	}
}

func allMainContainersSettled(statuses []corev1.ContainerStatus) bool {
	if len(statuses) == 0 {
		return false
	}
	for _, s := range statuses {
		if s.State.Running == nil && s.State.Terminated == nil {
			return false
		}
	}
	return true
}

func logWaitingReasons(ns, pod string, statuses []corev1.ContainerStatus, last map[string]string) {
	for _, s := range statuses {
		if s.State.Waiting == nil {
			continue
		}
		if last[s.Name] == s.State.Waiting.Reason {
			continue
		}
		last[s.Name] = s.State.Waiting.Reason
		log.With("namespace", ns, "pod", pod, "container", s.Name).
			Infow("container waiting", "reason", s.State.Waiting.Reason)
	}
}

// awaitJobCompletion polls the Job's conditions until Complete=True or
// Failed=True. Transient API errors are silently retried.
func (m *Monitor) awaitJobCompletion(ctx context.Context, ns, name string) (*batchv1.Job, error) {
	for {
		job, err := m.client.GetJob(ctx, ns, name)
		if err == nil {
			for _, cond := range job.Status.Conditions {
				if cond.Status != corev1.ConditionTrue {
					continue
				}
				if cond.Type == batchv1.JobComplete || cond.Type == batchv1.JobFailed {
					return job, nil
				}
			}
		}
		if err := sleepOrDone(ctx, pollInterval); err != nil {
			return nil, err
		}
	}
}

// classify reads the job's terminal condition and its
// termination-reason annotation to decide success/failed/superseded.
func (m *Monitor) classify(job *batchv1.Job, logs string) v1.JobResult {
	complete := false
	failedCond := false
	for _, cond := range job.Status.Conditions {
		if cond.Status != corev1.ConditionTrue {
			continue
		}
		switch cond.Type {
		case batchv1.JobComplete:
			complete = true
		case batchv1.JobFailed:
			failedCond = true
		}
	}
	if complete {
		return v1.JobResult{Success: true, Status: v1.JobStatusSucceeded, Logs: logs}
	}
	if failedCond {
		if job.Annotations[TerminationReasonAnnotation] == SupersededByRetry {
			return v1.JobResult{Success: true, Status: v1.JobStatusSuperseded, Logs: logs}
		}
		return v1.JobResult{Success: false, Status: v1.JobStatusFailed, Logs: logs}
	}
	return v1.JobResult{Success: false, Status: v1.JobStatusFailed, Logs: logs}
}

func (m *Monitor) getPod(ctx context.Context, ns, name string) (*corev1.Pod, error) {
	return m.client.GetPod(ctx, ns, name)
}

func (m *Monitor) collectLogs(ctx context.Context, opts Options, pod string, initContainers bool) string {
	p, err := m.getPod(ctx, opts.Namespace, pod)
	if err != nil {
		return ""
	}
	var containers []corev1.Container
	if initContainers {
		containers = p.Spec.InitContainers
	} else {
		containers = p.Spec.Containers
	}
	var out string
	for _, c := range containers {
		if !containerIncluded(c.Name, opts.ContainerFilters) {
			continue
		}
		rc, err := m.client.PodLogs(ctx, opts.Namespace, pod, c.Name)
		if err != nil {
			out += fmt.Sprintf("%s[%s] <no logs: %v>\n", opts.LogPrefix, c.Name, err)
			continue
		}
		b, _ := io.ReadAll(rc)
		rc.Close()
		out += fmt.Sprintf("%s[%s]\n%s\n", opts.LogPrefix, c.Name, string(b))
	}
	return out
}

func containerIncluded(name string, filters []string) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if f == name {
			return true
		}
	}
	return false
}

func sleepOrDone(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
