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

// Package kube is the thin capability wrapper every other component of
// the deploy core talks to the cluster through: namespaced read,
// create, patch, and delete on the handful of object kinds the
// scheduler touches. It never encodes business logic — JobMonitor,
// ReleaseReconciler, RBACProvisioner, and the executors all hold the
// object-shaped decisions.
package kube

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/pkg/errors"
	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// Client wraps a controller-runtime client (for typed CRUD) and a
// client-go clientset (for log retrieval, which controller-runtime does
// not expose), matching the split the teacher's
// infrastructure/clients package draws between the generic runtime
// client and discovery/log-shaped calls.
type Client struct {
	Runtime   client.Client
	Clientset kubernetes.Interface
}

// New builds a Client from an already-constructed runtime client and
// clientset. Construction of those (via rest.Config) is the caller's
// concern — this module never reads kubeconfig itself.
func New(runtimeClient client.Client, clientset kubernetes.Interface) *Client {
	return &Client{Runtime: runtimeClient, Clientset: clientset}
}

// IsNotFound reports whether err is a Kubernetes "not found" error.
func IsNotFound(err error) bool { return apierrors.IsNotFound(err) }

// IsAlreadyExists reports whether err is a Kubernetes "already exists"
// error, the 409-on-create case spec.md §7 maps to "fall through to
// patch".
func IsAlreadyExists(err error) bool { return apierrors.IsAlreadyExists(err) }

// IsConflict reports whether err is a Kubernetes optimistic-concurrency
// conflict.
func IsConflict(err error) bool { return apierrors.IsConflict(err) }

// EnsureNamespace creates namespace ns if absent.
func (c *Client) EnsureNamespace(ctx context.Context, ns string) error {
	obj := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: ns}}
	err := c.Runtime.Create(ctx, obj)
	if err != nil && !IsAlreadyExists(err) {
		return errors.Wrapf(err, "create namespace %s", ns)
	}
	return nil
}

// GetServiceAccount returns the named ServiceAccount, or a not-found
// error the caller can test with IsNotFound.
func (c *Client) GetServiceAccount(ctx context.Context, ns, name string) (*corev1.ServiceAccount, error) {
	sa := &corev1.ServiceAccount{}
	err := c.Runtime.Get(ctx, client.ObjectKey{Namespace: ns, Name: name}, sa)
	if err != nil {
		return nil, err
	}
	return sa, nil
}

// CreateOrUpdateServiceAccount creates sa, or updates it in place if it
// already exists (the create-or-patch step of RBACProvisioner).
func (c *Client) CreateOrUpdateServiceAccount(ctx context.Context, sa *corev1.ServiceAccount) error {
	existing, err := c.GetServiceAccount(ctx, sa.Namespace, sa.Name)
	if IsNotFound(err) {
		if err := c.Runtime.Create(ctx, sa); err != nil && !IsAlreadyExists(err) {
			return errors.Wrapf(err, "create service account %s/%s", sa.Namespace, sa.Name)
		}
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "get service account %s/%s", sa.Namespace, sa.Name)
	}
	existing.Annotations = mergeAnnotations(existing.Annotations, sa.Annotations)
	if err := c.Runtime.Update(ctx, existing); err != nil {
		return errors.Wrapf(err, "update service account %s/%s", sa.Namespace, sa.Name)
	}
	return nil
}

func mergeAnnotations(base, overlay map[string]string) map[string]string {
	out := map[string]string{}
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

// CreateOrUpdateRole creates role, or replaces its rules if it already
// exists.
func (c *Client) CreateOrUpdateRole(ctx context.Context, role *rbacv1.Role) error {
	existing := &rbacv1.Role{}
	err := c.Runtime.Get(ctx, client.ObjectKey{Namespace: role.Namespace, Name: role.Name}, existing)
	if IsNotFound(err) {
		if err := c.Runtime.Create(ctx, role); err != nil && !IsAlreadyExists(err) {
			return errors.Wrapf(err, "create role %s/%s", role.Namespace, role.Name)
		}
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "get role %s/%s", role.Namespace, role.Name)
	}
	existing.Rules = role.Rules
	if err := c.Runtime.Update(ctx, existing); err != nil {
		return errors.Wrapf(err, "update role %s/%s", role.Namespace, role.Name)
	}
	return nil
}

// CreateRoleBindingIdempotent creates binding, treating "already exists"
// as success per spec.md §4.7.
func (c *Client) CreateRoleBindingIdempotent(ctx context.Context, binding *rbacv1.RoleBinding) error {
	err := c.Runtime.Create(ctx, binding)
	if err != nil && !IsAlreadyExists(err) {
		return errors.Wrapf(err, "create role binding %s/%s", binding.Namespace, binding.Name)
	}
	return nil
}

// ApplyJob creates job. Job names are always unique (they embed a
// random jobId), so creation is the only path; the executors never
// update a Job in place.
func (c *Client) ApplyJob(ctx context.Context, job *batchv1.Job) error {
	if err := c.Runtime.Create(ctx, job); err != nil {
		return errors.Wrapf(err, "create job %s/%s", job.Namespace, job.Name)
	}
	return nil
}

// ApplyConfigMap creates cm, or replaces its data in place if it
// already exists. The executors use this to stage the Helm values /
// raw manifest payload a deploy Job's volume mount reads, under a name
// unique to that Job.
func (c *Client) ApplyConfigMap(ctx context.Context, cm *corev1.ConfigMap) error {
	existing := &corev1.ConfigMap{}
	err := c.Runtime.Get(ctx, client.ObjectKey{Namespace: cm.Namespace, Name: cm.Name}, existing)
	if IsNotFound(err) {
		if err := c.Runtime.Create(ctx, cm); err != nil && !IsAlreadyExists(err) {
			return errors.Wrapf(err, "create configmap %s/%s", cm.Namespace, cm.Name)
		}
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "get configmap %s/%s", cm.Namespace, cm.Name)
	}
	existing.Data = cm.Data
	if err := c.Runtime.Update(ctx, existing); err != nil {
		return errors.Wrapf(err, "update configmap %s/%s", cm.Namespace, cm.Name)
	}
	return nil
}

// DeleteConfigMap deletes the named ConfigMap, treating not-found as
// success.
func (c *Client) DeleteConfigMap(ctx context.Context, ns, name string) error {
	cm := &corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: ns}}
	if err := c.Runtime.Delete(ctx, cm); err != nil && !IsNotFound(err) {
		return errors.Wrapf(err, "delete configmap %s/%s", ns, name)
	}
	return nil
}

// GetJob returns the named Job.
func (c *Client) GetJob(ctx context.Context, ns, name string) (*batchv1.Job, error) {
	job, err := c.Clientset.BatchV1().Jobs(ns).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ListJobsByLabel lists Jobs in ns matching selector, e.g.
// "lc-uuid=<releaseName>,app.kubernetes.io/name=native-helm".
func (c *Client) ListJobsByLabel(ctx context.Context, ns, selector string) ([]batchv1.Job, error) {
	list, err := c.Clientset.BatchV1().Jobs(ns).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, errors.Wrapf(err, "list jobs in %s matching %q", ns, selector)
	}
	return list.Items, nil
}

// AnnotateJob sets annotation key=value on job with a single update; a
// conflicting update is returned as an error. ReleaseReconciler is the sole writer of the
// superseded-by-retry annotation.
func (c *Client) AnnotateJob(ctx context.Context, ns, name, key, value string) error {
	job, err := c.GetJob(ctx, ns, name)
	if err != nil {
		return errors.Wrapf(err, "get job %s/%s to annotate", ns, name)
	}
	if job.Annotations == nil {
		job.Annotations = map[string]string{}
	}
	job.Annotations[key] = value
	_, err = c.Clientset.BatchV1().Jobs(ns).Update(ctx, job, metav1.UpdateOptions{})
	if err != nil {
		return errors.Wrapf(err, "annotate job %s/%s", ns, name)
	}
	return nil
}

// ForceDeleteJob deletes job with grace period 0, matching
// `kubectl delete --force --grace-period=0`.
func (c *Client) ForceDeleteJob(ctx context.Context, ns, name string) error {
	zero := int64(0)
	background := metav1.DeletePropagationBackground
	err := c.Clientset.BatchV1().Jobs(ns).Delete(ctx, name, metav1.DeleteOptions{
		GracePeriodSeconds: &zero,
		PropagationPolicy:  &background,
	})
	if err != nil && !IsNotFound(err) {
		return errors.Wrapf(err, "force delete job %s/%s", ns, name)
	}
	return nil
}

// ForceDeletePod deletes pod with grace period 0.
func (c *Client) ForceDeletePod(ctx context.Context, ns, name string) error {
	zero := int64(0)
	err := c.Clientset.CoreV1().Pods(ns).Delete(ctx, name, metav1.DeleteOptions{GracePeriodSeconds: &zero})
	if err != nil && !IsNotFound(err) {
		return errors.Wrapf(err, "force delete pod %s/%s", ns, name)
	}
	return nil
}

// GetPod returns the named Pod.
func (c *Client) GetPod(ctx context.Context, ns, name string) (*corev1.Pod, error) {
	pod := &corev1.Pod{}
	if err := c.Runtime.Get(ctx, client.ObjectKey{Namespace: ns, Name: name}, pod); err != nil {
		return nil, err
	}
	return pod, nil
}

// ListPodsByLabel lists Pods in ns matching selector.
func (c *Client) ListPodsByLabel(ctx context.Context, ns, selector string) ([]corev1.Pod, error) {
	list, err := c.Clientset.CoreV1().Pods(ns).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, errors.Wrapf(err, "list pods in %s matching %q", ns, selector)
	}
	return list.Items, nil
}

// PodLogs streams the logs of container within pod. Callers are
// responsible for closing the returned reader.
func (c *Client) PodLogs(ctx context.Context, ns, pod, container string) (io.ReadCloser, error) {
	req := c.Clientset.CoreV1().Pods(ns).GetLogs(pod, &corev1.PodLogOptions{Container: container})
	return req.Stream(ctx)
}

// PatchIngressAnnotation merges annotations into the named Ingress.
// Failures here are non-fatal per spec.md §4.2 step 8; the caller logs
// and continues.
func (c *Client) PatchIngressAnnotation(ctx context.Context, ns, name string, annotations map[string]string) error {
	ing := &networkingv1.Ingress{}
	if err := c.Runtime.Get(ctx, client.ObjectKey{Namespace: ns, Name: name}, ing); err != nil {
		return errors.Wrapf(err, "get ingress %s/%s", ns, name)
	}
	merged := mergeAnnotations(ing.Annotations, annotations)
	patch := client.MergeFrom(ing.DeepCopy())
	ing.Annotations = merged
	if err := c.Runtime.Patch(ctx, ing, patch); err != nil {
		return errors.Wrapf(err, "patch ingress %s/%s", ns, name)
	}
	return nil
}

// GetDeployment returns the named Deployment.
func (c *Client) GetDeployment(ctx context.Context, ns, name string) (*appsv1.Deployment, error) {
	dep := &appsv1.Deployment{}
	if err := c.Runtime.Get(ctx, client.ObjectKey{Namespace: ns, Name: name}, dep); err != nil {
		return nil, err
	}
	return dep, nil
}

// WaitForDefaultServiceAccount polls for ns's automatically created
// "default" ServiceAccount, up to timeout, matching spec.md §4.7's
// 120s/2s wait before the default account is patched.
func (c *Client) WaitForDefaultServiceAccount(ctx context.Context, ns string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		_, err := c.GetServiceAccount(ctx, ns, "default")
		if err == nil {
			return nil
		}
		if !IsNotFound(err) {
			return errors.Wrapf(err, "get default service account in %s", ns)
		}
		if time.Now().After(deadline) {
			return errors.Errorf("timed out waiting for default service account in %s", ns)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

// PatchServiceAccountAnnotation merges a single annotation onto sa by
// name, a helper used when only the IAM-role annotation needs updating.
func (c *Client) PatchServiceAccountAnnotation(ctx context.Context, ns, name, key, value string) error {
	sa, err := c.GetServiceAccount(ctx, ns, name)
	if err != nil {
		return err
	}
	merged := mergeAnnotations(sa.Annotations, map[string]string{key: value})
	_, err = c.Clientset.CoreV1().ServiceAccounts(ns).Patch(ctx, name, types.MergePatchType,
		mergePatchBody("metadata", "annotations", merged), metav1.PatchOptions{})
	return err
}

func mergePatchBody(section, field string, value map[string]string) []byte {
	body := map[string]interface{}{
		section: map[string]interface{}{
			field: value,
		},
	}
	b, _ := json.Marshal(body)
	return b
}
