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

package kube

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	k8sfake "k8s.io/client-go/kubernetes/fake"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
)

func newClient(t *testing.T, objs ...runtime.Object) *Client {
	t.Helper()
	scheme := runtime.NewScheme()
	require.NoError(t, corev1.AddToScheme(scheme))
	require.NoError(t, rbacv1.AddToScheme(scheme))

	runtimeClient := fake.NewClientBuilder().WithScheme(scheme).WithRuntimeObjects(objs...).Build()
	clientset := k8sfake.NewSimpleClientset()
	return New(runtimeClient, clientset)
}

func TestIsNotFound_IsAlreadyExists_IsConflict(t *testing.T) {
	notFound := apierrors.NewNotFound(schema.GroupResource{Resource: "pods"}, "p1")
	exists := apierrors.NewAlreadyExists(schema.GroupResource{Resource: "pods"}, "p1")
	conflict := apierrors.NewConflict(schema.GroupResource{Resource: "pods"}, "p1", nil)

	assert.True(t, IsNotFound(notFound))
	assert.False(t, IsNotFound(exists))
	assert.True(t, IsAlreadyExists(exists))
	assert.False(t, IsAlreadyExists(notFound))
	assert.True(t, IsConflict(conflict))
	assert.False(t, IsConflict(notFound))
}

func TestEnsureNamespace_CreatesOnce_IdempotentOnSecondCall(t *testing.T) {
	c := newClient(t)
	require.NoError(t, c.EnsureNamespace(context.Background(), "ns-1"))
	require.NoError(t, c.EnsureNamespace(context.Background(), "ns-1"))

	ns := &corev1.Namespace{}
	require.NoError(t, c.Runtime.Get(context.Background(), client.ObjectKey{Name: "ns-1"}, ns))
}

func TestCreateOrUpdateServiceAccount_CreateThenUpdateMergesAnnotations(t *testing.T) {
	c := newClient(t)
	sa := &corev1.ServiceAccount{
		ObjectMeta: metav1.ObjectMeta{Name: "sa-1", Namespace: "ns-1", Annotations: map[string]string{"a": "1"}},
	}
	require.NoError(t, c.CreateOrUpdateServiceAccount(context.Background(), sa))

	sa2 := &corev1.ServiceAccount{
		ObjectMeta: metav1.ObjectMeta{Name: "sa-1", Namespace: "ns-1", Annotations: map[string]string{"b": "2"}},
	}
	require.NoError(t, c.CreateOrUpdateServiceAccount(context.Background(), sa2))

	got, err := c.GetServiceAccount(context.Background(), "ns-1", "sa-1")
	require.NoError(t, err)
	assert.Equal(t, "1", got.Annotations["a"])
	assert.Equal(t, "2", got.Annotations["b"])
}

func TestCreateRoleBindingIdempotent_SecondCreateIsNotAnError(t *testing.T) {
	c := newClient(t)
	binding := &rbacv1.RoleBinding{
		ObjectMeta: metav1.ObjectMeta{Name: "binding-1", Namespace: "ns-1"},
		RoleRef:    rbacv1.RoleRef{APIGroup: "rbac.authorization.k8s.io", Kind: "Role", Name: "role-1"},
	}
	require.NoError(t, c.CreateRoleBindingIdempotent(context.Background(), binding))
	require.NoError(t, c.CreateRoleBindingIdempotent(context.Background(), binding))
}

func TestGetPod_NotFoundIsReportedThroughIsNotFound(t *testing.T) {
	c := newClient(t)
	_, err := c.GetPod(context.Background(), "ns-1", "missing")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}
