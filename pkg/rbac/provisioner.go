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

// Package rbac provisions the ServiceAccount, Role, and RoleBinding a
// deploy job runs as, with one of three fixed permission profiles. The
// resource-path table below mirrors the teacher's table-driven
// resource-to-action modeling (pkg/apiserver/rest/usecase/rbac.go),
// adapted from HTTP resource paths to Kubernetes PolicyRules.
package rbac

import (
	"context"
	"time"

	"github.com/pkg/errors"
	corev1 "k8s.io/api/core/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/goodrx/lifecycle-core/pkg/kube"
)

// Profile is one of the three fixed RBAC permission profiles spec.md
// §4.7 defines.
type Profile string

// Permission profiles.
const (
	ProfileBuild  Profile = "build"
	ProfileDeploy Profile = "deploy"
	ProfileFull   Profile = "full"
)

var profileRules = map[Profile][]rbacv1.PolicyRule{
	ProfileBuild: {
		{
			APIGroups: []string{"batch"},
			Resources: []string{"jobs"},
			Verbs:     []string{"get", "list", "watch", "create", "update", "patch", "delete"},
		},
		{
			APIGroups: []string{""},
			Resources: []string{"pods", "pods/log"},
			Verbs:     []string{"get", "list", "watch"},
		},
	},
	ProfileDeploy: {
		{APIGroups: []string{"*"}, Resources: []string{"*"}, Verbs: []string{"*"}},
	},
	ProfileFull: {
		{APIGroups: []string{"*"}, Resources: []string{"*"}, Verbs: []string{"*"}},
	},
}

const defaultServiceAccountWait = 120 * time.Second

// Provisioner ensures the ServiceAccount/Role/RoleBinding triple a
// deploy job runs as exists with the correct permission profile.
type Provisioner struct {
	client *kube.Client
}

// New returns a Provisioner backed by client.
func New(client *kube.Client) *Provisioner {
	return &Provisioner{client: client}
}

// Ensure creates-or-patches the ServiceAccount named sa in namespace ns
// (annotated with iamRoleARN when set), the Role named "<sa>-role"
// carrying profile's rules, and the RoleBinding named "<sa>-binding"
// binding the two. For the "default" account it first waits for the
// cluster's automatic creation.
func (p *Provisioner) Ensure(ctx context.Context, ns, sa, iamRoleARN string, profile Profile) error {
	if sa == "default" {
		if err := p.client.WaitForDefaultServiceAccount(ctx, ns, defaultServiceAccountWait); err != nil {
			return errors.Wrap(err, "wait for default service account")
		}
	}

	saObj := &corev1.ServiceAccount{
		ObjectMeta: metav1.ObjectMeta{Name: sa, Namespace: ns},
	}
	if iamRoleARN != "" {
		saObj.Annotations = map[string]string{"eks.amazonaws.com/role-arn": iamRoleARN}
	}
	if err := p.client.CreateOrUpdateServiceAccount(ctx, saObj); err != nil {
		return errors.Wrap(err, "ensure service account")
	}

	rules, ok := profileRules[profile]
	if !ok {
		return errors.Errorf("unknown RBAC profile %q", profile)
	}
	roleName := sa + "-role"
	role := &rbacv1.Role{
		ObjectMeta: metav1.ObjectMeta{Name: roleName, Namespace: ns},
		Rules:      rules,
	}
	if err := p.client.CreateOrUpdateRole(ctx, role); err != nil {
		return errors.Wrap(err, "ensure role")
	}

	bindingName := sa + "-binding"
	binding := &rbacv1.RoleBinding{
		ObjectMeta: metav1.ObjectMeta{Name: bindingName, Namespace: ns},
		RoleRef: rbacv1.RoleRef{
			APIGroup: "rbac.authorization.k8s.io",
			Kind:     "Role",
			Name:     roleName,
		},
		Subjects: []rbacv1.Subject{
			{Kind: "ServiceAccount", Name: sa, Namespace: ns},
		},
	}
	if err := p.client.CreateRoleBindingIdempotent(ctx, binding); err != nil {
		return errors.Wrap(err, "ensure role binding")
	}
	return nil
}
