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

package rbac

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	k8sfake "k8s.io/client-go/kubernetes/fake"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/goodrx/lifecycle-core/pkg/kube"
)

func newRBACTestClient(objs ...runtime.Object) *kube.Client {
	scheme := runtime.NewScheme()
	Expect(corev1.AddToScheme(scheme)).To(Succeed())
	Expect(rbacv1.AddToScheme(scheme)).To(Succeed())

	runtimeClient := fake.NewClientBuilder().WithScheme(scheme).WithRuntimeObjects(objs...).Build()
	clientset := k8sfake.NewSimpleClientset()
	return kube.New(runtimeClient, clientset)
}

var _ = Describe("Provisioner.Ensure", func() {
	var (
		ctx = context.Background()
		c   *kube.Client
		p   *Provisioner
	)

	BeforeEach(func() {
		c = newRBACTestClient()
		p = New(c)
	})

	It("creates a ServiceAccount, Role, and RoleBinding for the build profile", func() {
		Expect(p.Ensure(ctx, "ns-1", "build-sa", "", ProfileBuild)).To(Succeed())

		sa := &corev1.ServiceAccount{}
		Expect(c.Runtime.Get(ctx, client.ObjectKey{Namespace: "ns-1", Name: "build-sa"}, sa)).To(Succeed())

		role := &rbacv1.Role{}
		Expect(c.Runtime.Get(ctx, client.ObjectKey{Namespace: "ns-1", Name: "build-sa-role"}, role)).To(Succeed())
		Expect(role.Rules).To(Equal(profileRules[ProfileBuild]))

		binding := &rbacv1.RoleBinding{}
		Expect(c.Runtime.Get(ctx, client.ObjectKey{Namespace: "ns-1", Name: "build-sa-binding"}, binding)).To(Succeed())
		Expect(binding.RoleRef.Name).To(Equal("build-sa-role"))
		Expect(binding.Subjects).To(HaveLen(1))
		Expect(binding.Subjects[0].Name).To(Equal("build-sa"))
	})

	It("annotates the ServiceAccount with the IAM role ARN when given one", func() {
		Expect(p.Ensure(ctx, "ns-1", "deploy-sa", "arn:aws:iam::123:role/deploy", ProfileDeploy)).To(Succeed())

		sa := &corev1.ServiceAccount{}
		Expect(c.Runtime.Get(ctx, client.ObjectKey{Namespace: "ns-1", Name: "deploy-sa"}, sa)).To(Succeed())
		Expect(sa.Annotations["eks.amazonaws.com/role-arn"]).To(Equal("arn:aws:iam::123:role/deploy"))
	})

	It("rejects an unknown permission profile", func() {
		err := p.Ensure(ctx, "ns-1", "sa-1", "", Profile("bogus"))
		Expect(err).To(HaveOccurred())
	})

	It("is idempotent: a second Ensure call for the same names succeeds", func() {
		Expect(p.Ensure(ctx, "ns-1", "full-sa", "", ProfileFull)).To(Succeed())
		Expect(p.Ensure(ctx, "ns-1", "full-sa", "", ProfileFull)).To(Succeed())

		role := &rbacv1.Role{}
		Expect(c.Runtime.Get(ctx, client.ObjectKey{Namespace: "ns-1", Name: "full-sa-role"}, role)).To(Succeed())
		Expect(role.Rules).To(Equal(profileRules[ProfileFull]))
	})

	It("skips waiting for the default ServiceAccount when it already exists", func() {
		c = newRBACTestClient(&corev1.ServiceAccount{
			ObjectMeta: metav1.ObjectMeta{Name: "default", Namespace: "ns-1"},
		})
		p = New(c)

		start := time.Now()
		Expect(p.Ensure(ctx, "ns-1", "default", "", ProfileBuild)).To(Succeed())
		Expect(time.Since(start)).To(BeNumerically("<", 2*time.Second))
	})
})
