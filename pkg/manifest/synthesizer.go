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

// Package manifest synthesizes the Kubernetes object YAML a raw-manifest
// Deploy applies (spec.md §4.6), and builds the Helm custom-values maps
// the Helm DeployExecutor passes to `helm upgrade --install` (spec.md
// §4.2). Objects are always built as typed k8s.io/api structs and
// marshaled through sigs.k8s.io/yaml, never hand-assembled as strings,
// matching the teacher's manifest-emission convention throughout
// pkg/addon and pkg/apiserver/rest/services.
package manifest

import (
	"strconv"
	"strings"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/util/intstr"
	"sigs.k8s.io/yaml"

	v1 "github.com/goodrx/lifecycle-core/apis/core/v1"
	"github.com/goodrx/lifecycle-core/pkg/config"
)

// Synthesizer produces the object stream for a raw-manifest Deploy.
type Synthesizer struct {
	cfg config.Config
}

// New returns a Synthesizer configured with the global config.
func New(cfg config.Config) *Synthesizer {
	return &Synthesizer{cfg: cfg}
}

// Synthesize returns the "---"-delimited YAML document stream for
// deployable within build, one document per object, per spec.md §4.6.
func (s *Synthesizer) Synthesize(build *v1.Build, deploy *v1.Deploy, deployable *v1.Deployable) (string, error) {
	var docs []string

	for _, disk := range deployable.Disks {
		if disk.Medium == "" || disk.Medium == v1.DiskMediumDisk || disk.Medium == v1.DiskMediumEBS {
			doc, err := s.pvc(deploy, disk)
			if err != nil {
				return "", err
			}
			docs = append(docs, doc)
		}
	}

	dep, err := s.deployment(build, deploy, deployable)
	if err != nil {
		return "", err
	}
	docs = append(docs, dep)

	svc, err := s.service(deploy, deployable, "", deployable.Ports)
	if err != nil {
		return "", err
	}
	docs = append(docs, svc)

	if deployable.GRPC {
		mapping, err := s.ambassadorMapping(deploy, deployable)
		if err != nil {
			return "", err
		}
		docs = append(docs, mapping)
	}

	lb, err := s.service(deploy, deployable, "internal-lb-"+deploy.UUID, deployable.Ports)
	if err != nil {
		return "", err
	}
	docs = append(docs, lb)

	if deploy.Cname != "" {
		ext, err := s.externalName(deploy)
		if err != nil {
			return "", err
		}
		docs = append(docs, ext)
	}

	return strings.Join(docs, "\n---\n"), nil
}

func marshal(obj interface{}) (string, error) {
	b, err := yaml.Marshal(obj)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func selectorLabels(deployUUID string) map[string]string {
	return map[string]string{"name": deployUUID}
}

func (s *Synthesizer) pvc(deploy *v1.Deploy, disk v1.Disk) (string, error) {
	accessMode := corev1.ReadWriteOnce
	if disk.AccessMode != "" {
		accessMode = corev1.PersistentVolumeAccessMode(disk.AccessMode)
	}
	size := disk.Size
	if size == "" {
		size = "1Gi"
	}
	qty, err := resource.ParseQuantity(size)
	if err != nil {
		return "", err
	}
	obj := &corev1.PersistentVolumeClaim{
		TypeMeta:   metav1.TypeMeta{APIVersion: "v1", Kind: "PersistentVolumeClaim"},
		ObjectMeta: metav1.ObjectMeta{Name: deploy.UUID + "-" + disk.Name},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{accessMode},
			Resources: corev1.ResourceRequirements{
				Requests: corev1.ResourceList{
					corev1.ResourceStorage: qty,
				},
			},
		},
	}
	return marshal(obj)
}

func (s *Synthesizer) deployment(build *v1.Build, deploy *v1.Deploy, deployable *v1.Deployable) (string, error) {
	recreate := false
	for _, disk := range deployable.Disks {
		if disk.Medium == v1.DiskMediumDisk || disk.Medium == v1.DiskMediumEBS {
			recreate = true
		}
	}

	strategy := appsv1.DeploymentStrategy{Type: appsv1.RollingUpdateDeploymentStrategyType,
		RollingUpdate: &appsv1.RollingUpdateDeployment{
			MaxUnavailable: intstrPtr(intstr.FromString("0%")),
		},
	}
	if recreate {
		strategy = appsv1.DeploymentStrategy{Type: appsv1.RecreateDeploymentStrategyType}
	}

	replicaCount := deploy.ReplicaCount
	if replicaCount <= 0 {
		replicaCount = 1
	}
	replicas := int32(replicaCount)
	labels := selectorLabels(deploy.UUID)
	podLabels := map[string]string{"name": deploy.UUID, "deploy_uuid": deploy.UUID}

	podSpec := corev1.PodSpec{
		Affinity:           buildAffinity(build.CapacityType, build.IsStatic),
		SecurityContext:    &corev1.PodSecurityContext{FSGroup: int64Ptr(2000)},
		EnableServiceLinks: boolPtr(false),
		Containers: []corev1.Container{
			s.mainContainer(build, deploy, deployable),
		},
	}
	if build.IsStatic {
		podSpec.Tolerations = append(podSpec.Tolerations, staticTolerations()...)
	}
	if deploy.InitDockerImage != "" {
		podSpec.InitContainers = []corev1.Container{s.initContainer(build, deploy, deployable)}
	}
	podSpec.Volumes = s.volumes(deploy, deployable)

	obj := &appsv1.Deployment{
		TypeMeta:   metav1.TypeMeta{APIVersion: "apps/v1", Kind: "Deployment"},
		ObjectMeta: metav1.ObjectMeta{Name: deploy.UUID},
		Spec: appsv1.DeploymentSpec{
			Replicas:             &replicas,
			RevisionHistoryLimit: int32Ptr(5),
			Selector:             &metav1.LabelSelector{MatchLabels: labels},
			Strategy:             strategy,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: podLabels},
				Spec:       podSpec,
			},
		},
	}
	return marshal(obj)
}

func (s *Synthesizer) mainContainer(build *v1.Build, deploy *v1.Deploy, deployable *v1.Deployable) corev1.Container {
	c := corev1.Container{
		Name:  "app",
		Image: deploy.DockerImage,
		Env:   buildMainEnv(deploy.Env, build.CommentRuntimeEnv, build.UUID),
	}
	for _, p := range deployable.Ports {
		c.Ports = append(c.Ports, corev1.ContainerPort{Name: p.Name, ContainerPort: int32(p.Port)})
	}
	c.VolumeMounts = s.volumeMounts(deployable)
	if deployable.Probes != nil {
		c.LivenessProbe = buildProbe(deployable.Probes.Liveness)
		c.ReadinessProbe = buildProbe(deployable.Probes.Readiness)
	}
	return c
}

func (s *Synthesizer) initContainer(build *v1.Build, deploy *v1.Deploy, deployable *v1.Deployable) corev1.Container {
	return corev1.Container{
		Name:         "init",
		Image:        deploy.InitDockerImage,
		Env:          buildInitEnv(deploy.InitEnv, build.CommentInitEnv),
		VolumeMounts: s.volumeMounts(deployable),
	}
}

func buildProbe(p *v1.Probe) *corev1.Probe {
	if p == nil {
		return nil
	}
	return &corev1.Probe{
		ProbeHandler: corev1.ProbeHandler{
			HTTPGet: &corev1.HTTPGetAction{
				Path: p.Path,
				Port: intstr.FromInt(p.Port),
			},
		},
		InitialDelaySeconds: int32(p.InitialDelaySeconds),
		PeriodSeconds:       int32(p.PeriodSeconds),
	}
}

func (s *Synthesizer) volumes(deploy *v1.Deploy, deployable *v1.Deployable) []corev1.Volume {
	vols := []corev1.Volume{
		{Name: "config", VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}}},
	}
	for _, disk := range deployable.Disks {
		vols = append(vols, corev1.Volume{
			Name: disk.Name,
			VolumeSource: corev1.VolumeSource{
				PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: deploy.UUID + "-" + disk.Name},
			},
		})
	}
	return vols
}

func (s *Synthesizer) volumeMounts(deployable *v1.Deployable) []corev1.VolumeMount {
	mounts := []corev1.VolumeMount{{Name: "config", MountPath: "/config"}}
	for _, disk := range deployable.Disks {
		path := disk.MountPath
		if path == "" {
			path = "/mnt/" + disk.Name
		}
		mounts = append(mounts, corev1.VolumeMount{Name: disk.Name, MountPath: path})
	}
	return mounts
}

func (s *Synthesizer) service(deploy *v1.Deploy, deployable *v1.Deployable, name string, ports []v1.Port) (string, error) {
	if name == "" {
		name = deploy.UUID
	}
	var svcPorts []corev1.ServicePort
	for _, p := range ports {
		svcPorts = append(svcPorts, corev1.ServicePort{
			Name:       p.Name,
			Port:       int32(p.Port),
			TargetPort: intstr.FromInt(p.Port),
		})
	}
	svcType := corev1.ServiceTypeNodePort
	if strings.HasPrefix(name, "internal-lb-") {
		svcType = corev1.ServiceTypeClusterIP
	}
	obj := &corev1.Service{
		TypeMeta:   metav1.TypeMeta{APIVersion: "v1", Kind: "Service"},
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Spec: corev1.ServiceSpec{
			Type:     svcType,
			Selector: selectorLabels(deploy.UUID),
			Ports:    svcPorts,
		},
	}
	return marshal(obj)
}

func (s *Synthesizer) externalName(deploy *v1.Deploy) (string, error) {
	obj := &corev1.Service{
		TypeMeta:   metav1.TypeMeta{APIVersion: "v1", Kind: "Service"},
		ObjectMeta: metav1.ObjectMeta{Name: deploy.UUID + "-external"},
		Spec: corev1.ServiceSpec{
			Type:         corev1.ServiceTypeExternalName,
			ExternalName: deploy.Cname,
		},
	}
	return marshal(obj)
}

// ambassadorMapping emits an Ambassador Mapping, a CRD this module
// doesn't vendor, as unstructured — the same pattern the teacher uses
// in pkg/addon for resources it composes but does not own.
func (s *Synthesizer) ambassadorMapping(deploy *v1.Deploy, deployable *v1.Deployable) (string, error) {
	port := 0
	if len(deployable.Ports) > 0 {
		port = deployable.Ports[0].Port
	}
	obj := &unstructured.Unstructured{
		Object: map[string]interface{}{
			"apiVersion": "getambassador.io/v3alpha1",
			"kind":       "Mapping",
			"metadata": map[string]interface{}{
				"name": deploy.UUID + "-grpc",
			},
			"spec": map[string]interface{}{
				"hostname":   deploy.UUID + "." + deployable.GRPCHost + ":443",
				"service":    deploy.UUID + ":" + strconv.Itoa(port),
				"timeout_ms": 20000,
				"grpc":       true,
			},
		},
	}
	return marshal(obj.Object)
}

func intstrPtr(v intstr.IntOrString) *intstr.IntOrString { return &v }
func int32Ptr(v int32) *int32                            { return &v }
func int64Ptr(v int64) *int64                            { return &v }
func boolPtr(v bool) *bool                               { return &v }
