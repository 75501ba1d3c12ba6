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

// Package v1 holds the domain types shared by every component of the
// deploy core: the Build/Deploy/Deployable hierarchy ingested from the
// external collaborators, and the small derived types (Wave, JobResult,
// ReleaseState) produced internally.
package v1

import "fmt"

// DeployableType is the kind of a Deployable, matching one of the seven
// types a Build can contain.
type DeployableType string

// The set of deployable types. HELM goes through the Helm executor;
// GITHUB, DOCKER, and CLI go through the raw-manifest executor; the rest
// are no-ops at the scheduler layer.
const (
	DeployableHelm         DeployableType = "HELM"
	DeployableGithub       DeployableType = "GITHUB"
	DeployableDocker       DeployableType = "DOCKER"
	DeployableCLI          DeployableType = "CLI"
	DeployableExternalHTTP DeployableType = "EXTERNAL_HTTP"
	DeployableConfig       DeployableType = "CONFIGURATION"
	DeployableCodefresh    DeployableType = "CODEFRESH"
)

// IsRawManifestType reports whether t is deployed through the
// raw-manifest executor.
func (t DeployableType) IsRawManifestType() bool {
	switch t {
	case DeployableGithub, DeployableDocker, DeployableCLI:
		return true
	default:
		return false
	}
}

// DeployStatus is the lifecycle status of a Deploy.
type DeployStatus string

// Deploy status values.
const (
	DeployStatusQueued        DeployStatus = "QUEUED"
	DeployStatusDeploying     DeployStatus = "DEPLOYING"
	DeployStatusReady         DeployStatus = "READY"
	DeployStatusDeployFailed  DeployStatus = "DEPLOY_FAILED"
)

// ChartVariant distinguishes the three Helm chart flavors from spec §4.2.
type ChartVariant string

// Chart variants.
const (
	ChartVariantOrg    ChartVariant = "ORG_CHART"
	ChartVariantPublic ChartVariant = "PUBLIC"
	ChartVariantLocal  ChartVariant = "LOCAL"
)

// ScaleToZeroType is the kind of scale-to-zero configuration attached to
// a deployable.
type ScaleToZeroType string

// ScaleToZeroHTTP is the only scale-to-zero type the executor acts on.
const ScaleToZeroHTTP ScaleToZeroType = "http"

// DiskMedium is the storage medium of a Deployable's Disk.
type DiskMedium string

// Disk mediums. A Disk with an empty value still gets a
// PersistentVolumeClaim, but only DISK and EBS switch the Deployment to
// the Recreate strategy.
const (
	DiskMediumDisk DiskMedium = "DISK"
	DiskMediumEBS  DiskMedium = "EBS"
)

// EnvMappingFormat is how env vars are injected into a LOCAL chart's
// values when envMapping is declared.
type EnvMappingFormat string

// Env mapping formats.
const (
	EnvMappingArray EnvMappingFormat = "array"
	EnvMappingMap   EnvMappingFormat = "map"
)

// Build is one ephemeral environment instance, created at PR open and
// destroyed at PR close or TTL expiry.
type Build struct {
	UUID              string
	Namespace         string
	IsStatic          bool
	EnableFullYaml    bool
	CommentRuntimeEnv map[string]string
	CommentInitEnv    map[string]string
	CapacityType      string
	Status            string
}

// Deploy is one deployable unit within a Build.
type Deploy struct {
	UUID             string
	Status           DeployStatus
	StatusMessage    string
	DockerImage      string
	InitDockerImage  string
	Env              map[string]string
	InitEnv          map[string]string
	SHA              string
	BranchName       string
	Manifest         string
	ReplicaCount     int
	Active           bool
	KedaScaleToZero  *KedaScaleToZero
	RunUUID          string
	BuildOutput      string
	Cname            string

	Build      *Build
	Deployable *Deployable
}

// ReleaseName returns the Helm release name for this Deploy: its UUID,
// lowercased.
func (d *Deploy) ReleaseName() string {
	return lower(d.UUID)
}

func lower(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

// Deployable is the normalized, type-specific spec of a Deploy.
type Deployable struct {
	Name                string
	Type                DeployableType
	Helm                *HelmConfig
	ResourceRequests    ResourceSpec
	ResourceLimits      ResourceSpec
	Probes              *Probes
	Ports               []Port
	DeploymentDependsOn []string
	ServiceDisksYaml    string
	Disks               []Disk
	GRPC                bool
	GRPCHost            string
	EnvMapping          map[string]EnvMapping
}

// HelmConfig holds the Helm-specific fields of a Deployable.
type HelmConfig struct {
	ChartName    string
	ChartVersion string
	Variant      ChartVariant
	RepoURL      string
	ValueFiles   []string
	CustomValues map[string]string
	Args         []string
	ResourceType string
}

// KedaScaleToZero is a KEDA-style scale-to-zero configuration.
type KedaScaleToZero struct {
	Type       ScaleToZeroType
	MaxRetries int
}

// ResourceSpec is a CPU/memory resource quantity pair.
type ResourceSpec struct {
	CPU    string
	Memory string
}

// Probes holds the liveness/readiness probe configuration for a
// Deployable's main container.
type Probes struct {
	Liveness  *Probe
	Readiness *Probe
}

// Probe is a single HTTP probe definition.
type Probe struct {
	Path                string
	Port                int
	InitialDelaySeconds int
	PeriodSeconds       int
}

// Port is a named, numbered container port.
type Port struct {
	Name string
	Port int
}

// Disk is a persistent disk attached to a Deployable.
type Disk struct {
	Name        string
	Medium      DiskMedium
	Size        string
	AccessMode  string
	MountPath   string
}

// EnvMapping describes how env vars are transformed into a LOCAL chart's
// custom values.
type EnvMapping struct {
	Format EnvMappingFormat
	Path   string
}

// Wave is a maximal set of Deploys with no unsatisfied dependencies,
// computed by the scheduler. Waves are transient: they are never
// persisted, only executed.
type Wave struct {
	Level   int
	Deploys []*Deploy
}

// JobStatus is the terminal classification of an in-cluster Job as
// observed by the JobMonitor.
type JobStatus string

// Job status values.
const (
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusSuperseded JobStatus = "superseded"
)

// JobResult is the terminal outcome of an in-cluster job, as reported by
// the JobMonitor.
type JobResult struct {
	Success bool
	Status  JobStatus
	Logs    string
}

// ReleaseStatus is the observed status of a Helm release.
type ReleaseStatus string

// Release status values.
const (
	ReleaseStatusDeployed        ReleaseStatus = "deployed"
	ReleaseStatusPendingInstall  ReleaseStatus = "pending-install"
	ReleaseStatusPendingUpgrade  ReleaseStatus = "pending-upgrade"
	ReleaseStatusPendingRollback ReleaseStatus = "pending-rollback"
	ReleaseStatusFailed          ReleaseStatus = "failed"
	ReleaseStatusUnknown         ReleaseStatus = "unknown"
	ReleaseStatusAbsent          ReleaseStatus = "absent"
)

// IsPending reports whether s is one of the three pending-* states that
// ReleaseReconciler must uninstall before a fresh install can proceed.
func (s ReleaseStatus) IsPending() bool {
	switch s {
	case ReleaseStatusPendingInstall, ReleaseStatusPendingUpgrade, ReleaseStatusPendingRollback:
		return true
	default:
		return false
	}
}

// ReleaseState is the observed state of a Helm release.
type ReleaseState struct {
	Status      ReleaseStatus
	Revision    int
	Description string
}

// DeployPatcher is the seam to the external persistence layer: the
// collaborator that owns the Build/Deploy database rows. The deploy
// core never talks to a database directly.
type DeployPatcher interface {
	PatchStatus(deployUUID string, status DeployStatus, message string) error
	PatchBuildOutput(deployUUID string, output string) error
}

// DroppedDependency records one dependency entry the scheduler excluded
// from the plan, either because it named a deployable outside the
// Build or because it was a self-dependency.
type DroppedDependency struct {
	Deploy string
	Target string
	Reason string
}

func (d DroppedDependency) String() string {
	return fmt.Sprintf("deploy %q: dropped dependency %q (%s)", d.Deploy, d.Target, d.Reason)
}
