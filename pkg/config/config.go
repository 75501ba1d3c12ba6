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

// Package config holds the resolved global configuration the deploy
// core receives from its caller: ingress/domain defaults, Helm
// defaults, per-chart overrides, and the label sets operators depend
// on. None of it is read from disk by this module — the YAML ingestion
// layer (out of scope, spec.md §1) resolves it upstream.
package config

// Config is the global configuration passed into the scheduler and its
// executors, matching the fields spec.md §6 lists as consumed from
// collaborators.
type Config struct {
	// IngressClassName is the ingress class name. No package of this
	// module reads it; the Ingress banner patch does not use it.
	IngressClassName string
	// IngressBannerSnippet is the nginx configuration-snippet merged onto
	// a Deploy's Ingress after a successful Helm deploy (spec.md §4.2
	// step 8). Empty means the step is skipped.
	IngressBannerSnippet string
	// DefaultUUID is the Build UUID cmd/lifecycle-deploy runs with.
	DefaultUUID string
	// HTTPDomain and GRPCDomain build a Deploy's public hostnames.
	HTTPDomain string
	GRPCDomain string
	// ECRRegistry prefixes docker images resolved from short names.
	ECRRegistry string
	// DefaultCapacityType is the capacity-type default. No package of this
	// module reads it: affinity uses Build.CapacityType as given, with no
	// fallback.
	DefaultCapacityType string

	Helm HelmDefaults

	// ChartOverrides is keyed by chart name.
	ChartOverrides map[string]ChartOverride

	ServiceAccountName string
	ServiceAccountIAMRole string

	// OrgChartName is the distinguished public chart name used for
	// first-party services (spec.md §4.2, ORG_CHART variant).
	OrgChartName string
	// PublicChartBlockList names public charts that may never be used
	// even when requested by a Deployable.
	PublicChartBlockList []string

	Labels LabelSets
}

// HelmDefaults holds the helmDefaults/nativeHelm config block.
type HelmDefaults struct {
	DefaultArgs        []string
	DefaultHelmVersion string
}

// ChartOverride is the per-chart global config block merged under
// PUBLIC/LOCAL chart values (spec.md §4.2).
type ChartOverride struct {
	Values          map[string]interface{}
	Tolerations     []map[string]interface{}
	NodeSelector    map[string]string
	StaticTolerations  []map[string]interface{}
	StaticNodeSelector map[string]string
}

// LabelSets holds the named label sets operators depend on downstream.
type LabelSets struct {
	Deploy  map[string]string
	Disabled map[string]string
	StatusComments map[string]string
}

// ChartOverrideFor returns the override for chartName, or the zero value
// if none is configured.
func (c Config) ChartOverrideFor(chartName string) ChartOverride {
	if c.ChartOverrides == nil {
		return ChartOverride{}
	}
	return c.ChartOverrides[chartName]
}

// IsPublicChartBlocked reports whether chartName is on the block list.
func (c Config) IsPublicChartBlocked(chartName string) bool {
	for _, n := range c.PublicChartBlockList {
		if n == chartName {
			return true
		}
	}
	return false
}

// ResolveHelmVersion resolves a Helm version from either the
// deployable's explicit version or the global default, returning an
// error if neither is set (spec.md §4.2 step 1).
func (c Config) ResolveHelmVersion(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if c.Helm.DefaultHelmVersion != "" {
		return c.Helm.DefaultHelmVersion, nil
	}
	return "", errNoHelmVersion
}

var errNoHelmVersion = configError("no Helm version resolvable from deployable or global default")

type configError string

func (e configError) Error() string { return string(e) }
