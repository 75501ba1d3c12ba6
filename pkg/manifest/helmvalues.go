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

package manifest

import (
	"sort"
	"strings"

	"github.com/pkg/errors"

	v1 "github.com/goodrx/lifecycle-core/apis/core/v1"
	"github.com/goodrx/lifecycle-core/pkg/config"
	"github.com/goodrx/lifecycle-core/pkg/util"
)

// HelmValues builds the custom-values map the Helm DeployExecutor passes
// to the in-cluster `helm upgrade --install` job, per spec.md §4.2's
// three chart-variant rules. The chart's Config.ChartOverrides values are
// then deep-merged over the computed values with mergo (the override
// wins per key, as pkg/util.MergeValues documents), and Helm.CustomValues
// are set on top of the result.
func HelmValues(cfg config.Config, build *v1.Build, deploy *v1.Deploy, deployable *v1.Deployable) (map[string]interface{}, error) {
	helm := deployable.Helm
	if helm == nil {
		return nil, errors.New("deployable has no Helm configuration")
	}

	values := map[string]interface{}{
		"image": map[string]interface{}{
			"repository": imageRepository(deploy.DockerImage),
			"tag":        imageTag(deploy.DockerImage),
		},
		"replicaCount": defaultReplicas(deploy.ReplicaCount),
		"env":          flattenEnvForValues(deploy.Env, build.CommentRuntimeEnv),
		"affinity":     runtimeAffinityMap(build.CapacityType, build.IsStatic),
	}

	switch helm.Variant {
	case v1.ChartVariantOrg:
		values = applyOrgChartDefaults(cfg, values)
	case v1.ChartVariantPublic:
		if cfg.IsPublicChartBlocked(helm.ChartName) {
			return nil, errors.Errorf("chart %q is blocked for public use", helm.ChartName)
		}
	case v1.ChartVariantLocal:
		values = applyEnvMapping(values, deploy.Env, deployable.EnvMapping)
	default:
		return nil, errors.Errorf("unknown chart variant %q", helm.Variant)
	}

	override := cfg.ChartOverrideFor(helm.ChartName)
	merged, err := util.MergeValues(values, override.Values)
	if err != nil {
		return nil, errors.Wrap(err, "merge chart overrides")
	}

	for k, v := range helm.CustomValues {
		setCustomValue(merged, k, v)
	}

	return merged, nil
}

func applyOrgChartDefaults(cfg config.Config, values map[string]interface{}) map[string]interface{} {
	values["serviceAccount"] = map[string]interface{}{
		"name": cfg.ServiceAccountName,
	}
	if cfg.ECRRegistry != "" {
		if img, ok := values["image"].(map[string]interface{}); ok {
			img["registry"] = cfg.ECRRegistry
		}
	}
	return values
}

// applyEnvMapping transforms every Deploy.env entry into the shape a
// declared envMapping entry names (spec.md §4.2's LOCAL-chart rule):
// "array" emits a list of {name, value} pairs at m.Path, "map" emits an
// object at m.Path keyed by the env var's name with every underscore
// doubled (spec.md §8 scenario 3: CLIENT_HOST -> CLIENT__HOST).
func applyEnvMapping(values map[string]interface{}, env map[string]string, mapping map[string]v1.EnvMapping) map[string]interface{} {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, m := range mapping {
		switch m.Format {
		case v1.EnvMappingArray:
			arr := make([]interface{}, 0, len(keys))
			for _, k := range keys {
				arr = append(arr, map[string]interface{}{"name": k, "value": env[k]})
			}
			setPathValue(values, m.Path, arr)
		case v1.EnvMappingMap:
			obj := make(map[string]interface{}, len(keys))
			for _, k := range keys {
				obj[util.DoubleUnderscores(k)] = env[k]
			}
			setPathValue(values, m.Path, obj)
		}
	}
	return values
}

// setCustomValue sets a dotted Helm --set-style path in values,
// escaping literal "/" and doubling "_" in each path segment the way
// `helm --set` requires, per spec.md §4.2.
func setCustomValue(values map[string]interface{}, path, raw string) {
	segments := strings.Split(path, ".")
	for i, seg := range segments {
		segments[i] = util.DoubleUnderscores(util.EscapeHelmSetValue(seg))
	}
	setPathValue(values, strings.Join(segments, "."), raw)
}

func setPathValue(values map[string]interface{}, path string, raw interface{}) {
	segments := strings.Split(path, ".")
	cur := values
	for i, seg := range segments {
		if i == len(segments)-1 {
			cur[seg] = raw
			return
		}
		next, ok := cur[seg].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			cur[seg] = next
		}
		cur = next
	}
}

func imageRepository(image string) string {
	if idx := strings.LastIndex(image, ":"); idx > strings.LastIndex(image, "/") {
		return image[:idx]
	}
	return image
}

func imageTag(image string) string {
	if idx := strings.LastIndex(image, ":"); idx > strings.LastIndex(image, "/") {
		return image[idx+1:]
	}
	return "latest"
}

func defaultReplicas(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

func flattenEnvForValues(deployEnv, commentRuntimeEnv map[string]string) map[string]string {
	return util.MergeStringMaps(deployEnv, commentRuntimeEnv)
}

// runtimeAffinityMap mirrors buildAffinity's rules as a plain map,
// since Helm values are untyped unlike the raw-manifest path's typed
// corev1.Affinity.
func runtimeAffinityMap(capacityType string, static bool) map[string]interface{} {
	if capacityType == spotCapacityType {
		return map[string]interface{}{
			"nodeAffinity": map[string]interface{}{
				"preferredDuringSchedulingIgnoredDuringExecution": []interface{}{
					map[string]interface{}{
						"weight": 1,
						"preference": map[string]interface{}{
							"matchExpressions": []interface{}{
								matchInMap(capacityTypeLabel, spotCapacityType),
							},
						},
					},
				},
			},
		}
	}

	exprs := []interface{}{matchInMap(capacityTypeLabel, capacityType)}
	if static {
		exprs = append(exprs, matchInMap(staticAppLongLabel, staticAppLongValue))
	}
	return map[string]interface{}{
		"nodeAffinity": map[string]interface{}{
			"requiredDuringSchedulingIgnoredDuringExecution": map[string]interface{}{
				"nodeSelectorTerms": []interface{}{
					map[string]interface{}{"matchExpressions": exprs},
				},
			},
		},
	}
}

func matchInMap(key, value string) map[string]interface{} {
	return map[string]interface{}{
		"key":      key,
		"operator": "In",
		"values":   []interface{}{value},
	}
}

// SortedValueKeys is a small helper tests use to assert deterministic
// custom-value ordering when dumping a values map back to YAML.
func SortedValueKeys(values map[string]interface{}) []string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
