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

	corev1 "k8s.io/api/core/v1"

	"github.com/goodrx/lifecycle-core/pkg/util"
)

// namespaceMarker is the fixed first entry of every main-container env
// map, per spec.md §4.6 step 1.
const namespaceMarker = "lifecycle"

// buildMainEnv builds the main-container env in this order:
//  1. {__NAMESPACE__: "lifecycle"}
//  2. merge Deploy.env
//  3. merge Build.commentRuntimeEnv (latest wins); both are flat string
//     maps, so nothing is flattened or dropped here
//  4. append fixed field-refs (POD_IP, DD_AGENT_HOST, and DD_* / LC_UUID
//     fallbacks)
func buildMainEnv(deployEnv, commentRuntimeEnv map[string]string, buildUUID string) []corev1.EnvVar {
	flat := map[string]string{"__NAMESPACE__": namespaceMarker}
	flat = util.MergeStringMaps(flat, deployEnv)
	flat = util.MergeStringMaps(flat, commentRuntimeEnv)

	vars := flatMapToEnvVars(flat)
	vars = append(vars, corev1.EnvVar{
		Name:      "POD_IP",
		ValueFrom: fieldRef("status.podIP"),
	})
	vars = append(vars, corev1.EnvVar{
		Name:      "DD_AGENT_HOST",
		ValueFrom: fieldRef("status.hostIP"),
	})
	vars = appendIfAbsent(vars, "DD_ENV", labelRef("tags.datadoghq.com/env"))
	vars = appendIfAbsent(vars, "DD_SERVICE", labelRef("tags.datadoghq.com/service"))
	vars = appendIfAbsent(vars, "DD_VERSION", labelRef("tags.datadoghq.com/version"))
	vars = append(vars, corev1.EnvVar{Name: "LC_UUID", Value: buildUUID})
	return vars
}

// buildInitEnv is the init-container equivalent: the same flat merge,
// no DD_*/LC_UUID fallback additions.
func buildInitEnv(initEnv, commentInitEnv map[string]string) []corev1.EnvVar {
	flat := util.MergeStringMaps(initEnv, commentInitEnv)
	return flatMapToEnvVars(flat)
}

func flatMapToEnvVars(flat map[string]string) []corev1.EnvVar {
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	vars := make([]corev1.EnvVar, 0, len(keys))
	for _, k := range keys {
		vars = append(vars, corev1.EnvVar{Name: k, Value: flat[k]})
	}
	return vars
}

func appendIfAbsent(vars []corev1.EnvVar, name string, src *corev1.EnvVarSource) []corev1.EnvVar {
	for _, v := range vars {
		if v.Name == name {
			return vars
		}
	}
	return append(vars, corev1.EnvVar{Name: name, ValueFrom: src})
}

func fieldRef(path string) *corev1.EnvVarSource {
	return &corev1.EnvVarSource{FieldRef: &corev1.ObjectFieldSelector{FieldPath: path}}
}

func labelRef(label string) *corev1.EnvVarSource {
	return &corev1.EnvVarSource{
		FieldRef: &corev1.ObjectFieldSelector{FieldPath: "metadata.labels['" + label + "']"},
	}
}
