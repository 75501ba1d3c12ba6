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

// Package util holds small, dependency-free helpers shared by the deploy
// core's components: deep-merge for layered config precedence, and the
// naming/truncation rules for jobs and releases.
package util

import "github.com/imdario/mergo"

// MergeStringMaps merges overlay onto base, with overlay's keys winning
// on conflict. Neither input is mutated. pkg/manifest uses it for the
// "last writer wins per key" env merges (commentRuntimeEnv over
// Deploy.env, commentInitEnv over the init env); Helm values layering
// goes through MergeValues instead.
func MergeStringMaps(base, overlay map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

// MergeValues deep-merges overlay onto a copy of base using key-identity
// precedence (overlay wins per key, arrays are not concatenated). Used
// to combine a chart's global config block with a deployable's
// template-resolved values (spec.md §4.2, PUBLIC and LOCAL variants).
func MergeValues(base, overlay map[string]interface{}) (map[string]interface{}, error) {
	out := map[string]interface{}{}
	for k, v := range base {
		out[k] = v
	}
	if err := mergo.Merge(&out, overlay, mergo.WithOverride); err != nil {
		return nil, err
	}
	return out, nil
}
