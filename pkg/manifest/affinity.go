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
	corev1 "k8s.io/api/core/v1"
)

const capacityTypeLabel = "eks.amazonaws.com/capacityType"
const spotCapacityType = "SPOT"
const staticAppLongLabel = "app-long"
const staticAppLongValue = "lifecycle-static-env"
const staticTolerationKey = "static_env"

// buildAffinity implements spec.md §4.6's affinity rule: SPOT capacity
// gets a preferred-weight match, anything else gets a required match
// on the configured capacity type, plus an extra required match for
// static builds.
func buildAffinity(capacityType string, static bool) *corev1.Affinity {
	nodeSelector := &corev1.NodeSelector{}

	if capacityType == spotCapacityType {
		return &corev1.Affinity{
			NodeAffinity: &corev1.NodeAffinity{
				PreferredDuringSchedulingIgnoredDuringExecution: []corev1.PreferredSchedulingTerm{
					{
						Weight: 1,
						Preference: corev1.NodeSelectorTerm{
							MatchExpressions: []corev1.NodeSelectorRequirement{
								matchIn(capacityTypeLabel, spotCapacityType),
							},
						},
					},
				},
			},
		}
	}

	term := corev1.NodeSelectorTerm{
		MatchExpressions: []corev1.NodeSelectorRequirement{
			matchIn(capacityTypeLabel, capacityType),
		},
	}
	if static {
		term.MatchExpressions = append(term.MatchExpressions, matchIn(staticAppLongLabel, staticAppLongValue))
	}
	nodeSelector.NodeSelectorTerms = []corev1.NodeSelectorTerm{term}

	return &corev1.Affinity{
		NodeAffinity: &corev1.NodeAffinity{
			RequiredDuringSchedulingIgnoredDuringExecution: nodeSelector,
		},
	}
}

func matchIn(key, value string) corev1.NodeSelectorRequirement {
	return corev1.NodeSelectorRequirement{
		Key:      key,
		Operator: corev1.NodeSelectorOpIn,
		Values:   []string{value},
	}
}

func staticTolerations() []corev1.Toleration {
	return []corev1.Toleration{
		{
			Key:      staticTolerationKey,
			Operator: corev1.TolerationOpExists,
			Effect:   corev1.TaintEffectNoSchedule,
		},
	}
}

func builderToleration() corev1.Toleration {
	return corev1.Toleration{
		Key:      "builder",
		Operator: corev1.TolerationOpEqual,
		Value:    "yes",
		Effect:   corev1.TaintEffectNoSchedule,
	}
}
