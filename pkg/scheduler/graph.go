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

// Package scheduler partitions a Build's Deploys into dependency-ordered
// waves and executes them wave by wave, fanning each wave's Deploys out
// to goroutines bounded by an optional concurrency cap.
package scheduler

import (
	v1 "github.com/goodrx/lifecycle-core/apis/core/v1"
	"github.com/goodrx/lifecycle-core/pkg/log"
)

// BuildWaves partitions deploys into dependency-ordered waves using
// Kahn's algorithm, re-architected as a pure function over its inputs
// (spec.md's redesign flag): it never mutates the Deployable structs it
// reads DeploymentDependsOn from. A dependency naming a deployable
// outside the build, or a deployable naming itself, is dropped with one
// warning each and recorded in the returned dropped slice. Any deploy
// left in a cycle after dropping is excluded entirely and returned as
// unplaced, rather than partially ordering a graph that cannot be fully
// resolved.
func BuildWaves(deploys []*v1.Deploy, maxConcurrency int) ([]v1.Wave, []*v1.Deploy, []v1.DroppedDependency) {
	byName := make(map[string]*v1.Deploy, len(deploys))
	for _, d := range deploys {
		if d.Deployable != nil {
			byName[d.Deployable.Name] = d
		}
	}

	var dropped []v1.DroppedDependency
	deps := make(map[string][]string, len(deploys))
	indegree := make(map[string]int, len(deploys))
	dependents := make(map[string][]string, len(deploys))

	for name, d := range byName {
		indegree[name] = 0
		var kept []string
		for _, target := range d.Deployable.DeploymentDependsOn {
			if target == name {
				dropped = append(dropped, v1.DroppedDependency{Deploy: name, Target: target, Reason: "self-dependency"})
				droppedDependencies.WithLabelValues("self-dependency").Inc()
				log.With("deploy", name).Warnw("dropping self-dependency")
				continue
			}
			if _, ok := byName[target]; !ok {
				dropped = append(dropped, v1.DroppedDependency{Deploy: name, Target: target, Reason: "target not in build"})
				droppedDependencies.WithLabelValues("target-not-in-build").Inc()
				log.With("deploy", name, "target", target).Warnw("dropping dependency on deployable outside build")
				continue
			}
			kept = append(kept, target)
		}
		deps[name] = kept
	}
	for name, targets := range deps {
		for _, target := range targets {
			indegree[name]++
			dependents[target] = append(dependents[target], name)
		}
	}

	var waves []v1.Wave
	remaining := make(map[string]int, len(indegree))
	for k, v := range indegree {
		remaining[k] = v
	}

	level := 0
	placed := make(map[string]bool, len(byName))
	for len(placed) < len(byName) {
		var ready []string
		for name := range byName {
			if placed[name] {
				continue
			}
			if remaining[name] == 0 {
				ready = append(ready, name)
			}
		}
		if len(ready) == 0 {
			break
		}

		wave := v1.Wave{Level: level}
		for _, name := range ready {
			wave.Deploys = append(wave.Deploys, byName[name])
			placed[name] = true
		}
		waves = append(waves, wave)

		for _, name := range ready {
			for _, dependent := range dependents[name] {
				remaining[dependent]--
			}
		}
		level++
	}

	var unplaced []*v1.Deploy
	if len(placed) < len(byName) {
		for name, d := range byName {
			if !placed[name] {
				unplaced = append(unplaced, d)
				log.With("deploy", name).Warnw("excluded from plan: part of an unresolved dependency cycle")
			}
		}
	}

	if maxConcurrency > 0 {
		waves = capWaveConcurrency(waves, maxConcurrency)
	}

	return waves, unplaced, dropped
}

// capWaveConcurrency splits any wave wider than maxConcurrency into
// consecutive sub-waves at the same level, so the scheduler's
// per-wave fan-out never exceeds the configured cap even though these
// deploys have no dependency ordering between them.
func capWaveConcurrency(waves []v1.Wave, maxConcurrency int) []v1.Wave {
	var out []v1.Wave
	for _, w := range waves {
		if len(w.Deploys) <= maxConcurrency {
			out = append(out, w)
			continue
		}
		for i := 0; i < len(w.Deploys); i += maxConcurrency {
			end := i + maxConcurrency
			if end > len(w.Deploys) {
				end = len(w.Deploys)
			}
			out = append(out, v1.Wave{Level: w.Level, Deploys: w.Deploys[i:end]})
		}
	}
	return out
}
