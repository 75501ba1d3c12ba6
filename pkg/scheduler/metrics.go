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

package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	waveDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "lifecycle",
		Subsystem: "scheduler",
		Name:      "wave_duration_seconds",
		Help:      "Time spent executing one dependency wave of a Build's Deploys.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"build"})

	deployResult = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lifecycle",
		Subsystem: "scheduler",
		Name:      "deploy_result_total",
		Help:      "Count of Deploy outcomes by result.",
	}, []string{"result"})

	droppedDependencies = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lifecycle",
		Subsystem: "scheduler",
		Name:      "dropped_dependencies_total",
		Help:      "Count of dependency edges dropped while building a wave plan, by reason.",
	}, []string{"reason"})
)

func observeDeployResult(success bool) {
	if success {
		deployResult.WithLabelValues("success").Inc()
		return
	}
	deployResult.WithLabelValues("failure").Inc()
}
