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

// Command lifecycle-deploy wires the scheduler, executors, and their
// collaborators together against a cluster, the way cmd/core/main.go
// bootstraps the teacher's controller manager, and runs one
// DeploymentManager.Run. It loads no Deploys: the run is for a Build
// whose UUID is Config.DefaultUUID, with an empty Deploy list.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/klog/v2"
	"sigs.k8s.io/controller-runtime/pkg/client"

	v1 "github.com/goodrx/lifecycle-core/apis/core/v1"
	"github.com/goodrx/lifecycle-core/pkg/config"
	"github.com/goodrx/lifecycle-core/pkg/executor"
	"github.com/goodrx/lifecycle-core/pkg/kube"
	"github.com/goodrx/lifecycle-core/pkg/log"
	"github.com/goodrx/lifecycle-core/pkg/release"
	"github.com/goodrx/lifecycle-core/pkg/scheduler"
)

var (
	kubeconfigPath string
	namespace      string
	maxConcurrency int
	helmJobImage   string
	kubectlJobImage string
)

func main() {
	root := &cobra.Command{
		Use:   "lifecycle-deploy",
		Short: "Deploy a Build's dependency-ordered Deploys to a cluster",
		RunE:  run,
	}
	root.Flags().StringVar(&kubeconfigPath, "kubeconfig", "", "path to a kubeconfig file; empty uses in-cluster config")
	root.Flags().StringVar(&namespace, "namespace", "", "namespace the Build is deployed into (required)")
	root.Flags().IntVar(&maxConcurrency, "max-concurrency", 0, "maximum Deploys executed concurrently within one wave; 0 means unbounded")
	root.Flags().StringVar(&helmJobImage, "helm-job-image", "alpine/helm:3.10.3", "image the in-cluster helm upgrade --install job runs")
	root.Flags().StringVar(&kubectlJobImage, "kubectl-job-image", "bitnami/kubectl:1.25", "image the in-cluster kubectl apply job runs")
	_ = root.MarkFlagRequired("namespace")

	klogFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(klogFlags)
	root.Flags().AddGoFlagSet(klogFlags)
	_ = pflag.CommandLine

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	zapLogger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	log.SetLogger(zapLogger.Sugar())

	restConfig, err := loadRestConfig(kubeconfigPath)
	if err != nil {
		return fmt.Errorf("load kube config: %w", err)
	}

	runtimeClient, err := client.New(restConfig, client.Options{})
	if err != nil {
		return fmt.Errorf("build controller-runtime client: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return fmt.Errorf("build clientset: %w", err)
	}
	kubeClient := kube.New(runtimeClient, clientset)

	cfg := config.Config{
		Helm: config.HelmDefaults{DefaultHelmVersion: "3.10.3"},
	}

	releases := release.New(kubeClient, release.NewActionConfigFactory(restConfig))
	helmExec := executor.NewHelmExecutor(cfg, kubeClient, releases, helmJobImage)
	rawExec := executor.NewRawManifestExecutor(cfg, kubeClient, kubectlJobImage)
	registry := executor.NewRegistry(helmExec, rawExec)

	patcher := v1.NewMemoryPatcher()
	manager := scheduler.NewDeploymentManager(registry, patcher, maxConcurrency)

	build := &v1.Build{UUID: cfg.DefaultUUID, Namespace: namespace}
	return manager.Run(cmd.Context(), build, nil)
}

func loadRestConfig(path string) (*rest.Config, error) {
	if path == "" {
		if cfg, err := rest.InClusterConfig(); err == nil {
			return cfg, nil
		}
	}
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if path != "" {
		rules.ExplicitPath = path
	}
	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, &clientcmd.ConfigOverrides{}).ClientConfig()
}

