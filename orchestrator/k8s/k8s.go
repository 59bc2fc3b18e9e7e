// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package k8s scales a Kubernetes Deployment whose name is the service name.
//
// Example:
//
//	client, err := k8s.NewClient("")
//	backend := k8s.New(client, "workers")
//	driver := orchestrator.NewLastKnown(backend, 1, 30*time.Second, logger)
package k8s

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/absmach/qscale/orchestrator"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/retry"
)

var _ orchestrator.Backend = (*Backend)(nil)

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) {
		if l != nil {
			b.logger = l
		}
	}
}

// Backend reads and writes Deployment replica counts in one namespace.
type Backend struct {
	client    kubernetes.Interface
	namespace string
	logger    *slog.Logger
}

// New creates a Backend for namespace.
func New(client kubernetes.Interface, namespace string, opts ...Option) *Backend {
	b := &Backend{
		client:    client,
		namespace: namespace,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// NewClient builds a clientset from kubeconfig, or from the in-cluster
// service account when kubeconfig is empty.
func NewClient(kubeconfig string) (kubernetes.Interface, error) {
	var (
		cfg *rest.Config
		err error
	)
	if kubeconfig == "" {
		cfg, err = rest.InClusterConfig()
	} else {
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if err != nil {
		return nil, fmt.Errorf("k8s: load client config: %w", err)
	}

	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("k8s: create clientset: %w", err)
	}
	return client, nil
}

// Replicas returns the number of pods the Deployment controller reports as
// running for service.
func (b *Backend) Replicas(ctx context.Context, service string) (int, error) {
	d, err := b.client.AppsV1().Deployments(b.namespace).Get(ctx, service, metav1.GetOptions{})
	if err != nil {
		return 0, fmt.Errorf("k8s: get deployment %q: %w", service, err)
	}
	return int(d.Status.Replicas), nil
}

// Scale sets the desired replica count of the service's Deployment,
// retrying on update conflicts.
func (b *Backend) Scale(ctx context.Context, service string, count int) error {
	replicas := int32(count)

	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		d, err := b.client.AppsV1().Deployments(b.namespace).Get(ctx, service, metav1.GetOptions{})
		if err != nil {
			return err
		}
		if d.Spec.Replicas != nil && *d.Spec.Replicas == replicas {
			return nil
		}
		d.Spec.Replicas = &replicas
		_, err = b.client.AppsV1().Deployments(b.namespace).Update(ctx, d, metav1.UpdateOptions{})
		return err
	})
	if err != nil {
		return fmt.Errorf("k8s: scale deployment %q: %w", service, err)
	}

	b.logger.Info("scaled deployment",
		slog.String("namespace", b.namespace),
		slog.String("deployment", service),
		slog.Int("replicas", count))
	return nil
}
