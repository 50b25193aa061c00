/*
Copyright 2025.

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

// Package testutil provides test helpers for controller tests, most notably
// a client wrapper that injects failures into individual API operations so
// error paths can be exercised against the controller-runtime fake client.
package testutil

import (
	"context"
	"errors"

	"sigs.k8s.io/controller-runtime/pkg/client"
)

// Sentinel errors for failure injection.
var (
	// ErrInjected is a generic injected failure.
	ErrInjected = errors.New("injected failure")

	// ErrNetworkTimeout simulates an API server timeout.
	ErrNetworkTimeout = errors.New("injected network timeout")

	// ErrPermissionError simulates an RBAC denial.
	ErrPermissionError = errors.New("injected permission error")
)

// FailureConfig describes which operations should fail. A nil hook means the
// operation always passes through to the underlying client.
type FailureConfig struct {
	OnGet          func(key client.ObjectKey) error
	OnList         func(list client.ObjectList) error
	OnCreate       func(obj client.Object) error
	OnUpdate       func(obj client.Object) error
	OnDelete       func(obj client.Object) error
	OnStatusUpdate func(obj client.Object) error
}

// FailOnKeyName returns a Get hook that fails only for objects with the
// given name.
func FailOnKeyName(name string, err error) func(client.ObjectKey) error {
	return func(key client.ObjectKey) error {
		if key.Name == name {
			return err
		}
		return nil
	}
}

// FailOnNamespacedKeyName returns a Get hook that fails only when both the
// key name and namespace match.
func FailOnNamespacedKeyName(name, namespace string, err error) func(client.ObjectKey) error {
	return func(key client.ObjectKey) error {
		if key.Name == name && key.Namespace == namespace {
			return err
		}
		return nil
	}
}

// FailKeyAfterNCalls returns a Get hook that fails after n successful calls.
func FailKeyAfterNCalls(n int, err error) func(client.ObjectKey) error {
	count := 0
	return func(client.ObjectKey) error {
		count++
		if count > n {
			return err
		}
		return nil
	}
}

// FailOnObjectName returns a mutation hook that fails only for objects with
// the given name.
func FailOnObjectName(name string, err error) func(client.Object) error {
	return func(obj client.Object) error {
		if obj.GetName() == name {
			return err
		}
		return nil
	}
}

// fakeClientWithFailures wraps a client and consults the FailureConfig
// before delegating each call.
type fakeClientWithFailures struct {
	client.Client
	config *FailureConfig
}

// NewFakeClientWithFailures wraps base so that operations matched by config
// return the configured error instead of reaching the underlying client.
func NewFakeClientWithFailures(base client.Client, config *FailureConfig) client.Client {
	if config == nil {
		return base
	}
	return &fakeClientWithFailures{Client: base, config: config}
}

func (c *fakeClientWithFailures) Get(ctx context.Context, key client.ObjectKey, obj client.Object, opts ...client.GetOption) error {
	if c.config.OnGet != nil {
		if err := c.config.OnGet(key); err != nil {
			return err
		}
	}
	return c.Client.Get(ctx, key, obj, opts...)
}

func (c *fakeClientWithFailures) List(ctx context.Context, list client.ObjectList, opts ...client.ListOption) error {
	if c.config.OnList != nil {
		if err := c.config.OnList(list); err != nil {
			return err
		}
	}
	return c.Client.List(ctx, list, opts...)
}

func (c *fakeClientWithFailures) Create(ctx context.Context, obj client.Object, opts ...client.CreateOption) error {
	if c.config.OnCreate != nil {
		if err := c.config.OnCreate(obj); err != nil {
			return err
		}
	}
	return c.Client.Create(ctx, obj, opts...)
}

func (c *fakeClientWithFailures) Update(ctx context.Context, obj client.Object, opts ...client.UpdateOption) error {
	if c.config.OnUpdate != nil {
		if err := c.config.OnUpdate(obj); err != nil {
			return err
		}
	}
	return c.Client.Update(ctx, obj, opts...)
}

func (c *fakeClientWithFailures) Delete(ctx context.Context, obj client.Object, opts ...client.DeleteOption) error {
	if c.config.OnDelete != nil {
		if err := c.config.OnDelete(obj); err != nil {
			return err
		}
	}
	return c.Client.Delete(ctx, obj, opts...)
}

func (c *fakeClientWithFailures) Status() client.SubResourceWriter {
	return &fakeStatusWriter{
		SubResourceWriter: c.Client.Status(),
		config:            c.config,
	}
}

type fakeStatusWriter struct {
	client.SubResourceWriter
	config *FailureConfig
}

func (w *fakeStatusWriter) Update(ctx context.Context, obj client.Object, opts ...client.SubResourceUpdateOption) error {
	if w.config.OnStatusUpdate != nil {
		if err := w.config.OnStatusUpdate(obj); err != nil {
			return err
		}
	}
	return w.SubResourceWriter.Update(ctx, obj, opts...)
}
