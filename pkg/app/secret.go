// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package app holds the ambient stack shared by every cmd/ entrypoint:
// configuration, secrets, and logging helpers.
package app

import (
	"context"
	"fmt"
	"sync"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
)

// SecretKey names a secret this system resolves at startup.
type SecretKey string

const (
	SecretRedisPassword       SecretKey = "redis_password"
	SecretCompetitionClientID SecretKey = "competition_client_id"
	SecretCompetitionToken    SecretKey = "competition_api_token"
	SecretSpannerDSN          SecretKey = "spanner_dsn"
	SecretGenAIAPIKey         SecretKey = "generative_ai_api_key"
)

// SecretManager resolves a SecretKey to its current value.
type SecretManager interface {
	Get(context.Context, SecretKey) (string, error)
}

// GCPSecretManager lazily queries and caches secret values from Secret
// Manager, adapted directly from syz-cluster/pkg/app's GCPSecretManager.
// TODO: should we be refreshing the values once in a while?
type GCPSecretManager struct {
	client      *secretmanager.Client
	projectName string
	values      sync.Map
}

type secretRecord struct {
	mu     sync.Mutex
	val    string
	loaded bool
}

// NewGCPSecretManager connects to Secret Manager for projectName.
func NewGCPSecretManager(ctx context.Context, projectName string) (*GCPSecretManager, error) {
	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return &GCPSecretManager{client: client, projectName: projectName}, nil
}

func (sm *GCPSecretManager) Get(ctx context.Context, key SecretKey) (string, error) {
	recordObj, _ := sm.values.LoadOrStore(key, &secretRecord{})
	record := recordObj.(*secretRecord)
	record.mu.Lock()
	defer record.mu.Unlock()

	if record.loaded {
		return record.val, nil
	}

	result, err := sm.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: fmt.Sprintf("projects/%s/secrets/%s/versions/latest", sm.projectName, key),
	})
	if err != nil {
		return "", err
	}
	record.val = string(result.Payload.Data)
	record.loaded = true
	return record.val, nil
}

// StaticSecretManager is a local/dev SecretManager backed by a plain map,
// typically populated from environment variables.
type StaticSecretManager map[SecretKey]string

func (s StaticSecretManager) Get(_ context.Context, key SecretKey) (string, error) {
	v, ok := s[key]
	if !ok {
		return "", fmt.Errorf("app: secret %s not configured", key)
	}
	return v, nil
}
