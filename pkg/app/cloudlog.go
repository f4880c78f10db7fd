// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package app

import (
	"context"
	"fmt"

	"cloud.google.com/go/logging"
)

// CloudLogger mirrors Errorf/Fatalf's printf-style surface but writes
// structured entries to Cloud Logging instead of the default logger, for
// deployments where GCPProject is configured. It is optional: every
// cmd/ entrypoint falls back to the plain log-based Errorf when no
// project is configured.
type CloudLogger struct {
	client *logging.Client
	logger *logging.Logger
}

// NewCloudLogger opens a Cloud Logging client scoped to projectID and a
// logger named logID (conventionally the binary name, e.g. "scheduler").
func NewCloudLogger(ctx context.Context, projectID, logID string) (*CloudLogger, error) {
	client, err := logging.NewClient(ctx, fmt.Sprintf("projects/%s", projectID))
	if err != nil {
		return nil, fmt.Errorf("app: new cloud logging client: %w", err)
	}
	return &CloudLogger{client: client, logger: client.Logger(logID)}, nil
}

// Errorf logs a formatted error-severity entry.
func (c *CloudLogger) Errorf(format string, args ...any) {
	c.logger.Log(logging.Entry{Severity: logging.Error, Payload: fmt.Sprintf(format, args...)})
}

// Infof logs a formatted info-severity entry.
func (c *CloudLogger) Infof(format string, args ...any) {
	c.logger.Log(logging.Entry{Severity: logging.Info, Payload: fmt.Sprintf(format, args...)})
}

// Close flushes buffered entries and closes the underlying client.
func (c *CloudLogger) Close() error {
	return c.client.Close()
}
