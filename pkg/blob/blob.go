// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package blob archives scratch directories and corpus files to object
// storage (supplemented feature backing the scratch cleaner and corpus
// merger background tasks; see SPEC_FULL.md §4).
package blob

import (
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"github.com/ulikunitz/xz"
)

// Storage is the minimal archival contract the scheduler's background
// tasks need: write a local file up to object storage, compressed.
type Storage interface {
	WriteCompressed(ctx context.Context, objectPath string, r io.Reader) error
	Read(ctx context.Context, objectPath string) (io.ReadCloser, error)
}

// GCSStorage archives to a Google Cloud Storage bucket, xz-compressing
// every object on write.
type GCSStorage struct {
	client *storage.Client
	bucket string
}

// NewGCSStorage wraps an existing client bound to bucket.
func NewGCSStorage(client *storage.Client, bucket string) *GCSStorage {
	return &GCSStorage{client: client, bucket: bucket}
}

// WriteCompressed streams r through an xz encoder into objectPath.
func (s *GCSStorage) WriteCompressed(ctx context.Context, objectPath string, r io.Reader) error {
	w := s.client.Bucket(s.bucket).Object(objectPath).NewWriter(ctx)
	xw, err := xz.NewWriter(w)
	if err != nil {
		_ = w.Close()
		return fmt.Errorf("blob: new xz writer for %s: %w", objectPath, err)
	}
	if _, err := io.Copy(xw, r); err != nil {
		_ = xw.Close()
		_ = w.Close()
		return fmt.Errorf("blob: write %s: %w", objectPath, err)
	}
	if err := xw.Close(); err != nil {
		_ = w.Close()
		return fmt.Errorf("blob: close xz writer for %s: %w", objectPath, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("blob: close object writer for %s: %w", objectPath, err)
	}
	return nil
}

// Read opens objectPath for reading, transparently decompressing it.
func (s *GCSStorage) Read(ctx context.Context, objectPath string) (io.ReadCloser, error) {
	r, err := s.client.Bucket(s.bucket).Object(objectPath).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("blob: read %s: %w", objectPath, err)
	}
	xr, err := xz.NewReader(r)
	if err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("blob: new xz reader for %s: %w", objectPath, err)
	}
	return &decompressingReadCloser{xr: xr, underlying: r}, nil
}

type decompressingReadCloser struct {
	xr         *xz.Reader
	underlying io.ReadCloser
}

func (d *decompressingReadCloser) Read(p []byte) (int, error) { return d.xr.Read(p) }
func (d *decompressingReadCloser) Close() error               { return d.underlying.Close() }
