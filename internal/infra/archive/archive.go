// Package archive provides long-term storage for finished batch files.
// Three drivers share one contract: local filesystem for development,
// in-memory for tests, and S3 for production retention.
package archive

import (
	"context"
	"fmt"
	"strings"
)

// Driver names accepted by Open.
const (
	DriverFilesystem = "fs"
	DriverMemory     = "memory"
	DriverS3         = "s3"
)

// Store archives raw batch payloads by key. Archiving the same key twice
// overwrites; the newest copy wins.
type Store interface {
	Archive(ctx context.Context, key string, data []byte) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// Options selects and configures a driver.
type Options struct {
	Driver string
	Root   string // filesystem root
	Bucket string // s3 bucket
	Region string // s3 region
}

// Open constructs the archive store named by opts.Driver. An empty driver
// yields nil: archiving is optional.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch strings.ToLower(opts.Driver) {
	case "":
		return nil, nil
	case DriverFilesystem:
		return NewFilesystem(opts.Root)
	case DriverMemory:
		return NewMemory(), nil
	case DriverS3:
		return NewS3(ctx, opts.Bucket, opts.Region)
	default:
		return nil, fmt.Errorf("unknown archive driver %q", opts.Driver)
	}
}

// sanitizeKey forbids traversal and absolute keys.
func sanitizeKey(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("empty archive key")
	}
	if strings.Contains(key, "..") || strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("invalid archive key %q", key)
	}
	return key, nil
}
