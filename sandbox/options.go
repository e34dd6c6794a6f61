package sandbox

import (
	"fmt"
	"io"
	"strings"
)

// Option configures the Runtime at creation time.
type Option func(*runtimeConfig)

type runtimeConfig struct {
	diskCache        bool
	cacheDir         string
	memoryLimitPages uint32 // Max memory pages (each page = 64KB), 0 = default (4GB)
	stdout           io.Writer
	stderr           io.Writer
}

func defaultRuntimeConfig() runtimeConfig {
	return runtimeConfig{}
}

// WithDiskCache enables a persistent compilation cache for faster startup.
// Optionally provide a custom directory; otherwise uses ~/.cache/lswasm or XDG_CACHE_HOME/lswasm.
//
// Examples:
//
//	sandbox.New(ctx, registry, sandbox.WithDiskCache())            // default dir
//	sandbox.New(ctx, registry, sandbox.WithDiskCache("/tmp/cache")) // custom dir
func WithDiskCache(dir ...string) Option {
	return func(c *runtimeConfig) {
		c.diskCache = true
		if len(dir) > 0 && dir[0] != "" {
			c.cacheDir = dir[0]
		}
	}
}

// WithMemoryLimit sets the maximum linear memory of each guest.
// Each page is 64KB. Examples:
//   - WithMemoryLimit(16) = 1MB max
//   - WithMemoryLimit(256) = 16MB max
//   - WithMemoryLimit(1024) = 64MB max
//
// Default is 0 (no limit, up to 4GB).
func WithMemoryLimit(pages uint32) Option {
	return func(c *runtimeConfig) {
		c.memoryLimitPages = pages
	}
}

// WithOutput routes the guests' WASI stdout and stderr. Nil discards.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(c *runtimeConfig) {
		c.stdout = stdout
		c.stderr = stderr
	}
}

// Memory limit constants for convenience.
const (
	MemoryLimit1MB   uint32 = 16    // 1 MB
	MemoryLimit16MB  uint32 = 256   // 16 MB
	MemoryLimit64MB  uint32 = 1024  // 64 MB
	MemoryLimit256MB uint32 = 4096  // 256 MB
	MemoryLimit1GB   uint32 = 16384 // 1 GB
)

// ParseMemoryLimit maps a size name to a page count. The empty string and
// "default" mean no limit.
func ParseMemoryLimit(s string) (uint32, error) {
	switch strings.ToLower(s) {
	case "", "default":
		return 0, nil
	case "1mb":
		return MemoryLimit1MB, nil
	case "16mb":
		return MemoryLimit16MB, nil
	case "64mb":
		return MemoryLimit64MB, nil
	case "256mb":
		return MemoryLimit256MB, nil
	case "1gb":
		return MemoryLimit1GB, nil
	default:
		return 0, fmt.Errorf("invalid memory limit %q (expected 1mb, 16mb, 64mb, 256mb, or 1gb)", s)
	}
}
