package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ishtarservices/TheWired-sub000/errors"
)

// Limits on what the loader accepts
const (
	maxConfigSize = 10 << 20 // bytes
	maxDepth      = 32
	maxEnvVarLen  = 10000
	maxPathLen    = 4096
)

var configExts = map[string]bool{".yaml": true, ".yml": true, ".json": true}

func invalidPath(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errors.ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// validateConfigPath accepts yaml and json files. Relative paths must stay
// under the working directory once cleaned; absolute paths may not climb
// with "..".
func validateConfigPath(path string) error {
	switch {
	case path == "":
		return invalidPath("empty config path")
	case len(path) > maxPathLen:
		return invalidPath("config path longer than %d bytes", maxPathLen)
	case !configExts[strings.ToLower(filepath.Ext(path))]:
		return invalidPath("config file %s is not yaml or json", path)
	}

	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return invalidPath("resolve %s: %v", path, err)
	}
	if filepath.IsAbs(path) {
		if strings.Contains(filepath.ToSlash(abs), "..") {
			return invalidPath("config path %s climbs out of its directory", path)
		}
		return nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return invalidPath("resolve working directory: %v", err)
	}
	if rel, err := filepath.Rel(cwd, abs); err != nil || strings.HasPrefix(rel, "..") {
		return invalidPath("config path %s resolves outside the working directory", path)
	}
	return nil
}

// safeReadFile reads a regular config file no larger than maxConfigSize.
// Symlinks are followed so mounted config maps work.
func safeReadFile(path string) ([]byte, error) {
	if err := validateConfigPath(path); err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, invalidPath("%s is not a regular file", path)
	}
	if info.Size() > maxConfigSize {
		return nil, invalidPath("%s is %d bytes, limit %d", path, info.Size(), maxConfigSize)
	}
	return os.ReadFile(path)
}

// safeWriteFile writes owner-only, since config may carry broker tokens
func safeWriteFile(path string, data []byte) error {
	if err := validateConfigPath(path); err != nil {
		return err
	}
	if len(data) > maxConfigSize {
		return invalidPath("rendered config is %d bytes, limit %d", len(data), maxConfigSize)
	}
	return os.WriteFile(path, data, 0600)
}

func validateEnvVar(key, value string) error {
	if len(value) > maxEnvVarLen {
		return invalidPath("%s is longer than %d bytes", key, maxEnvVarLen)
	}
	if strings.ContainsRune(value, 0) {
		return invalidPath("%s contains a NUL byte", key)
	}
	return nil
}

// validateDepth rejects decoded documents nested deeper than maxDepth
func validateDepth(v any, depth int) error {
	if depth > maxDepth {
		return invalidPath("config nesting deeper than %d", maxDepth)
	}
	switch t := v.(type) {
	case map[string]any:
		for _, child := range t {
			if err := validateDepth(child, depth+1); err != nil {
				return err
			}
		}
	case []any:
		for _, child := range t {
			if err := validateDepth(child, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}
