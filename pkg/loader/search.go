package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/windows/registry"
)

// searchPaths holds the client-library directories recorded during
// bootstrap plus the captured system root, and resolves an import name
// to a file on disk using a fixed search precedence.
type searchPaths struct {
	dirs       []string
	systemRoot string
}

func newSearchPaths() *searchPaths {
	return &searchPaths{}
}

// AddClientDir records a bootstrap client library's directory, in
// insertion order, for later transitive-dependency resolution.
func (s *searchPaths) AddClientDir(dir string) {
	for _, d := range s.dirs {
		if strings.EqualFold(d, dir) {
			return
		}
	}
	s.dirs = append(s.dirs, dir)
}

// systemRootRegistryPath is the key loader.c reads SystemRoot from.
const systemRootRegistryPath = `SOFTWARE\Microsoft\Windows NT\CurrentVersion`

// CaptureSystemRoot reads SystemRoot from the registry, falling back to
// the environment variable only if the registry lookup fails.
func (s *searchPaths) CaptureSystemRoot() error {
	k, err := registry.OpenKey(registry.LOCAL_MACHINE, systemRootRegistryPath, registry.QUERY_VALUE)
	if err == nil {
		defer k.Close()
		if v, _, err := k.GetStringValue("SystemRoot"); err == nil && v != "" {
			s.systemRoot = v
			return nil
		}
	}
	if v := os.Getenv("SystemRoot"); v != "" {
		s.systemRoot = v
		return nil
	}
	return fmt.Errorf("[loader] could not determine system root from registry or environment")
}

// Resolve locates name on disk trying, in order: each client-lib
// directory, {systemroot}/system32/{name}, {systemroot}/{name}.
func (s *searchPaths) Resolve(name string) (string, error) {
	for _, dir := range s.dirs {
		candidate := filepath.Join(dir, name)
		if fileExists(candidate) {
			return candidate, nil
		}
	}
	if s.systemRoot != "" {
		candidate := filepath.Join(s.systemRoot, "system32", name)
		if fileExists(candidate) {
			return candidate, nil
		}
		candidate = filepath.Join(s.systemRoot, name)
		if fileExists(candidate) {
			return candidate, nil
		}
	}
	return "", newErr(FileNotFound, name, fmt.Errorf("not found in any search path"))
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
