package guestkit

import (
	"path/filepath"
	"strings"

	"github.com/apex/log"
)

// Host answers identity queries about the application the engine runs in.
type Host interface {
	BundlePath() string
	URLScheme() string
	// IsSharedApp reports whether guests live in the shared app group
	// container instead of the host's own data container.
	IsSharedApp() bool
	AppGroupPath() string
	// ImageListReplacements returns the functions that replace the
	// loader's image list queries, keyed by C function name such as
	// "_dyld_image_count". It returns nil when the host has none.
	ImageListReplacements() map[string]uintptr
}

// Redirector is a host subsystem that installs its own hooks, such as the
// user defaults or keychain redirection.
type Redirector interface {
	Name() string
	InstallHooks()
}

// StaticHost is a Host with fixed answers.
type StaticHost struct {
	Bundle       string
	Scheme       string
	Shared       bool
	AppGroup     string
	Replacements map[string]uintptr
}

func (h *StaticHost) BundlePath() string { return h.Bundle }
func (h *StaticHost) URLScheme() string { return h.Scheme }
func (h *StaticHost) IsSharedApp() bool { return h.Shared }
func (h *StaticHost) AppGroupPath() string { return h.AppGroup }
func (h *StaticHost) ImageListReplacements() map[string]uintptr { return h.Replacements }

// Image list queries a hidden container replaces.
var imageListFuncs = []string{
	"_dyld_image_count",
	"_dyld_get_image_name",
	"_dyld_get_image_header",
}

var systemPrefixes = []string{
	"/usr/lib/",
	"/System/",
	"/Library/Apple/",
}

// ShouldPatch reports whether path is a guest image PrepareImage may patch.
// System images and the host's own bundle are never patched; a shared host
// only patches images inside its app group container.
func (e *Engine) ShouldPatch(path string) bool {
	if path == "" {
		return false
	}
	path = filepath.Clean(path)
	for _, p := range systemPrefixes {
		if strings.HasPrefix(path, p) {
			return false
		}
	}
	if e.host == nil {
		return true
	}
	if within(path, e.host.BundlePath()) {
		return false
	}
	if e.host.IsSharedApp() {
		group := e.host.AppGroupPath()
		if group == "" {
			log.WithField("path", path).Warn("shared host has no app group path")
			return false
		}
		return within(path, group)
	}
	return true
}

func within(path, dir string) bool {
	if dir == "" {
		return false
	}
	dir = filepath.Clean(dir)
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
