package guestkit_test

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func buildGoDylib(t *testing.T, outDir string, goarch string) string {
	t.Helper()

	if _, err := exec.LookPath("go"); err != nil {
		t.Skip("go toolchain not found in PATH")
	}
	outputPath := filepath.Join(outDir, fmt.Sprintf("basic_go_darwin-%s.dylib", goarch))
	args := []string{
		"build",
		"-buildmode=c-shared",
		"-trimpath",
		"-o", outputPath,
		"./testdata/go/basic",
	}

	baseEnv := overrideEnv(os.Environ(), map[string]string{
		"GOOS":        "darwin",
		"GOARCH":      goarch,
		"CGO_ENABLED": "1",
		"GOCACHE":     filepath.Join(os.TempDir(), "guestkit-go-build-cache"),
	})

	if _, err := exec.LookPath("zig"); err == nil {
		cmd := exec.Command("go", args...)
		target := zigTargetFor(goarch)
		cmd.Env = overrideEnv(baseEnv, map[string]string{
			"CC":  "zig cc -target " + target,
			"CXX": "zig c++ -target " + target,
		})
		out, err := cmd.CombinedOutput()
		if err == nil {
			_ = os.Remove(strings.TrimSuffix(outputPath, ".dylib") + ".h")
			return outputPath
		}
		t.Logf("go build with zig cc failed for darwin/%s, retrying with default compiler: %v\n%s", goarch, err, out)
	}

	cmd := exec.Command("go", args...)
	cmd.Env = baseEnv
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("build go dylib darwin/%s: %v\n%s", goarch, err, out)
	}
	_ = os.Remove(strings.TrimSuffix(outputPath, ".dylib") + ".h")
	return outputPath
}

func zigTargetFor(goarch string) string {
	if goarch == "amd64" {
		return "x86_64-macos"
	}
	return "aarch64-macos"
}

func overrideEnv(base []string, overrides map[string]string) []string {
	block := make(map[string]struct{}, len(overrides))
	for key := range overrides {
		block[key] = struct{}{}
	}

	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		eq := strings.IndexByte(kv, '=')
		if eq <= 0 {
			continue
		}
		if _, drop := block[kv[:eq]]; drop {
			continue
		}
		out = append(out, kv)
	}

	for key, value := range overrides {
		out = append(out, key+"="+value)
	}
	return out
}
