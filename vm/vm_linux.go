//go:build linux

package vm

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

type procProtector struct{}

// System returns the Protector backed by the running kernel.
func System() Protector { return procProtector{} }

// Query reads /proc/self/maps and returns the protection shared by every
// mapping that overlaps r.
func (procProtector) Query(r Region) (Prot, error) {
	entries, err := readProcMaps()
	if err != nil {
		return 0, err
	}

	prot := ProtRead | ProtWrite | ProtExec
	covered := r.Addr
	for _, entry := range entries {
		if entry.end <= r.Addr || entry.start >= r.End() {
			continue
		}
		if entry.start > covered {
			break
		}
		prot &= entry.prot
		covered = entry.end
		if covered >= r.End() {
			return prot, nil
		}
	}
	return 0, fmt.Errorf("region %s is not fully mapped", r)
}

func (procProtector) Protect(r Region, prot Prot) error {
	mem := unsafe.Slice((*byte)(unsafe.Pointer(r.Addr)), int(r.Size))
	return unix.Mprotect(mem, int(prot))
}

type procMapEntry struct {
	start uintptr
	end   uintptr
	prot  Prot
}

func readProcMaps() ([]procMapEntry, error) {
	raw, err := os.ReadFile("/proc/self/maps")
	if err != nil {
		return nil, fmt.Errorf("read /proc/self/maps: %w", err)
	}

	lines := strings.Split(string(raw), "\n")
	entries := make([]procMapEntry, 0, len(lines))
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		rangeParts := strings.SplitN(fields[0], "-", 2)
		if len(rangeParts) != 2 {
			continue
		}
		start, startErr := strconv.ParseUint(rangeParts[0], 16, 64)
		end, endErr := strconv.ParseUint(rangeParts[1], 16, 64)
		if startErr != nil || endErr != nil {
			continue
		}
		entries = append(entries, procMapEntry{
			start: uintptr(start),
			end:   uintptr(end),
			prot:  parseProt(fields[1][:3]),
		})
	}
	return entries, nil
}
