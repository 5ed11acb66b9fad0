package macho

import (
	"fmt"
	"strings"

	gomacho "github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/types"
)

// DefaultTweakLoader is the dependency the patcher adds to enable injection.
const DefaultTweakLoader = "@loader_path/../../Tweaks/TweakLoader.dylib"

var injectionMarkers = []string{"TweakLoader", "ellekit"}

// CommandInfo describes one load command for display.
type CommandInfo struct {
	Cmd         Cmd
	Size        uint32
	Description string
}

// Info is a descriptive summary of the running-arch slice of a file.
type Info struct {
	Path       string
	CPU        uint32
	Arch       string
	SubArch    string
	FileType   uint32
	Flags      uint32
	NCmds      uint32
	SizeOfCmds uint32
	UUID       string
	Signed     bool
	Libraries  []string
	Commands   []CommandInfo
	// FreeSpace is the padding available for new load commands.
	FreeSpace uint32
}

// Analyze describes the slice of path that matches the running architecture.
func Analyze(path string, opts ...Option) (*Info, error) {
	cpu, err := TargetCPU(opts...)
	if err != nil {
		return nil, err
	}

	m, closeFn, err := openGoMachO(path, cpu)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	info := &Info{
		Path:       path,
		CPU:        uint32(m.CPU),
		Arch:       CPUName(uint32(m.CPU)),
		SubArch:    m.SubCPU.String(m.CPU),
		FileType:   uint32(m.Type),
		Flags:      uint32(m.Flags),
		NCmds:      m.NCommands,
		SizeOfCmds: m.SizeCommands,
		Signed:     m.CodeSignature() != nil,
	}
	if id := m.UUID(); id != nil {
		info.UUID = id.String()
	}
	info.Libraries = m.ImportedLibraries()

	f, err := Open(path, ReadOnly, WithCPU(cpu))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if !f.Next() {
		return nil, f.Err()
	}
	s := f.Slice()
	cmds, err := s.LoadCommands()
	if err != nil {
		return nil, err
	}
	for _, c := range cmds {
		info.Commands = append(info.Commands, CommandInfo{Cmd: c.Cmd, Size: c.Size, Description: Describe(c.Cmd)})
	}
	end, limit, err := s.HeaderSpace()
	if err != nil {
		return nil, err
	}
	info.FreeSpace = limit - end
	return info, nil
}

// Summary renders a short multi-line description of path.
func Summary(path string, opts ...Option) string {
	info, err := Analyze(path, opts...)
	if err != nil {
		return fmt.Sprintf("analysis failed: %v", err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "file type: %s\n", FileTypeName(info.FileType))
	fmt.Fprintf(&b, "architecture: %s (%s)\n", info.Arch, info.SubArch)
	fmt.Fprintf(&b, "load commands: %d (%d bytes)\n", info.NCmds, info.SizeOfCmds)
	fmt.Fprintf(&b, "code signature: %v\n", info.Signed)
	fmt.Fprintf(&b, "free header space: %d bytes", info.FreeSpace)
	return b.String()
}

// CanInject reports whether path is an arm64 executable with enough header
// padding for the injection commands. reason explains a negative answer.
func CanInject(path string, opts ...Option) (ok bool, reason string) {
	info, err := Analyze(path, opts...)
	if err != nil {
		return false, err.Error()
	}
	if info.FileType != MHExecute && info.FileType != MHDylib {
		return false, fmt.Sprintf("file type %s cannot be injected", FileTypeName(info.FileType))
	}
	if info.CPU != CPUArm64 {
		return false, fmt.Sprintf("architecture %s is not arm64", info.Arch)
	}
	need := DylibCommandSize(DefaultTweakLoader)
	if info.FileType == MHExecute {
		need += DylibCommandSize(path)
	}
	if info.FreeSpace < need {
		return false, fmt.Sprintf("header has %d free bytes, need %d", info.FreeSpace, need)
	}
	return true, ""
}

// InjectionStatus reports the active dependencies that load a tweak loader.
type InjectionStatus struct {
	Injected  bool
	Count     int
	Libraries []string
	Disabled  int
}

// Status returns the injection status of the running-arch slice of path.
func Status(path string, opts ...Option) (*InjectionStatus, error) {
	f, err := Open(path, ReadOnly, opts...)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st := &InjectionStatus{}
	for f.Next() {
		r := f.Slice().Commands()
		for r.Next() {
			c := r.Command()
			if !isInjectionLibrary(c.Name) {
				continue
			}
			switch c.Cmd {
			case LCLoadDylib, LCLoadWeakDylib:
				st.Count++
				st.Libraries = append(st.Libraries, c.Name)
			case LCDisabledLoadDylib:
				st.Disabled++
			}
		}
		if err := r.Err(); err != nil {
			return nil, err
		}
	}
	if err := f.Err(); err != nil {
		return nil, err
	}
	st.Injected = st.Count > 0
	return st, nil
}

// DylibCommandSize returns the size of a dylib_command carrying name,
// padded to 8 bytes.
func DylibCommandSize(name string) uint32 {
	return dylibCommandSize + (uint32(len(name))+1+7)&^7
}

func isInjectionLibrary(name string) bool {
	for _, marker := range injectionMarkers {
		if strings.Contains(name, marker) {
			return true
		}
	}
	return false
}

func openGoMachO(path string, cpu uint32) (*gomacho.File, func(), error) {
	fat, err := gomacho.OpenFat(path)
	if err == nil {
		for _, arch := range fat.Arches {
			if arch.CPU == types.CPU(cpu) {
				return arch.File, func() { _ = fat.Close() }, nil
			}
		}
		_ = fat.Close()
		return nil, func() {}, fmt.Errorf("%w: %s has no %s slice", ErrUnsupportedArch, path, CPUName(cpu))
	}
	if err != gomacho.ErrNotFat {
		return nil, func() {}, fmt.Errorf("%w: %v", ErrBadMagic, err)
	}

	m, err := gomacho.Open(path)
	if err != nil {
		return nil, func() {}, fmt.Errorf("%w: %v", ErrBadMagic, err)
	}
	if m.CPU != types.CPU(cpu) {
		_ = m.Close()
		return nil, func() {}, fmt.Errorf("%w: %s is %s", ErrUnsupportedArch, path, m.CPU)
	}
	return m, func() { _ = m.Close() }, nil
}
