package macho

import "fmt"

var cmdNames = map[Cmd]string{
	LCSegment:            "LC_SEGMENT",
	LCSymtab:             "LC_SYMTAB",
	LCDysymtab:           "LC_DYSYMTAB",
	LCLoadDylib:          "LC_LOAD_DYLIB",
	LCIDDylib:            "LC_ID_DYLIB",
	LCLoadDylinker:       "LC_LOAD_DYLINKER",
	LCSegment64:          "LC_SEGMENT_64",
	LCUUID:               "LC_UUID",
	LCCodeSignature:      "LC_CODE_SIGNATURE",
	LCVersionMinMacOSX:   "LC_VERSION_MIN_MACOSX",
	LCVersionMinIPhoneOS: "LC_VERSION_MIN_IPHONEOS",
	LCFunctionStarts:     "LC_FUNCTION_STARTS",
	LCDataInCode:         "LC_DATA_IN_CODE",
	LCSourceVersion:      "LC_SOURCE_VERSION",
	LCEncryptionInfo64:   "LC_ENCRYPTION_INFO_64",
	LCBuildVersion:       "LC_BUILD_VERSION",
	LCLoadWeakDylib:      "LC_LOAD_WEAK_DYLIB",
	LCRpath:              "LC_RPATH",
	LCDyldInfoOnly:       "LC_DYLD_INFO_ONLY",
	LCMain:               "LC_MAIN",
	LCDyldExportsTrie:    "LC_DYLD_EXPORTS_TRIE",
	LCDyldChainedFixups:  "LC_DYLD_CHAINED_FIXUPS",
	LCDisabledLoadDylib:  "LC_LOAD_DYLIB (disabled)",
}

var cmdDescriptions = map[Cmd]string{
	LCSegment:            "32-bit segment",
	LCSegment64:          "64-bit segment",
	LCSymtab:             "symbol table",
	LCDysymtab:           "dynamic symbol table",
	LCLoadDylib:          "load dynamic library",
	LCLoadWeakDylib:      "weakly load dynamic library",
	LCIDDylib:            "dynamic library identity",
	LCLoadDylinker:       "dynamic linker path",
	LCUUID:               "image UUID",
	LCCodeSignature:      "code signature",
	LCRpath:              "runtime search path",
	LCMain:               "main entry point",
	LCVersionMinIPhoneOS: "minimum iOS version",
	LCVersionMinMacOSX:   "minimum macOS version",
	LCBuildVersion:       "build platform and versions",
	LCDisabledLoadDylib:  "disabled library load",
}

func (c Cmd) String() string {
	if name, ok := cmdNames[c]; ok {
		return name
	}
	return fmt.Sprintf("LC_%#x", uint32(c))
}

// Describe returns a one-line human description of a load command type.
func Describe(c Cmd) string {
	if desc, ok := cmdDescriptions[c]; ok {
		return fmt.Sprintf("%s - %s", c, desc)
	}
	if _, ok := cmdNames[c]; ok {
		return c.String()
	}
	return fmt.Sprintf("unknown command %#x", uint32(c))
}

// CPUName returns the architecture name for a Mach-O CPU type.
func CPUName(cpu uint32) string {
	switch cpu {
	case CPUArm64:
		return "arm64"
	case CPUArm:
		return "arm"
	case CPUAmd64:
		return "x86_64"
	case CPUX86:
		return "x86"
	default:
		return fmt.Sprintf("cpu(%#x)", cpu)
	}
}

// FileTypeName returns the name of a Mach-O file type.
func FileTypeName(t uint32) string {
	switch t {
	case MHExecute:
		return "executable"
	case MHDylib:
		return "dynamic library"
	case MHBundle:
		return "bundle"
	case MHObject:
		return "object"
	default:
		return fmt.Sprintf("filetype(%#x)", t)
	}
}
