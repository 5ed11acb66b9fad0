package dyld

// Entry is an internal loader function used by the lock-free load path.
type Entry int

const (
	EntryGetLoader Entry = iota
	EntryLoadDependents
	EntryApplyFixups
	EntryIncDlRefCount
	EntryRunInitializers
	EntryLoadAddress
	EntryDiagnosticsCtor
	EntryDiagnosticsClearError
	EntryDiagnosticsHasError
	EntryDiagnosticsErrorMessage
	EntryMemoryManager
	EntryLockLock
	EntryWriteProtect
	EntryLockUnlock

	numEntries
)

// EntryPoints holds the resolved address of every Entry, 0 when an optional
// entry is missing.
type EntryPoints [numEntries]uintptr

// Has reports whether e was resolved.
func (p *EntryPoints) Has(e Entry) bool {
	return p[e] != 0
}

// WritableLock reports whether every entry needed to make the loader state
// writable was resolved.
func (p *EntryPoints) WritableLock() bool {
	return p.Has(EntryMemoryManager) && p.Has(EntryLockLock) && p.Has(EntryWriteProtect) && p.Has(EntryLockUnlock)
}

type entrySpec struct {
	name     string
	required bool
	images   []Image
	exact    []string
	// contains is tried after every exact name failed in every image.
	contains [][]string
}

var (
	dyldOnly        = []Image{ImageDyld}
	dyldThenLibdyld = []Image{ImageDyld, ImageLibdyld}
)

var entrySpecs = [numEntries]entrySpec{
	EntryGetLoader: {
		name:     "Loader::getLoader",
		required: true,
		images:   dyldOnly,
		exact: []string{
			"__ZN5dyld46Loader9getLoaderER11DiagnosticsRNS_12RuntimeStateEPKcRKNS0_11LoadOptionsE",
		},
		contains: [][]string{{"Loader9getLoaderER11DiagnosticsRNS_12RuntimeState"}},
	},
	EntryLoadDependents: {
		name:     "Loader::loadDependents",
		required: true,
		images:   dyldOnly,
		exact: []string{
			"__ZN5dyld46Loader14loadDependentsER11DiagnosticsRNS_12RuntimeStateERKNS0_11LoadOptionsE",
			"__ZN5dyld416JustInTimeLoader14loadDependentsER11DiagnosticsRNS_12RuntimeStateERKNS_6Loader11LoadOptionsE",
			"__ZN5dyld414PrebuiltLoader14loadDependentsER11DiagnosticsRNS_12RuntimeStateERKNS_6Loader11LoadOptionsE",
		},
		contains: [][]string{{"Loader14loadDependentsER11DiagnosticsRNS_12RuntimeStateE"}},
	},
	EntryApplyFixups: {
		name:     "Loader::applyFixups",
		required: true,
		images:   dyldOnly,
		exact: []string{
			"__ZNK5dyld46Loader11applyFixupsER11DiagnosticsRNS_12RuntimeStateERNS_34DyldCacheDataConstLazyScopedWriterEbPN3lsl6VectorINSt3__14pairIPKS0_PKcEEEE",
			"__ZNK5dyld416JustInTimeLoader11applyFixupsER11DiagnosticsRNS_12RuntimeStateERNS_34DyldCacheDataConstLazyScopedWriterEbPN3lsl6VectorINSt3__14pairIPKNS_6LoaderEPKcEEEE",
			"__ZNK5dyld414PrebuiltLoader11applyFixupsER11DiagnosticsRNS_12RuntimeStateERNS_34DyldCacheDataConstLazyScopedWriterEbPN3lsl6VectorINSt3__14pairIPKNS_6LoaderEPKcEEEE",
		},
		contains: [][]string{{"Loader11applyFixupsER11DiagnosticsRNS_12RuntimeStateE"}},
	},
	EntryIncDlRefCount: {
		name:     "RuntimeState::incDlRefCount",
		required: true,
		images:   dyldOnly,
		exact:    []string{"__ZN5dyld412RuntimeState13incDlRefCountEPKNS_6LoaderE"},
		contains: [][]string{{"RuntimeState13incDlRefCount"}},
	},
	EntryRunInitializers: {
		name:     "Loader::runInitializers",
		required: true,
		images:   dyldOnly,
		exact: []string{
			"__ZNK5dyld46Loader38runInitializersBottomUpPlusUpwardLinksERNS_12RuntimeStateE",
			"__ZNK5dyld46Loader15runInitializersERNS_12RuntimeStateE",
			"__ZNK5dyld416JustInTimeLoader15runInitializersERNS_12RuntimeStateE",
			"__ZNK5dyld414PrebuiltLoader15runInitializersERNS_12RuntimeStateE",
		},
		contains: [][]string{{"runInitializers", "RuntimeState"}},
	},
	EntryLoadAddress: {
		name:     "Loader::loadAddress",
		images:   dyldOnly,
		exact:    []string{"__ZNK5dyld46Loader11loadAddressERNS_12RuntimeStateE"},
		contains: [][]string{{"Loader11loadAddressERNS_12RuntimeState"}},
	},
	EntryDiagnosticsCtor: {
		name:     "Diagnostics::Diagnostics",
		images:   dyldThenLibdyld,
		exact:    []string{"__ZN11DiagnosticsC1Ev", "__ZN11DiagnosticsC2Ev"},
		contains: [][]string{{"DiagnosticsC", "Ev"}},
	},
	EntryDiagnosticsClearError: {
		name:     "Diagnostics::clearError",
		required: true,
		images:   dyldThenLibdyld,
		exact:    []string{"__ZN11Diagnostics10clearErrorEv"},
		contains: [][]string{{"Diagnostics10clearErrorEv"}},
	},
	EntryDiagnosticsHasError: {
		name:     "Diagnostics::hasError",
		required: true,
		images:   dyldThenLibdyld,
		exact:    []string{"__ZNK11Diagnostics8hasErrorEv"},
		contains: [][]string{{"Diagnostics8hasErrorEv"}},
	},
	EntryDiagnosticsErrorMessage: {
		name:     "Diagnostics::errorMessage",
		images:   dyldThenLibdyld,
		exact:    []string{"__ZNK11Diagnostics12errorMessageEv"},
		contains: [][]string{{"Diagnostics12errorMessageEv"}},
	},
	EntryMemoryManager: {
		name:   "lsl::MemoryManager::memoryManager",
		images: dyldOnly,
		exact:  []string{"__ZN3lsl13MemoryManager13memoryManagerEv"},
	},
	EntryLockLock: {
		name:   "lsl::Lock::lock",
		images: dyldOnly,
		exact:  []string{"__ZN3lsl4Lock4lockEv"},
	},
	EntryWriteProtect: {
		name:   "lsl::MemoryManager::writeProtect",
		images: dyldOnly,
		exact:  []string{"__ZN3lsl13MemoryManager12writeProtectEb"},
	},
	EntryLockUnlock: {
		name:   "lsl::Lock::unlock",
		images: dyldOnly,
		exact:  []string{"__ZN3lsl4Lock6unlockEv"},
	},
}

func (e Entry) String() string {
	if e >= 0 && e < numEntries {
		return entrySpecs[e].name
	}
	return "unknown"
}

// Required reports whether a load fails without e.
func (e Entry) Required() bool {
	return e >= 0 && e < numEntries && entrySpecs[e].required
}
