package guestkit

import (
	"errors"
	"fmt"

	"github.com/apex/log"

	"github.com/sliverarmory/guestkit/dyld"
	"github.com/sliverarmory/guestkit/hook"
)

// InstallOptions selects the optional loader hooks.
type InstallOptions struct {
	// HideContainer replaces the loader's image list queries with the
	// host's, so guests do not see the host's own images.
	HideContainer bool
	// SpoofSDKVersion, when non-zero, is the packed version (xxxx.yy.zz)
	// reported as the SDK the program and its images were built against.
	SpoofSDKVersion uint32
}

var sdkVersionFuncs = []string{
	"dyld_get_program_sdk_version",
	"dyld_get_sdk_version",
}

// cSymbol returns the symbol table name of a C function.
func cSymbol(name string) string {
	return "_" + name
}

// Install installs the loader hooks, bypasses library validation and then
// installs every redirector. Only the first call does any work; later calls
// return its result. Redirectors are skipped when the bypass fails, since
// their hooks live in libraries that would then fail validation.
func (e *Engine) Install(opts InstallOptions) error {
	e.installOnce.Do(func() {
		e.installErr = e.install(opts)
		e.installed.Store(true)
	})
	return e.installErr
}

// Installed reports whether Install has run.
func (e *Engine) Installed() bool {
	return e.installed.Load()
}

func (e *Engine) install(opts InstallOptions) error {
	fields := log.Fields{
		"hide_container": opts.HideContainer,
		"sdk_version":    fmt.Sprintf("%#x", opts.SpoofSDKVersion),
	}
	if e.host != nil {
		fields["bundle"] = e.host.BundlePath()
		fields["scheme"] = e.host.URLScheme()
		fields["shared"] = e.host.IsSharedApp()
	}
	log.WithFields(fields).Debug("installing loader hooks")

	if opts.SpoofSDKVersion != 0 {
		if err := e.spoofSDKVersion(opts.SpoofSDKVersion); err != nil {
			return fmt.Errorf("guestkit: install: %w", err)
		}
	}
	if opts.HideContainer {
		if err := e.hideContainer(); err != nil {
			return fmt.Errorf("guestkit: install: %w", err)
		}
	}
	if err := e.BypassLibraryValidation(); err != nil {
		log.WithError(err).Warn("library validation bypass failed, redirectors not installed")
		return fmt.Errorf("guestkit: install: %w", err)
	}
	e.installRedirectors()
	return nil
}

func (e *Engine) spoofSDKVersion(version uint32) error {
	stub := func(uintptr) []byte { return hook.ConstantStub(version) }
	for _, name := range sdkVersionFuncs {
		target, err := e.lookup(dyld.ImageLibdyld, cSymbol(name))
		if err != nil {
			return err
		}
		if _, err := e.hooks.InstallGenerated(name, target, stub); err != nil {
			return err
		}
	}
	log.WithField("version", fmt.Sprintf("%#x", version)).Debug("spoofing sdk version")
	return nil
}

func (e *Engine) hideContainer() error {
	var repl map[string]uintptr
	if e.host != nil {
		repl = e.host.ImageListReplacements()
	}
	if len(repl) == 0 {
		log.Warn("host has no image list replacements, container stays visible")
		return nil
	}
	for _, name := range imageListFuncs {
		replacement, ok := repl[name]
		if !ok || replacement == 0 {
			log.WithField("func", name).Warn("host has no replacement")
			continue
		}
		target, err := e.lookup(dyld.ImageLibdyld, cSymbol(name))
		if err != nil {
			return err
		}
		if _, err := e.hooks.Install(name, target, replacement); err != nil {
			return err
		}
	}
	return nil
}

// dyld carries its own syscall stubs and never calls into libsystem_kernel,
// so the bypass hooks dyld's copy of fcntl.
var fcntlSymbols = []string{"_fcntl", "___fcntl"}

// BypassLibraryValidation hooks fcntl so the loader's F_CHECK_LV query
// always passes. It runs at most once; later calls return the first result.
func (e *Engine) BypassLibraryValidation() error {
	e.bypassOnce.Do(func() {
		e.bypassErr = e.bypassLibraryValidation()
	})
	return e.bypassErr
}

func (e *Engine) bypassLibraryValidation() error {
	var target uintptr
	for _, name := range fcntlSymbols {
		addr, err := e.lookup(dyld.ImageDyld, name)
		if err == nil {
			target = addr
			break
		}
		if !errors.Is(err, ErrSymbolNotFound) {
			return fmt.Errorf("guestkit: bypass library validation: %w", err)
		}
	}
	if target == 0 {
		return fmt.Errorf("guestkit: bypass library validation: %w: fcntl in %s", ErrSymbolNotFound, dyld.ImageDyld)
	}
	h, err := e.hooks.InstallGenerated("fcntl", target, hook.LibraryValidationFilter)
	if err != nil {
		return fmt.Errorf("guestkit: bypass library validation: %w", err)
	}
	log.WithField("hook", h.String()).Info("library validation bypassed")
	return nil
}

func (e *Engine) installRedirectors() {
	e.redirectOnce.Do(func() {
		for _, r := range e.redirectors {
			log.WithField("redirector", r.Name()).Debug("installing redirector")
			r.InstallHooks()
		}
	})
}
