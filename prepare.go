package guestkit

import (
	"fmt"
	"time"

	"github.com/apex/log"

	"github.com/sliverarmory/guestkit/codesign"
	"github.com/sliverarmory/guestkit/macho"
	"github.com/sliverarmory/guestkit/patch"
)

// ImageKey identifies one version of an image file.
type ImageKey struct {
	Path  string
	Inode uint64
	// ModTime is the modification time in Unix nanoseconds.
	ModTime int64
}

func (k ImageKey) String() string {
	return fmt.Sprintf("%s@%d:%d", k.Path, k.Inode, k.ModTime)
}

// KeyOf returns the identity key of the file at path.
func KeyOf(path string) (ImageKey, error) {
	ino, mtime, err := statIdentity(path)
	if err != nil {
		return ImageKey{}, err
	}
	return ImageKey{Path: path, Inode: ino, ModTime: mtime}, nil
}

// BeginLoadCycle starts a new load cycle, after which every image may be
// prepared again.
func (e *Engine) BeginLoadCycle() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cycle++
	e.seen = make(map[ImageKey]struct{})
	log.WithField("cycle", e.cycle).Debug("began load cycle")
}

// LoadCycle returns the number of load cycles begun.
func (e *Engine) LoadCycle() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cycle
}

func (e *Engine) prepared(key ImageKey) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.seen[key]
	return ok
}

func (e *Engine) markPrepared(keys ...ImageKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, k := range keys {
		e.seen[k] = struct{}{}
	}
}

// PrepareImage makes the image at path loadable as a library: unless it
// already passes the signature precheck, its running-arch slice is patched
// in place. It runs at most once per file version in a load cycle and
// concurrent calls for the same path share one run. Images ShouldPatch
// rejects are left alone.
func (e *Engine) PrepareImage(path string) error {
	if !e.ShouldPatch(path) {
		log.WithField("path", path).Debug("not a guest image")
		return nil
	}
	_, err, _ := e.prepare.Do(path, func() (any, error) {
		key, err := KeyOf(path)
		if err != nil {
			return nil, fmt.Errorf("guestkit: prepare %s: %w", path, err)
		}
		if e.prepared(key) {
			return nil, nil
		}
		if err := e.prepareImage(path); err != nil {
			return nil, err
		}
		// Patching changes the file, so the new version is done too.
		after, err := KeyOf(path)
		if err != nil {
			return nil, fmt.Errorf("guestkit: prepare %s: %w", path, err)
		}
		e.markPrepared(key, after)
		return nil, nil
	})
	return err
}

func (e *Engine) prepareImage(path string) error {
	start := time.Now()
	var mopts []macho.Option
	popts := e.patchOpts
	if e.cpu != 0 {
		mopts = append(mopts, macho.WithCPU(e.cpu))
		popts = append([]patch.Option{patch.WithCPU(e.cpu)}, popts...)
	}
	if codesign.Check(path, mopts...) && e.injectionSettled(path, mopts) {
		log.WithField("path", path).Debug("image already loadable")
		return nil
	}
	if err := patch.File(path, e.inject, popts...); err != nil {
		return fmt.Errorf("guestkit: prepare %s: %w", path, err)
	}
	log.WithFields(log.Fields{
		"path":     path,
		"inject":   e.inject,
		"duration": time.Since(start),
	}).Info("prepared image")
	return nil
}

// injectionSettled reports whether the tweak loader dependency of path is
// already in the state the engine asks for.
func (e *Engine) injectionSettled(path string, mopts []macho.Option) bool {
	st, err := macho.Status(path, mopts...)
	if err != nil {
		log.WithError(err).WithField("path", path).Debug("injection status unavailable")
		return false
	}
	return st.Injected == e.inject
}
