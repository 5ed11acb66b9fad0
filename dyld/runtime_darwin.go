//go:build darwin && (amd64 || arm64) && cgo

package dyld

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"strings"
	"sync"
	"unsafe"

	"github.com/apex/log"
	"golang.org/x/sys/unix"

	"github.com/sliverarmory/guestkit/macho"
	"github.com/sliverarmory/guestkit/symcache"
)

const (
	syscallSharedRegionCheckNP = uintptr(294)
	dyldScratchSize            = 0x4000
	diagnosticsSize            = 0x1000

	lcSegment64 = 0x19
	lcSymtab    = 0x2
)

type dyldCacheHeader struct {
	Magic                         [16]byte
	MappingOffset                 uint32
	MappingCount                  uint32
	ImagesOffsetOld               uint32
	ImagesCountOld                uint32
	DyldBaseAddress               uint64
	CodeSignatureOffset           uint64
	CodeSignatureSize             uint64
	SlideInfoOffsetUnused         uint64
	SlideInfoSizeUnused           uint64
	LocalSymbolsOffset            uint64
	LocalSymbolsSize              uint64
	UUID                          [16]byte
	CacheType                     uint64
	BranchPoolsOffset             uint32
	BranchPoolsCount              uint32
	AccelerateInfoAddr            uint64
	AccelerateInfoSize            uint64
	ImagesTextOffset              uint64
	ImagesTextCount               uint64
	PatchInfoAddr                 uint64
	PatchInfoSize                 uint64
	OtherImageGroupAddrUnused     uint64
	OtherImageGroupSizeUnused     uint64
	ProgClosuresAddr              uint64
	ProgClosuresSize              uint64
	ProgClosuresTrieAddr          uint64
	ProgClosuresTrieSize          uint64
	Platform                      uint32
	FormatVersionAndFlags         uint32
	SharedRegionStart             uint64
	SharedRegionSize              uint64
	MaxSlide                      uint64
	DylibsImageArrayAddr          uint64
	DylibsImageArraySize          uint64
	DylibsTrieAddr                uint64
	DylibsTrieSize                uint64
	OtherImageArrayAddr           uint64
	OtherImageArraySize           uint64
	OtherTrieAddr                 uint64
	OtherTrieSize                 uint64
	MappingWithSlideOffset        uint32
	MappingWithSlideCount         uint32
	DylibsPBLStateArrayAddrUnused uint64
	DylibsPBLSetAddr              uint64
	ProgramsPBLSetPoolAddr        uint64
	ProgramsPBLSetPoolSize        uint64
	ProgramTrieAddr               uint64
	ProgramTrieSize               uint32
	OSVersion                     uint32
	AltPlatform                   uint32
	AltOSVersion                  uint32
	SwiftOptsOffset               uint64
	SwiftOptsSize                 uint64
	SubCacheArrayOffset           uint32
	SubCacheArrayCount            uint32
	SymbolFileUUID                [16]byte
	RosettaReadOnlyAddr           uint64
	RosettaReadOnlySize           uint64
	RosettaReadWriteAddr          uint64
	RosettaReadWriteSize          uint64
	ImagesOffset                  uint32
	ImagesCount                   uint32
}

type dyldCacheImageInfo struct {
	Address        uint64
	ModTime        uint64
	Inode          uint64
	PathFileOffset uint32
	Pad            uint32
}

type sharedFileMapping struct {
	Address    uint64
	Size       uint64
	FileOffset uint64
	MaxProt    uint32
	InitProt   uint32
}

type machHeader64 struct {
	Magic      uint32
	CPUType    int32
	CPUSubType int32
	FileType   uint32
	NCmds      uint32
	SizeCmds   uint32
	Flags      uint32
	Reserved   uint32
}

type loadCommand struct {
	Cmd     uint32
	CmdSize uint32
}

type segmentCommand64 struct {
	Cmd      uint32
	CmdSize  uint32
	SegName  [16]byte
	VMAddr   uint64
	VMSize   uint64
	FileOff  uint64
	FileSize uint64
	MaxProt  uint32
	InitProt uint32
	NSects   uint32
	Flags    uint32
}

type section64 struct {
	SectName  [16]byte
	SegName   [16]byte
	Addr      uint64
	Size      uint64
	Offset    uint32
	Align     uint32
	RelOff    uint32
	NReloc    uint32
	Flags     uint32
	Reserved1 uint32
	Reserved2 uint32
	Reserved3 uint32
}

type symtabCommand struct {
	Cmd     uint32
	CmdSize uint32
	SymOff  uint32
	NSyms   uint32
	StrOff  uint32
	StrSize uint32
}

type nlist64 struct {
	Strx  uint32
	Type  uint8
	Sect  uint8
	Desc  uint16
	Value uint64
}

type loadChain struct {
	Previous uintptr
	Image    uintptr
}

type loadOptions struct {
	Launching           bool
	StaticLinkage       bool
	CanBeMissing        bool
	RtldLocal           bool
	RtldNoDelete        bool
	RtldNoLoad          bool
	InsertedDylib       bool
	CanBeDylib          bool
	CanBeBundle         bool
	CanBeExecutable     bool
	ForceUnloadable     bool
	UseFallBackPaths    bool
	_                   [4]byte
	RpathStack          uintptr
	Finder              uintptr
	PathNotFoundHandler uintptr
}

type loadedVector struct {
	Allocator uintptr
	Elements  uintptr
	Size      uintptr
	Capacity  uintptr
}

type dyldCacheDataConstLazyScopedWriter struct {
	State           uintptr
	WasMadeWritable bool
	_               [7]byte
}

type sharedCache struct {
	start  uintptr
	header *dyldCacheHeader
	slide  uint64
}

type darwinRuntime struct {
	cache func() (*sharedCache, error)
	state func() (uintptr, error)

	mu     sync.Mutex
	loaded map[Image]uintptr
	// paths keeps the C strings handed to getLoader reachable.
	paths [][]byte
}

var system = sync.OnceValue(func() Runtime {
	r := &darwinRuntime{loaded: make(map[Image]uintptr)}
	r.cache = sync.OnceValues(locateSharedCache)
	r.state = sync.OnceValues(r.runtimeState)
	return r
})

// System returns the loader of the running process.
func System() Runtime {
	return system()
}

func (r *darwinRuntime) Base(img Image) (symcache.Image, error) {
	header, err := r.header(img)
	if err != nil {
		return symcache.Image{}, err
	}
	return ImageKey(header, imageUUID(header)), nil
}

func (r *darwinRuntime) DyldBase() (uintptr, error) {
	return r.header(ImageDyld)
}

func (r *darwinRuntime) AllImageInfos() (*AllImageInfos, error) {
	return readAllImageInfos()
}

func (r *darwinRuntime) ResolveSymbol(img Image, name string) (uint64, bool, error) {
	header, err := r.header(img)
	if err != nil {
		return 0, false, err
	}
	if off, ok := findSymbolOffset(header, name); ok {
		return off, true, nil
	}
	if img != ImageDyld {
		return 0, false, nil
	}
	// dyld's in-memory symbol table is stripped on some releases; the file
	// on disk still has it.
	sym, ok, err := macho.FindSymbol(string(img), name)
	if err != nil || !ok {
		return 0, false, err
	}
	return sym.Offset, true, nil
}

func (r *darwinRuntime) MatchSymbol(img Image, parts ...string) (uint64, bool, error) {
	header, err := r.header(img)
	if err != nil {
		return 0, false, err
	}
	if off, ok := matchSymbolOffset(header, parts); ok {
		return off, true, nil
	}
	if img != ImageDyld {
		return 0, false, nil
	}
	sym, ok, err := macho.MatchSymbol(string(img), parts)
	if err != nil || !ok {
		return 0, false, err
	}
	return sym.Offset, true, nil
}

func (r *darwinRuntime) Forget(img Image) {
	r.mu.Lock()
	delete(r.loaded, img)
	r.mu.Unlock()
}

func (r *darwinRuntime) header(img Image) (uintptr, error) {
	r.mu.Lock()
	header, ok := r.loaded[img]
	r.mu.Unlock()
	if ok {
		return header, nil
	}

	if c, err := r.cache(); err == nil {
		if header := c.find(string(img)); header != 0 {
			return header, nil
		}
	}
	infos, err := readAllImageInfos()
	if err != nil {
		return 0, err
	}
	if img == ImageDyld && infos.DyldImageLoadAddress != 0 {
		return infos.DyldImageLoadAddress, nil
	}
	if info, ok := infos.Find(string(img)); ok {
		return info.LoadAddress, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrImageNotFound, img)
}

// runtimeState returns the address of dyld4::RuntimeState, found through the
// __dyld_apis section of libdyld.
func (r *darwinRuntime) runtimeState() (uintptr, error) {
	libdyld, err := r.header(ImageLibdyld)
	if err != nil {
		return 0, err
	}
	apis := resolveDyldRuntimeAPIs(libdyld, imageSlide(libdyld))
	if apis == 0 {
		return 0, errors.New("dyld: failed to resolve dyld runtime API section")
	}
	return apis, nil
}

func (r *darwinRuntime) LoadLibrarySafely(path string, mode Mode, entries *EntryPoints) (Handle, error) {
	if entries == nil {
		return Handle{}, ErrEntryPointNotFound
	}
	for e := range numEntries {
		if e.Required() && !entries.Has(e) {
			return Handle{}, fmt.Errorf("%w: %s", ErrEntryPointNotFound, e)
		}
	}
	apis, err := r.state()
	if err != nil {
		return Handle{}, err
	}
	cpath, err := cStringBytes(path)
	if err != nil {
		return Handle{}, err
	}
	r.mu.Lock()
	r.paths = append(r.paths, cpath)
	r.mu.Unlock()

	scratch, err := unix.Mmap(-1, 0, dyldScratchSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: failed to allocate dyld scratch space: %v", ErrLoad, err)
	}
	defer func() { _ = unix.Munmap(scratch) }()

	structspace := uintptr(unsafe.Pointer(&scratch[0]))
	diag := structspace
	cursor := structspace + diagnosticsSize
	chainMain := (*loadChain)(unsafe.Pointer(cursor))
	cursor += unsafe.Sizeof(loadChain{})
	chainCaller := (*loadChain)(unsafe.Pointer(cursor))
	cursor += unsafe.Sizeof(loadChain{})
	chainTop := (*loadChain)(unsafe.Pointer(cursor))
	cursor += unsafe.Sizeof(loadChain{})
	options := (*loadOptions)(unsafe.Pointer(cursor))

	if entries.Has(EntryDiagnosticsCtor) {
		call1(entries[EntryDiagnosticsCtor], diag)
	}
	if entries.WritableLock() {
		if mm := call0(entries[EntryMemoryManager]); mm != 0 {
			enterWritableDyldState(mm, entries)
			defer exitWritableDyldState(mm, entries)
		}
	}

	loaded := (*loadedVector)(unsafe.Pointer(apis + 32))
	startLoaderCount := loaded.Size

	chainMain.Image = *(*uintptr)(unsafe.Pointer(apis + 24))
	chainCaller.Previous = uintptr(unsafe.Pointer(chainMain))
	chainCaller.Image = loadedElement(loaded, 0)

	options.CanBeDylib = true
	options.CanBeBundle = true
	options.RtldLocal = mode&RTLDLocal != 0
	options.RtldNoLoad = mode&RTLDNoLoad != 0
	options.RtldNoDelete = true
	options.UseFallBackPaths = true
	options.RpathStack = uintptr(unsafe.Pointer(chainCaller))

	call1(entries[EntryDiagnosticsClearError], diag)
	topLoader := call4(entries[EntryGetLoader], diag, apis, cStringPtr(cpath), uintptr(unsafe.Pointer(options)))
	if err := diagnosticsError(diag, entries, EntryGetLoader); err != nil {
		return Handle{}, err
	}
	if topLoader == 0 {
		if mode&RTLDNoLoad != 0 {
			return Handle{}, fmt.Errorf("%w: %s", ErrImageNotFound, path)
		}
		return Handle{}, fmt.Errorf("%w: %s returned no loader", ErrLoad, EntryGetLoader)
	}

	if mode&RTLDNoLoad == 0 {
		chainTop.Previous = uintptr(unsafe.Pointer(chainCaller))
		chainTop.Image = topLoader
		options.RpathStack = uintptr(unsafe.Pointer(chainTop))

		call1(entries[EntryDiagnosticsClearError], diag)
		call4(entries[EntryLoadDependents], topLoader, diag, apis, uintptr(unsafe.Pointer(options)))
		if err := diagnosticsError(diag, entries, EntryLoadDependents); err != nil {
			return Handle{}, err
		}

		newLoadersCount := loaded.Size - startLoaderCount
		if newLoadersCount != 0 {
			dcd := dyldCacheDataConstLazyScopedWriter{State: apis}
			for i := uintptr(0); i < newLoadersCount; i++ {
				ldr := loadedElement(loaded, startLoaderCount+i)
				call6(entries[EntryApplyFixups], ldr, diag, apis, uintptr(unsafe.Pointer(&dcd)), 1, 0)
			}
			runtime.KeepAlive(&dcd)
			if err := diagnosticsError(diag, entries, EntryApplyFixups); err != nil {
				return Handle{}, err
			}
		}

		call2(entries[EntryIncDlRefCount], apis, topLoader)
		call2(entries[EntryRunInitializers], topLoader, apis)
	}

	h := Handle{Loader: topLoader, Path: path}
	if entries.Has(EntryLoadAddress) {
		h.Header = call2(entries[EntryLoadAddress], topLoader, apis)
	}
	if h.Header != 0 {
		r.mu.Lock()
		r.loaded[Image(path)] = h.Header
		r.mu.Unlock()
	}
	log.WithFields(log.Fields{
		"path":    path,
		"loaders": loaded.Size - startLoaderCount,
	}).Debug("dyld internal load finished")
	return h, nil
}

func diagnosticsError(diag uintptr, entries *EntryPoints, step Entry) error {
	if call1(entries[EntryDiagnosticsHasError], diag) == 0 {
		return nil
	}
	if msg := diagnosticsMessage(diag, entries[EntryDiagnosticsErrorMessage]); msg != "" {
		return fmt.Errorf("%w: %s reported diagnostics error: %s", ErrLoad, step, msg)
	}
	return fmt.Errorf("%w: %s reported diagnostics error", ErrLoad, step)
}

func diagnosticsMessage(diag uintptr, errorMessageFn uintptr) string {
	if diag == 0 || errorMessageFn == 0 {
		return ""
	}
	msgPtr := call1(errorMessageFn, diag)
	if msgPtr == 0 {
		return ""
	}
	return strings.TrimSpace(cStringAt(msgPtr))
}

func locateSharedCache() (*sharedCache, error) {
	start, err := sharedRegionStartAddr()
	if err != nil {
		return nil, err
	}
	header := (*dyldCacheHeader)(unsafe.Pointer(start))
	sfm := (*sharedFileMapping)(unsafe.Pointer(start + uintptr(header.MappingOffset)))
	c := &sharedCache{
		start:  start,
		header: header,
		slide:  uint64(start) - sfm.Address,
	}
	if count, offset := c.images(); count == 0 || offset == 0 {
		return nil, errors.New("dyld: shared cache has no image table")
	}
	return c, nil
}

func sharedRegionStartAddr() (uintptr, error) {
	var address uintptr
	_, _, errno := unix.Syscall(syscallSharedRegionCheckNP, uintptr(unsafe.Pointer(&address)), 0, 0)
	if errno != 0 {
		return 0, errno
	}
	if address == 0 {
		return 0, errors.New("shared region address is nil")
	}
	return address, nil
}

func (c *sharedCache) images() (count, offset uint32) {
	count = c.header.ImagesCountOld
	if count == 0 {
		count = c.header.ImagesCount
	}
	offset = c.header.ImagesOffsetOld
	if offset == 0 {
		offset = c.header.ImagesOffset
	}
	return count, offset
}

// find returns the slid header address of the cache image at wantPath.
func (c *sharedCache) find(wantPath string) uintptr {
	count, offset := c.images()
	entrySize := unsafe.Sizeof(dyldCacheImageInfo{})
	base := c.start + uintptr(offset)
	for i := uint32(0); i < count; i++ {
		entry := (*dyldCacheImageInfo)(unsafe.Pointer(base + uintptr(i)*entrySize))
		if cStringEqual(c.start+uintptr(entry.PathFileOffset), wantPath) {
			return uintptr(entry.Address + c.slide)
		}
	}
	return 0
}

func imageUUID(header uintptr) [16]byte {
	mh := (*machHeader64)(unsafe.Pointer(header))
	data := unsafe.Slice((*byte)(unsafe.Pointer(header)), macho.HeaderSize+int(mh.SizeCmds))
	s, err := macho.NewSlice("", data, nil)
	if err != nil {
		return [16]byte{}
	}
	id, _ := s.UUID()
	return id
}

// imageSlide is the distance between where the image is loaded and where its
// __TEXT segment asks to be.
func imageSlide(header uintptr) uint64 {
	text := findLoadedSegment(header, "__TEXT")
	if text == nil {
		return 0
	}
	return uint64(header) - text.VMAddr
}

func findLoadedSegment(base uintptr, name string) *segmentCommand64 {
	mh := (*machHeader64)(unsafe.Pointer(base))
	lc := base + unsafe.Sizeof(machHeader64{})
	for i := uint32(0); i < mh.NCmds; i++ {
		cmd := (*loadCommand)(unsafe.Pointer(lc))
		if cmd.Cmd == lcSegment64 {
			seg := (*segmentCommand64)(unsafe.Pointer(lc))
			if fixedCString(seg.SegName[:]) == name {
				return seg
			}
		}
		lc += uintptr(cmd.CmdSize)
	}
	return nil
}

// findSection returns the slid address of a section, in segName or, when
// segName is empty, in any segment.
func findSection(base uintptr, segName, sectName string, slide uint64) uintptr {
	mh := (*machHeader64)(unsafe.Pointer(base))
	lc := base + unsafe.Sizeof(machHeader64{})

	for i := uint32(0); i < mh.NCmds; i++ {
		cmd := (*loadCommand)(unsafe.Pointer(lc))
		if cmd.Cmd == lcSegment64 {
			seg := (*segmentCommand64)(unsafe.Pointer(lc))
			if segName == "" || fixedCString(seg.SegName[:]) == segName {
				sect := lc + unsafe.Sizeof(segmentCommand64{})
				for j := uint32(0); j < seg.NSects; j++ {
					s := (*section64)(unsafe.Pointer(sect + uintptr(j)*unsafe.Sizeof(section64{})))
					if fixedCString(s.SectName[:]) == sectName {
						return uintptr(s.Addr + slide)
					}
				}
			}
		}
		lc += uintptr(cmd.CmdSize)
	}
	return 0
}

func resolveDyldRuntimeAPIs(libdyld uintptr, slide uint64) uintptr {
	// Legacy segment first for older cache layouts, then the newer constant
	// segments, then any segment.
	for _, seg := range []string{"__TPRO_CONST", "__DATA_CONST", "__AUTH_CONST", "__DATA", ""} {
		sec := findSection(libdyld, seg, "__dyld_apis", slide)
		if apis := dyldRuntimeAPIsFromSection(sec); apis != 0 {
			return apis
		}
	}
	return 0
}

func dyldRuntimeAPIsFromSection(sectionAddr uintptr) uintptr {
	if sectionAddr == 0 {
		return 0
	}
	if apis := *(*uintptr)(unsafe.Pointer(sectionAddr)); apis != 0 {
		return apis
	}
	// Some layouts place the APIs struct at the section base. Check the
	// main image and loaded vector slots used by the load path.
	imagePtr := *(*uintptr)(unsafe.Pointer(sectionAddr + 24))
	vectorElemPtr := *(*uintptr)(unsafe.Pointer(sectionAddr + 32))
	if imagePtr != 0 || vectorElemPtr != 0 {
		return sectionAddr
	}
	return 0
}

// forEachSymbol calls fn with the address of each symbol's name and its
// unslid value until fn returns false. It returns the __TEXT vmaddr, or
// false when the image has no usable symbol table.
func forEachSymbol(base uintptr, fn func(name uintptr, value uint64) bool) (uint64, bool) {
	mh := (*machHeader64)(unsafe.Pointer(base))
	lc := base + unsafe.Sizeof(machHeader64{})

	var (
		symtab   *symtabCommand
		linkedit *segmentCommand64
		text     *segmentCommand64
	)
	for i := uint32(0); i < mh.NCmds; i++ {
		cmd := (*loadCommand)(unsafe.Pointer(lc))
		switch cmd.Cmd {
		case lcSymtab:
			symtab = (*symtabCommand)(unsafe.Pointer(lc))
		case lcSegment64:
			seg := (*segmentCommand64)(unsafe.Pointer(lc))
			switch fixedCString(seg.SegName[:]) {
			case "__LINKEDIT":
				linkedit = seg
			case "__TEXT":
				text = seg
			}
		}
		lc += uintptr(cmd.CmdSize)
	}
	if symtab == nil || linkedit == nil || text == nil {
		return 0, false
	}

	fileSlide := int64(linkedit.VMAddr) - int64(text.VMAddr) - int64(linkedit.FileOff)
	strtab := base + uintptr(fileSlide+int64(symtab.StrOff))
	nlBase := base + uintptr(fileSlide+int64(symtab.SymOff))
	nlSize := unsafe.Sizeof(nlist64{})
	for i := uint32(0); i < symtab.NSyms; i++ {
		nl := (*nlist64)(unsafe.Pointer(nlBase + uintptr(i)*nlSize))
		if nl.Strx == 0 || nl.Value == 0 {
			continue
		}
		if !fn(strtab+uintptr(nl.Strx), nl.Value) {
			break
		}
	}
	return text.VMAddr, true
}

func findSymbolOffset(base uintptr, symbol string) (uint64, bool) {
	var (
		value uint64
		found bool
	)
	text, ok := forEachSymbol(base, func(name uintptr, v uint64) bool {
		if cStringEqual(name, symbol) {
			value, found = v, true
			return false
		}
		return true
	})
	if !ok || !found {
		return 0, false
	}
	return value - text, true
}

func matchSymbolOffset(base uintptr, parts []string) (uint64, bool) {
	bestLen := math.MaxInt
	var (
		value uint64
		found bool
	)
	text, ok := forEachSymbol(base, func(name uintptr, v uint64) bool {
		s := cStringAt(name)
		if len(s) < bestLen && macho.MatchesAll(s, parts) {
			bestLen = len(s)
			value, found = v, true
		}
		return true
	})
	if !ok || !found {
		return 0, false
	}
	return value - text, true
}

func loadedElement(v *loadedVector, idx uintptr) uintptr {
	if v == nil || v.Elements == 0 {
		return 0
	}
	stride := unsafe.Sizeof(uintptr(0))
	return *(*uintptr)(unsafe.Pointer(v.Elements + idx*stride))
}

// enterWritableDyldState bumps the write counter of the dyld memory manager,
// unprotecting its state on the first entry.
func enterWritableDyldState(mm uintptr, entries *EntryPoints) {
	call1(entries[EntryLockLock], mm)
	counter := (*uint64)(unsafe.Pointer(mm + 0x18))
	c := *counter
	if c == 0 {
		call2(entries[EntryWriteProtect], mm, 0)
		c = *counter
	}
	*counter = c + 1
	call1(entries[EntryLockUnlock], mm)
}

func exitWritableDyldState(mm uintptr, entries *EntryPoints) {
	call1(entries[EntryLockLock], mm)
	counter := (*uint64)(unsafe.Pointer(mm + 0x18))
	if c := *counter; c != 0 {
		c--
		*counter = c
		if c == 0 {
			call2(entries[EntryWriteProtect], mm, 1)
		}
	}
	call1(entries[EntryLockUnlock], mm)
}

func fixedCString(buf []byte) string {
	end := 0
	for end < len(buf) && buf[end] != 0 {
		end++
	}
	return string(buf[:end])
}

func cStringAt(ptr uintptr) string {
	if ptr == 0 {
		return ""
	}
	buf := make([]byte, 0, 64)
	for i := 0; i < 4096; i++ {
		b := *(*byte)(unsafe.Pointer(ptr + uintptr(i)))
		if b == 0 {
			break
		}
		buf = append(buf, b)
	}
	return string(buf)
}

func cStringEqual(ptr uintptr, want string) bool {
	if ptr == 0 {
		return false
	}
	for i := 0; i < len(want); i++ {
		if *(*byte)(unsafe.Pointer(ptr + uintptr(i))) != want[i] {
			return false
		}
	}
	return *(*byte)(unsafe.Pointer(ptr + uintptr(len(want)))) == 0
}

func cStringBytes(s string) ([]byte, error) {
	if strings.ContainsRune(s, '\x00') {
		return nil, errors.New("dyld: path contains NUL")
	}
	b := make([]byte, len(s)+1)
	copy(b, s)
	return b, nil
}

func cStringPtr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
