// Package codesign reads the embedded code signature of a Mach-O slice far
// enough to tell whether its first page still matches the signed hash.
package codesign

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"

	"github.com/blacktop/go-macho/pkg/codesign/types"

	"github.com/sliverarmory/guestkit/macho"
)

const (
	MagicEmbeddedSignature = uint32(types.MAGIC_EMBEDDED_SIGNATURE)
	MagicCodeDirectory     = uint32(types.MAGIC_CODEDIRECTORY)
)

// Hash types.
const (
	HashSHA1            = uint8(types.HASHTYPE_SHA1)
	HashSHA256          = uint8(types.HASHTYPE_SHA256)
	HashSHA256Truncated = uint8(types.HASHTYPE_SHA256_TRUNCATED)
)

// maxPageShift keeps 1<<PageShift within a uint32.
const maxPageShift = 31

var (
	superBlobSize = uint64(binary.Size(types.SbHeader{}))
	blobIndexSize = uint64(binary.Size(types.BlobIndex{}))
	// The blob header plus the fields every CodeDirectory version carries.
	minDirectorySize = uint32(binary.Size(types.BlobHeader{}) + binary.Size(types.CdEarliest{}))
)

// Oldest CodeDirectory version this package reads.
const minVersion = 0x20001

var (
	ErrNotSigned       = errors.New("codesign: no code signature")
	ErrBadSignature    = errors.New("codesign: malformed signature")
	ErrUnsupportedHash = errors.New("codesign: unsupported hash type")
)

// Directory is a decoded CodeDirectory header. Offsets are relative to the
// start of the slice.
type Directory struct {
	Slot       uint32
	Offset     uint32
	Length     uint32
	Version    uint32
	Flags      uint32
	HashOffset uint32
	NSpecial   uint32
	NCodeSlots uint32
	CodeLimit  uint32
	HashSize   uint8
	HashType   uint8
	PageShift  uint8
	Identifier string
}

// PageSize returns the size of one hashed page. A zero shift means the
// whole code range is one page.
func (d *Directory) PageSize() uint32 {
	if d.PageShift == 0 || d.PageShift > maxPageShift {
		return d.CodeLimit
	}
	return 1 << d.PageShift
}

// PageZeroLen returns the number of bytes the page-0 hash covers.
func (d *Directory) PageZeroLen() uint32 {
	return min(d.PageSize(), d.CodeLimit)
}

// PageZeroSlot returns the slice offset of the page-0 hash.
func (d *Directory) PageZeroSlot() uint32 {
	return d.Offset + d.HashOffset
}

// Covers reports whether the directory hashes page 0 with a supported hash.
func (d *Directory) Covers() bool {
	return d.NCodeSlots > 0 && d.CodeLimit > 0 && d.HashSize > 0 && newHash(d.HashType) != nil
}

// HashPage returns the digest of page truncated to the directory hash size.
func (d *Directory) HashPage(page []byte) ([]byte, error) {
	h := newHash(d.HashType)
	if h == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedHash, d.HashType)
	}
	h.Write(page)
	sum := h.Sum(nil)
	if int(d.HashSize) > len(sum) {
		return nil, fmt.Errorf("%w: hash size %d for type %d", ErrBadSignature, d.HashSize, d.HashType)
	}
	return sum[:d.HashSize], nil
}

// MatchesPageZero compares the stored page-0 hash against slice, which must
// start at the slice header and hold at least PageZeroLen bytes.
func (d *Directory) MatchesPageZero(slice []byte, stored []byte) (bool, error) {
	n := d.PageZeroLen()
	if uint64(len(slice)) < uint64(n) {
		return false, fmt.Errorf("%w: page 0 needs %d bytes, have %d", macho.ErrTruncated, n, len(slice))
	}
	sum, err := d.HashPage(slice[:n])
	if err != nil {
		return false, err
	}
	return bytes.Equal(sum, stored), nil
}

func newHash(t uint8) hash.Hash {
	switch t {
	case HashSHA1:
		return sha1.New()
	case HashSHA256, HashSHA256Truncated:
		return sha256.New()
	}
	return nil
}

// ParseSignature decodes the code directories of the SuperBlob in sig,
// which was read from slice offset sigOff.
func ParseSignature(sig []byte, sigOff uint32) ([]Directory, error) {
	r := bytes.NewReader(sig)
	var sb types.SbHeader
	if err := binary.Read(r, binary.BigEndian, &sb); err != nil {
		return nil, fmt.Errorf("%w: superblob is %d bytes", ErrBadSignature, len(sig))
	}
	if sb.Magic != types.MAGIC_EMBEDDED_SIGNATURE {
		return nil, fmt.Errorf("%w: superblob magic %s", ErrBadSignature, sb.Magic)
	}
	if uint64(sb.Length) < superBlobSize || uint64(sb.Length) > uint64(len(sig)) {
		return nil, fmt.Errorf("%w: superblob length %#x outside %#x", ErrBadSignature, sb.Length, len(sig))
	}
	sig = sig[:sb.Length]
	if superBlobSize+uint64(sb.Count)*blobIndexSize > uint64(sb.Length) {
		return nil, fmt.Errorf("%w: superblob lists %d blobs", ErrBadSignature, sb.Count)
	}
	index := make([]types.BlobIndex, sb.Count)
	if err := binary.Read(r, binary.BigEndian, index); err != nil {
		return nil, fmt.Errorf("%w: blob index: %v", ErrBadSignature, err)
	}

	var dirs []Directory
	for _, idx := range index {
		if !isDirectorySlot(idx.Type) {
			continue
		}
		d, err := parseDirectory(sig, idx.Offset)
		if err != nil {
			return nil, fmt.Errorf("slot %#x: %w", uint32(idx.Type), err)
		}
		d.Slot = uint32(idx.Type)
		d.Offset += sigOff
		dirs = append(dirs, d)
	}
	if len(dirs) == 0 {
		return nil, fmt.Errorf("%w: no code directory", ErrBadSignature)
	}
	return dirs, nil
}

func isDirectorySlot(t types.SlotType) bool {
	return t == types.CSSLOT_CODEDIRECTORY ||
		(t >= types.CSSLOT_ALTERNATE_CODEDIRECTORIES && t < types.CSSLOT_ALTERNATE_CODEDIRECTORY_LIMIT)
}

func parseDirectory(sig []byte, off uint32) (Directory, error) {
	if uint64(off)+uint64(minDirectorySize) > uint64(len(sig)) {
		return Directory{}, fmt.Errorf("%w: code directory at %#x", ErrBadSignature, off)
	}
	b := sig[off:]
	r := bytes.NewReader(b)
	var (
		bh types.BlobHeader
		cd types.CdEarliest
	)
	if err := binary.Read(r, binary.BigEndian, &bh); err != nil {
		return Directory{}, fmt.Errorf("%w: code directory at %#x: %v", ErrBadSignature, off, err)
	}
	if bh.Magic != types.MAGIC_CODEDIRECTORY {
		return Directory{}, fmt.Errorf("%w: code directory magic %s", ErrBadSignature, bh.Magic)
	}
	if err := binary.Read(r, binary.BigEndian, &cd); err != nil {
		return Directory{}, fmt.Errorf("%w: code directory at %#x: %v", ErrBadSignature, off, err)
	}
	d := Directory{
		Offset:     off,
		Length:     bh.Length,
		Version:    uint32(cd.Version),
		Flags:      uint32(cd.Flags),
		HashOffset: cd.HashOffset,
		NSpecial:   cd.NSpecialSlots,
		NCodeSlots: cd.NCodeSlots,
		CodeLimit:  cd.CodeLimit,
		HashSize:   cd.HashSize,
		HashType:   uint8(cd.HashType),
		PageShift:  cd.PageSize,
	}
	if d.Version < minVersion {
		return d, fmt.Errorf("%w: code directory version %#x", ErrBadSignature, d.Version)
	}
	if d.PageShift > maxPageShift {
		return d, fmt.Errorf("%w: page shift %d", ErrBadSignature, d.PageShift)
	}
	if d.Length < minDirectorySize || uint64(d.Length) > uint64(len(b)) {
		return d, fmt.Errorf("%w: code directory length %#x", ErrBadSignature, d.Length)
	}
	b = b[:d.Length]
	if end := uint64(d.HashOffset) + uint64(d.NCodeSlots)*uint64(d.HashSize); d.HashOffset < minDirectorySize || end > uint64(d.Length) {
		return d, fmt.Errorf("%w: hash slots [%#x, %#x) outside code directory", ErrBadSignature, d.HashOffset, end)
	}
	if uint64(d.NSpecial)*uint64(d.HashSize) > uint64(d.HashOffset) {
		return d, fmt.Errorf("%w: %d special slots before %#x", ErrBadSignature, d.NSpecial, d.HashOffset)
	}
	if cd.IdentOffset >= minDirectorySize && cd.IdentOffset < d.Length {
		d.Identifier = macho.CString(b[cd.IdentOffset:])
	}
	return d, nil
}
