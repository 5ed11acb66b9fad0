//go:build darwin && cgo

package patch_test

import (
	"bytes"
	"testing"

	"github.com/sliverarmory/guestkit/codesign"
	"github.com/sliverarmory/guestkit/internal/machotest"
	"github.com/sliverarmory/guestkit/macho"
	"github.com/sliverarmory/guestkit/patch"
)

func TestFileReachesDisk(t *testing.T) {
	path, _ := machotest.Write(t, t.TempDir(), "guest", machotest.Options{Signed: true})
	before := readFile(t, path)

	if err := patch.File(path, true); err != nil {
		t.Fatalf("File(%s): %v", path, err)
	}
	after := readFile(t, path)
	if bytes.Equal(before, after) {
		t.Fatalf("File(%s) left the file unchanged", path)
	}
	h, err := macho.DecodeHeader(after)
	if err != nil {
		t.Fatal(err)
	}
	if h.FileType != macho.MHDylib {
		t.Fatalf("filetype on disk = %s", macho.FileTypeName(h.FileType))
	}
	if !codesign.Check(path) {
		t.Fatalf("Check(%s) = false after File()", path)
	}
}
