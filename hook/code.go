package hook

import (
	"encoding/binary"
	"fmt"

	"github.com/sliverarmory/guestkit/arm64"
)

const (
	ldrX16Literal8 = 0x58000050 // ldr x16, #8
	brX16          = 0xd61f0200 // br x16
	ret            = 0xd65f03c0
	movX0Zero      = 0xd2800000 // mov x0, #0
	branchOver8    = 0x14000003 // b #12, past a .quad

	ldrLiteral64 = 0x58000040 // ldr xN, #8
	movzW0       = 0x52800000
	movkW0Hi     = 0x72a00000 // movk w0, #imm, lsl #16
	bneOffset12  = 0x54000061 // b.ne #12
)

// FCheckLV is the fcntl command the loader uses to ask whether a library
// passes library validation.
const FCheckLV = 98

// cmpW1Imm is cmp w1, #imm12.
func cmpW1Imm(imm uint32) uint32 {
	return 0x7100003f | (imm&0xfff)<<10
}

func encode(words ...uint32) []byte {
	b := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(b[4*i:], w)
	}
	return b
}

func quad(v uint64) (lo, hi uint32) {
	return uint32(v), uint32(v >> 32)
}

// Jump returns the 16-byte absolute jump to dst. It clobbers x16, which the
// calling convention reserves for veneers.
func Jump(dst uint64) []byte {
	lo, hi := quad(dst)
	return encode(ldrX16Literal8, brX16, lo, hi)
}

// Relocate rewrites prolog, read from pc, so it runs correctly from any
// address. ADRP becomes a literal load of the page it computes; any other
// PC-relative instruction fails with ErrRelativeAddr.
func Relocate(prolog []byte, pc uint64) ([]byte, error) {
	if len(prolog)%4 != 0 {
		return nil, fmt.Errorf("hook: prolog of %d bytes is not whole instructions", len(prolog))
	}
	var out []byte
	for _, w := range arm64.Words(prolog, pc) {
		if page, ok := arm64.ADRP(w.Raw, w.PC); ok {
			lo, hi := quad(page)
			out = append(out, encode(ldrLiteral64|uint32(arm64.Rd(w.Raw)), branchOver8, lo, hi)...)
			continue
		}
		if arm64.IsPCRelative(w.Raw) {
			return nil, fmt.Errorf("%w: %s", ErrRelativeAddr, w)
		}
		out = append(out, encode(w.Raw)...)
	}
	return out, nil
}

// LibraryValidationFilter returns an fcntl replacement that answers
// F_CHECK_LV with 0 and tail-calls original for every other command.
func LibraryValidationFilter(original uintptr) []byte {
	lo, hi := quad(uint64(original))
	return encode(
		cmpW1Imm(FCheckLV),
		bneOffset12,
		movX0Zero,
		ret,
		ldrX16Literal8,
		brX16,
		lo, hi,
	)
}

// ConstantStub returns a function that returns v in w0.
func ConstantStub(v uint32) []byte {
	return encode(
		movzW0|(v&0xffff)<<5,
		movkW0Hi|(v>>16)<<5,
		ret,
	)
}
