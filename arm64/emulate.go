// Package arm64 decodes the small set of AArch64 instructions that form
// PC-relative addresses: ADRP, ADD (immediate) and LDR (immediate, unsigned
// offset), alone and in their two-instruction idioms.
//
// Every decoder is total over uint32 and reports ok == false for words that
// do not match the expected encoding. Callers must skip the site in that
// case; there is no best-effort fallback.
package arm64

const pageMask = 0xfff

const (
	adrpMask  = 0x9f000000
	adrpValue = 0x90000000

	// ADD (immediate), 32 and 64-bit, flags not set.
	addImmMask  = 0x7f800000
	addImmValue = 0x11000000

	// LDR/LDRB/LDRH (immediate, unsigned offset), general registers.
	ldrUImmMask  = 0x3fc00000
	ldrUImmValue = 0x39400000
)

// Word is one instruction paired with the address it was read from.
type Word struct {
	PC  uint64
	Raw uint32
}

// Rd returns the destination register field shared by the data-processing
// encodings handled here.
func Rd(instr uint32) uint8 { return uint8(instr & 0x1f) }

// Rn returns the first source (base) register field.
func Rn(instr uint32) uint8 { return uint8((instr >> 5) & 0x1f) }

// IsADRP reports whether instr is an ADRP.
func IsADRP(instr uint32) bool { return instr&adrpMask == adrpValue }

// ADRP returns the 4KB-aligned page address that instr materialises when
// executed at pc.
func ADRP(instr uint32, pc uint64) (uint64, bool) {
	if !IsADRP(instr) {
		return 0, false
	}
	immlo := uint64((instr >> 29) & 0x3)
	immhi := uint64((instr >> 5) & 0x7ffff)
	imm := signExtend(immhi<<2|immlo, 21) << 12
	return (pc &^ pageMask) + uint64(imm), true
}

// IsAddImm reports whether instr is an ADD (immediate) in either width.
func IsAddImm(instr uint32) bool { return instr&addImmMask == addImmValue }

// AddImm decodes ADD (immediate). The returned immediate already has the
// optional LSL #12 applied.
func AddImm(instr uint32) (rd, rn uint8, imm uint32, ok bool) {
	if !IsAddImm(instr) {
		return 0, 0, 0, false
	}
	imm = (instr >> 10) & 0xfff
	if instr&(1<<22) != 0 {
		imm <<= 12
	}
	return Rd(instr), Rn(instr), imm, true
}

// AddImmSF reports whether an ADD (immediate) operates on 64-bit registers.
func AddImmSF(instr uint32) bool { return instr&(1<<31) != 0 }

// ADRPAdd resolves the "adrp xN, page; add xM, xN, #off" idiom. The ADD
// must consume the register the ADRP wrote.
func ADRPAdd(adrp, add uint32, pc uint64) (uint64, bool) {
	page, ok := pairedADRP(adrp, pc)
	if !ok {
		return 0, false
	}
	_, rn, imm, ok := AddImm(add)
	if !ok || rn != Rd(adrp) {
		return 0, false
	}
	addr := page + uint64(imm)
	if !AddImmSF(add) {
		addr = uint64(uint32(addr))
	}
	return addr, true
}

// LdrUImm decodes LDR (immediate, unsigned offset) for general registers of
// any access size. offset is imm12 scaled by the access size.
func LdrUImm(instr uint32) (rt, rn uint8, offset uint32, ok bool) {
	if instr&ldrUImmMask != ldrUImmValue {
		return 0, 0, 0, false
	}
	size := (instr >> 30) & 0x3
	offset = ((instr >> 10) & 0xfff) << size
	return Rd(instr), Rn(instr), offset, true
}

// ADRPLdr resolves the "adrp xN, page; ldr xT, [xN, #off]" idiom and returns
// the address the load reads from.
func ADRPLdr(adrp, ldr uint32, pc uint64) (uint64, bool) {
	page, ok := pairedADRP(adrp, pc)
	if !ok {
		return 0, false
	}
	_, rn, offset, ok := LdrUImm(ldr)
	if !ok || rn != Rd(adrp) {
		return 0, false
	}
	return page + uint64(offset), true
}

// pairedADRP decodes the ADRP of a pair. Register 31 is XZR as the ADRP
// destination but SP as the base of the following ADD or LDR, so such a pair
// never links the two instructions.
func pairedADRP(adrp uint32, pc uint64) (uint64, bool) {
	if Rd(adrp) == 31 {
		return 0, false
	}
	return ADRP(adrp, pc)
}

// IsPCRelative reports whether instr computes an address or branch target
// from the PC. Such instructions cannot be copied to another address as-is.
func IsPCRelative(instr uint32) bool {
	switch {
	case instr&0x1f000000 == 0x10000000: // ADR, ADRP
		return true
	case instr&0x3b000000 == 0x18000000: // LDR (literal), LDRSW, PRFM
		return true
	case instr&0x7c000000 == 0x14000000: // B, BL
		return true
	case instr&0xff000010 == 0x54000000: // B.cond
		return true
	case instr&0x7e000000 == 0x34000000: // CBZ, CBNZ
		return true
	case instr&0x7e000000 == 0x36000000: // TBZ, TBNZ
		return true
	}
	return false
}

func signExtend(v uint64, bits uint) int64 {
	shift := 64 - bits
	return int64(v<<shift) >> shift
}
