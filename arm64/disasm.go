package arm64

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"
)

// Disassemble renders a single instruction. Words the decoder does not know
// are rendered as ".word 0x...".
func Disassemble(instr uint32) string {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], instr)
	inst, err := arm64asm.Decode(buf[:])
	if err != nil {
		return fmt.Sprintf(".word 0x%08x", instr)
	}
	return inst.String()
}

// String renders w as "<pc>: <instruction>".
func (w Word) String() string {
	return fmt.Sprintf("%#x: %s", w.PC, Disassemble(w.Raw))
}

// Words splits little-endian code bytes into instruction words starting at
// pc. A trailing partial word is ignored.
func Words(code []byte, pc uint64) []Word {
	words := make([]Word, 0, len(code)/4)
	for off := 0; off+4 <= len(code); off += 4 {
		words = append(words, Word{
			PC:  pc + uint64(off),
			Raw: binary.LittleEndian.Uint32(code[off:]),
		})
	}
	return words
}

// FindADRPAdd scans words for the first ADRP+ADD pair and returns the
// address it forms.
func FindADRPAdd(words []Word) (uint64, bool) {
	for i := 0; i+1 < len(words); i++ {
		if addr, ok := ADRPAdd(words[i].Raw, words[i+1].Raw, words[i].PC); ok {
			return addr, true
		}
	}
	return 0, false
}

// FindADRPLdr scans words for the first ADRP+LDR pair and returns the address
// the load reads from.
func FindADRPLdr(words []Word) (uint64, bool) {
	for i := 0; i+1 < len(words); i++ {
		if addr, ok := ADRPLdr(words[i].Raw, words[i+1].Raw, words[i].PC); ok {
			return addr, true
		}
	}
	return 0, false
}
