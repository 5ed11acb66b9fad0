//go:build cgo && (darwin || linux)

package hook

/*
#include <stddef.h>
#ifdef __APPLE__
#include <libkern/OSCacheControl.h>
static void guestkit_flush_icache(void *addr, size_t n) { sys_icache_invalidate(addr, n); }
#else
static void guestkit_flush_icache(void *addr, size_t n) { __builtin___clear_cache((char *)addr, (char *)addr + n); }
#endif
*/
import "C"

import "unsafe"

func flushICache(addr uintptr, n int) {
	C.guestkit_flush_icache(unsafe.Pointer(addr), C.size_t(n))
}
