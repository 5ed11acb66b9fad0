//go:build darwin && (amd64 || arm64) && cgo

package dyld

/*
#include <stdint.h>
#include <mach/mach.h>
#include <mach-o/dyld_images.h>

typedef uintptr_t (*guestkit_fn10_t)(
	uintptr_t, uintptr_t, uintptr_t, uintptr_t, uintptr_t,
	uintptr_t, uintptr_t, uintptr_t, uintptr_t, uintptr_t
);

static uintptr_t guestkit_call10(
	uintptr_t fn,
	uintptr_t a0, uintptr_t a1, uintptr_t a2, uintptr_t a3, uintptr_t a4,
	uintptr_t a5, uintptr_t a6, uintptr_t a7, uintptr_t a8, uintptr_t a9
) {
	return ((guestkit_fn10_t)fn)(a0, a1, a2, a3, a4, a5, a6, a7, a8, a9);
}

static const struct dyld_all_image_infos *guestkit_all_image_infos(void) {
	struct task_dyld_info info;
	mach_msg_type_number_t count = TASK_DYLD_INFO_COUNT;
	if (task_info(mach_task_self(), TASK_DYLD_INFO, (task_info_t)&info, &count) != KERN_SUCCESS) {
		return NULL;
	}
	return (const struct dyld_all_image_infos *)(uintptr_t)info.all_image_info_addr;
}
*/
import "C"

import (
	"errors"
	"unsafe"
)

func call0(fn uintptr) uintptr {
	return call10(fn, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0)
}

func call1(fn, a0 uintptr) uintptr {
	return call10(fn, a0, 0, 0, 0, 0, 0, 0, 0, 0, 0)
}

func call2(fn, a0, a1 uintptr) uintptr {
	return call10(fn, a0, a1, 0, 0, 0, 0, 0, 0, 0, 0)
}

func call4(fn, a0, a1, a2, a3 uintptr) uintptr {
	return call10(fn, a0, a1, a2, a3, 0, 0, 0, 0, 0, 0)
}

func call6(fn, a0, a1, a2, a3, a4, a5 uintptr) uintptr {
	return call10(fn, a0, a1, a2, a3, a4, a5, 0, 0, 0, 0)
}

func call10(fn, a0, a1, a2, a3, a4, a5, a6, a7, a8, a9 uintptr) uintptr {
	return uintptr(C.guestkit_call10(
		C.uintptr_t(fn),
		C.uintptr_t(a0),
		C.uintptr_t(a1),
		C.uintptr_t(a2),
		C.uintptr_t(a3),
		C.uintptr_t(a4),
		C.uintptr_t(a5),
		C.uintptr_t(a6),
		C.uintptr_t(a7),
		C.uintptr_t(a8),
		C.uintptr_t(a9),
	))
}

// sharedCacheFieldsVersion is the first dyld_all_image_infos version with
// the shared cache slide and base address.
const sharedCacheFieldsVersion = 15

func readAllImageInfos() (*AllImageInfos, error) {
	infos := C.guestkit_all_image_infos()
	if infos == nil {
		return nil, errors.New("dyld: task_info(TASK_DYLD_INFO) failed")
	}

	out := &AllImageInfos{
		Version:              uint32(infos.version),
		LibSystemInitialized: bool(infos.libSystemInitialized),
		DyldImageLoadAddress: uintptr(unsafe.Pointer(infos.dyldImageLoadAddress)),
	}
	if out.Version >= sharedCacheFieldsVersion {
		out.SharedCacheSlide = uintptr(infos.sharedCacheSlide)
		out.SharedCacheBaseAddress = uintptr(infos.sharedCacheBaseAddress)
	}

	// infoArray is NULL while dyld is updating it.
	if infos.infoArray == nil {
		return out, nil
	}
	array := unsafe.Slice(infos.infoArray, int(infos.infoArrayCount))
	out.Images = make([]ImageInfo, 0, len(array))
	for _, img := range array {
		info := ImageInfo{
			LoadAddress: uintptr(unsafe.Pointer(img.imageLoadAddress)),
			ModDate:     uintptr(img.imageFileModDate),
		}
		if img.imageFilePath != nil {
			info.Path = C.GoString(img.imageFilePath)
		}
		out.Images = append(out.Images, info)
	}
	return out, nil
}
