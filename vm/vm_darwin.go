//go:build darwin && cgo

package vm

/*
#include <mach/mach.h>
#include <mach/mach_vm.h>

static kern_return_t guestkit_vm_region(mach_vm_address_t addr, mach_vm_address_t *start,
	mach_vm_size_t *size, vm_region_basic_info_data_64_t *info) {
	mach_msg_type_number_t count = VM_REGION_BASIC_INFO_COUNT_64;
	mach_port_t object = MACH_PORT_NULL;
	*start = addr;
	*size = 0;
	kern_return_t kr = mach_vm_region(mach_task_self(), start, size, VM_REGION_BASIC_INFO_64,
		(vm_region_info_t)info, &count, &object);
	if (kr != KERN_SUCCESS) {
		return kr;
	}
	if (*start > addr) {
		return KERN_INVALID_ADDRESS;
	}
	return KERN_SUCCESS;
}

static kern_return_t guestkit_vm_query(mach_vm_address_t addr, int *prot) {
	mach_vm_address_t start;
	mach_vm_size_t size;
	vm_region_basic_info_data_64_t info;
	kern_return_t kr = guestkit_vm_region(addr, &start, &size, &info);
	if (kr != KERN_SUCCESS) {
		return kr;
	}
	*prot = info.protection;
	return KERN_SUCCESS;
}

// Only mappings whose maximum protection forbids writing (code and shared
// cache pages) need a private copy. Writable file mappings are changed in
// place so the write reaches the file.
static kern_return_t guestkit_vm_needs_copy(mach_vm_address_t addr, mach_vm_size_t len, int *copy) {
	mach_vm_address_t end = addr + len;
	*copy = 0;
	while (addr < end) {
		mach_vm_address_t start;
		mach_vm_size_t size;
		vm_region_basic_info_data_64_t info;
		kern_return_t kr = guestkit_vm_region(addr, &start, &size, &info);
		if (kr != KERN_SUCCESS) {
			return kr;
		}
		if ((info.max_protection & VM_PROT_WRITE) == 0) {
			*copy = 1;
			return KERN_SUCCESS;
		}
		addr = start + size;
	}
	return KERN_SUCCESS;
}

static kern_return_t guestkit_vm_protect(mach_vm_address_t addr, mach_vm_size_t size, int prot) {
	if (prot & VM_PROT_WRITE) {
		int copy;
		kern_return_t kr = guestkit_vm_needs_copy(addr, size, &copy);
		if (kr != KERN_SUCCESS) {
			return kr;
		}
		if (copy) {
			prot |= VM_PROT_COPY;
		}
	}
	return mach_vm_protect(mach_task_self(), addr, size, FALSE, prot);
}
*/
import "C"

import "fmt"

type machProtector struct{}

// System returns the Protector backed by the Mach VM interface. Write
// requests on mappings that can never be writable, such as code and shared
// cache pages, are made copy-on-write; writable file mappings are changed in
// place.
func System() Protector { return machProtector{} }

func (machProtector) Query(r Region) (Prot, error) {
	prot := ProtRead | ProtWrite | ProtExec
	for addr := r.Addr; addr < r.End(); addr += pageSize {
		var p C.int
		if kr := C.guestkit_vm_query(C.mach_vm_address_t(addr), &p); kr != C.KERN_SUCCESS {
			return 0, fmt.Errorf("mach_vm_region(%#x): kern_return %d", addr, int(kr))
		}
		prot &= Prot(p)
	}
	return prot, nil
}

func (machProtector) Protect(r Region, prot Prot) error {
	if kr := C.guestkit_vm_protect(C.mach_vm_address_t(r.Addr), C.mach_vm_size_t(r.Size), C.int(prot)); kr != C.KERN_SUCCESS {
		return fmt.Errorf("mach_vm_protect(%s, %s): kern_return %d", r, prot, int(kr))
	}
	return nil
}
