package mm

const (
	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = 12

	// PageSize defines the system's page size in bytes.
	PageSize = uint32(1 << PageShift)
)

// The ECO32 virtual address space is split into fixed windows. Only the two
// lower windows are translated through the TLB; the upper ones are mapped
// directly by the hardware.
const (
	// UserMappedStart is the first user virtual address.
	UserMappedStart = uint32(0x00000000)

	// KernelMappedStart is the first kernel virtual address translated
	// through the TLB. User mode accesses at or above this address are
	// always invalid.
	KernelMappedStart = uint32(0x80000000)

	// DirectMappedRAMStart is the start of the directly mapped RAM window.
	DirectMappedRAMStart = uint32(0xC0000000)

	// DirectMappedROMStart is the start of the directly mapped ROM window.
	DirectMappedROMStart = uint32(0xE0000000)

	// DirectMappedIOStart is the start of the directly mapped I/O window.
	DirectMappedIOStart = uint32(0xF0000000)

	// FixmapPages is the number of compile-time fixed mappings placed at
	// the start of the kernel mapped window.
	FixmapPages = 16

	// VmallocStart is the first address of the dynamically mapped kernel
	// range. Faults in [VmallocStart, VmallocEnd) are resolved by
	// mirroring the master kernel directory.
	VmallocStart = KernelMappedStart + FixmapPages*PageSize

	// VmallocEnd is the end (exclusive) of the dynamic kernel range.
	VmallocEnd = DirectMappedRAMStart
)

// IsKernelMapped returns true if addr belongs to the TLB-translated kernel
// window.
func IsKernelMapped(addr uint32) bool {
	return addr >= KernelMappedStart && addr < DirectMappedRAMStart
}

// IsVmalloc returns true if addr belongs to the dynamically mapped kernel
// range.
func IsVmalloc(addr uint32) bool {
	return addr >= VmallocStart && addr < VmallocEnd
}
