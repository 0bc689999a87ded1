package heap

// Global is the process-wide allocator instance backing the kernel's
// domain allocations, with an explicit Init lifecycle: kernel_main calls
// Global.Init once with the SDRAM range before any task runs. It is one
// of the kernel's documented process-wide singletons, not an implicitly
// initialized ambient.
var Global = New()

// Alloc allocates from the global heap.
func Alloc(size, align uintptr) ([]byte, uintptr, error) {
	return Global.Alloc(size, align)
}

// Free returns an allocation to the global heap.
func Free(addr, size, align uintptr) {
	Global.Free(addr, size, align)
}

// Extend grows the global heap's managed range.
func Extend(by uintptr, data []byte) {
	Global.Extend(by, data)
}
