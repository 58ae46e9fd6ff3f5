//go:build windows

package bztree

import (
	"os"
	"reflect"
	"unsafe"

	"golang.org/x/sys/windows"
)

// Map memory-maps an *os.File on Windows using CreateFileMapping /
// MapViewOfFile, the Windows-side counterpart to mmap_unix.go's mmap(2)
// call. Same flag semantics as the unix build.
func Map(f *os.File, flags int, length int64) (MMap, error) {
	if length == 0 {
		info, err := f.Stat()
		if err != nil {
			return nil, err
		}

		length = info.Size()
	}

	if length == 0 {
		return MMap{}, nil
	}

	protect := uint32(windows.PAGE_READONLY)
	access := uint32(windows.FILE_MAP_READ)

	if flags&RDWR != 0 {
		protect = windows.PAGE_READWRITE
		access = windows.FILE_MAP_WRITE
	}

	if flags&EXEC != 0 {
		protect <<= 4
		access |= windows.FILE_MAP_EXECUTE
	}

	if flags&COPY != 0 {
		access = windows.FILE_MAP_COPY
	}

	low := uint32(length)
	high := uint32(length >> 32)

	h, err := windows.CreateFileMapping(windows.Handle(f.Fd()), nil, protect, high, low, nil)
	if err != nil {
		return nil, err
	}
	defer windows.CloseHandle(h)

	addr, err := windows.MapViewOfFile(h, access, 0, 0, uintptr(length))
	if err != nil {
		return nil, err
	}

	var m MMap
	hdr := (*reflect.SliceHeader)(unsafe.Pointer(&m))
	hdr.Data = addr
	hdr.Len = int(length)
	hdr.Cap = int(length)

	return m, nil
}

// Flush persists the mapped region via FlushViewOfFile.
func (m MMap) Flush() error {
	if len(m) == 0 {
		return nil
	}

	return windows.FlushViewOfFile(uintptr(unsafe.Pointer(&m[0])), uintptr(len(m)))
}

// Unmap releases the mapping via UnmapViewOfFile.
func (m MMap) Unmap() error {
	if len(m) == 0 {
		return nil
	}

	return windows.UnmapViewOfFile(uintptr(unsafe.Pointer(&m[0])))
}
