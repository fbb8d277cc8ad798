//go:build windows

package dlopen

import (
	"fmt"
	"syscall"
	"unsafe"
)

// openLibrary loads libPath as a DLL and resolves rtags_frontend_parse
// and rtags_frontend_free via FindProc, mirroring
// pkg/grammar/dynamic_windows.go's LoadDLL/FindProc/Call shape.
func openLibrary(libPath string) (uintptr, libFuncs, error) {
	dll, err := syscall.LoadDLL(libPath)
	if err != nil {
		return 0, libFuncs{}, fmt.Errorf("dlopen: LoadDLL %s: %w", libPath, err)
	}

	parseProc, err := dll.FindProc("rtags_frontend_parse")
	if err != nil {
		_ = dll.Release()
		return 0, libFuncs{}, fmt.Errorf("dlopen: FindProc rtags_frontend_parse in %s: %w", libPath, err)
	}
	freeProc, err := dll.FindProc("rtags_frontend_free")
	if err != nil {
		_ = dll.Release()
		return 0, libFuncs{}, fmt.Errorf("dlopen: FindProc rtags_frontend_free in %s: %w", libPath, err)
	}

	fns := libFuncs{
		parse: func(reqPtr uintptr, reqLen uintptr, outLen *uintptr) uintptr {
			ret, _, _ := parseProc.Call(reqPtr, reqLen, uintptr(unsafe.Pointer(outLen)))
			return ret
		},
		free: func(ptr uintptr) {
			_, _, _ = freeProc.Call(ptr)
		},
	}
	return uintptr(dll.Handle), fns, nil
}

func closeLibrary(handle uintptr) error {
	// syscall.DLL does not expose Release from a bare handle; callers
	// hold the *syscall.DLL only transiently in openLibrary, so nothing
	// further to release here beyond letting the OS reclaim it at
	// process exit, matching dynamic_windows.go's handling.
	return nil
}
