//go:build !windows

package dlopen

import (
	"fmt"

	"github.com/ebitengine/purego"
)

// openLibrary dlopens libPath and binds rtags_frontend_parse and
// rtags_frontend_free, recovering from purego.RegisterLibFunc's
// missing-symbol panic the same way pkg/grammar/dynamic_unix.go does.
func openLibrary(libPath string) (handle uintptr, fns libFuncs, err error) {
	handle, derr := purego.Dlopen(libPath, purego.RTLD_LAZY|purego.RTLD_GLOBAL)
	if derr != nil {
		return 0, libFuncs{}, fmt.Errorf("dlopen: open %s: %w", libPath, derr)
	}

	defer func() {
		if r := recover(); r != nil {
			_ = purego.Dlclose(handle)
			handle = 0
			fns = libFuncs{}
			err = fmt.Errorf("dlopen: bind symbols in %s: %v", libPath, r)
		}
	}()

	var parseFn func(reqPtr uintptr, reqLen uintptr, outLen *uintptr) uintptr
	purego.RegisterLibFunc(&parseFn, handle, "rtags_frontend_parse")

	var freeFn func(ptr uintptr)
	purego.RegisterLibFunc(&freeFn, handle, "rtags_frontend_free")

	return handle, libFuncs{parse: parseFn, free: freeFn}, nil
}

func closeLibrary(handle uintptr) error {
	if handle == 0 {
		return nil
	}
	return purego.Dlclose(handle)
}
