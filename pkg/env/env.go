// Package env implements the Environment collaborator the loader core
// consumes for persisted boot variables (getenv/setenv_hex), backed by
// the host process's environment rather than firmware NVRAM -- the
// natural substitute when running this loader as an ordinary binary.
package env

import (
	"fmt"
	"os"
	"strconv"

	xenv "github.com/xyproto/env/v2"
)

// Getenv returns the named variable, or "" if it is unset.
func Getenv(name string) string {
	return xenv.Str(name)
}

// Has reports whether the named variable is set at all.
func Has(name string) bool {
	return xenv.Has(name)
}

// SetenvHex stores value as a lower-case hex string, the convention the
// loader's shell uses for addresses and sizes (e.g. "ramdisk_addr"). The
// xyproto/env helpers only cover reads-with-fallback, so the write side
// goes straight through the standard library.
func SetenvHex(name string, value uint32) error {
	return os.Setenv(name, fmt.Sprintf("%#x", value))
}

// GetenvHex parses the named variable as a hex or decimal u32, returning
// ok=false if it is unset or malformed.
func GetenvHex(name string) (uint32, bool) {
	s := xenv.Str(name)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}
