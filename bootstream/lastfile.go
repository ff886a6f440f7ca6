package bootstream

import (
	"fmt"
	"strconv"

	"github.com/kbrooks/xnuboot/pkg/env"
)

// ResolveLastFileAddr resolves the address of whatever the shell most
// recently read into memory, the "fileaddr" variable the original's
// last_fileaddr() consults before handing an imgx/rdx verb a "last"/"l"
// argument.
func ResolveLastFileAddr() (uint32, bool) {
	return env.GetenvHex("fileaddr")
}

// ResolveLastFileSize is ResolveLastFileAddr's companion, backing the
// original's last_filesize().
func ResolveLastFileSize() (uint32, bool) {
	return env.GetenvHex("filesize")
}

// ResolveImageAddress implements the imgx verb's address argument: a bare
// hex literal, or the "last"/"l" shorthand for the address the shell just
// finished loading.
func ResolveImageAddress(arg string) (uint32, error) {
	if arg == "last" || arg == "l" {
		addr, ok := ResolveLastFileAddr()
		if !ok || addr == 0 {
			return 0, fmt.Errorf("bootstream: no last-loaded file address is recorded")
		}
		return addr, nil
	}
	v, err := strconv.ParseUint(arg, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("bootstream: bad image address %q: %v", arg, err)
	}
	return uint32(v), nil
}

// AttachLastRAMDisk implements the rdx verb's no-argument form: it
// resolves fileaddr/filesize through the environment exactly as the
// original's do_rdx does, then folds the result into kernel memory via
// AttachRAMDisk.
func (s *State) AttachLastRAMDisk() error {
	addr, ok := ResolveLastFileAddr()
	if !ok || addr == 0 {
		return fmt.Errorf("bootstream: no last-loaded file address is recorded")
	}
	size, ok := ResolveLastFileSize()
	if !ok {
		return fmt.Errorf("bootstream: no last-loaded file size is recorded")
	}
	return s.AttachRAMDisk(addr, size)
}
