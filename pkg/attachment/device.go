package attachment

import (
	"fmt"
	"strings"

	"git.srvlab.io/whiskey/volume-attacher/pkg/utils"
)

// DevicePrefix is the device name prefix used for attach requests
const DevicePrefix = "/dev/xvd"

// devicePool is the set of attachable device letters; "a" is reserved for the root device
const devicePool = "bcdefghijklmnopqrstuvwxyz"

// mappingPrefixes are the device name prefixes that consume a letter from the pool.
// The hypervisor exposes /dev/sdX requests as /dev/xvdX, so both share one namespace.
var mappingPrefixes = []string{"/dev/xvd", "/dev/sd"}

// AllocateDevice returns a device path whose letter is not used by any of the given
// block-device mapping names. Returns ErrExhaustedDevicePool when b..z are all taken.
// Any free letter is valid; the lowest one is returned.
func AllocateDevice(mappings []string) (string, error) {
	used := UsedLetters(mappings)
	for i := 0; i < len(devicePool); i++ {
		letter := devicePool[i]
		if !used[letter] {
			return DevicePrefix + string(letter), nil
		}
	}
	return "", fmt.Errorf("%w: all %d device letters in use (%v)", utils.ErrExhaustedDevicePool, len(devicePool), mappings)
}

// UsedLetters extracts the device letters consumed by block-device mapping names.
// /dev/sda1 consumes "a", /dev/xvdf consumes "f"; unrelated names (nvme, etc.) are ignored.
func UsedLetters(mappings []string) map[byte]bool {
	used := make(map[byte]bool, len(mappings))
	for _, name := range mappings {
		for _, prefix := range mappingPrefixes {
			if !strings.HasPrefix(name, prefix) || len(name) <= len(prefix) {
				continue
			}
			if c := name[len(prefix)]; c >= 'a' && c <= 'z' {
				used[c] = true
			}
			break
		}
	}
	return used
}
