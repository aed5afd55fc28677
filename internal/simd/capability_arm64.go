//go:build arm64

package simd

import (
	"runtime"

	"golang.org/x/sys/cpu"
)

func init() {
	// ASIMD is mandatory on ARMv8; darwin does not populate HWCAP flags.
	hasASIMD = cpu.ARM64.HasASIMD || runtime.GOOS == "darwin"
	initCapabilities()
}
