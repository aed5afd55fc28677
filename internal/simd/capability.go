// Package simd provides runtime-dispatched kernels for dense float32 math.
//
// The widest available instruction set is detected once at init time and the
// kernel implementation variables are bound to the matching variant. The
// GV_SIMD environment variable overrides auto-detection (values: generic,
// sse, neon, avx2, avx512).
package simd

import (
	"os"
	"runtime"
	"strings"
)

// ISA represents a SIMD instruction set architecture.
type ISA uint8

const (
	// Generic represents the pure scalar implementation.
	Generic ISA = iota
	// SSE represents x86-64 SSE (128-bit lanes).
	SSE
	// NEON represents ARM64 NEON/ASIMD (128-bit lanes).
	NEON
	// AVX2 represents x86-64 AVX2 with FMA (256-bit lanes).
	AVX2
	// AVX512 represents x86-64 AVX-512 (512-bit lanes).
	AVX512
)

// String returns the string representation of an ISA.
func (i ISA) String() string {
	switch i {
	case Generic:
		return "generic"
	case SSE:
		return "sse"
	case NEON:
		return "neon"
	case AVX2:
		return "avx2"
	case AVX512:
		return "avx512"
	default:
		return "unknown"
	}
}

// ParseISA parses a string into an ISA value.
func ParseISA(s string) (ISA, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "generic":
		return Generic, true
	case "sse":
		return SSE, true
	case "neon":
		return NEON, true
	case "avx2":
		return AVX2, true
	case "avx512":
		return AVX512, true
	default:
		return Generic, false
	}
}

// Package-level state, initialized once before any other code runs.
var (
	activeISA   ISA
	hasOverride bool

	// CPU feature flags, set by the platform-specific init.
	hasSSE      bool
	hasASIMD    bool
	hasAVX2     bool
	hasAVX512F  bool
	hasAVX512BW bool
)

// initCapabilities is called from the platform-specific init functions after
// CPU features have been detected.
func initCapabilities() {
	if override := os.Getenv("GV_SIMD"); override != "" {
		if isa, ok := ParseISA(override); ok && isAvailable(isa) {
			hasOverride = true
			activeISA = isa
			bindKernels(activeISA)
			return
		}
	}

	activeISA = selectBest()
	bindKernels(activeISA)
}

func isAvailable(isa ISA) bool {
	switch isa {
	case Generic:
		return true
	case SSE:
		return hasSSE
	case NEON:
		return hasASIMD
	case AVX2:
		return hasAVX2
	case AVX512:
		return hasAVX512F && hasAVX512BW
	default:
		return false
	}
}

func selectBest() ISA {
	switch runtime.GOARCH {
	case "amd64":
		if hasAVX512F && hasAVX512BW {
			return AVX512
		}
		if hasAVX2 {
			return AVX2
		}
		if hasSSE {
			return SSE
		}
	case "arm64":
		if hasASIMD {
			return NEON
		}
	}
	return Generic
}

// ActiveISA returns the currently active ISA.
func ActiveISA() ISA {
	return activeISA
}

// IsOverridden returns true if GV_SIMD was set and honored.
func IsOverridden() bool {
	return hasOverride
}
