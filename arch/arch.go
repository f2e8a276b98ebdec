package arch

import (
	"fmt"
	"sort"
	"strings"
)

// Target identifies a build target architecture as understood by the
// cross-compilation toolchain inside the build engine.
type Target string

const (
	I486    Target = "i486"
	ARMV7HL Target = "armv7hl"
	AArch64 Target = "aarch64"
)

// Supported returns the full list of supported build targets.
func Supported() []Target {
	return []Target{
		I486,
		ARMV7HL,
		AArch64,
	}
}

// IsValid reports whether t matches a supported target value.
func (t Target) IsValid() bool {
	switch t {
	case I486, ARMV7HL, AArch64:
		return true
	default:
		return false
	}
}

// String returns the target as string.
func (t Target) String() string {
	return string(t)
}

// Parse returns the canonical Target for the provided string or an error if unsupported.
func Parse(value string) (Target, error) {
	if target := Normalize(value); target != "" {
		return target, nil
	}
	return "", fmt.Errorf("unsupported target architecture %q (supported: %s)", value, strings.Join(supportedStrings(), ", "))
}

// MustParse is like Parse but panics on error.
func MustParse(value string) Target {
	target, err := Parse(value)
	if err != nil {
		panic(err)
	}
	return target
}

// Normalize maps a possibly ambiguous string into a canonical Target. Returns ""
// when the string cannot be normalized.
func Normalize(value string) Target {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case string(I486), "i386", "i586", "i686", "x86", "386":
		return I486
	case string(ARMV7HL), "arm", "armv7", "armv7l", "armhf":
		return ARMV7HL
	case string(AArch64), "arm64":
		return AArch64
	default:
		return ""
	}
}

func supportedStrings() []string {
	all := Supported()
	out := make([]string, 0, len(all))
	for _, t := range all {
		out = append(out, t.String())
	}
	sort.Strings(out)
	return out
}
