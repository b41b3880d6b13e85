package allocator

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/roach88/fieldsync/internal/backend"
	"github.com/roach88/fieldsync/internal/syncerr"
)

// MaxWidth is the widest suffix whose limit still fits an int64.
const MaxWidth = 18

// Limit returns 10^width, the first value that no longer fits the suffix.
func Limit(width int) int64 {
	limit := int64(1)
	for i := 0; i < width; i++ {
		limit *= 10
	}
	return limit
}

// FormatReference builds company ++ device ++ zero-padded n.
// Returns ErrCounterOverflow if n needs more than width digits.
func FormatReference(company, device string, width int, n int64) (string, error) {
	if width < 1 || width > MaxWidth {
		return "", fmt.Errorf("format reference: width %d out of range [1,%d]", width, MaxWidth)
	}
	if n < 0 {
		return "", fmt.Errorf("format reference: negative sequence %d", n)
	}
	if n >= Limit(width) {
		return "", syncerr.New(syncerr.CodeCounterOverflow, "allocator.format",
			fmt.Sprintf("sequence %d does not fit %d digits", n, width))
	}
	return fmt.Sprintf("%s%s%0*d", company, device, width, n), nil
}

// ParseSuffix extracts the numeric suffix of ref after prefix
// (company ++ device). The suffix must be all digits.
func ParseSuffix(ref, prefix string) (int64, error) {
	rest, ok := strings.CutPrefix(ref, prefix)
	if !ok || rest == "" {
		return 0, fmt.Errorf("parse reference %q: missing prefix %q", ref, prefix)
	}
	for _, r := range rest {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("parse reference %q: non-digit suffix", ref)
		}
	}
	n, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse reference %q: %w", ref, err)
	}
	return n, nil
}

// ValidateCodes checks company and device codes against format, so the
// reference prefix stays unambiguous across devices.
func ValidateCodes(format backend.CodeFormat, company, device string) error {
	return format.Check(company, device)
}
