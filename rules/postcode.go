package rules

import (
	"path"
	"strconv"
	"strings"
)

// matchPostcode reports whether postcode satisfies pattern. A pattern is
// either an exact postcode, a glob where '*' matches any run of characters
// ("10*"), or an inclusive numeric range ("1010-1090"). Comparison ignores
// case and surrounding or inner whitespace.
func matchPostcode(pattern, postcode string) bool {
	pattern = normalizePostcode(pattern)
	postcode = normalizePostcode(postcode)
	if pattern == "" || postcode == "" {
		return false
	}

	if lo, hi, ok := parsePostcodeRange(pattern); ok {
		if n, err := strconv.ParseInt(postcode, 10, 64); err == nil {
			return n >= lo && n <= hi
		}
	}

	if strings.ContainsAny(pattern, "*?[") {
		ok, err := path.Match(pattern, postcode)
		if err == nil {
			return ok
		}
	}

	return pattern == postcode
}

// parsePostcodeRange splits "from-to" where both ends are integers.
// Postcodes such as "1000-001" also parse; callers fall back to a literal
// comparison when the candidate postcode is not itself numeric.
func parsePostcodeRange(pattern string) (lo, hi int64, ok bool) {
	from, to, found := strings.Cut(pattern, "-")
	if !found {
		return 0, 0, false
	}
	lo, err := strconv.ParseInt(from, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	hi, err = strconv.ParseInt(to, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	if lo > hi {
		lo, hi = hi, lo
	}
	return lo, hi, true
}

func normalizePostcode(s string) string {
	return strings.ToUpper(strings.Join(strings.Fields(s), ""))
}
