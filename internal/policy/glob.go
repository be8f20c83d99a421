/* vusb - USB-over-network bridge
 *
 * Glob-style pattern matching
 */

package policy

// GlobMatch matches str against a glob-style pattern.
// Pattern may contain wildcards and has a following syntax:
//
//	?   - matches exactly one character
//	*   - matches any sequence of characters
//	\C  - matches character C
//	C   - matches character C (C is not *, ? or \)
//
// It returns a count of matched non-wildcard characters, or -1 if no match
func GlobMatch(str, pattern string) int {
	return globMatchInternal(str, pattern, 0)
}

func globMatchInternal(str, pattern string, count int) int {
	for str != "" && pattern != "" {
		p := pattern[0]
		pattern = pattern[1:]

		switch p {
		case '*':
			for pattern != "" && pattern[0] == '*' {
				pattern = pattern[1:]
			}

			if pattern == "" {
				return count
			}

			for i := 0; i < len(str); i++ {
				c2 := globMatchInternal(str[i:], pattern, count)
				if c2 >= 0 {
					return c2
				}
			}

			return -1

		case '?':
			str = str[1:]

		case '\\':
			if pattern == "" {
				return -1
			}
			p, pattern = pattern[0], pattern[1:]
			fallthrough

		default:
			if str[0] != p {
				return -1
			}
			str = str[1:]
			count++
		}
	}

	for pattern != "" && pattern[0] == '*' {
		pattern = pattern[1:]
	}

	if str == "" && pattern == "" {
		return count
	}

	return -1
}
