package tracker

// URLDecode percent-decodes a raw query value into bytes. It is lenient on
// purpose: a '%' at the end of the input without two following characters is
// dropped together with whatever is left, and an escape whose two characters
// are not hex digits is skipped instead of failing the request. Decoders that
// compute 16*hi+lo without validating the digits would emit a garbage byte for
// such an escape; this one emits nothing, so "%41%zz+b" decodes to "A b".
func URLDecode(s string) []byte {

	out := make([]byte, 0, len(s))

	for i := 0; i < len(s); {
		switch c := s[i]; {
		case c == '+':
			out = append(out, ' ')
			i++
		case c != '%':
			out = append(out, c)
			i++
		case i+2 < len(s):
			hi, okHi := unhex(s[i+1])
			lo, okLo := unhex(s[i+2])
			if okHi && okLo {
				out = append(out, hi<<4|lo)
			}
			i += 3
		default:
			return out
		}
	}

	return out
}

func unhex(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
