package storage

// Pattern is a byte glob: '*' matches any run, '?' one byte, '\' escapes
// the next byte. Everything else is literal.
type Pattern struct {
	raw    []byte
	prefix []byte
}

func CompilePattern(p string) Pattern {
	if p == "" {
		p = "*"
	}
	pat := Pattern{raw: []byte(p)}
	for i := 0; i < len(pat.raw); i++ {
		c := pat.raw[i]
		if c == '*' || c == '?' {
			break
		}
		if c == '\\' && i+1 < len(pat.raw) {
			i++
			c = pat.raw[i]
		}
		pat.prefix = append(pat.prefix, c)
	}
	return pat
}

// Prefix is the literal part before the first wildcard. A range scan over
// it visits every key the pattern can match.
func (p Pattern) Prefix() []byte { return p.prefix }

func (p Pattern) Match(s []byte) bool {
	pat := p.raw
	var (
		pi, si       int
		starP, starS = -1, 0
	)
	for si < len(s) {
		if pi < len(pat) {
			switch c := pat[pi]; {
			case c == '*':
				starP, starS = pi, si
				pi++
				continue
			case c == '?':
				pi++
				si++
				continue
			case c == '\\' && pi+1 < len(pat):
				if pat[pi+1] == s[si] {
					pi += 2
					si++
					continue
				}
			default:
				if c == s[si] {
					pi++
					si++
					continue
				}
			}
		}
		if starP < 0 {
			return false
		}
		starS++
		pi, si = starP+1, starS
	}
	for pi < len(pat) && pat[pi] == '*' {
		pi++
	}
	return pi == len(pat)
}
