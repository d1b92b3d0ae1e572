package relay

// maxCode bounds channel and participant codes; code 0 is the control
// sentinel and is never allocated.
const maxCode = 1 << 30

// nextCode performs the wraparound linear scan shared by channel and
// participant code allocation: start at last+1, skip 0, wrap past 2^30
// back to 1, and skip any code the namespace already uses. Returns 0 only
// when the namespace is exhausted. Callers serialize per namespace.
func nextCode(last uint32, inUse func(uint32) bool) uint32 {
	code := last
	for range maxCode {
		code++
		if code > maxCode {
			code = 1
		}
		if !inUse(code) {
			return code
		}
	}
	return 0
}
