package utils

const (
	hexd      = "0123456789ABCDEF"
	hexdLower = "0123456789abcdef"
)

// BytesToHex converts a byte slice to a hexadecimal string
func BytesToHex(b []byte) string {
	out := make([]byte, 0, len(b)*2)
	for _, x := range b {
		out = append(out, hexd[x>>4], hexd[x&0x0F])
	}
	return string(out)
}

// DashHex formats bytes the way session keys are logged on the node,
// lowercase and dash separated, e.g. "2b-7e-15-16".
func DashHex(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	out := make([]byte, 0, len(b)*3-1)
	for i, x := range b {
		if i > 0 {
			out = append(out, '-')
		}
		out = append(out, hexdLower[x>>4], hexdLower[x&0x0F])
	}
	return string(out)
}
