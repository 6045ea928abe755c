package payload

import "math"

// EncodeSigned converts f, expected in (-1, 1), to the 16-bit signed compact
// float: bit 15 sign, bits 14..11 exponent (bias 15), bits 10..0 fraction
// including the leading one. Values outside the domain saturate.
func EncodeSigned(f float32) uint16 {
	if f <= -1 {
		return 0xFFFF
	}
	if f >= 1 {
		return 0x7FFF
	}

	frac, exp := math.Frexp(float64(f))
	var sign uint16
	if frac < 0 {
		sign = 0x8000
		frac = -frac
	}

	// |f| < 1, so the useful exponent range is [-15, 0].
	exp += 15
	if exp < 0 {
		exp = 0
	}

	out := uint16(float32(math.Ldexp(frac, 11)) + 0.5)
	if out >= 1<<11 {
		out = 1 << 10
		exp++
	}
	if exp > 15 {
		return 0x7FFF | sign
	}
	return sign | uint16(exp)<<11 | out
}

// EncodeUnsigned converts f, expected in [0, 1), to the 16-bit unsigned
// compact float: bits 15..12 exponent (bias 15), bits 11..0 fraction.
func EncodeUnsigned(f float32) uint16 {
	if f < 0 {
		return 0
	}
	if f >= 1 {
		return 0xFFFF
	}

	frac, exp := math.Frexp(float64(f))

	exp += 15
	if exp < 0 {
		exp = 0
	}

	out := uint16(float32(math.Ldexp(frac, 12)) + 0.5)
	if out >= 1<<12 {
		out = 1 << 11
		exp++
	}
	if exp > 15 {
		return 0xFFFF
	}
	return uint16(exp)<<12 | out
}

// DecodeSigned is the receiver-side inverse of EncodeSigned.
func DecodeSigned(v uint16) float64 {
	if v == 0x8000 {
		return math.Copysign(0, -1)
	}
	sign := 1.0
	if v&0x8000 != 0 {
		sign = -1
	}
	exp := int((v >> 11) & 0x0F)
	mant := float64(v&0x07FF) / 2048
	return sign * math.Ldexp(mant, exp-15)
}

// DecodeUnsigned is the receiver-side inverse of EncodeUnsigned.
func DecodeUnsigned(v uint16) float64 {
	exp := int(v >> 12)
	mant := float64(v&0x0FFF) / 4096
	return math.Ldexp(mant, exp-15)
}
