package nf4

// codebook holds the 16 normalized-float dequantization values used by the
// 4-bit scheme. The levels are the quantiles of a standard normal scaled to
// [-1, 1], so codes are denser near zero where trained weights concentrate.
var codebook = [16]float32{
	-1.0, -0.6961928009986877, -0.5250730514526367, -0.39491748809814453,
	-0.28444138169288635, -0.18477343022823334, -0.09105003625154495, 0,
	0.07958029955625534, 0.16093020141124725, 0.24611230194568634, 0.33791524171829224,
	0.44070982933044434, 0.5626170039176941, 0.7229568362236023, 1.0,
}

// boundaries[i] is the midpoint between codebook[i] and codebook[i+1];
// nearestCode walks them instead of scanning all 16 levels.
var boundaries [15]float32

func init() {
	for i := 0; i < 15; i++ {
		boundaries[i] = (codebook[i] + codebook[i+1]) / 2
	}
}

// nearestCode maps a normalized value in [-1, 1] to the closest code index.
func nearestCode(v float32) uint8 {
	// Binary search over the ascending boundary midpoints.
	lo, hi := 0, 15
	for lo < hi {
		mid := (lo + hi) / 2
		if v > boundaries[mid] {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return uint8(lo)
}

// CodeValue exposes the dequantization level for a code, for tests and
// error-bound reasoning.
func CodeValue(code uint8) float32 {
	return codebook[code&0x0F]
}
