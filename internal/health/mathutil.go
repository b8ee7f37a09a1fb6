package health

import "math"

func float64FromBits(b uint64) float64 { return math.Float64frombits(b) }
func bitsFromFloat64(f float64) uint64 { return math.Float64bits(f) }
func exp2(x float64) float64           { return math.Exp2(x) }
