package device

// Lane exchange within a lane group. A register is modelled as one value
// per lane; the shuffles return the register as seen after the exchange.

// ShflXor returns r with every lane reading the value of lane^mask.
func ShflXor[T any](r *[WarpSize]T, mask int) [WarpSize]T {
	var out [WarpSize]T
	for lane := range out {
		out[lane] = r[lane^mask]
	}
	return out
}

// ShflDown returns r with every lane reading the value of lane+delta. Lanes
// whose source is out of range keep their own value.
func ShflDown[T any](r *[WarpSize]T, delta int) [WarpSize]T {
	var out [WarpSize]T
	for lane := range out {
		src := lane + delta
		if src >= WarpSize {
			src = lane
		}
		out[lane] = r[src]
	}
	return out
}

// ShflIdx returns r with every lane reading the value of lane src(lane).
func ShflIdx[T any](r *[WarpSize]T, src func(lane int) int) [WarpSize]T {
	var out [WarpSize]T
	for lane := range out {
		out[lane] = r[src(lane)%WarpSize]
	}
	return out
}
