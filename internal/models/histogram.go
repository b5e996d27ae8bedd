package models

// Bin is one histogram bucket covering [Lo, Hi)
type Bin struct {
	Lo, Hi float64
	Count  int
}

// HistogramBins is an ordered intensity histogram.
// The counts always add up to Total, the number of voxels sampled.
type HistogramBins struct {
	Bins     []Bin
	BinWidth float64
	Total    int
}

// Sum adds up the bin counts
func (h HistogramBins) Sum() int {
	sum := 0
	for _, b := range h.Bins {
		sum += b.Count
	}
	return sum
}
