package scanner

// BlockRange is an inclusive range of blocks.
type BlockRange struct {
	From uint64
	To   uint64
}

// Chunks splits the inclusive range [from, to] into consecutive ranges of at
// most size blocks. Returns nil when from > to. A zero size is treated as 1.
func Chunks(from, to, size uint64) []BlockRange {
	if from > to {
		return nil
	}
	if size == 0 {
		size = 1
	}

	ranges := make([]BlockRange, 0, (to-from)/size+1)
	for start := from; ; start += size {
		end := start + size - 1
		if end >= to || end < start {
			ranges = append(ranges, BlockRange{From: start, To: to})
			return ranges
		}
		ranges = append(ranges, BlockRange{From: start, To: end})
	}
}
