package bufpool

import "math/bits"

// IndexFunc maps a requested capacity to the bucket index that should serve
// it, and back. capacityOf(indexFor(s)) must be the smallest bucket
// capacity >= s, for every s in [minCapacity, maxCapacity].
type IndexFunc struct {
	// Name identifies the mapping for logs and Stats().
	Name string
	// indexFor returns the bucket index serving capacity size.
	indexFor func(size int) int
	// capacityOf returns the capacity of the bucket at index i.
	capacityOf func(i int) int
	// bucketCount is the number of buckets needed to cover [0, maxCapacity].
	bucketCount func(maxCapacity int) int
}

// LinearIndex builds the "linear multiples of factor" standard mapping:
// index = (cap-1)/factor, capacityOf(i) = (i+1)*factor.
func LinearIndex(factor int) IndexFunc {
	if factor <= 0 {
		factor = 1
	}

	return IndexFunc{
		Name: "linear",
		indexFor: func(size int) int {
			if size <= 0 {
				return 0
			}

			return (size - 1) / factor
		},
		capacityOf: func(i int) int {
			return (i + 1) * factor
		},
		bucketCount: func(maxCapacity int) int {
			if maxCapacity <= 0 {
				return 0
			}

			return (maxCapacity-1)/factor + 1
		},
	}
}

// QuadraticIndex builds the "powers of two" standard mapping:
// index = ceil(log2(cap)) clamped to >= 0, capacityOf(i) = 2^i.
func QuadraticIndex() IndexFunc {
	return IndexFunc{
		Name: "quadratic",
		indexFor: func(size int) int {
			if size <= 1 {
				return 0
			}

			return bits.Len(uint(size - 1))
		},
		capacityOf: func(i int) int {
			if i < 0 {
				i = 0
			}

			return 1 << uint(i)
		},
		bucketCount: func(maxCapacity int) int {
			if maxCapacity <= 1 {
				return 1
			}

			return bits.Len(uint(maxCapacity-1)) + 1
		},
	}
}
