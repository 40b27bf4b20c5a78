package device

import (
	"github.com/bits-and-blooms/bitset"
	"github.com/pkg/errors"
)

// Select decodes a device mask into the ordered list of selected device ordinals.
//
// Bit i of the mask selects device i, and the zero mask selects all count devices. A bit set for a device that
// doesn't exist is an error wrapping ErrInvalidDeviceSelection. Select doesn't allocate anything on the devices,
// so it is the first thing done with user input.
func Select(mask uint32, count int) ([]int, error) {
	if count <= 0 {
		return nil, errors.WithMessagef(ErrInvalidDeviceSelection, "no devices available")
	}
	if mask == 0 {
		ordinals := make([]int, count)
		for ii := range ordinals {
			ordinals[ii] = ii
		}
		return ordinals, nil
	}
	bits := bitset.From([]uint64{uint64(mask)})
	ordinals := make([]int, 0, bits.Count())
	for ordinal, ok := bits.NextSet(0); ok; ordinal, ok = bits.NextSet(ordinal + 1) {
		if int(ordinal) >= count {
			return nil, errors.WithMessagef(ErrInvalidDeviceSelection,
				"device mask 0x%x selects device #%d, but only %d devices are available", mask, ordinal, count)
		}
		ordinals = append(ordinals, int(ordinal))
	}
	return ordinals, nil
}

// Shard is a contiguous range of samples assigned to one device.
type Shard struct {
	// Index of the shard in the partition, also the position of its device in the selection.
	Index int

	// Start is the index of the first sample of the shard, and Count the number of samples.
	Start, Count int
}

// End returns the index after the last sample of the shard.
func (s Shard) End() int {
	return s.Start + s.Count
}

// Partition splits n samples in contiguous shards, one per device, in order. The first n%shards shards get one
// extra sample.
//
// If there are more devices than samples, only n shards are returned (the trailing devices are left unused), so
// no shard is empty unless n is 0.
func Partition(n, shards int) []Shard {
	if shards > n {
		shards = n
	}
	if shards <= 0 {
		return nil
	}
	result := make([]Shard, shards)
	base, remainder := n/shards, n%shards
	start := 0
	for ii := range result {
		count := base
		if ii < remainder {
			count++
		}
		result[ii] = Shard{Index: ii, Start: start, Count: count}
		start += count
	}
	return result
}
