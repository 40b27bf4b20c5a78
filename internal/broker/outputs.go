package broker

import (
	"github.com/gomlx/gokmeans/device"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// outputDevice returns where the outputs for an input are allocated: the same device, or pinned host memory.
func outputDevice(input *Matrix) (int, error) {
	switch input.Residency {
	case PinnedHost:
		return device.HostDevice, nil
	case DeviceResident:
		return input.Buffer.Device(), nil
	}
	return 0, errors.Errorf("host array inputs have host array outputs, not pointer outputs")
}

// Publish allocates an output buffer mirroring the residency of input, and copies data into it.
// The buffer stays in the release list until handed over.
func (b *Broker) Publish(input *Matrix, shape device.Shape, data []byte) (*device.Buffer, error) {
	ordinal, err := outputDevice(input)
	if err != nil {
		return nil, err
	}
	output, err := b.AllocateOn(ordinal, shape)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to allocate output %s", shape)
	}
	if err = output.FromHost(data); err != nil {
		return nil, err
	}
	return output, nil
}

// PublishShards allocates an output buffer mirroring the residency of input, with the concatenation of the shard
// buffers, which are copied to it device-to-device.
func (b *Broker) PublishShards(input *Matrix, shape device.Shape, parts []*device.Buffer,
	shards []device.Shard) (*device.Buffer, error) {
	ordinal, err := outputDevice(input)
	if err != nil {
		return nil, err
	}
	output, err := b.AllocateOn(ordinal, shape)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to allocate output %s", shape)
	}
	var g errgroup.Group
	for ii, shard := range shards {
		g.Go(func() error {
			dst, err := output.SubView(shard.Start, shard.Count)
			if err != nil {
				return err
			}
			return parts[ii].CopyTo(dst)
		})
	}
	if err = g.Wait(); err != nil {
		return nil, errors.WithMessage(err, "failed to gather shards into output")
	}
	return output, nil
}

// Gather copies the shard buffers, in shard order, into dst in host memory.
func Gather(dst []byte, parts []*device.Buffer) error {
	offset := 0
	for ii, part := range parts {
		size := part.Size()
		if offset+size > len(dst) {
			return errors.WithMessagef(device.ErrInvalidShapeOrWidth, "shard #%d doesn't fit in %d bytes", ii, len(dst))
		}
		if err := part.ToHost(dst[offset : offset+size]); err != nil {
			return errors.WithMessagef(err, "failed to gather shard #%d", ii)
		}
		offset += size
	}
	return nil
}
