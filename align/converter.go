package align

import "math"

// Converter maps a device's wrapping hardware clock reading onto a logical
// sample index shared by every device of one node. The first reading across
// all devices anchors the reference instant; every other device is admitted
// relative to it, then each device advances its own index from clock deltas.
type Converter struct {
	period float64
	limit  uint64

	anchored  bool
	start     uint64
	bootstrap int

	accepted map[string]bool
	prev     map[string]uint64
	index    map[string]uint64
}

// NewConverter builds a converter for the given devices, sharing a sampling
// period (in clock ticks) and a hardware clock width (in bits).
func NewConverter(devices []string, samplingPeriod float64, clockWidth uint) *Converter {
	c := &Converter{
		period:    samplingPeriod,
		limit:     uint64(1) << clockWidth,
		bootstrap: len(devices),
		accepted:  make(map[string]bool, len(devices)),
		prev:      make(map[string]uint64, len(devices)),
		index:     make(map[string]uint64, len(devices)),
	}
	for _, d := range devices {
		c.accepted[d] = false
	}
	return c
}

// Convert returns the logical sample index for a raw clock reading, or false
// while the device is still bootstrapping (the caller drops the sample).
// Indices are monotone non-decreasing per device and never reassigned.
func (c *Converter) Convert(device string, raw uint64) (uint64, bool) {
	accepted, known := c.accepted[device]
	if !known {
		return 0, false
	}
	raw %= c.limit

	if accepted {
		delta := (raw + c.limit - c.prev[device]) % c.limit
		c.index[device] += c.round(delta)
		c.prev[device] = raw
		return c.index[device], true
	}

	if !c.anchored {
		c.anchored = true
		c.start = raw
		return c.admit(device, raw, 0), true
	}

	// Classify the device's first reading against the shared reference.
	// Readings logically before the reference are rejected until the device
	// catches up; a wrapped reading still counts as at-or-after when the
	// forward distance is shorter than the backward one.
	diff := (raw + c.limit - c.start) % c.limit
	if raw >= c.start || diff < c.start-raw {
		return c.admit(device, raw, c.round(diff)), true
	}
	return 0, false
}

// Bootstrapping reports whether any device has yet to be accepted. Once it
// returns false it never flips back.
func (c *Converter) Bootstrapping() bool {
	return c.bootstrap > 0
}

func (c *Converter) admit(device string, raw, index uint64) uint64 {
	c.accepted[device] = true
	c.prev[device] = raw
	c.index[device] = index
	c.bootstrap--
	return index
}

func (c *Converter) round(ticks uint64) uint64 {
	return uint64(math.Round(float64(ticks) / c.period))
}
