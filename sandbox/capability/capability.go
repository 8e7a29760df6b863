// Package capability computes the set-difference between all known
// capabilities and a desired-retained set, drops the rest from
// Effective/Permitted/Inheritable/Bounding, and raises the retained ones.
package capability

import (
	"fmt"
	"strings"

	"github.com/syndtr/gocapability/capability"

	"github.com/nexusshell/corectl/errs"
)

// Cap is a capability identifier; re-exported so callers don't import the
// underlying library directly.
type Cap = capability.Cap

// Set is a CapabilitySet snapshot: the three orthogonal sets plus bounding.
type Set struct {
	Effective   []Cap
	Permitted   []Cap
	Inheritable []Cap
	Bounding    []Cap
}

// Error wraps errs.ErrKernel with the step of the retain_only algorithm that
// failed.
type Error struct {
	Step string
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("capability: %s: %v", e.Step, e.Err) }
func (e *Error) Unwrap() error { return errs.ErrKernel }

// All returns every capability the running kernel knows about, in the
// library's enumeration order.
func All() []Cap {
	return capability.List()
}

// ParseName resolves an OCI-style capability name ("CAP_NET_ADMIN", case
// insensitive, with or without the "CAP_" prefix) to a Cap. It reports false
// if the name is not recognized by the running kernel.
func ParseName(name string) (Cap, bool) {
	trimmed := strings.TrimPrefix(strings.ToUpper(name), "CAP_")
	for _, c := range capability.List() {
		if strings.ToUpper(c.String()) == trimmed {
			return c, true
		}
	}
	return 0, false
}

// Current snapshots the capability sets of the current process.
func Current() (Set, error) {
	caps, err := capability.NewPid2(0)
	if err != nil {
		return Set{}, &Error{"new", err}
	}
	if err := caps.Load(); err != nil {
		return Set{}, &Error{"load", err}
	}
	return Set{
		Effective:   filterSet(caps, capability.EFFECTIVE),
		Permitted:   filterSet(caps, capability.PERMITTED),
		Inheritable: filterSet(caps, capability.INHERITABLE),
		Bounding:    filterSet(caps, capability.BOUNDING),
	}, nil
}

func filterSet(caps capability.Capabilities, which capability.CapType) []Cap {
	var out []Cap
	for _, c := range capability.List() {
		if caps.Get(which, c) {
			out = append(out, c)
		}
	}
	return out
}

// Drop removes the given capabilities from Effective, Permitted, and
// Inheritable for the current process, and best-effort from Bounding.
func Drop(caps []Cap) error {
	c, err := capability.NewPid2(0)
	if err != nil {
		return &Error{"new", err}
	}
	if err := c.Load(); err != nil {
		return &Error{"load", err}
	}
	c.Unset(capability.EFFECTIVE|capability.PERMITTED|capability.INHERITABLE, caps...)
	if err := c.Apply(capability.CAPS); err != nil {
		return &Error{"apply_drop", err}
	}
	// Bounding-set drops are best-effort here; RetainOnly's strict mode is
	// the caller-visible knob for promoting a bounding failure to fatal.
	c.Unset(capability.BOUNDING, caps...)
	_ = c.Apply(capability.BOUNDING)
	return nil
}

// RetainOnly drops everything not in desired, raises everything in
// desired, then re-verifies and drops any surplus. When strict is true, a
// failure to restrict the bounding set is elevated from ignored to a
// terminal error.
func RetainOnly(desired []Cap, strict bool) error {
	desiredSet := make(map[Cap]bool, len(desired))
	for _, c := range desired {
		desiredSet[c] = true
	}

	var toDrop []Cap
	for _, c := range capability.List() {
		if !desiredSet[c] {
			toDrop = append(toDrop, c)
		}
	}

	c, err := capability.NewPid2(0)
	if err != nil {
		return &Error{"new", err}
	}
	if err := c.Load(); err != nil {
		return &Error{"load", err}
	}

	c.Unset(capability.EFFECTIVE|capability.PERMITTED|capability.INHERITABLE, toDrop...)
	c.Unset(capability.BOUNDING, toDrop...)

	// Bounding cannot be added to once restricted, by kernel design; the
	// desired capabilities must already have been present there.
	c.Set(capability.EFFECTIVE|capability.PERMITTED|capability.INHERITABLE, desired...)

	if err := c.Apply(capability.CAPS); err != nil {
		return &Error{"apply_eip", err}
	}
	boundingErr := c.Apply(capability.BOUNDING)
	if boundingErr != nil && strict {
		return &Error{"apply_bounding_strict", boundingErr}
	}

	// Re-verify and drop any surplus the raise may have introduced.
	if err := c.Load(); err != nil {
		return &Error{"reload", err}
	}
	var surplus []Cap
	for _, want := range []capability.CapType{capability.EFFECTIVE, capability.PERMITTED, capability.INHERITABLE} {
		for _, c2 := range capability.List() {
			if !desiredSet[c2] && c.Get(want, c2) {
				surplus = append(surplus, c2)
			}
		}
	}
	if len(surplus) > 0 {
		c.Unset(capability.EFFECTIVE|capability.PERMITTED|capability.INHERITABLE, surplus...)
		if err := c.Apply(capability.CAPS); err != nil {
			return &Error{"apply_surplus_cleanup", err}
		}
	}

	return nil
}
