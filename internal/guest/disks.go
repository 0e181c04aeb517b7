package guest

import (
	"sort"

	"github.com/samber/lo"
)

// DiskSet is a set of guest disk names.
type DiskSet map[string]struct{}

// NewDiskSet creates a set holding names.
func NewDiskSet(names ...string) DiskSet {
	s := make(DiskSet, len(names))
	for _, n := range names {
		s.Add(n)
	}
	return s
}

// Add inserts name.
func (s DiskSet) Add(name string) {
	s[name] = struct{}{}
}

// Has reports whether name is in the set.
func (s DiskSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Names returns the members in sorted order.
func (s DiskSet) Names() []string {
	names := lo.Keys(s)
	sort.Strings(names)
	return names
}

// SymmetricDifference returns the disks present in exactly one of s and other.
func (s DiskSet) SymmetricDifference(other DiskSet) DiskSet {
	onlyS, onlyOther := lo.Difference(lo.Keys(s), lo.Keys(other))
	return NewDiskSet(append(onlyS, onlyOther...)...)
}

// Basenames returns the sorted final path elements of the members, turning
// "/dev/sdb" into "sdb".
func (s DiskSet) Basenames() []string {
	names := lo.Map(lo.Keys(s), func(n string, _ int) string {
		return basename(n)
	})
	sort.Strings(names)
	return names
}
