package capability

// Manifest is the ordered list of capability names a component is designed to use
type Manifest struct {
	Version string
	Names   []string
}

// AvailableSet is the part of a manifest actually registered at attach time.
// It is immutable once built.
type AvailableSet struct {
	names []string
	index map[string]struct{}
}

// NewAvailableSet builds a set from names, keeping their order and dropping duplicates
func NewAvailableSet(names ...string) AvailableSet {
	set := AvailableSet{index: make(map[string]struct{}, len(names))}
	for _, name := range names {
		if _, dup := set.index[name]; dup {
			continue
		}
		set.index[name] = struct{}{}
		set.names = append(set.names, name)
	}
	return set
}

// Filter intersects the manifest with the registry, preserving manifest order.
// Names the registry lacks are dropped; that is not an error.
func Filter(manifest Manifest, reg *Registry) AvailableSet {
	kept := make([]string, 0, len(manifest.Names))
	for _, name := range manifest.Names {
		if reg.Has(name) {
			kept = append(kept, name)
		}
	}
	return NewAvailableSet(kept...)
}

// Missing returns the manifest names absent from set, in manifest order
func Missing(manifest Manifest, set AvailableSet) []string {
	var missing []string
	for _, name := range manifest.Names {
		if !set.Has(name) {
			missing = append(missing, name)
		}
	}
	return missing
}

// Has reports whether name is available
func (s AvailableSet) Has(name string) bool {
	_, ok := s.index[name]
	return ok
}

// Names returns a copy of the available names in manifest order
func (s AvailableSet) Names() []string {
	return append([]string(nil), s.names...)
}

// Len returns the number of available capabilities
func (s AvailableSet) Len() int {
	return len(s.names)
}
