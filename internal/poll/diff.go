package poll

// Diff is the item-level difference between two lists.
type Diff[T any] struct {
	Added   []T
	Changed []T
	Removed []T
}

// Empty reports whether nothing differs.
func (d Diff[T]) Empty() bool {
	return len(d.Added) == 0 && len(d.Changed) == 0 && len(d.Removed) == 0
}

// DiffByKey compares prev and next by the identity returned by id. An item
// present in both is Changed when its fingerprint differs. Added and Changed
// follow next's order, Removed follows prev's.
func DiffByKey[T any](prev, next []T, id func(T) string) (Diff[T], error) {
	var d Diff[T]

	before := make(map[string]string, len(prev))

	for _, item := range prev {
		fp, err := Fingerprint(item)
		if err != nil {
			return Diff[T]{}, err
		}

		before[id(item)] = fp
	}

	seen := make(map[string]bool, len(next))

	for _, item := range next {
		key := id(item)
		seen[key] = true

		old, ok := before[key]
		if !ok {
			d.Added = append(d.Added, item)
			continue
		}

		fp, err := Fingerprint(item)
		if err != nil {
			return Diff[T]{}, err
		}

		if fp != old {
			d.Changed = append(d.Changed, item)
		}
	}

	for _, item := range prev {
		if !seen[id(item)] {
			d.Removed = append(d.Removed, item)
		}
	}

	return d, nil
}
