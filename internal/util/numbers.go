package util

// MinOr returns the smaller of two optional percents, or defaultValue when
// both are unknown.
func MinOr(a, b *int, defaultValue int) int {
	if a == nil && b == nil {
		return defaultValue
	}
	if a == nil {
		return *b
	}
	if b == nil {
		return *a
	}
	return min(*a, *b)
}

// Lowest returns the smallest known value among the given optional percents.
// The second result is false when every value is nil.
func Lowest(vals ...*int) (int, bool) {
	lowest := 0
	found := false
	for _, v := range vals {
		if v == nil {
			continue
		}
		if !found || *v < lowest {
			lowest = *v
		}
		found = true
	}
	return lowest, found
}
