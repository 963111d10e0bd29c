package fleet

// Matcher is one typed strategy for matching an untyped selector.
type Matcher[T any] struct {
	Name  string
	Match func(item T, selector string) bool
}

// FirstMatch tries each matcher in priority order over all items and returns
// the first hit together with the name of the matcher that produced it.
func FirstMatch[T any](items []T, selector string, matchers ...Matcher[T]) (T, string, bool) {
	for _, m := range matchers {
		for _, item := range items {
			if m.Match(item, selector) {
				return item, m.Name, true
			}
		}
	}
	var zero T
	return zero, "", false
}
