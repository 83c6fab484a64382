package cache

// Store holds values that are replaced wholesale and never mutated in place.
type Store interface {
	Get(key string) (any, bool)
	// Set stores v under key and reports whether the store accepted it.
	Set(key string, v any) bool
	Del(key string)
}
