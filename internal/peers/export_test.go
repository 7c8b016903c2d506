package peers

// AlwaysHealthy returns a function that always returns true.
func AlwaysHealthy() func() bool {
	return func() bool { return true }
}

// NeverHealthy returns a function that always returns false.
func NeverHealthy() func() bool {
	return func() bool { return false }
}

// NewTestInfo creates an Info for testing.
func NewTestInfo(name string, priority int, isHealthy func() bool) Info {
	return Info{
		Peer:      Peer{Name: name, BaseURL: "http://" + name},
		Priority:  priority,
		IsHealthy: isHealthy,
	}
}

// SortByPriority is the exported version of sortByPriority for testing.
func SortByPriority(upstreams []Info) []Info {
	return sortByPriority(upstreams)
}
