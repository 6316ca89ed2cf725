package entitlement

import "time"

// ClassConfig carries the lease duration and download quota for a lease class.
type ClassConfig struct {
	Duration    time.Duration
	MaxAccesses int
}

var classConfigs = map[LeaseClass]ClassConfig{
	Generation:     {Duration: 48 * time.Hour, MaxAccesses: 5},
	Marketplace:    {Duration: 7 * 24 * time.Hour, MaxAccesses: 5},
	HighDefinition: {Duration: 7 * 24 * time.Hour, MaxAccesses: 3},
}

// ClassConfigFor returns the static configuration for a lease class.
func ClassConfigFor(class LeaseClass) (ClassConfig, bool) {
	cfg, ok := classConfigs[class]
	return cfg, ok
}
