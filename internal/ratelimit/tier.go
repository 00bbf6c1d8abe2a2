package ratelimit

import (
	"errors"
	"fmt"
	"strings"
)

// TierName is one of the closed set of admission tiers.
type TierName string

const (
	TierDefault TierName = "default"
	TierPremium TierName = "premium"
	TierAdmin   TierName = "admin"
)

var ErrUnknownTier = errors.New("unknown tier")

// TierNames lists every recognised tier.
func TierNames() []TierName {
	return []TierName{TierDefault, TierPremium, TierAdmin}
}

// ParseTier normalises s and rejects names outside the closed set.
func ParseTier(s string) (TierName, error) {
	name := TierName(strings.ToLower(strings.TrimSpace(s)))
	switch name {
	case TierDefault, TierPremium, TierAdmin:
		return name, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTier, s)
}

// Tier defines the admission envelope for every scope assigned to it.
type Tier struct {
	Name                    TierName `json:"name" yaml:"-"`
	TransmissionsPerMinute  float64  `json:"transmissions_per_minute" yaml:"transmissions_per_minute"`
	BurstCapacity           int      `json:"burst_capacity" yaml:"burst_capacity"`
	MaxPayloadSizeMB        float64  `json:"max_payload_size_mb" yaml:"max_payload_size_mb"`
	ConcurrentTransmissions int      `json:"concurrent_transmissions" yaml:"concurrent_transmissions"`
}

// RefillRate is the number of tokens added per second.
func (t Tier) RefillRate() float64 {
	return t.TransmissionsPerMinute / 60
}

// MaxPayloadBytes returns 0 when payload size is unbounded.
func (t Tier) MaxPayloadBytes() int64 {
	if t.MaxPayloadSizeMB <= 0 {
		return 0
	}
	return int64(t.MaxPayloadSizeMB * 1024 * 1024)
}

// Validate checks a tier definition.
func (t Tier) Validate() error {
	var errs []error
	if _, err := ParseTier(string(t.Name)); err != nil {
		errs = append(errs, err)
	}
	if t.TransmissionsPerMinute < 0 {
		errs = append(errs, fmt.Errorf("tier %s: transmissions_per_minute must be >= 0", t.Name))
	}
	if t.BurstCapacity < 1 {
		errs = append(errs, fmt.Errorf("tier %s: burst_capacity must be >= 1", t.Name))
	}
	if t.MaxPayloadSizeMB < 0 {
		errs = append(errs, fmt.Errorf("tier %s: max_payload_size_mb must be >= 0", t.Name))
	}
	if t.ConcurrentTransmissions < 0 {
		errs = append(errs, fmt.Errorf("tier %s: concurrent_transmissions must be >= 0", t.Name))
	}
	return errors.Join(errs...)
}

// DefaultTiers returns the built-in tier table.
func DefaultTiers() map[TierName]Tier {
	return map[TierName]Tier{
		TierDefault: {
			Name:                    TierDefault,
			TransmissionsPerMinute:  60,
			BurstCapacity:           10,
			MaxPayloadSizeMB:        5,
			ConcurrentTransmissions: 5,
		},
		TierPremium: {
			Name:                    TierPremium,
			TransmissionsPerMinute:  300,
			BurstCapacity:           50,
			MaxPayloadSizeMB:        10,
			ConcurrentTransmissions: 20,
		},
		TierAdmin: {
			Name:                    TierAdmin,
			TransmissionsPerMinute:  1000,
			BurstCapacity:           100,
			MaxPayloadSizeMB:        50,
			ConcurrentTransmissions: 50,
		},
	}
}

// Scope helpers keep bucket keys for different principals apart.
func OrgScope(id string) string  { return "org:" + id }
func UserScope(id string) string { return "user:" + id }
func IPScope(ip string) string   { return "ip:" + ip }
