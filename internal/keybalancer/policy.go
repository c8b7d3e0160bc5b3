// Copyright 2024 Legal Research Assistant Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package keybalancer

import (
	"time"

	"github.com/your-org/legal-research-assistant/internal/resilience"
)

const (
	// VendorCerebras names the Cerebras inference balancer
	VendorCerebras = "cerebras"
	// VendorTavily names the Tavily search balancer
	VendorTavily = "tavily"
)

// Policy decides how long a key stays disabled after each kind of failure
type Policy struct {
	Vendor string
	// RateLimitCooldown applies to 429/quota failures unless RateLimitUntilMidnight is set
	RateLimitCooldown time.Duration
	// RateLimitUntilMidnight disables rate-limited keys until the next UTC midnight,
	// matching vendors whose quotas reset daily
	RateLimitUntilMidnight bool
	ServerCooldown         time.Duration
	UnknownCooldown        time.Duration
}

// CerebrasPolicy returns the cooldowns used for Cerebras keys
func CerebrasPolicy() Policy {
	return Policy{
		Vendor:            VendorCerebras,
		RateLimitCooldown: 15 * time.Second,
		ServerCooldown:    30 * time.Second,
		UnknownCooldown:   60 * time.Second,
	}
}

// TavilyPolicy returns the cooldowns used for Tavily keys. Tavily quota errors
// persist for the rest of the UTC day.
func TavilyPolicy() Policy {
	return Policy{
		Vendor:                 VendorTavily,
		RateLimitCooldown:      60 * time.Second,
		RateLimitUntilMidnight: true,
		ServerCooldown:         30 * time.Second,
		UnknownCooldown:        60 * time.Second,
	}
}

// Cooldown returns the disable duration for a failure of the given kind at now.
// Validation and cancellation failures are not the key's fault and return zero.
func (p Policy) Cooldown(kind resilience.Kind, now time.Time) time.Duration {
	switch kind {
	case resilience.KindRateLimit:
		if p.RateLimitUntilMidnight {
			return UntilUTCMidnight(now)
		}
		return p.RateLimitCooldown
	case resilience.KindServer:
		return p.ServerCooldown
	case resilience.KindValidation, resilience.KindCanceled, "":
		return 0
	default:
		return p.UnknownCooldown
	}
}

// UntilUTCMidnight returns the time remaining until the next 00:00 UTC
func UntilUTCMidnight(now time.Time) time.Duration {
	utc := now.UTC()
	midnight := time.Date(utc.Year(), utc.Month(), utc.Day()+1, 0, 0, 0, 0, time.UTC)
	return midnight.Sub(utc)
}
