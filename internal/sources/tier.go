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

// Package sources defines research sources returned by search and extraction,
// and ranks them by the legal authority of the publishing domain.
package sources

import (
	"net/url"
	"strings"
)

// Tier is the authority tier of the domain a source was published on.
// Lower values carry more authority.
type Tier int

const (
	// TierPrimary covers courts, legislation databases and official gazettes
	TierPrimary Tier = iota + 1
	// TierSecondary covers law reports, academic and professional commentary
	TierSecondary
	// TierTertiary covers news and general reference
	TierTertiary
	// TierUnknown is anything not in the tables
	TierUnknown
)

// String returns the tier label used in prompts and API responses
func (t Tier) String() string {
	switch t {
	case TierPrimary:
		return "primary"
	case TierSecondary:
		return "secondary"
	case TierTertiary:
		return "tertiary"
	default:
		return "unknown"
	}
}

// MarshalText renders the tier as its label in JSON
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText parses a tier label; unknown labels become TierUnknown
func (t *Tier) UnmarshalText(text []byte) error {
	switch string(text) {
	case "primary":
		*t = TierPrimary
	case "secondary":
		*t = TierSecondary
	case "tertiary":
		*t = TierTertiary
	default:
		*t = TierUnknown
	}
	return nil
}

var (
	// primaryDomains are matched as hostname suffixes
	primaryDomains = []string{
		"zimlii.org", "veritaszim.net", "jsc.org.zw", "judiciary.co.zw", "parlzim.gov.zw",
		"gov.zw", "saflii.org", "lawlibrary.org.za", "justice.gov.za", "africanlii.org",
		"legislation.gov.uk", "bailii.org", "supremecourt.uk", "judiciary.uk",
		"supremecourt.gov", "uscourts.gov", "congress.gov", "govinfo.gov", "ecfr.gov",
		"courtlistener.com", "law.cornell.edu", "eur-lex.europa.eu", "curia.europa.eu",
		"legislation.gov.au", "austlii.edu.au", "canlii.org", "laws-lois.justice.gc.ca",
		"indiankanoon.org", "kenyalaw.org", "ulii.org",
	}

	secondaryDomains = []string{
		"ssrn.com", "jstor.org", "heinonline.org", "scholar.google.com", "lexology.com",
		"law360.com", "justia.com", "findlaw.com", "oyez.org", "scotusblog.com",
		"lawteacher.net", "mondaq.com", "hg.org", "nolo.com", "americanbar.org",
		"lawsociety.org.uk", "ac.zw", "ac.za", "ac.uk", "edu",
	}

	tertiaryDomains = []string{
		"wikipedia.org", "herald.co.zw", "newsday.co.zw", "chronicle.co.zw",
		"bbc.co.uk", "bbc.com", "reuters.com", "apnews.com", "theguardian.com",
		"nytimes.com", "news24.com", "allafrica.com",
	}
)

// ClassifyURL maps a URL to the authority tier of its hostname.
// Unparseable URLs are TierUnknown.
func ClassifyURL(rawURL string) Tier {
	host := Hostname(rawURL)
	if host == "" {
		return TierUnknown
	}
	return ClassifyHost(host)
}

// ClassifyHost maps a bare hostname to an authority tier
func ClassifyHost(host string) Tier {
	host = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(host)), "www.")

	switch {
	case matchesDomain(host, primaryDomains):
		return TierPrimary
	case matchesDomain(host, secondaryDomains):
		return TierSecondary
	case matchesDomain(host, tertiaryDomains):
		return TierTertiary
	default:
		return TierUnknown
	}
}

// Hostname extracts the lower-cased hostname from rawURL without the www. prefix
func Hostname(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ""
	}
	if !strings.Contains(rawURL, "://") {
		rawURL = "https://" + rawURL
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(parsed.Hostname()), "www.")
}

// matchesDomain reports whether host equals or is a subdomain of any entry
func matchesDomain(host string, domains []string) bool {
	for _, d := range domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// PrimaryDomains returns a copy of the primary legal domains, used to restrict
// case-law searches.
func PrimaryDomains() []string {
	out := make([]string, len(primaryDomains))
	copy(out, primaryDomains)
	return out
}
