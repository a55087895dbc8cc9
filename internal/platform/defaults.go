package platform

import "time"

// Defaults returns the built-in platform profiles. Configuration can
// override any of them or add new ones.
func Defaults() map[string]Profile {
	return map[string]Profile{
		"uber": {
			Name:         "uber",
			LoginURL:     "https://supplier.uber.com/",
			HomeURL:      "https://supplier.uber.com/",
			AuthStateTTL: 12 * time.Hour,
			Login: LoginRules{
				AuthenticatedURLPatterns: []string{
					`^https://supplier\.uber\.com/orgs/(?P<org>[0-9a-fA-F-]{36})(/|$)`,
				},
				DOMMarkers: []string{
					`//*[@data-testid="supplier-nav"]`,
					`//a[contains(@href, "/orgs/") and contains(@href, "/earnings")]`,
				},
				LoggedOutURLPatterns: []string{
					`^https://auth\.uber\.com/`,
				},
			},
			Extraction: ExtractionRules{
				EarningsURLs:     []string{"https://supplier.uber.com/orgs/{org}/earnings"},
				ContainerXPath:   `//table[@data-testid="earnings-table"]`,
				RowXPath:         `//table[@data-testid="earnings-table"]/tbody/tr`,
				NameXPath:        `./td[1]`,
				AmountXPath:      `./td[last()]`,
				TotalXPath:       `//*[@data-testid="earnings-total"]`,
				DecimalSeparator: ",",
			},
		},
	}
}
