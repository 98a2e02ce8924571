package fetcher

import (
	"math/rand/v2"
	"net/http"
)

// Identity is a coherent browser persona: the User-Agent and the headers a
// real copy of that browser sends alongside it.
type Identity struct {
	Name    string
	Headers http.Header
}

const (
	acceptHTML     = "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8"
	acceptHTMLFF   = "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8"
	acceptLanguage = "en-US,en;q=0.9"
)

func chromium(ua, secCHUA, platform string) http.Header {
	return http.Header{
		"User-Agent":                {ua},
		"Accept":                    {acceptHTML},
		"Accept-Language":           {acceptLanguage},
		"Sec-Ch-Ua":                 {secCHUA},
		"Sec-Ch-Ua-Mobile":          {"?0"},
		"Sec-Ch-Ua-Platform":        {platform},
		"Sec-Fetch-Dest":            {"document"},
		"Sec-Fetch-Mode":            {"navigate"},
		"Sec-Fetch-Site":            {"none"},
		"Sec-Fetch-User":            {"?1"},
		"Upgrade-Insecure-Requests": {"1"},
	}
}

// Firefox and Safari do not send client hints.
func noHints(ua, accept, lang string) http.Header {
	return http.Header{
		"User-Agent":                {ua},
		"Accept":                    {accept},
		"Accept-Language":           {lang},
		"Upgrade-Insecure-Requests": {"1"},
	}
}

// DefaultIdentities is the persona pool used in stealth mode.
func DefaultIdentities() []Identity {
	return []Identity{
		{
			Name: "chrome-windows",
			Headers: chromium(
				"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
				`"Google Chrome";v="131", "Chromium";v="131", "Not_A Brand";v="24"`,
				`"Windows"`,
			),
		},
		{
			Name: "chrome-macos",
			Headers: chromium(
				"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
				`"Google Chrome";v="131", "Chromium";v="131", "Not_A Brand";v="24"`,
				`"macOS"`,
			),
		},
		{
			Name: "edge-windows",
			Headers: chromium(
				"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36 Edg/131.0.0.0",
				`"Microsoft Edge";v="131", "Chromium";v="131", "Not_A Brand";v="24"`,
				`"Windows"`,
			),
		},
		{
			Name: "firefox-linux",
			Headers: noHints(
				"Mozilla/5.0 (X11; Linux x86_64; rv:133.0) Gecko/20100101 Firefox/133.0",
				acceptHTMLFF,
				"en-US,en;q=0.5",
			),
		},
		{
			Name: "safari-macos",
			Headers: noHints(
				"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/18.1 Safari/605.1.15",
				"text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
				"en-US,en;q=0.9",
			),
		},
	}
}

// IdentityPool hands out a random persona per request.
type IdentityPool struct {
	identities []Identity
	pick       func(n int) int
}

// NewIdentityPool builds a pool; an empty list falls back to DefaultIdentities.
func NewIdentityPool(identities []Identity) *IdentityPool {
	if len(identities) == 0 {
		identities = DefaultIdentities()
	}
	return &IdentityPool{identities: identities, pick: rand.IntN}
}

// Next returns a copy of a randomly chosen identity's headers.
func (p *IdentityPool) Next() Identity {
	id := p.identities[p.pick(len(p.identities))]
	return Identity{Name: id.Name, Headers: id.Headers.Clone()}
}
