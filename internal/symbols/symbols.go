// Package symbols normalizes market symbols to one canonical form per
// exchange: US.<TICKER>, HK.<5-digit>, SH.<6-digit>, SZ.<6-digit>.
// Canonicalization runs on every bar write and read so the store never
// holds two spellings of the same instrument.
package symbols

import "strings"

// Market identifiers used across the platform.
const (
	MarketUS      = "US"
	MarketHK      = "HK"
	MarketUnknown = "UNKNOWN"
)

// Canonical maps any accepted spelling to the canonical form. Accepted
// inputs are bare tickers ("AAPL", "700", "600519"), suffix forms
// ("0700.HK", "AAPL.US", "600519.SS") and prefix forms ("HK.700").
// Empty input yields the empty string. Canonical is idempotent.
func Canonical(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if s == "" {
		return ""
	}

	// Prefix form: EX.BODY
	for _, ex := range []string{"US.", "HK.", "SH.", "SZ."} {
		if strings.HasPrefix(s, ex) {
			return join(strings.TrimSuffix(ex, "."), s[len(ex):])
		}
	}

	// Suffix form: BODY.EX
	if i := strings.LastIndex(s, "."); i > 0 {
		body, ex := s[:i], s[i+1:]
		switch ex {
		case "US":
			return join(MarketUS, body)
		case "HK":
			return join(MarketHK, body)
		case "SS", "SH":
			return join("SH", body)
		case "SZ":
			return join("SZ", body)
		}
		// Unrecognized suffix: treat the whole string as a US ticker
		// with a class dot (e.g. BRK.B).
		return join(MarketUS, s)
	}

	// Bare numeric tickers: length decides the exchange. Six digits are
	// mainland China (6xxxxx Shanghai, otherwise Shenzhen); anything
	// shorter is Hong Kong.
	if isDigits(s) {
		if len(s) == 6 {
			if strings.HasPrefix(s, "6") {
				return join("SH", s)
			}
			return join("SZ", s)
		}
		return join(MarketHK, s)
	}

	return join(MarketUS, s)
}

// MarketOf infers the market from a canonical symbol prefix. Per the
// signal conversion rules only HK and US are inferred; everything else
// is UNKNOWN.
func MarketOf(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	switch {
	case strings.HasPrefix(s, "HK."):
		return MarketHK
	case strings.HasPrefix(s, "US."):
		return MarketUS
	default:
		return MarketUnknown
	}
}

// join builds the canonical form, zero-padding numeric bodies to the
// exchange's fixed width (HK: 5, SH/SZ: 6).
func join(exchange, body string) string {
	body = strings.TrimSpace(body)
	if body == "" {
		return ""
	}
	switch exchange {
	case MarketHK:
		if isDigits(body) {
			body = pad(body, 5)
		}
	case "SH", "SZ":
		if isDigits(body) {
			body = pad(body, 6)
		}
	}
	return exchange + "." + body
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func pad(s string, width int) string {
	for len(s) < width {
		s = "0" + s
	}
	return s
}
