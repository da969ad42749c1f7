// Package fx resolves and seeds wallet-scoped exchange rates.
package fx

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultRates are conservative fallback seed values matching client
// onboarding defaults, not an authoritative market feed.
var DefaultRates = map[string]float64{
	"SAR_USD": 0.2666,
	"SAR_EUR": 0.2456,
	"SAR_YER": 66.6667,
	"SAR_AED": 0.9793,
	"SAR_KWD": 0.0819,
	"SAR_BHD": 0.1004,
	"SAR_OMR": 0.1026,
	"SAR_QAR": 0.9707,
	"SAR_EGP": 8.24,
	"SAR_JOD": 0.1887,
	"SAR_GBP": 0.2120,
	"SAR_TRY": 8.56,
	"SAR_INR": 22.2,
	"SAR_PKR": 74.0,
	"USD_SAR": 3.75,
	"EUR_SAR": 4.072,
	"YER_SAR": 0.015,
	"AED_SAR": 1.0211,
	"KWD_SAR": 12.21,
	"BHD_SAR": 9.96,
	"OMR_SAR": 9.75,
	"QAR_SAR": 1.0302,
	"EGP_SAR": 0.1214,
	"JOD_SAR": 5.3,
	"GBP_SAR": 4.717,
	"TRY_SAR": 0.1168,
	"INR_SAR": 0.045,
	"PKR_SAR": 0.0135,
}

// userDefinedSources mark rates the seeder must never overwrite.
var userDefinedSources = map[string]bool{"custom": true, "api": true}

// NormalizeCurrency folds a currency code to trimmed upper case.
func NormalizeCurrency(v string) string {
	return strings.ToUpper(strings.TrimSpace(v))
}

func pairKey(base, quote string) string {
	return NormalizeCurrency(base) + "_" + NormalizeCurrency(quote)
}

// ResolveDefaultRate derives a base->quote rate from the default table:
// direct pair first, then the inverted reverse pair, then bridging both
// legs through SAR.
func ResolveDefaultRate(base, quote string) (float64, bool) {
	base = NormalizeCurrency(base)
	quote = NormalizeCurrency(quote)
	if base == "" || quote == "" {
		return 0, false
	}
	if base == quote {
		return 1.0, true
	}

	if direct := DefaultRates[pairKey(base, quote)]; direct > 0 {
		return direct, true
	}
	if reverse := DefaultRates[pairKey(quote, base)]; reverse > 0 {
		return 1.0 / reverse, true
	}

	baseToSAR, ok := legToSAR(base)
	if !ok {
		return 0, false
	}
	sarToQuote, ok := legFromSAR(quote)
	if !ok {
		return 0, false
	}
	bridged := round8(baseToSAR * sarToQuote)
	if bridged <= 0 {
		return 0, false
	}
	return bridged, true
}

func legToSAR(c string) (float64, bool) {
	if c == "SAR" {
		return 1.0, true
	}
	if direct := DefaultRates[pairKey(c, "SAR")]; direct > 0 {
		return direct, true
	}
	if reverse := DefaultRates[pairKey("SAR", c)]; reverse > 0 {
		return 1.0 / reverse, true
	}
	return 0, false
}

func legFromSAR(c string) (float64, bool) {
	if c == "SAR" {
		return 1.0, true
	}
	if direct := DefaultRates[pairKey("SAR", c)]; direct > 0 {
		return direct, true
	}
	if reverse := DefaultRates[pairKey(c, "SAR")]; reverse > 0 {
		return 1.0 / reverse, true
	}
	return 0, false
}

// ParseEnabledCurrencies accepts the enabled_currencies settings value
// in any of its historical client encodings: a JSON list, a JSON-encoded
// list in a string, or a comma-separated string.
func ParseEnabledCurrencies(value any) []string {
	switch v := value.(type) {
	case nil:
		return nil
	case []string:
		return normalizeAll(v)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return normalizeAll(out)
	case string:
		raw := strings.TrimSpace(v)
		if raw == "" {
			return nil
		}
		if strings.HasPrefix(raw, "[") {
			var parsed []any
			if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
				return ParseEnabledCurrencies(parsed)
			}
		}
		return normalizeAll(strings.Split(raw, ","))
	default:
		return nil
	}
}

func normalizeAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if n := NormalizeCurrency(v); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// CurrencyPool builds the ordered, deduplicated currency set to seed:
// the wallet base, the enabled list, then the regional defaults.
func CurrencyPool(base string, enabled []string) []string {
	candidates := make([]string, 0, len(enabled)+4)
	candidates = append(candidates, base)
	candidates = append(candidates, enabled...)
	candidates = append(candidates, "SAR", "USD", "YER")

	seen := make(map[string]bool, len(candidates))
	pool := make([]string, 0, len(candidates))
	for _, c := range candidates {
		n := NormalizeCurrency(c)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		pool = append(pool, n)
	}
	return pool
}

func round8(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(8).Float64()
	return f
}
