// Package catalog holds the nominal specifications of circulating coins.
// The sorter uses them to seed bring-up profiles before real calibration
// and to value what has been routed into each bin.
package catalog

import (
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
)

// CoinSpec is the nominal specification of one denomination.
type CoinSpec struct {
	Value       int     `json:"value"` // smallest currency unit, e.g. cents
	Code        string  `json:"code"`  // denomination id, e.g. "25c"
	Name        string  `json:"name"`
	MassG       float64 `json:"mass_g"`
	DiameterMM  float64 `json:"diameter_mm"`
	Composition string  `json:"composition,omitempty"`
}

// System is a currency's set of coins, ordered by descending value.
type System struct {
	Name  string     `json:"name"`
	Coins []CoinSpec `json:"coins"`
}

// Spec returns the coin with the given code.
func (s System) Spec(code string) (CoinSpec, bool) {
	for _, c := range s.Coins {
		if c.Code == code {
			return c, true
		}
	}
	return CoinSpec{}, false
}

// Value returns the face value of a denomination, or 0 if unknown.
func (s System) Value(code string) int {
	c, _ := s.Spec(code)
	return c.Value
}

var systems = map[string]System{
	"usd": {Name: "usd", Coins: []CoinSpec{
		{25, "25c", "quarter", 5.670, 24.26, "8.33% Ni bal Cu (clad)"},
		{10, "10c", "dime", 2.268, 17.91, "8.33% Ni bal Cu (clad)"},
		{5, "5c", "nickel", 5.000, 21.21, "25% Ni bal Cu"},
		{1, "1c", "penny", 2.500, 19.05, "2.5% Cu 97.5% Zn (plated)"},
	}},
	"eur": {Name: "eur", Coins: []CoinSpec{
		{200, "2e", "2 euro", 8.500, 25.75, "Bi-metal: Ni brass/Cu-Ni"},
		{100, "1e", "1 euro", 7.500, 23.25, "Bi-metal: Cu-Ni/Ni brass"},
		{50, "50c", "50 cent", 7.800, 24.25, "Nordic gold"},
		{20, "20c", "20 cent", 5.740, 22.25, "Nordic gold"},
		{10, "10c", "10 cent", 4.100, 19.75, "Nordic gold"},
		{5, "5c", "5 cent", 3.920, 21.25, "Cu plated steel"},
		{2, "2c", "2 cent", 3.060, 18.75, "Cu plated steel"},
		{1, "1c", "1 cent", 2.300, 16.25, "Cu plated steel"},
	}},
	"cad": {Name: "cad", Coins: []CoinSpec{
		{200, "2d", "toonie", 6.92, 28.00, "Bi-metal Ni/Al-bronze"},
		{100, "1d", "loonie", 6.27, 26.50, "Multi-ply brass plated steel"},
		{25, "25c", "quarter", 4.40, 23.88, "Multi-ply Ni plated steel"},
		{10, "10c", "dime", 1.75, 18.03, "Multi-ply Ni plated steel"},
		{5, "5c", "nickel", 3.95, 21.20, "Multi-ply Ni plated steel"},
		{1, "1c", "penny", 2.35, 19.05, "Cu plated Zn (discontinued)"},
	}},
	"aud": {Name: "aud", Coins: []CoinSpec{
		{200, "2d", "two dollar", 6.60, 20.50, "Al bronze"},
		{100, "1d", "one dollar", 9.00, 25.00, "Al bronze"},
		{50, "50c", "fifty cent", 15.55, 31.65, "Cupronickel"},
		{20, "20c", "twenty cent", 11.30, 28.65, "Cupronickel"},
		{10, "10c", "ten cent", 5.65, 23.60, "Cupronickel"},
		{5, "5c", "five cent", 2.83, 19.41, "Cupronickel"},
	}},
	// post-2006 reduced size
	"nzd": {Name: "nzd", Coins: []CoinSpec{
		{200, "2d", "two dollar", 10.00, 26.50, "Al bronze"},
		{100, "1d", "one dollar", 8.00, 23.00, "Al bronze"},
		{50, "50c", "fifty cent", 5.00, 24.75, "Ni plated steel"},
		{20, "20c", "twenty cent", 4.00, 21.75, "Ni plated steel"},
		{10, "10c", "ten cent", 3.30, 20.50, "Cu plated steel"},
	}},
	"cny": {Name: "cny", Coins: []CoinSpec{
		{100, "1y", "1 yuan", 6.10, 25.00, "Ni plated steel"},
		{50, "5j", "5 jiao", 3.80, 20.50, "Brass alloy"},
		{10, "1j", "1 jiao", 1.15, 19.00, "Aluminum"},
	}},
}

// Lookup returns the named system (case-insensitive).
func Lookup(name string) (System, error) {
	s, ok := systems[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return System{}, errors.Newf("unknown currency system %q (available: %s)", name, strings.Join(Names(), ", "))
	}
	return s, nil
}

// Names returns the available system names, sorted.
func Names() []string {
	out := make([]string, 0, len(systems))
	for k := range systems {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
