package catalog

import (
	"math"
	"strings"

	"github.com/cockroachdb/errors"
)

// ErrNoChange is returned when an amount cannot be made from a system's
// coins, for example 7 cents from a system whose smallest coin is 5.
var ErrNoChange = errors.New("amount cannot be made from the system's coins")

// MaxOptimalAmount bounds the amounts the dynamic programme accepts; its
// tables grow linearly with the amount.
const MaxOptimalAmount = 1 << 24

// Objective is what an optimal breakdown minimises. Ties on the objective
// go to the breakdown with fewer coins.
type Objective string

const (
	ByCount    Objective = "count"
	ByMass     Objective = "mass"
	ByDiameter Objective = "diameter"
	// ByArea minimises the summed face area, i.e. the tray space the
	// coins cover laid flat.
	ByArea Objective = "area"
)

// Objectives lists the accepted objectives.
func Objectives() []Objective { return []Objective{ByCount, ByMass, ByDiameter, ByArea} }

// ParseObjective accepts an objective name; "diam" is short for diameter.
func ParseObjective(s string) (Objective, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "count":
		return ByCount, nil
	case "mass":
		return ByMass, nil
	case "diam", "diameter":
		return ByDiameter, nil
	case "area":
		return ByArea, nil
	}
	return "", errors.Newf("unknown objective %q (want count, mass, diam or area)", s)
}

// weight is the cost one coin adds under obj. Coins without the physical
// figure cost 1.
func (obj Objective) weight(c CoinSpec) float64 {
	var w float64
	switch obj {
	case ByMass:
		w = c.MassG
	case ByDiameter:
		w = c.DiameterMM
	case ByArea:
		w = math.Pi * c.DiameterMM * c.DiameterMM / 4
	default:
		return 1
	}
	if w <= 0 {
		return 1
	}
	return w
}

// Greedy breaks amount down taking as many of each coin as fit, largest
// first. Counts are indexed like s.Coins. Greedy is only optimal for
// canonical systems; see AuditCanonical.
func (s System) Greedy(amount int) ([]int, error) {
	if amount < 0 {
		return nil, errors.Newf("amount must be non-negative, got %d", amount)
	}
	counts := make([]int, len(s.Coins))
	rest := amount
	for i, c := range s.Coins {
		counts[i] = rest / c.Value
		rest -= counts[i] * c.Value
	}
	if rest != 0 {
		return nil, errors.Wrapf(ErrNoChange, "%s %d greedy remainder %d", s.Name, amount, rest)
	}
	return counts, nil
}

// Optimal breaks amount down minimising obj by dynamic programming.
func (s System) Optimal(amount int, obj Objective) ([]int, error) {
	if amount < 0 {
		return nil, errors.Newf("amount must be non-negative, got %d", amount)
	}
	if amount > MaxOptimalAmount {
		return nil, errors.Newf("amount %d exceeds %d", amount, MaxOptimalAmount)
	}
	cost, _, last := s.table(amount, obj)
	if math.IsInf(cost[amount], 1) {
		return nil, errors.Wrapf(ErrNoChange, "%s %d", s.Name, amount)
	}
	counts := make([]int, len(s.Coins))
	for a := amount; a > 0; a -= s.Coins[last[a]].Value {
		counts[last[a]]++
	}
	return counts, nil
}

const costEpsilon = 1e-12

// table fills the optimal cost, coin count and last coin used for every
// amount up to limit. Unreachable amounts keep an infinite cost.
func (s System) table(limit int, obj Objective) (cost []float64, coins []int, last []int) {
	cost = make([]float64, limit+1)
	coins = make([]int, limit+1)
	last = make([]int, limit+1)
	for a := 1; a <= limit; a++ {
		cost[a] = math.Inf(1)
		last[a] = -1
		for i, c := range s.Coins {
			if c.Value > a || math.IsInf(cost[a-c.Value], 1) {
				continue
			}
			p := cost[a-c.Value] + obj.weight(c)
			n := coins[a-c.Value] + 1
			if p < cost[a]-costEpsilon || (math.Abs(p-cost[a]) < costEpsilon && n < coins[a]) {
				cost[a], coins[a], last[a] = p, n, i
			}
		}
	}
	return cost, coins, last
}

// AuditCanonical checks whether greedy change uses the fewest coins for
// every amount from 1 to limit. A limit of 0 uses the product of the two
// largest coin values. It returns the first amount where greedy is worse,
// or fails where an exact breakdown exists, and 0 when none is found.
func (s System) AuditCanonical(limit int) (counterexample int) {
	if len(s.Coins) == 0 {
		return 0
	}
	if limit <= 0 {
		limit = s.Coins[0].Value
		if len(s.Coins) > 1 {
			limit *= s.Coins[1].Value
		}
	}
	limit = min(limit, MaxOptimalAmount)
	_, best, last := s.table(limit, ByCount)
	for a := 1; a <= limit; a++ {
		if last[a] < 0 {
			continue
		}
		g, err := s.Greedy(a)
		if err != nil || sum(g) > best[a] {
			return a
		}
	}
	return 0
}

// TotalMass returns the nominal mass in grams of a breakdown.
func (s System) TotalMass(counts []int) float64 {
	var m float64
	for i, n := range counts {
		m += float64(n) * s.Coins[i].MassG
	}
	return m
}

// TotalDiameter returns the summed nominal diameters in millimetres of a
// breakdown, the length of the coins laid edge to edge.
func (s System) TotalDiameter(counts []int) float64 {
	var d float64
	for i, n := range counts {
		d += float64(n) * s.Coins[i].DiameterMM
	}
	return d
}

// CoinCount is one line of a change breakdown.
type CoinCount struct {
	Code  string `json:"code"`
	Name  string `json:"name"`
	Value int    `json:"value"`
	Count int    `json:"count"`
}

// Change is the breakdown of an amount into a system's coins.
type Change struct {
	System     string      `json:"system"`
	Amount     int         `json:"amount"`
	Strategy   string      `json:"strategy"`
	Objective  Objective   `json:"objective"`
	TotalCoins int         `json:"total_coins"`
	MassG      float64     `json:"mass_g"`
	DiameterMM float64     `json:"diameter_mm"`
	Coins      []CoinCount `json:"coins"`
	// GreedySuboptimalAt is the first amount where greedy change loses,
	// set when the system failed the canonical audit.
	GreedySuboptimalAt int `json:"greedy_suboptimal_at,omitempty"`
}

// MakeChange breaks amount down into s's coins minimising obj. For the
// coin-count objective greedy change is used when the system passes the
// canonical audit, the dynamic programme otherwise; every other objective
// always runs the dynamic programme.
func (s System) MakeChange(amount int, obj Objective) (Change, error) {
	if obj == "" {
		obj = ByCount
	}
	ch := Change{System: s.Name, Amount: amount, Objective: obj}

	var (
		counts []int
		err    error
	)
	switch {
	case obj != ByCount:
		ch.Strategy = "dp-" + string(obj)
		counts, err = s.Optimal(amount, obj)
	default:
		ch.GreedySuboptimalAt = s.AuditCanonical(0)
		if ch.GreedySuboptimalAt == 0 {
			ch.Strategy = "greedy"
			counts, err = s.Greedy(amount)
		} else {
			ch.Strategy = "dp"
			counts, err = s.Optimal(amount, ByCount)
		}
	}
	if err != nil {
		return Change{}, err
	}

	ch.Coins = make([]CoinCount, len(s.Coins))
	for i, c := range s.Coins {
		ch.Coins[i] = CoinCount{Code: c.Code, Name: c.Name, Value: c.Value, Count: counts[i]}
	}
	ch.TotalCoins = sum(counts)
	ch.MassG = s.TotalMass(counts)
	ch.DiameterMM = s.TotalDiameter(counts)
	return ch, nil
}

func sum(xs []int) int {
	n := 0
	for _, x := range xs {
		n += x
	}
	return n
}
