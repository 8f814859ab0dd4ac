package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/banshee-data/coinsorter/internal/coin"
)

// SorterConfig is the root configuration of the sorting engine. Every field
// is optional; the Get* accessors supply defaults for anything omitted, so a
// partial file is safe.
type SorterConfig struct {
	// Transit physics
	TransitDelay        *string `json:"transit_delay,omitempty"`        // sensor station to gate, e.g. "400ms"
	ActuationLeadTime   *string `json:"actuation_lead_time,omitempty"`  // decision happens this long before arrival
	ConfirmationTimeout *string `json:"confirmation_timeout,omitempty"` // wait for actuator confirmation
	ResetDuration       *string `json:"reset_duration,omitempty"`       // gate settle time after actuation
	TickInterval        *string `json:"tick_interval,omitempty"`        // actuation lane scheduling resolution

	// Classification
	RoutingConfidenceThreshold *float64 `json:"routing_confidence_threshold,omitempty"`
	PartialConfidenceCeiling   *float64 `json:"partial_confidence_ceiling,omitempty"`
	TieEpsilon                 *float64 `json:"tie_epsilon,omitempty"`
	MedianWindow               *int     `json:"median_window,omitempty"`

	// Calibration
	MinCalibrationSamples *int     `json:"min_calibration_samples,omitempty"`
	MaxReferenceSpread    *float64 `json:"max_reference_spread,omitempty"` // coefficient of variation
	ToleranceSigma        *float64 `json:"tolerance_sigma,omitempty"`
	MinToleranceFraction  *float64 `json:"min_tolerance_fraction,omitempty"`

	// Fault monitoring
	FaultWindow     *string        `json:"fault_window,omitempty"`
	FaultThresholds map[string]int `json:"fault_thresholds,omitempty"`

	// Queues
	FeatureQueueSize *int `json:"feature_queue_size,omitempty"`
	MaxInFlight      *int `json:"max_in_flight,omitempty"`
	CommandQueueSize *int `json:"command_queue_size,omitempty"`
	ClassifyWorkers  *int `json:"classify_workers,omitempty"`

	// Routing
	RejectBin      *int           `json:"reject_bin,omitempty"`
	Bins           map[string]int `json:"bins,omitempty"`
	CurrencySystem *string        `json:"currency_system,omitempty"`

	// Hardware layout
	Stations []StationConfig `json:"stations,omitempty"`

	// Per-denomination overrides, keyed by denomination then channel name.
	Tolerances map[string]map[string]float64 `json:"tolerances,omitempty"`
	Weights    map[string]map[string]float64 `json:"weights,omitempty"`
}

// StationConfig describes one sensor station and the gate it feeds.
type StationConfig struct {
	ID      string         `json:"id"`
	Gate    int            `json:"gate"`
	Sensors []SensorConfig `json:"sensors"`
}

// SensorConfig maps a sensor to a feature channel with a linear unit
// normalisation: value = raw*Scale + Offset.
type SensorConfig struct {
	ID      string   `json:"id"`
	Channel string   `json:"channel"`
	Scale   *float64 `json:"scale,omitempty"`
	Offset  float64  `json:"offset,omitempty"`
}

// GetScale returns the sensor scale, defaulting to 1.
func (s SensorConfig) GetScale() float64 {
	if s.Scale == nil {
		return 1
	}
	return *s.Scale
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptySorterConfig returns a SorterConfig with every field unset.
func EmptySorterConfig() *SorterConfig {
	return &SorterConfig{}
}

// DefaultStations is the single-station layout used when none is
// configured: one station "line0" feeding gate 0 with one sensor per channel.
func DefaultStations() []StationConfig {
	return []StationConfig{{
		ID:   "line0",
		Gate: 0,
		Sensors: []SensorConfig{
			{ID: "dia0", Channel: "diameter_mm"},
			{ID: "thk0", Channel: "thickness_mm"},
			{ID: "mass0", Channel: "mass_g"},
			{ID: "cond0", Channel: "conductivity"},
		},
	}}
}

// LoadSorterConfig loads a SorterConfig from a JSON file. The path must have
// a .json extension and the file must be under 1MB.
func LoadSorterConfig(path string) (*SorterConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptySorterConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *SorterConfig) Validate() error {
	for name, v := range map[string]*string{
		"transit_delay":        c.TransitDelay,
		"actuation_lead_time":  c.ActuationLeadTime,
		"confirmation_timeout": c.ConfirmationTimeout,
		"reset_duration":       c.ResetDuration,
		"tick_interval":        c.TickInterval,
		"fault_window":         c.FaultWindow,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, d)
		}
	}

	if c.GetActuationLeadTime() >= c.GetTransitDelay() {
		return fmt.Errorf("actuation_lead_time (%s) must be shorter than transit_delay (%s)",
			c.GetActuationLeadTime(), c.GetTransitDelay())
	}
	if c.GetTickInterval() <= 0 {
		return fmt.Errorf("tick_interval must be positive")
	}

	for name, v := range map[string]*float64{
		"routing_confidence_threshold": c.RoutingConfidenceThreshold,
		"partial_confidence_ceiling":   c.PartialConfidenceCeiling,
	} {
		if v != nil && (*v < 0 || *v > 1) {
			return fmt.Errorf("%s must be between 0 and 1, got %f", name, *v)
		}
	}
	if c.TieEpsilon != nil && *c.TieEpsilon < 0 {
		return fmt.Errorf("tie_epsilon must be non-negative, got %f", *c.TieEpsilon)
	}
	if c.MaxReferenceSpread != nil && *c.MaxReferenceSpread <= 0 {
		return fmt.Errorf("max_reference_spread must be positive, got %f", *c.MaxReferenceSpread)
	}
	if c.ToleranceSigma != nil && *c.ToleranceSigma <= 0 {
		return fmt.Errorf("tolerance_sigma must be positive, got %f", *c.ToleranceSigma)
	}

	for name, v := range map[string]*int{
		"median_window":           c.MedianWindow,
		"min_calibration_samples": c.MinCalibrationSamples,
		"feature_queue_size":      c.FeatureQueueSize,
		"max_in_flight":           c.MaxInFlight,
		"command_queue_size":      c.CommandQueueSize,
		"classify_workers":        c.ClassifyWorkers,
	} {
		if v != nil && *v < 1 {
			return fmt.Errorf("%s must be at least 1, got %d", name, *v)
		}
	}
	if c.RejectBin != nil && *c.RejectBin < 0 {
		return fmt.Errorf("reject_bin must be non-negative, got %d", *c.RejectBin)
	}

	for kind, n := range c.FaultThresholds {
		if n < 1 {
			return fmt.Errorf("fault threshold for %s must be at least 1, got %d", kind, n)
		}
	}

	reject := c.GetRejectBin()
	for denom, bin := range c.Bins {
		if bin < 0 {
			return fmt.Errorf("bin for %s must be non-negative, got %d", denom, bin)
		}
		if bin == reject {
			return fmt.Errorf("bin for %s collides with reject_bin %d", denom, reject)
		}
	}

	stationIDs := make(map[string]bool)
	sensorIDs := make(map[string]bool)
	for _, st := range c.Stations {
		if st.ID == "" {
			return fmt.Errorf("station id must not be empty")
		}
		if stationIDs[st.ID] {
			return fmt.Errorf("duplicate station id %q", st.ID)
		}
		stationIDs[st.ID] = true
		if st.Gate < 0 {
			return fmt.Errorf("station %s: gate must be non-negative, got %d", st.ID, st.Gate)
		}
		if len(st.Sensors) == 0 {
			return fmt.Errorf("station %s has no sensors", st.ID)
		}
		for _, s := range st.Sensors {
			if s.ID == "" {
				return fmt.Errorf("station %s: sensor id must not be empty", st.ID)
			}
			if sensorIDs[s.ID] {
				return fmt.Errorf("duplicate sensor id %q", s.ID)
			}
			sensorIDs[s.ID] = true
			if _, err := coin.ParseChannel(s.Channel); err != nil {
				return fmt.Errorf("station %s sensor %s: %w", st.ID, s.ID, err)
			}
		}
	}

	for _, overrides := range []map[string]map[string]float64{c.Tolerances, c.Weights} {
		for denom, byChannel := range overrides {
			for ch, v := range byChannel {
				if _, err := coin.ParseChannel(ch); err != nil {
					return fmt.Errorf("override for %s: %w", denom, err)
				}
				if v < 0 {
					return fmt.Errorf("override for %s %s must be non-negative, got %f", denom, ch, v)
				}
			}
		}
	}

	return nil
}

func parseDurationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def // default on parse error
	}
	return d
}

// GetTransitDelay returns the sensor-to-gate travel time.
func (c *SorterConfig) GetTransitDelay() time.Duration {
	return parseDurationOr(c.TransitDelay, 400*time.Millisecond)
}

// GetActuationLeadTime returns how long before arrival the gate decides.
func (c *SorterConfig) GetActuationLeadTime() time.Duration {
	return parseDurationOr(c.ActuationLeadTime, 40*time.Millisecond)
}

// GetConfirmationTimeout returns how long a committed gate waits for the
// actuator's confirmation.
func (c *SorterConfig) GetConfirmationTimeout() time.Duration {
	return parseDurationOr(c.ConfirmationTimeout, 60*time.Millisecond)
}

// GetResetDuration returns the gate settle time.
func (c *SorterConfig) GetResetDuration() time.Duration {
	return parseDurationOr(c.ResetDuration, 20*time.Millisecond)
}

// GetTickInterval returns the actuation lane tick.
func (c *SorterConfig) GetTickInterval() time.Duration {
	return parseDurationOr(c.TickInterval, time.Millisecond)
}

// GetFaultWindow returns the fault-rate sliding window.
func (c *SorterConfig) GetFaultWindow() time.Duration {
	return parseDurationOr(c.FaultWindow, 10*time.Second)
}

// GetRoutingConfidenceThreshold returns the minimum confidence to route a
// coin to its denomination bin.
func (c *SorterConfig) GetRoutingConfidenceThreshold() float64 {
	if c.RoutingConfidenceThreshold == nil {
		return 0.6
	}
	return *c.RoutingConfidenceThreshold
}

// GetPartialConfidenceCeiling returns the confidence cap for partial vectors.
func (c *SorterConfig) GetPartialConfidenceCeiling() float64 {
	if c.PartialConfidenceCeiling == nil {
		return 0.5
	}
	return *c.PartialConfidenceCeiling
}

// GetTieEpsilon returns the distance within which two matches tie.
func (c *SorterConfig) GetTieEpsilon() float64 {
	if c.TieEpsilon == nil {
		return 0.02
	}
	return *c.TieEpsilon
}

// GetMedianWindow returns the number of newest samples per channel fed to
// the median filter.
func (c *SorterConfig) GetMedianWindow() int {
	if c.MedianWindow == nil {
		return 5
	}
	return *c.MedianWindow
}

// GetMinCalibrationSamples returns the minimum reference samples per
// denomination.
func (c *SorterConfig) GetMinCalibrationSamples() int {
	if c.MinCalibrationSamples == nil {
		return 20
	}
	return *c.MinCalibrationSamples
}

// GetMaxReferenceSpread returns the largest accepted coefficient of
// variation in a reference set.
func (c *SorterConfig) GetMaxReferenceSpread() float64 {
	if c.MaxReferenceSpread == nil {
		return 0.05
	}
	return *c.MaxReferenceSpread
}

// GetToleranceSigma returns the envelope half-width in standard deviations.
func (c *SorterConfig) GetToleranceSigma() float64 {
	if c.ToleranceSigma == nil {
		return 4.0
	}
	return *c.ToleranceSigma
}

// GetMinToleranceFraction returns the smallest envelope half-width as a
// fraction of the centroid.
func (c *SorterConfig) GetMinToleranceFraction() float64 {
	if c.MinToleranceFraction == nil {
		return 0.01
	}
	return *c.MinToleranceFraction
}

// GetFaultThresholds returns the per-kind DegradedMode thresholds.
func (c *SorterConfig) GetFaultThresholds() map[coin.FaultKind]int {
	if c.FaultThresholds == nil {
		return map[coin.FaultKind]int{
			coin.FaultGateOverrun:           5,
			coin.FaultClassificationTimeout: 5,
		}
	}
	out := make(map[coin.FaultKind]int, len(c.FaultThresholds))
	for k, v := range c.FaultThresholds {
		out[coin.FaultKind(k)] = v
	}
	return out
}

// GetFeatureQueueSize returns the classification lane queue bound.
func (c *SorterConfig) GetFeatureQueueSize() int {
	if c.FeatureQueueSize == nil {
		return 64
	}
	return *c.FeatureQueueSize
}

// GetMaxInFlight returns the transit pipeline capacity.
func (c *SorterConfig) GetMaxInFlight() int {
	if c.MaxInFlight == nil {
		return 128
	}
	return *c.MaxInFlight
}

// GetCommandQueueSize returns the outbound gate command queue bound. It is
// never smaller than GetMaxInFlight, so every coin the pipeline holds can
// have its command queued at once.
func (c *SorterConfig) GetCommandQueueSize() int {
	n := 64
	if c.CommandQueueSize != nil {
		n = *c.CommandQueueSize
	}
	return max(n, c.GetMaxInFlight())
}

// GetClassifyWorkers returns the number of classification workers.
func (c *SorterConfig) GetClassifyWorkers() int {
	if c.ClassifyWorkers == nil {
		return 2
	}
	return *c.ClassifyWorkers
}

// GetRejectBin returns the default/reject bin.
func (c *SorterConfig) GetRejectBin() int {
	if c.RejectBin == nil {
		return 0
	}
	return *c.RejectBin
}

// GetBins returns the denomination to bin mapping.
func (c *SorterConfig) GetBins() map[string]int {
	out := make(map[string]int, len(c.Bins))
	for k, v := range c.Bins {
		out[k] = v
	}
	return out
}

// GetCurrencySystem returns the catalogue system used for valuation.
func (c *SorterConfig) GetCurrencySystem() string {
	if c.CurrencySystem == nil {
		return "usd"
	}
	return *c.CurrencySystem
}

// GetStations returns the station layout, or DefaultStations when unset.
func (c *SorterConfig) GetStations() []StationConfig {
	if len(c.Stations) == 0 {
		return DefaultStations()
	}
	return c.Stations
}

// GateCount returns one more than the highest configured gate id.
func (c *SorterConfig) GateCount() int {
	n := 0
	for _, st := range c.GetStations() {
		if st.Gate+1 > n {
			n = st.Gate + 1
		}
	}
	return n
}

// ChannelOverrides converts per-channel overrides for one denomination into
// measurement arrays. set[c] is true where an override exists.
func ChannelOverrides(byChannel map[string]float64) (vals coin.Measurements, set [coin.NumChannels]bool) {
	keys := make([]string, 0, len(byChannel))
	for k := range byChannel {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		ch, err := coin.ParseChannel(k)
		if err != nil {
			continue // rejected by Validate
		}
		vals[ch] = byChannel[k]
		set[ch] = true
	}
	return vals, set
}
