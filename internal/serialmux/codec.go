package serialmux

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/banshee-data/coinsorter/internal/coin"
)

// Line tags of the sorter's ASCII protocol. Fields are comma separated and
// every timestamp is unix nanoseconds.
//
//	sensor port in:    S,<sensor_id>,<unix_nanos>,<raw>   one sample
//	                   B,<station_id>,<unix_nanos>        event boundary
//	actuator port in:  A,<gate_id>,<coin_event_id>        gate confirmation
//	                   J,<gate_id>                        jam cleared
//	actuator port out: G,<gate_id>,<bin>,<deadline>,<coin_event_id>
//	                   C=<unix_seconds>                   clock sync
const (
	TagSample   = 'S'
	TagBoundary = 'B'
	TagConfirm  = 'A'
	TagJamClear = 'J'
	TagGate     = 'G'
)

var (
	// ErrEmptyLine is returned for blank lines and '#' comments, which
	// drivers may emit and readers skip.
	ErrEmptyLine = errors.New("empty line")
	// ErrMalformedLine is returned for lines that do not parse.
	ErrMalformedLine = errors.New("malformed line")
)

// SensorLine is one decoded line from the sensor driver. Exactly one of
// Sample or Boundary is set.
type SensorLine struct {
	Sample   *coin.SensorSample
	Boundary *Boundary
}

// Boundary marks the end of a coin's sample burst at a station.
type Boundary struct {
	StationID string
	At        time.Time
}

// ActuatorLine is one decoded line from the actuator board.
type ActuatorLine struct {
	Tag         byte
	GateID      int
	CoinEventID coin.CoinEventID
}

func fields(line string) ([]string, error) {
	line = strings.TrimSpace(line)
	if line == "" || line[0] == '#' {
		return nil, ErrEmptyLine
	}
	return strings.Split(line, ","), nil
}

func malformed(line, format string, args ...any) error {
	return errors.Wrapf(ErrMalformedLine, "%q: %s", line, fmt.Sprintf(format, args...))
}

func parseNanos(s string) (time.Time, error) {
	ns, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, ns), nil
}

// ParseSensorLine decodes a sample or boundary line.
func ParseSensorLine(line string) (SensorLine, error) {
	f, err := fields(line)
	if err != nil {
		return SensorLine{}, err
	}
	switch {
	case f[0] == string(TagSample) && len(f) == 4:
		id := strings.TrimSpace(f[1])
		if id == "" {
			return SensorLine{}, malformed(line, "empty sensor id")
		}
		ts, err := parseNanos(f[2])
		if err != nil {
			return SensorLine{}, malformed(line, "timestamp: %v", err)
		}
		raw, err := strconv.ParseFloat(strings.TrimSpace(f[3]), 64)
		if err != nil {
			return SensorLine{}, malformed(line, "value: %v", err)
		}
		return SensorLine{Sample: &coin.SensorSample{SensorID: id, Timestamp: ts, RawValue: raw}}, nil

	case f[0] == string(TagBoundary) && len(f) == 3:
		id := strings.TrimSpace(f[1])
		if id == "" {
			return SensorLine{}, malformed(line, "empty station id")
		}
		ts, err := parseNanos(f[2])
		if err != nil {
			return SensorLine{}, malformed(line, "timestamp: %v", err)
		}
		return SensorLine{Boundary: &Boundary{StationID: id, At: ts}}, nil
	}
	return SensorLine{}, malformed(line, "unknown sensor line")
}

// ParseActuatorLine decodes a confirmation or jam-clear line.
func ParseActuatorLine(line string) (ActuatorLine, error) {
	f, err := fields(line)
	if err != nil {
		return ActuatorLine{}, err
	}
	switch {
	case f[0] == string(TagConfirm) && len(f) == 3:
		gate, err := strconv.Atoi(strings.TrimSpace(f[1]))
		if err != nil || gate < 0 {
			return ActuatorLine{}, malformed(line, "gate id")
		}
		id, err := strconv.ParseUint(strings.TrimSpace(f[2]), 10, 64)
		if err != nil {
			return ActuatorLine{}, malformed(line, "coin event id: %v", err)
		}
		return ActuatorLine{Tag: TagConfirm, GateID: gate, CoinEventID: coin.CoinEventID(id)}, nil

	case f[0] == string(TagJamClear) && len(f) == 2:
		gate, err := strconv.Atoi(strings.TrimSpace(f[1]))
		if err != nil || gate < 0 {
			return ActuatorLine{}, malformed(line, "gate id")
		}
		return ActuatorLine{Tag: TagJamClear, GateID: gate}, nil
	}
	return ActuatorLine{}, malformed(line, "unknown actuator line")
}

// FormatGateCommand encodes a gate command for the actuator board.
func FormatGateCommand(cmd coin.GateCommand) string {
	return fmt.Sprintf("%c,%d,%d,%d,%d", TagGate, cmd.GateID, cmd.Bin, cmd.Deadline.UnixNano(), uint64(cmd.CoinEventID))
}

// FormatClockSync encodes the clock sync sent at initialisation.
func FormatClockSync(t time.Time) string {
	return fmt.Sprintf("C=%d", t.Unix())
}
