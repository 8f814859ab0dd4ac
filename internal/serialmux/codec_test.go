package serialmux

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/coinsorter/internal/coin"
)

func TestParseSensorLine(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		line     string
		sample   *coin.SensorSample
		boundary *Boundary
		err      error
	}{
		{
			name:   "sample",
			line:   "S,dia-1,1700000000000000123,2426.5",
			sample: &coin.SensorSample{SensorID: "dia-1", Timestamp: time.Unix(0, 1700000000000000123), RawValue: 2426.5},
		},
		{
			name:   "sample with spaces and CR",
			line:   " S, mass , 5, -0.25\r",
			sample: &coin.SensorSample{SensorID: "mass", Timestamp: time.Unix(0, 5), RawValue: -0.25},
		},
		{
			name:     "boundary",
			line:     "B,st0,1700000000500000000",
			boundary: &Boundary{StationID: "st0", At: time.Unix(0, 1700000000500000000)},
		},
		{name: "blank", line: "   ", err: ErrEmptyLine},
		{name: "comment", line: "# driver v2", err: ErrEmptyLine},
		{name: "short sample", line: "S,dia,1", err: ErrMalformedLine},
		{name: "bad value", line: "S,dia,1,abc", err: ErrMalformedLine},
		{name: "bad timestamp", line: "S,dia,yesterday,1", err: ErrMalformedLine},
		{name: "empty sensor", line: "S,,1,1", err: ErrMalformedLine},
		{name: "empty station", line: "B, ,1", err: ErrMalformedLine},
		{name: "actuator line on sensor port", line: "A,0,1", err: ErrMalformedLine},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseSensorLine(tc.line)
			if tc.err != nil {
				assert.True(t, errors.Is(err, tc.err), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.sample, got.Sample)
			assert.Equal(t, tc.boundary, got.Boundary)
		})
	}
}

func TestParseActuatorLine(t *testing.T) {
	t.Parallel()
	tests := []struct {
		line string
		want ActuatorLine
		err  error
	}{
		{line: "A,2,41", want: ActuatorLine{Tag: TagConfirm, GateID: 2, CoinEventID: 41}},
		{line: "J,1", want: ActuatorLine{Tag: TagJamClear, GateID: 1}},
		{line: "J,-1", err: ErrMalformedLine},
		{line: "A,x,1", err: ErrMalformedLine},
		{line: "A,0,-3", err: ErrMalformedLine},
		{line: "G,0,1,2,3", err: ErrMalformedLine},
		{line: "", err: ErrEmptyLine},
	}
	for _, tc := range tests {
		got, err := ParseActuatorLine(tc.line)
		if tc.err != nil {
			assert.True(t, errors.Is(err, tc.err), "%q: got %v", tc.line, err)
			continue
		}
		require.NoError(t, err, tc.line)
		assert.Equal(t, tc.want, got, tc.line)
	}
}

func TestFormatGateCommand(t *testing.T) {
	t.Parallel()
	cmd := coin.GateCommand{GateID: 3, Bin: 5, Deadline: time.Unix(0, 1700000000400000000), CoinEventID: 99, Reason: coin.ReasonMatched}
	assert.Equal(t, "G,3,5,1700000000400000000,99", FormatGateCommand(cmd))
}

func TestFormatClockSync(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "C=1700000000", FormatClockSync(time.Unix(1700000000, 999)))
}
