package obd

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/rs/zerolog"

	"obd-relay/common"
)

// Reading is the shared telemetry snapshot type
type Reading = common.Reading

// ResponsePrefix marks a mode 01 (current data) response line.
const ResponsePrefix = "41"

// Prompt is the adapter's ready-for-input marker that ends each response.
const Prompt = ">"

var (
	// ErrNotResponse is returned for lines that are not mode 01 responses.
	ErrNotResponse = errors.New("not a current data response")
	// ErrUnsupportedPID is returned for well-formed responses carrying an unknown PID.
	ErrUnsupportedPID = errors.New("unsupported PID")
)

// PIDDecoder converts the raw hex value of a response into the metric value
type PIDDecoder func(raw uint64) int

var pidDecoders = map[string]PIDDecoder{
	"0C": decodeRPM,
	"0D": decodeVehicleSpeed,
	"05": decodeCoolantTemp,
	"2F": decodeFuelLevel,
}

// pidDataBytes is the number of data bytes each supported PID carries.
var pidDataBytes = map[string]int{
	"0C": 2,
	"0D": 1,
	"05": 1,
	"2F": 1,
}

var metricNames = map[string]string{
	"0C": "engine_rpm",
	"0D": "vehicle_speed",
	"05": "coolant_temperature",
	"2F": "fuel_level",
}

var metricUnits = map[string]string{
	"0C": "rpm",
	"0D": "km/h",
	"05": "°C",
	"2F": "%",
}

// decodeRPM: raw / 4, rounded
func decodeRPM(raw uint64) int {
	return int(math.Round(float64(raw) / 4))
}

// decodeVehicleSpeed: the raw value is already km/h
func decodeVehicleSpeed(raw uint64) int {
	return int(raw)
}

// decodeCoolantTemp: raw - 40
func decodeCoolantTemp(raw uint64) int {
	return int(raw) - 40
}

// decodeFuelLevel: raw * 100 / 255, rounded
func decodeFuelLevel(raw uint64) int {
	return int(math.Round(float64(raw) * 100 / 255))
}

// Sample is one decoded response line.
type Sample struct {
	PID    string `json:"pid"`
	Metric string `json:"metric"`
	Value  int    `json:"value"`
	Unit   string `json:"unit"`
	Raw    string `json:"raw"`
}

// ParseLine decodes a single response line such as "410C1A2B" or "41 0c 1a 2b".
// Whitespace anywhere in the line is ignored and hex digits are case-insensitive.
func ParseLine(line string) (Sample, error) {
	clean := normalize(line)

	if !strings.HasPrefix(clean, ResponsePrefix) {
		return Sample{}, fmt.Errorf("%w: %q", ErrNotResponse, line)
	}
	if len(clean) < 4 {
		return Sample{}, fmt.Errorf("response too short: %q", line)
	}

	pid := clean[2:4]
	decoder, ok := pidDecoders[pid]
	if !ok {
		return Sample{}, fmt.Errorf("%w: %s", ErrUnsupportedPID, pid)
	}

	hexValue := clean[4:]
	if hexValue == "" {
		return Sample{}, fmt.Errorf("PID %s: missing data bytes", pid)
	}
	if want := pidDataBytes[pid] * 2; len(hexValue) != want {
		return Sample{}, fmt.Errorf("PID %s: expected %d data bytes, got %q", pid, want/2, hexValue)
	}
	raw, err := strconv.ParseUint(hexValue, 16, 64)
	if err != nil {
		return Sample{}, fmt.Errorf("PID %s: invalid hex data %q: %w", pid, hexValue, err)
	}

	return Sample{
		PID:    pid,
		Metric: metricNames[pid],
		Value:  decoder(raw),
		Unit:   metricUnits[pid],
		Raw:    line,
	}, nil
}

func normalize(line string) string {
	return strings.ToUpper(strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, line))
}

// Apply sets the field of r that the sample carries. Other fields are untouched.
func Apply(r Reading, s Sample) Reading {
	switch s.PID {
	case "0C":
		r.RPM = s.Value
	case "0D":
		r.Speed = s.Value
	case "05":
		r.Temp = s.Value
	case "2F":
		r.Fuel = s.Value
	}
	return r
}

// Decoder applies telemetry payloads to a reading, logging and skipping bad lines.
type Decoder struct {
	logger zerolog.Logger
}

// NewDecoder returns a Decoder that logs skipped lines to logger.
func NewDecoder(logger zerolog.Logger) *Decoder {
	return &Decoder{logger: logger}
}

// Decode applies every recognised line of payload to r, in order, and returns the
// updated reading along with the number of fields that were set.
func (d *Decoder) Decode(payload string, r Reading) (Reading, int) {
	applied := 0
	lines := strings.FieldsFunc(payload, func(c rune) bool { return c == '\n' || c == '\r' })
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || line == Prompt {
			continue
		}

		sample, err := ParseLine(line)
		if err != nil {
			d.logger.Debug().Err(err).Str("line", line).Msg("skipping line")
			continue
		}

		r = Apply(r, sample)
		applied++
		d.logger.Debug().Str("metric", sample.Metric).Int("value", sample.Value).Str("unit", sample.Unit).Msg("parsed telemetry")
	}
	return r, applied
}

// RequestCommand builds the mode 01 request for pid, terminated by a carriage return.
func RequestCommand(pid string) string {
	return "01" + strings.ToUpper(pid) + "\r"
}

// GetSupportedPIDs returns the decodable PIDs in sorted order
func GetSupportedPIDs() []string {
	pids := make([]string, 0, len(pidDecoders))
	for pid := range pidDecoders {
		pids = append(pids, pid)
	}
	sort.Strings(pids)
	return pids
}

// GetMetricName returns the metric name for pid
func GetMetricName(pid string) string {
	if name, exists := metricNames[pid]; exists {
		return name
	}
	return "unknown_" + pid
}

// GetMetricUnit returns the unit for pid
func GetMetricUnit(pid string) string {
	if unit, exists := metricUnits[pid]; exists {
		return unit
	}
	return "unknown"
}

// Samples expands a reading into one sample per supported PID.
func Samples(r Reading) []Sample {
	values := map[string]int{
		"0C": r.RPM,
		"0D": r.Speed,
		"05": r.Temp,
		"2F": r.Fuel,
	}

	samples := make([]Sample, 0, len(values))
	for _, pid := range GetSupportedPIDs() {
		samples = append(samples, Sample{
			PID:    pid,
			Metric: metricNames[pid],
			Value:  values[pid],
			Unit:   metricUnits[pid],
		})
	}
	return samples
}
