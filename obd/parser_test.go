package obd

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name        string
		line        string
		expectedPID string
		expectedVal int
		expectError bool
	}{
		{
			name:        "RPM parsing",
			line:        "410C1A2B",
			expectedPID: "0C",
			expectedVal: 1675, // round(0x1A2B / 4) = round(1674.75)
		},
		{
			name:        "Vehicle speed parsing",
			line:        "410D50",
			expectedPID: "0D",
			expectedVal: 80,
		},
		{
			name:        "Coolant temperature parsing",
			line:        "41058C",
			expectedPID: "05",
			expectedVal: 100, // 0x8C - 40
		},
		{
			name:        "Fuel level parsing",
			line:        "412F80",
			expectedPID: "2F",
			expectedVal: 50, // round(128 * 100 / 255)
		},
		{
			name:        "Spaced lowercase response",
			line:        " 41 0c 1a f0 ",
			expectedPID: "0C",
			expectedVal: 1724,
		},
		{
			name:        "Negative coolant temperature",
			line:        "410500",
			expectedPID: "05",
			expectedVal: -40,
		},
		{
			name:        "Not a response",
			line:        "SEARCHING...",
			expectError: true,
		},
		{
			name:        "Response too short",
			line:        "41",
			expectError: true,
		},
		{
			name:        "Missing data",
			line:        "410C",
			expectError: true,
		},
		{
			name:        "Invalid hex",
			line:        "410DZZ",
			expectError: true,
		},
		{
			name:        "Unsupported PID",
			line:        "41FF1234",
			expectError: true,
		},
		{
			name:        "Speed wider than one byte",
			line:        "410DFFFFFFFFFFFFFFFF",
			expectError: true,
		},
		{
			name:        "Fuel wider than one byte",
			line:        "412FFFFF",
			expectError: true,
		},
		{
			name:        "RPM with a single byte",
			line:        "410C1A",
			expectError: true,
		},
		{
			name:        "Odd number of hex digits",
			line:        "410D505",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sample, err := ParseLine(tt.line)

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error for line %q", tt.line)
				}
				return
			}

			if err != nil {
				t.Errorf("Unexpected error for line %q: %v", tt.line, err)
				return
			}

			if sample.PID != tt.expectedPID {
				t.Errorf("Expected PID %s, got %s", tt.expectedPID, sample.PID)
			}

			if sample.Value != tt.expectedVal {
				t.Errorf("Expected value %d, got %d", tt.expectedVal, sample.Value)
			}

			if sample.Raw != tt.line {
				t.Errorf("Expected raw %q, got %q", tt.line, sample.Raw)
			}
		})
	}
}

func TestParseLineErrorKinds(t *testing.T) {
	_, err := ParseLine("7F0112")
	assert.True(t, errors.Is(err, ErrNotResponse))

	_, err = ParseLine("410F50")
	assert.True(t, errors.Is(err, ErrUnsupportedPID))
}

func TestDecodeRPM(t *testing.T) {
	tests := []struct {
		raw      uint64
		expected int
	}{
		{0x1A2B, 1675},
		{0x0FA0, 1000},
		{0x0000, 0},
		{0x0001, 0},
		{0x0002, 1}, // 0.5 rounds up
	}

	for _, tt := range tests {
		if result := decodeRPM(tt.raw); result != tt.expected {
			t.Errorf("Expected %d, got %d for raw %#x", tt.expected, result, tt.raw)
		}
	}
}

func TestDecodeFuelLevel(t *testing.T) {
	tests := []struct {
		raw      uint64
		expected int
	}{
		{0x00, 0},
		{0xFF, 100},
		{0x80, 50},
		{0x66, 40},
	}

	for _, tt := range tests {
		if result := decodeFuelLevel(tt.raw); result != tt.expected {
			t.Errorf("Expected %d, got %d for raw %#x", tt.expected, result, tt.raw)
		}
	}
}

func TestDecoderAppliesLinesInOrder(t *testing.T) {
	d := NewDecoder(zerolog.Nop())
	start := Reading{Speed: 1, RPM: 2, Temp: 3, Fuel: 4}

	got, applied := d.Decode("410D50\r\n410D51\n412F80", start)

	assert.Equal(t, 3, applied)
	assert.Equal(t, Reading{Speed: 81, RPM: 2, Temp: 3, Fuel: 50}, got)
}

func TestDecoderSplitsCarriageReturnResponses(t *testing.T) {
	d := NewDecoder(zerolog.Nop())

	got, applied := d.Decode("410C1A2B\r410D50\r\r>", Reading{})

	assert.Equal(t, 2, applied)
	assert.Equal(t, Reading{Speed: 80, RPM: 1675}, got)
}

func TestDecoderSkipsBadLines(t *testing.T) {
	d := NewDecoder(zerolog.Nop())
	start := Reading{Speed: 10, RPM: 900, Temp: 80, Fuel: 60}

	got, applied := d.Decode("NO DATA\n41FF00\n410DXY\n41058C", start)

	assert.Equal(t, 1, applied)
	assert.Equal(t, Reading{Speed: 10, RPM: 900, Temp: 100, Fuel: 60}, got)
}

func TestDecoderLeavesReadingOnUnknownInput(t *testing.T) {
	d := NewDecoder(zerolog.Nop())
	start := Reading{Speed: 10, RPM: 900, Temp: 80, Fuel: 60}

	for _, payload := range []string{"", "   ", "STOPPED", "41AB12", "4"} {
		got, applied := d.Decode(payload, start)
		assert.Equal(t, 0, applied, payload)
		assert.Equal(t, start, got, payload)
	}
}

func TestDecoderSkipsOversizedData(t *testing.T) {
	d := NewDecoder(zerolog.Nop())
	start := Reading{Speed: 10, RPM: 900, Temp: 80, Fuel: 60}

	got, applied := d.Decode("410DFFFFFFFFFFFFFFFF\n412FFFFF\n410D50", start)

	assert.Equal(t, 1, applied)
	assert.Equal(t, Reading{Speed: 80, RPM: 900, Temp: 80, Fuel: 60}, got)
}

func TestRequestCommand(t *testing.T) {
	assert.Equal(t, "010C\r", RequestCommand("0c"))
	assert.Equal(t, "012F\r", RequestCommand("2F"))
}

func TestGetSupportedPIDs(t *testing.T) {
	assert.Equal(t, []string{"05", "0C", "0D", "2F"}, GetSupportedPIDs())
}

func TestGetMetricName(t *testing.T) {
	tests := []struct {
		pid      string
		expected string
	}{
		{"0C", "engine_rpm"},
		{"0D", "vehicle_speed"},
		{"05", "coolant_temperature"},
		{"2F", "fuel_level"},
		{"FF", "unknown_FF"},
	}

	for _, tt := range tests {
		result := GetMetricName(tt.pid)
		if result != tt.expected {
			t.Errorf("Expected metric name %s for PID %s, got %s", tt.expected, tt.pid, result)
		}
	}
}

func TestGetMetricUnit(t *testing.T) {
	tests := []struct {
		pid      string
		expected string
	}{
		{"0C", "rpm"},
		{"0D", "km/h"},
		{"05", "°C"},
		{"FF", "unknown"},
	}

	for _, tt := range tests {
		result := GetMetricUnit(tt.pid)
		if result != tt.expected {
			t.Errorf("Expected unit %s for PID %s, got %s", tt.expected, tt.pid, result)
		}
	}
}

func TestSamples(t *testing.T) {
	samples := Samples(Reading{Speed: 80, RPM: 1675, Temp: 90, Fuel: 50})

	assert.Len(t, samples, 4)
	assert.Equal(t, Sample{PID: "05", Metric: "coolant_temperature", Value: 90, Unit: "°C"}, samples[0])
	assert.Equal(t, "engine_rpm", samples[1].Metric)
	assert.Equal(t, 1675, samples[1].Value)
}

func BenchmarkParseLine(b *testing.B) {
	line := "41 0C 1A F0"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := ParseLine(line); err != nil {
			b.Fatalf("ParseLine failed: %v", err)
		}
	}
}
