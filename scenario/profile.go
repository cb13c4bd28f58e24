// Package scenario generates synthetic telemetry for sessions that have no live
// vehicle behind the relay.
package scenario

import (
	"fmt"
	"math"
	"math/rand"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"obd-relay/common"
)

// DefaultPeriod is the update cadence of a fixed profile.
const DefaultPeriod = time.Second

// JitterRatio bounds the random deviation applied to profile targets (±5%).
const JitterRatio = 0.05

// Profile is a named set of target values.
type Profile struct {
	Name   string        `yaml:"name"`
	Speed  int           `yaml:"speed"`
	RPM    int           `yaml:"rpm"`
	Temp   int           `yaml:"temp"`
	Fuel   int           `yaml:"fuel"`
	Period time.Duration `yaml:"period"` // zero means DefaultPeriod
}

// Target returns the literal profile values as a reading.
func (p Profile) Target() common.Reading {
	return common.Reading{Speed: p.Speed, RPM: p.RPM, Temp: p.Temp, Fuel: p.Fuel}
}

// Interval returns the update cadence, falling back to DefaultPeriod.
func (p Profile) Interval() time.Duration {
	if p.Period <= 0 {
		return DefaultPeriod
	}
	return p.Period
}

// Validate rejects profiles a dashboard could not show.
func (p Profile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("scenario profile: missing name")
	}
	if p.Speed < 0 || p.RPM < 0 {
		return fmt.Errorf("scenario profile %q: speed and rpm must be >= 0", p.Name)
	}
	if p.Fuel < 0 || p.Fuel > 100 {
		return fmt.Errorf("scenario profile %q: fuel must be within 0..100", p.Name)
	}
	return nil
}

var builtins = map[string]Profile{
	"idle":    {Name: "idle", Speed: 0, RPM: 800, Temp: 90, Fuel: 75},
	"city":    {Name: "city", Speed: 40, RPM: 1800, Temp: 90, Fuel: 60},
	"highway": {Name: "highway", Speed: 110, RPM: 2800, Temp: 92, Fuel: 50},
}

// Builtin returns the named built-in profile.
func Builtin(name string) (Profile, bool) {
	p, ok := builtins[name]
	return p, ok
}

// BuiltinNames lists the built-in profiles alphabetically.
func BuiltinNames() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type profileFile struct {
	Profiles []Profile `yaml:"profiles"`
}

// LoadProfiles reads profiles from a YAML file of the form
//
//	profiles:
//	  - name: track
//	    speed: 180
//	    rpm: 6500
//	    temp: 98
//	    fuel: 40
//	    period: 500ms
func LoadProfiles(path string) ([]Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return ParseProfiles(data)
}

// ParseProfiles decodes and validates a YAML profile document.
func ParseProfiles(data []byte) ([]Profile, error) {
	var f profileFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse scenario profiles: %w", err)
	}
	for _, p := range f.Profiles {
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}
	return f.Profiles, nil
}

// Jitter returns target with every field moved by up to ±5% and rounded.
func Jitter(target common.Reading, rnd *rand.Rand) common.Reading {
	return common.Reading{
		Speed: jitter(target.Speed, rnd),
		RPM:   jitter(target.RPM, rnd),
		Temp:  jitter(target.Temp, rnd),
		Fuel:  jitter(target.Fuel, rnd),
	}
}

func jitter(base int, rnd *rand.Rand) int {
	b := float64(base)
	variation := rnd.Float64()*(b*2*JitterRatio) - b*JitterRatio
	return int(math.Round(b + variation))
}
