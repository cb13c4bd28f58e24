package scenario

import (
	"math"
	"time"

	"obd-relay/common"
)

// Acceleration run constants (0 -> 120 km/h).
const (
	AccelerationPeriod = 100 * time.Millisecond
	AccelTargetSpeed   = 120
	AccelSpeedStep     = 2
	AccelIdleRPM       = 800
	AccelRPMPerKmh     = 30
	AccelMaxRPM        = 6000
	AccelStartTemp     = 85
	AccelMaxTemp       = 95
	AccelStartFuel     = 70
	AccelMinFuel       = 65
	accelTempStep      = 0.1
	accelFuelStep      = 0.1
)

// Acceleration steps a 0 -> 120 km/h run one tick at a time.
// Temperature and fuel move in tenths, so they are tracked as floats and
// rounded when read out.
type Acceleration struct {
	speed int
	rpm   int
	temp  float64
	fuel  float64
}

// NewAcceleration returns a run at standstill: 0 km/h, 800 rpm, 85 °C, 70% fuel.
func NewAcceleration() *Acceleration {
	return &Acceleration{
		speed: 0,
		rpm:   AccelIdleRPM,
		temp:  AccelStartTemp,
		fuel:  AccelStartFuel,
	}
}

// Reading returns the current values.
func (a *Acceleration) Reading() common.Reading {
	return common.Reading{
		Speed: a.speed,
		RPM:   a.rpm,
		Temp:  int(math.Round(a.temp)),
		Fuel:  int(math.Round(a.fuel)),
	}
}

// Done reports whether the target speed has been reached.
func (a *Acceleration) Done() bool {
	return a.speed >= AccelTargetSpeed
}

// Step advances one tick and reports whether the run is finished.
// Once finished, further steps change nothing.
func (a *Acceleration) Step() (common.Reading, bool) {
	if a.Done() {
		return a.Reading(), true
	}

	a.speed = min(a.speed+AccelSpeedStep, AccelTargetSpeed)
	a.rpm = min(AccelMaxRPM, AccelIdleRPM+a.speed*AccelRPMPerKmh)
	a.temp = math.Min(AccelMaxTemp, a.temp+accelTempStep)
	a.fuel = math.Max(AccelMinFuel, a.fuel-accelFuelStep)

	return a.Reading(), a.Done()
}
