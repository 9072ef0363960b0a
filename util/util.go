// Package util contains misc internal utilities.
package util

// Limiter holds a closed interval of allowed values, typically the travel
// limits of a motion axis
type Limiter struct {
	Min float64 `koanf:"min" yaml:"min"`
	Max float64 `koanf:"max" yaml:"max"`
}

// Check returns true if Min <= f <= Max.  The zero Limiter allows everything.
func (l Limiter) Check(f float64) bool {
	if l == (Limiter{}) {
		return true
	}
	return f >= l.Min && f <= l.Max
}
