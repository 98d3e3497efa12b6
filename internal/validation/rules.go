// Package validation contains the field rules shared by every wizard flow.
package validation

import (
	"regexp"
	"strings"
	"time"
	"unicode"
)

const (
	// MinVehicleYear is the earliest model year accepted for a vehicle.
	MinVehicleYear = 1900
	// MinPhoneDigits is the minimum number of digits in a phone number.
	MinPhoneDigits = 10
)

var (
	emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	zipPattern   = regexp.MustCompile(`^\d{5}(-?\d{4})?$`)
)

// ValidEmail reports whether s looks like local@domain.tld.
func ValidEmail(s string) bool {
	return emailPattern.MatchString(strings.TrimSpace(s))
}

// ValidPhone reports whether s carries at least MinPhoneDigits digits, ignoring punctuation.
func ValidPhone(s string) bool {
	digits := 0
	for _, r := range s {
		if unicode.IsDigit(r) {
			digits++
		}
	}
	return digits >= MinPhoneDigits
}

// ValidZip accepts 5-digit ZIP codes and ZIP+4, with or without the hyphen.
func ValidZip(s string) bool {
	return zipPattern.MatchString(strings.TrimSpace(s))
}

// ValidVehicleYear reports whether year lies in [MinVehicleYear, now.Year()+1].
func ValidVehicleYear(year int, now time.Time) bool {
	return year >= MinVehicleYear && year <= MaxVehicleYear(now)
}

// MaxVehicleYear is the latest model year accepted at the given instant.
func MaxVehicleYear(now time.Time) int {
	return now.Year() + 1
}

// Present reports whether s has non-whitespace content.
func Present(s string) bool {
	return strings.TrimSpace(s) != ""
}

// Accepted reports whether a consent checkbox was ticked.
func Accepted(v bool) bool {
	return v
}
