// Package money provides shared rupee parsing and formatting utilities.
//
// Amounts use 2 decimal places and are carried as int64 paise
// (1 rupee = 100 paise). NUMERIC(15,2) on the Postgres side.
package money

import (
	"strconv"
	"strings"
)

const Decimals = 2

// Parse converts a decimal string (e.g. "1500.50") to paise (150050).
// Returns (0, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 2 decimal places
func Parse(s string) (int64, bool) {
	if s == "" {
		return 0, true
	}

	if strings.HasPrefix(s, "-") {
		return 0, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	v, err := strconv.ParseInt(whole+frac, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Format converts paise to a decimal string with exactly 2 decimal
// places (e.g. 150050 -> "1500.50").
func Format(paise int64) string {
	neg := paise < 0
	if neg {
		paise = -paise
	}
	s := strconv.FormatInt(paise, 10)
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	cut := len(s) - Decimals
	result := s[:cut] + "." + s[cut:]
	if neg {
		result = "-" + result
	}
	return result
}

// Rupees converts paise to a float64 rupee value for feature math.
// Settlement arithmetic stays in int64 paise; this is for scoring only.
func Rupees(paise int64) float64 {
	return float64(paise) / 100.0
}

// FromRupees converts a float64 rupee value to paise, rounding to the
// nearest paisa.
func FromRupees(r float64) int64 {
	if r >= 0 {
		return int64(r*100 + 0.5)
	}
	return -int64(-r*100 + 0.5)
}
