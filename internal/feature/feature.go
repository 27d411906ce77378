// Package feature computes behavioral feature vectors for risk scoring.
//
// Features come from three places: sliding-window activity counters kept in
// an external keyed store (Redis in production, memory in dev/tests),
// novelty sets of previously seen devices and recipients, and pure
// derivations from the candidate transaction itself (temporal flags,
// recipient textual risk, channel flags).
//
// Extraction is best-effort: a store failure degrades the affected feature
// group to neutral defaults and never fails the transaction.
package feature

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/mbd888/upiguard/internal/metrics"
	"github.com/mbd888/upiguard/internal/money"
)

// Window horizons for activity counters. Each horizon is tracked
// independently so a burst shows up in the short windows immediately.
var Horizons = []time.Duration{
	10 * time.Second,
	time.Minute,
	5 * time.Minute,
	time.Hour,
	6 * time.Hour,
	24 * time.Hour,
}

const (
	amountHistoryWindow = 7 * 24 * time.Hour
	deviceSetTTL        = 60 * 24 * time.Hour
	recipientSetTTL     = 30 * 24 * time.Hour
)

// Candidate is the transaction under evaluation.
type Candidate struct {
	UserID      string
	ReceiverVPA string
	DeviceID    string
	Amount      int64 // paise
	Channel     string
	At          time.Time
}

// Counts holds per-horizon activity counts including the candidate itself.
type Counts struct {
	Burst10s int64
	Last1m   int64
	Last5m   int64
	Last1h   int64
	Last6h   int64
	Last24h  int64
}

// AmountStats summarizes the user's trailing 7-day amount history in rupees.
type AmountStats struct {
	Mean float64
	Std  float64
	Max  float64
	N    int64
}

// Vector is the feature vector consumed by the risk scorer.
type Vector struct {
	Amount float64 `json:"amount"` // rupees

	TxCount10s int64 `json:"tx_count_10s"`
	TxCount1m  int64 `json:"tx_count_1m"`
	TxCount5m  int64 `json:"tx_count_5m"`
	TxCount1h  int64 `json:"tx_count_1h"`
	TxCount6h  int64 `json:"tx_count_6h"`
	TxCount24h int64 `json:"tx_count_24h"`

	AmountMean7d    float64 `json:"amount_mean_7d"`
	AmountStd7d     float64 `json:"amount_std_7d"`
	AmountMax7d     float64 `json:"amount_max_7d"`
	AmountDeviation float64 `json:"amount_deviation"`

	IsNewDevice    bool  `json:"is_new_device"`
	IsNewRecipient bool  `json:"is_new_recipient"`
	DeviceCount    int64 `json:"device_count"`
	RecipientCount int64 `json:"recipient_count"`

	HourOfDay       int  `json:"hour_of_day"`
	DayOfWeek       int  `json:"day_of_week"`
	IsWeekend       bool `json:"is_weekend"`
	IsNightHour     bool `json:"is_night_hour"`
	IsBusinessHours bool `json:"is_business_hours"`

	MerchantRisk float64 `json:"merchant_risk"`
	IsP2M        bool    `json:"is_p2m"`
	IsQRChannel  bool    `json:"is_qr_channel"`
	IsWebChannel bool    `json:"is_web_channel"`
}

// Map flattens the vector into named numeric features for model adapters.
// Booleans become 0/1.
func (v Vector) Map() map[string]float64 {
	b := func(x bool) float64 {
		if x {
			return 1
		}
		return 0
	}
	return map[string]float64{
		"amount":            v.Amount,
		"tx_count_10s":      float64(v.TxCount10s),
		"tx_count_1m":       float64(v.TxCount1m),
		"tx_count_5m":       float64(v.TxCount5m),
		"tx_count_1h":       float64(v.TxCount1h),
		"tx_count_6h":       float64(v.TxCount6h),
		"tx_count_24h":      float64(v.TxCount24h),
		"amount_mean_7d":    v.AmountMean7d,
		"amount_std_7d":     v.AmountStd7d,
		"amount_max_7d":     v.AmountMax7d,
		"amount_deviation":  v.AmountDeviation,
		"is_new_device":     b(v.IsNewDevice),
		"is_new_recipient":  b(v.IsNewRecipient),
		"device_count":      float64(v.DeviceCount),
		"recipient_count":   float64(v.RecipientCount),
		"hour_of_day":       float64(v.HourOfDay),
		"day_of_week":       float64(v.DayOfWeek),
		"is_weekend":        b(v.IsWeekend),
		"is_night_hour":     b(v.IsNightHour),
		"is_business_hours": b(v.IsBusinessHours),
		"merchant_risk":     v.MerchantRisk,
		"is_p2m":            b(v.IsP2M),
		"is_qr_channel":     b(v.IsQRChannel),
		"is_web_channel":    b(v.IsWebChannel),
	}
}

// Store is the windowed activity store behind feature extraction.
type Store interface {
	// RecordAndCount records the event for every horizon and returns
	// counts that include the event itself.
	RecordAndCount(ctx context.Context, userID string, at time.Time) (Counts, error)

	// AmountHistory returns stats over the trailing 7-day amount history
	// (excluding the candidate), then records the candidate amount.
	AmountHistory(ctx context.Context, userID string, at time.Time, amount float64) (AmountStats, error)

	// SeenDevice reports whether the device was seen before, records it,
	// and returns the resulting distinct-device count.
	SeenDevice(ctx context.Context, userID, deviceID string) (seen bool, total int64, err error)

	// SeenRecipient reports whether the recipient was paid before, records
	// it, and returns the resulting distinct-recipient count.
	SeenRecipient(ctx context.Context, userID, vpa string) (seen bool, total int64, err error)
}

// Service extracts feature vectors using a Store.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService creates a feature extraction service.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// Extract builds the feature vector for a candidate transaction. Store
// failures degrade the affected group to neutral defaults; Extract itself
// never returns an error.
func (s *Service) Extract(ctx context.Context, c Candidate) Vector {
	at := c.At
	if at.IsZero() {
		at = time.Now()
	}
	amount := money.Rupees(c.Amount)

	v := Vector{Amount: amount}

	counts, err := s.store.RecordAndCount(ctx, c.UserID, at)
	if err != nil {
		metrics.FeatureStoreErrors.WithLabelValues("record_and_count").Inc()
		s.logger.Warn("feature store window counts degraded", "user_id", c.UserID, "error", err)
	} else {
		v.TxCount10s = counts.Burst10s
		v.TxCount1m = counts.Last1m
		v.TxCount5m = counts.Last5m
		v.TxCount1h = counts.Last1h
		v.TxCount6h = counts.Last6h
		v.TxCount24h = counts.Last24h
	}

	stats, err := s.store.AmountHistory(ctx, c.UserID, at, amount)
	if err != nil {
		metrics.FeatureStoreErrors.WithLabelValues("amount_history").Inc()
		s.logger.Warn("feature store amount history degraded", "user_id", c.UserID, "error", err)
	} else if stats.N > 0 {
		v.AmountMean7d = stats.Mean
		v.AmountStd7d = stats.Std
		v.AmountMax7d = stats.Max
		v.AmountDeviation = math.Abs(amount-stats.Mean) / (stats.Std + 1)
	}

	if c.DeviceID != "" {
		seen, total, err := s.store.SeenDevice(ctx, c.UserID, c.DeviceID)
		if err != nil {
			metrics.FeatureStoreErrors.WithLabelValues("seen_device").Inc()
			s.logger.Warn("feature store device set degraded", "user_id", c.UserID, "error", err)
		} else {
			v.IsNewDevice = !seen
			v.DeviceCount = total
		}
	}

	if c.ReceiverVPA != "" {
		seen, total, err := s.store.SeenRecipient(ctx, c.UserID, strings.ToLower(c.ReceiverVPA))
		if err != nil {
			metrics.FeatureStoreErrors.WithLabelValues("seen_recipient").Inc()
			s.logger.Warn("feature store recipient set degraded", "user_id", c.UserID, "error", err)
		} else {
			v.IsNewRecipient = !seen
			v.RecipientCount = total
		}
	}

	v.HourOfDay = at.Hour()
	v.DayOfWeek = int(at.Weekday())
	v.IsWeekend = at.Weekday() == time.Saturday || at.Weekday() == time.Sunday
	v.IsNightHour = at.Hour() >= 22 || at.Hour() <= 5
	v.IsBusinessHours = at.Hour() >= 9 && at.Hour() <= 17

	v.MerchantRisk, v.IsP2M = recipientRisk(c.ReceiverVPA)

	switch strings.ToLower(c.Channel) {
	case "qr":
		v.IsQRChannel = true
	case "web":
		v.IsWebChannel = true
	}

	return v
}

// computeStats computes mean, population standard deviation, and max over
// an amount history. Zero value for an empty history.
func computeStats(amounts []float64) AmountStats {
	n := len(amounts)
	if n == 0 {
		return AmountStats{}
	}

	var sum, max float64
	for _, a := range amounts {
		sum += a
		if a > max {
			max = a
		}
	}
	mean := sum / float64(n)

	var variance float64
	for _, a := range amounts {
		d := a - mean
		variance += d * d
	}
	variance /= float64(n)

	return AmountStats{
		Mean: mean,
		Std:  math.Sqrt(variance),
		Max:  max,
		N:    int64(n),
	}
}

// recipientRisk derives a textual risk signal from the receiver VPA.
// Handles starting with digits or very short handles look auto-generated;
// the @merchant provider marks a P2M payment.
func recipientRisk(vpa string) (risk float64, p2m bool) {
	vpa = strings.ToLower(strings.TrimSpace(vpa))
	if vpa == "" {
		return 0, false
	}

	handle := vpa
	provider := ""
	if i := strings.IndexByte(vpa, '@'); i >= 0 {
		handle = vpa[:i]
		provider = vpa[i+1:]
	}

	p2m = provider == "merchant"

	if len(handle) > 0 && unicode.IsDigit(rune(handle[0])) {
		risk += 0.5
	}
	if len(handle) <= 3 {
		risk += 0.3
	}
	if risk > 1 {
		risk = 1
	}
	return risk, p2m
}
