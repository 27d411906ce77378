package feature

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testService() (*Service, *MemoryStore) {
	store := NewMemoryStore()
	return NewService(store, slog.Default()), store
}

func at(hour int) time.Time {
	// Wednesday 2025-06-11
	return time.Date(2025, 6, 11, hour, 0, 0, 0, time.UTC)
}

func TestExtract_WindowCounts(t *testing.T) {
	svc, _ := testService()
	ctx := context.Background()

	base := at(12)
	for i := 0; i < 3; i++ {
		svc.Extract(ctx, Candidate{UserID: "u1", Amount: 10000, At: base.Add(time.Duration(i) * time.Second)})
	}
	v := svc.Extract(ctx, Candidate{UserID: "u1", Amount: 10000, At: base.Add(3 * time.Second)})

	assert.Equal(t, int64(4), v.TxCount10s) // self-inclusive
	assert.Equal(t, int64(4), v.TxCount1m)
	assert.Equal(t, int64(4), v.TxCount24h)

	// An hour later only the long windows remember the burst.
	v = svc.Extract(ctx, Candidate{UserID: "u1", Amount: 10000, At: base.Add(time.Hour + time.Minute)})
	assert.Equal(t, int64(1), v.TxCount10s)
	assert.Equal(t, int64(1), v.TxCount1m)
	assert.Equal(t, int64(5), v.TxCount6h)
}

func TestExtract_AmountStats(t *testing.T) {
	svc, _ := testService()
	ctx := context.Background()

	base := at(12)
	// History: 100, 200, 300 rupees.
	svc.Extract(ctx, Candidate{UserID: "u1", Amount: 10000, At: base})
	svc.Extract(ctx, Candidate{UserID: "u1", Amount: 20000, At: base.Add(time.Minute)})
	svc.Extract(ctx, Candidate{UserID: "u1", Amount: 30000, At: base.Add(2 * time.Minute)})

	v := svc.Extract(ctx, Candidate{UserID: "u1", Amount: 100000, At: base.Add(3 * time.Minute)})
	assert.InDelta(t, 200.0, v.AmountMean7d, 0.001)
	assert.InDelta(t, 81.6497, v.AmountStd7d, 0.001) // population std of {100,200,300}
	assert.Equal(t, 300.0, v.AmountMax7d)
	assert.InDelta(t, (1000.0-200.0)/(81.6497+1), v.AmountDeviation, 0.001)

	// First transaction for a fresh user has no stats.
	v = svc.Extract(ctx, Candidate{UserID: "u2", Amount: 50000, At: base})
	assert.Zero(t, v.AmountMean7d)
	assert.Zero(t, v.AmountDeviation)
}

func TestExtract_Novelty(t *testing.T) {
	svc, _ := testService()
	ctx := context.Background()

	v := svc.Extract(ctx, Candidate{
		UserID: "u1", DeviceID: "d1", ReceiverVPA: "alice@upi", Amount: 10000, At: at(12),
	})
	assert.True(t, v.IsNewDevice)
	assert.True(t, v.IsNewRecipient)
	assert.Equal(t, int64(1), v.DeviceCount)
	assert.Equal(t, int64(1), v.RecipientCount)

	v = svc.Extract(ctx, Candidate{
		UserID: "u1", DeviceID: "d1", ReceiverVPA: "Alice@UPI", Amount: 10000, At: at(12),
	})
	assert.False(t, v.IsNewDevice)
	assert.False(t, v.IsNewRecipient, "VPA comparison should be case-insensitive")

	v = svc.Extract(ctx, Candidate{
		UserID: "u1", DeviceID: "d2", ReceiverVPA: "bob@upi", Amount: 10000, At: at(12),
	})
	assert.True(t, v.IsNewDevice)
	assert.Equal(t, int64(2), v.DeviceCount)
}

func TestExtract_TemporalFlags(t *testing.T) {
	svc, _ := testService()
	ctx := context.Background()

	v := svc.Extract(ctx, Candidate{UserID: "u1", Amount: 10000, At: at(23)})
	assert.True(t, v.IsNightHour)
	assert.False(t, v.IsBusinessHours)
	assert.Equal(t, 23, v.HourOfDay)
	assert.False(t, v.IsWeekend)

	v = svc.Extract(ctx, Candidate{UserID: "u1", Amount: 10000, At: at(3)})
	assert.True(t, v.IsNightHour)

	v = svc.Extract(ctx, Candidate{UserID: "u1", Amount: 10000, At: at(10)})
	assert.False(t, v.IsNightHour)
	assert.True(t, v.IsBusinessHours)

	// Saturday
	sat := time.Date(2025, 6, 14, 12, 0, 0, 0, time.UTC)
	v = svc.Extract(ctx, Candidate{UserID: "u1", Amount: 10000, At: sat})
	assert.True(t, v.IsWeekend)
}

func TestExtract_ChannelAndRecipientRisk(t *testing.T) {
	svc, _ := testService()
	ctx := context.Background()

	v := svc.Extract(ctx, Candidate{UserID: "u1", ReceiverVPA: "store99@merchant", Channel: "qr", Amount: 10000, At: at(12)})
	assert.True(t, v.IsQRChannel)
	assert.False(t, v.IsWebChannel)
	assert.True(t, v.IsP2M)

	v = svc.Extract(ctx, Candidate{UserID: "u1", ReceiverVPA: "9912345@upi", Channel: "web", Amount: 10000, At: at(12)})
	assert.True(t, v.IsWebChannel)
	assert.Equal(t, 0.5, v.MerchantRisk) // numeric-prefix handle

	v = svc.Extract(ctx, Candidate{UserID: "u1", ReceiverVPA: "ab@upi", Channel: "app", Amount: 10000, At: at(12)})
	assert.InDelta(t, 0.3, v.MerchantRisk, 0.001) // very short handle
}

type failingStore struct{}

var errDown = errors.New("store down")

func (failingStore) RecordAndCount(context.Context, string, time.Time) (Counts, error) {
	return Counts{}, errDown
}
func (failingStore) AmountHistory(context.Context, string, time.Time, float64) (AmountStats, error) {
	return AmountStats{}, errDown
}
func (failingStore) SeenDevice(context.Context, string, string) (bool, int64, error) {
	return false, 0, errDown
}
func (failingStore) SeenRecipient(context.Context, string, string) (bool, int64, error) {
	return false, 0, errDown
}

func TestExtract_DegradesOnStoreFailure(t *testing.T) {
	svc := NewService(failingStore{}, slog.Default())

	v := svc.Extract(context.Background(), Candidate{
		UserID: "u1", DeviceID: "d1", ReceiverVPA: "alice@upi", Amount: 550000, Channel: "qr", At: at(23),
	})

	// Windowed features neutral, local features still present.
	assert.Zero(t, v.TxCount1h)
	assert.Zero(t, v.AmountDeviation)
	assert.False(t, v.IsNewDevice)
	assert.False(t, v.IsNewRecipient)
	assert.Equal(t, 5500.0, v.Amount)
	assert.True(t, v.IsNightHour)
	assert.True(t, v.IsQRChannel)
}

func TestComputeStats(t *testing.T) {
	require.Equal(t, AmountStats{}, computeStats(nil))

	s := computeStats([]float64{50})
	assert.Equal(t, 50.0, s.Mean)
	assert.Zero(t, s.Std)
	assert.Equal(t, 50.0, s.Max)
	assert.Equal(t, int64(1), s.N)
}

func TestRecipientRisk(t *testing.T) {
	tests := []struct {
		vpa  string
		risk float64
		p2m  bool
	}{
		{"alice@upi", 0, false},
		{"shop@merchant", 0, true},
		{"99alice@upi", 0.5, false},
		{"ab@upi", 0.3, false},
		{"9@upi", 0.8, false}, // numeric prefix and short
		{"", 0, false},
	}
	for _, tt := range tests {
		risk, p2m := recipientRisk(tt.vpa)
		assert.InDelta(t, tt.risk, risk, 0.001, "vpa %q", tt.vpa)
		assert.Equal(t, tt.p2m, p2m, "vpa %q", tt.vpa)
	}
}
