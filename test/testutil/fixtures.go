package testutil

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/expensync/internal/events"
	"github.com/TheMichaelB/expensync/internal/models"
)

// NewTestLogger creates a debug logger writing JSON to out.
func NewTestLogger(out *LogOutput) *events.Logger {
	return events.NewTestLogger(events.DebugLevel, "json", out)
}

// ReceiptJPEG encodes a w x h gradient, a stand-in for a receipt photo.
func ReceiptJPEG(t testing.TB, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), uint8(x ^ y), 255})
		}
	}

	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}))
	return buf.Bytes()
}

// SampleExpenses returns a month of ordinary and travel expenses.
func SampleExpenses() []*models.Expense {
	day := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	yen := 9800.0
	return []*models.Expense{
		{Amount: 4.20, Tag: "coffee", Timestamp: day},
		{Amount: 86.13, Tag: "groceries", Timestamp: day.AddDate(0, 0, 3), Note: "weekly shop"},
		{
			Amount:              62.00,
			Tag:                 "hotel",
			Timestamp:           day.AddDate(0, 0, 9),
			DestinationAmount:   &yen,
			DestinationCurrency: "JPY",
		},
	}
}
