package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/expensync/internal/models"
)

func TestParseWhen(t *testing.T) {
	got, err := parseWhen("2026-03-14")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 14, 0, 0, 0, 0, time.Local), got)

	got, err = parseWhen("2026-03-14T09:30:00Z")
	require.NoError(t, err)
	assert.Equal(t, 9, got.UTC().Hour())

	_, err = parseWhen("14/03/2026")
	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "at", verr.Field)
}

func TestParseMoney(t *testing.T) {
	d, err := parseMoney("limit", "400.10")
	require.NoError(t, err)
	assert.Equal(t, "400.1", d.String())

	_, err = parseMoney("limit", "lots")
	assert.Error(t, err)
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "1,234.50", formatAmount(1234.5))
	assert.Equal(t, "12,000", formatCount(12000))
}

func TestBar(t *testing.T) {
	assert.Equal(t, "[=====     ]", bar(50, 10))
	assert.Equal(t, "[==========]", bar(150, 10))
}
