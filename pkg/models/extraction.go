package models

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Amount is a monetary value in cents. Integer cents keep the totals of an
// ExtractionResult exactly equal to the sum of its rows.
type Amount int64

// String renders the amount as a plain decimal, e.g. "1234.56"
func (a Amount) String() string {
	sign := ""
	v := int64(a)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// MarshalJSON encodes the amount as a JSON number with two decimals
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalJSON accepts any JSON number and rounds it to cents
func (a *Amount) UnmarshalJSON(data []byte) error {
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("amount: %w", err)
	}
	f, err := strconv.ParseFloat(n.String(), 64)
	if err != nil {
		return fmt.Errorf("amount: %w", err)
	}
	*a = Amount(math.Round(f * 100))
	return nil
}

// DriverEarning is one row of the partner's earnings view
type DriverEarning struct {
	Nome                string `json:"nome"`
	RendimentosLiquidos Amount `json:"rendimentos_liquidos"`
}

// ExtractionResult is the structured outcome of one extraction run.
// Build it with NewExtractionResult so the totals always match Drivers.
type ExtractionResult struct {
	Platform         string          `json:"platform"`
	ExtractedAt      time.Time       `json:"extracted_at"`
	TotalMotoristas  int             `json:"total_motoristas"`
	TotalRendimentos Amount          `json:"total_rendimentos"`
	Drivers          []DriverEarning `json:"drivers"`
}

// NewExtractionResult derives the totals from drivers. The slice is copied.
func NewExtractionResult(platform string, at time.Time, drivers []DriverEarning) *ExtractionResult {
	rows := make([]DriverEarning, len(drivers))
	copy(rows, drivers)

	var total Amount
	for _, d := range rows {
		total += d.RendimentosLiquidos
	}
	return &ExtractionResult{
		Platform:         platform,
		ExtractedAt:      at,
		TotalMotoristas:  len(rows),
		TotalRendimentos: total,
		Drivers:          rows,
	}
}

// Consistent reports whether the totals agree with the rows
func (r *ExtractionResult) Consistent() bool {
	if r.TotalMotoristas != len(r.Drivers) {
		return false
	}
	var total Amount
	for _, d := range r.Drivers {
		total += d.RendimentosLiquidos
	}
	return total == r.TotalRendimentos
}
