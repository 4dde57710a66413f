package usage

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/zorgspace/slashbot-web/internal/models"
)

// ExportLimit is how many recent records an export includes.
const ExportLimit = 1000

var csvHeader = []string{
	"Timestamp",
	"Model",
	"Input Tokens",
	"Output Tokens",
	"Total Tokens",
	"Cached Tokens",
	"Reasoning Tokens",
	"Cost (USD)",
	"Cost (Credits)",
	"Processing Time (ms)",
	"Success",
}

// ExportCSV writes records as CSV rows under a fixed header.
func ExportCSV(w io.Writer, records []models.UsageRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, r := range records {
		success := "No"
		if r.Success {
			success = "Yes"
		}
		row := []string{
			time.UnixMilli(r.Timestamp).UTC().Format(time.RFC3339),
			r.Model,
			strconv.Itoa(r.Tokens.Input),
			strconv.Itoa(r.Tokens.Output),
			strconv.Itoa(r.Tokens.Total),
			strconv.Itoa(r.Tokens.Cached),
			strconv.Itoa(r.Tokens.Reasoning),
			strconv.FormatFloat(r.Cost.USD, 'f', 6, 64),
			strconv.FormatInt(r.Cost.Credits, 10),
			strconv.FormatInt(r.ProcessingTimeMs, 10),
			success,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row %s: %w", r.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ExportFilename names a CSV attachment for wallet and period.
func ExportFilename(wallet, period string) string {
	prefix := wallet
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return fmt.Sprintf("usage-%s-%s.csv", prefix, period)
}
