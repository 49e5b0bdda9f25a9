package cli

import (
	"strconv"
	"time"

	"mercator-hq/credits/pkg/ledger/model"
	"mercator-hq/credits/pkg/ledger/refill"
)

// LimitTable renders endpoint limits of one user.
type LimitTable struct {
	User   string                `json:"user"`
	Limits []model.EndpointLimit `json:"endpointLimits"`
}

func (t LimitTable) Header() []string {
	return []string{"USER", "ENDPOINT", "CREDITS", "ENABLED", "AUTO_REFILL", "REFILL", "INTERVAL", "LAST_REFILL", "ALERTS_SENT"}
}

func (t LimitTable) Rows() [][]string {
	rows := make([][]string, 0, len(t.Limits))
	for _, l := range t.Limits {
		sent := ""
		for i, s := range l.AlertsSent {
			if i > 0 {
				sent += ","
			}
			sent += strconv.FormatInt(s, 10)
		}
		rows = append(rows, []string{
			t.User,
			l.Endpoint,
			strconv.FormatInt(l.TokenCredits, 10),
			strconv.FormatBool(l.Enabled),
			strconv.FormatBool(l.AutoRefillEnabled),
			strconv.FormatInt(l.RefillAmount, 10),
			strconv.FormatInt(l.RefillIntervalValue, 10) + " " + string(l.RefillIntervalUnit),
			formatTime(l.LastRefill),
			sent,
		})
	}
	return rows
}

// TransactionTable renders transaction log entries.
type TransactionTable []model.TransactionEntry

func (t TransactionTable) Header() []string {
	return []string{"TIME", "USER", "ENDPOINT", "CONTEXT", "TOKEN_TYPE", "AMOUNT", "VALUE", "BALANCE", "ID"}
}

func (t TransactionTable) Rows() [][]string {
	rows := make([][]string, 0, len(t))
	for _, e := range t {
		rows = append(rows, []string{
			formatTime(e.CreatedAt),
			e.User,
			e.Endpoint,
			string(e.Context),
			string(e.TokenType),
			strconv.FormatInt(e.RawAmount, 10),
			strconv.FormatInt(e.TokenValue, 10),
			strconv.FormatInt(e.Balance, 10),
			e.ID,
		})
	}
	return rows
}

// SweepTable renders a refill sweep summary, one row per failure after the
// totals row.
type SweepTable struct {
	*refill.SweepSummary
}

func (t SweepTable) Header() []string {
	return []string{"CHECKED", "REFILLED", "SKIPPED", "FAILED", "DURATION", "ERROR"}
}

func (t SweepTable) Rows() [][]string {
	s := t.SweepSummary
	rows := [][]string{{
		strconv.Itoa(s.Checked),
		strconv.Itoa(s.Refilled),
		strconv.Itoa(s.Skipped),
		strconv.Itoa(len(s.Failures)),
		s.Duration.Round(time.Millisecond).String(),
		"",
	}}
	for _, f := range s.Failures {
		rows = append(rows, []string{"", "", "", f.Ref.String(), "", f.Err.Error()})
	}
	return rows
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
