package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
)

type transmissionRow struct {
	ID                 string     `json:"id"`
	OrganizationID     string     `json:"organization_id"`
	IRN                string     `json:"irn"`
	Status             string     `json:"status"`
	RetryCount         int        `json:"retry_count"`
	MaxRetries         int        `json:"max_retries"`
	Strategy           string     `json:"retry_strategy"`
	KeyID              string     `json:"key_id"`
	NextAttemptAt      *time.Time `json:"next_attempt_at"`
	AuthorityReference string     `json:"authority_reference"`
	LastError          *struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"last_error"`
	UpdatedAt time.Time `json:"updated_at"`
}

type historyRow struct {
	From       string    `json:"from"`
	To         string    `json:"to"`
	RetryCount int       `json:"retry_count"`
	Reason     string    `json:"reason"`
	ErrorKind  string    `json:"error_kind"`
	At         time.Time `json:"at"`
}

type breakerRow struct {
	Destination  string    `json:"destination"`
	State        string    `json:"state"`
	Failures     int       `json:"consecutive_failure_count"`
	Health       string    `json:"health"`
	FailureRatio float64   `json:"failure_ratio"`
	OpenedAt     time.Time `json:"opened_at"`
}

type jobRow struct {
	ID      string `json:"job_id"`
	Status  string `json:"status"`
	Batches int    `json:"batches"`
	Metrics struct {
		Total         int     `json:"total"`
		Processed     int     `json:"processed"`
		Succeeded     int     `json:"succeeded"`
		Failed        int     `json:"failed"`
		Deferred      int     `json:"deferred"`
		CircuitBreaks int     `json:"circuit_breaks"`
		RateLimited   int     `json:"rate_limited"`
		Skipped       int     `json:"skipped"`
		AverageMS     float64 `json:"average_processing_time_ms"`
	} `json:"metrics"`
}

type keyRow struct {
	ID         string `json:"id"`
	Purpose    string `json:"purpose"`
	Active     bool   `json:"is_active"`
	UsageCount int64  `json:"usage_count"`
}

func statusColor(status string) string {
	switch status {
	case "COMPLETED", "completed", "CLOSED", "healthy":
		return color.New(color.FgGreen).Sprint(status)
	case "FAILED", "failed", "CANCELED", "canceled", "OPEN":
		return color.New(color.FgRed).Sprint(status)
	case "RETRYING", "IN_PROGRESS", "running", "HALF_OPEN", "degraded":
		return color.New(color.FgYellow).Sprint(status)
	}
	return status
}

func printRaw(w io.Writer, raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		_, err = w.Write(raw)
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

func printTransmissions(w io.Writer, rows []transmissionRow) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tORG\tIRN\tSTATUS\tRETRIES\tNEXT ATTEMPT\tUPDATED")
	for _, t := range rows {
		next := "-"
		if t.NextAttemptAt != nil {
			next = t.NextAttemptAt.Local().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			t.ID, t.OrganizationID, t.IRN, statusColor(t.Status),
			t.RetryCount, t.MaxRetries, next, t.UpdatedAt.Local().Format(time.RFC3339))
	}
	tw.Flush()
}

func printTransmission(w io.Writer, t transmissionRow) {
	fmt.Fprintf(w, "%s %s\n", color.New(color.Bold).Sprint(t.ID), statusColor(t.Status))
	fmt.Fprintf(w, "  Organization: %s\n", t.OrganizationID)
	if t.IRN != "" {
		fmt.Fprintf(w, "  IRN:          %s\n", t.IRN)
	}
	fmt.Fprintf(w, "  Retries:      %d/%d (%s)\n", t.RetryCount, t.MaxRetries, t.Strategy)
	fmt.Fprintf(w, "  Key:          %s\n", t.KeyID)
	if t.NextAttemptAt != nil {
		fmt.Fprintf(w, "  Next attempt: %s\n", t.NextAttemptAt.Local().Format(time.RFC3339))
	}
	if t.AuthorityReference != "" {
		fmt.Fprintf(w, "  Reference:    %s\n", t.AuthorityReference)
	}
	if t.LastError != nil {
		fmt.Fprintf(w, "  Last error:   %s %s\n", color.New(color.FgRed).Sprint(t.LastError.Kind), t.LastError.Message)
	}
}

func printHistory(w io.Writer, rows []historyRow) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "AT\tFROM\tTO\tRETRY\tKIND\tREASON")
	for _, h := range rows {
		from := h.From
		if from == "" {
			from = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			h.At.Local().Format(time.RFC3339), from, statusColor(h.To), h.RetryCount, h.ErrorKind, h.Reason)
	}
	tw.Flush()
}

func printBreakers(w io.Writer, rows []breakerRow) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DESTINATION\tSTATE\tFAILURES\tHEALTH\tFAILURE RATIO")
	for _, b := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%.2f\n",
			b.Destination, statusColor(b.State), b.Failures, statusColor(b.Health), b.FailureRatio)
	}
	tw.Flush()
}

func printJob(w io.Writer, j jobRow) {
	m := j.Metrics
	fmt.Fprintf(w, "%s %s\n", color.New(color.Bold).Sprint(j.ID), statusColor(j.Status))
	fmt.Fprintf(w, "  Processed: %d/%d in %d batches (avg %.1fms)\n", m.Processed, m.Total, j.Batches, m.AverageMS)
	fmt.Fprintf(w, "  Succeeded: %d  Failed: %d  Deferred: %d  Skipped: %d\n", m.Succeeded, m.Failed, m.Deferred, m.Skipped)
	fmt.Fprintf(w, "  Circuit breaks: %d  Rate limited: %d\n", m.CircuitBreaks, m.RateLimited)
}

func printKeys(w io.Writer, rows []keyRow) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPURPOSE\tACTIVE\tUSAGE")
	for _, k := range rows {
		active := color.New(color.FgRed).Sprint("no")
		if k.Active {
			active = color.New(color.FgGreen).Sprint("yes")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", k.ID, k.Purpose, active, k.UsageCount)
	}
	tw.Flush()
}
