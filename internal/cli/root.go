package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

type options struct {
	server  string
	token   string
	timeout time.Duration
	json    bool
}

func (o *options) client() *Client {
	return NewClient(o.server, o.token, o.timeout)
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// NewRootCmd builds the transmitctl command tree.
func NewRootCmd(version string) *cobra.Command {
	o := &options{}
	root := &cobra.Command{
		Use:           "transmitctl",
		Short:         "Operate a transmitd instance",
		Long:          "transmitctl inspects and steers e-invoice transmissions, batch retries, circuit breakers, rate limits and encryption keys through the transmitd API.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&o.server, "server", envOr("TRANSMITCTL_SERVER", "http://localhost:8080"), "transmitd base URL")
	root.PersistentFlags().StringVar(&o.token, "token", os.Getenv("TRANSMITCTL_TOKEN"), "operator bearer token")
	root.PersistentFlags().DurationVar(&o.timeout, "timeout", 30*time.Second, "request timeout")
	root.PersistentFlags().BoolVar(&o.json, "json", false, "print raw JSON responses")

	root.AddCommand(
		listCmd(o),
		getCmd(o),
		historyCmd(o),
		submitCmd(o),
		retryCmd(o),
		cancelCmd(o),
		batchCmd(o),
		breakerCmd(o),
		rateLimitCmd(o),
		keyCmd(o),
		tokenCmd(),
	)
	return root
}

// fetch runs one request and either prints the raw body or hands it to
// render.
func fetch(cmd *cobra.Command, o *options, method, path string, query url.Values, body any, render func(io.Writer, json.RawMessage) error) error {
	var raw json.RawMessage
	if err := o.client().Do(cmd.Context(), method, path, query, body, &raw); err != nil {
		return err
	}
	if o.json || render == nil {
		return printRaw(cmd.OutOrStdout(), raw)
	}
	return render(cmd.OutOrStdout(), raw)
}

func renderTransmission(w io.Writer, raw json.RawMessage) error {
	var t transmissionRow
	if err := json.Unmarshal(raw, &t); err != nil {
		return err
	}
	printTransmission(w, t)
	return nil
}

func listCmd(o *options) *cobra.Command {
	var (
		statuses []string
		org      string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List transmissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			for _, s := range statuses {
				q.Add("status", strings.ToUpper(s))
			}
			if org != "" {
				q.Set("organization_id", org)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			return fetch(cmd, o, http.MethodGet, "/v1/transmissions", q, nil, func(w io.Writer, raw json.RawMessage) error {
				var page struct {
					Items []transmissionRow `json:"items"`
				}
				if err := json.Unmarshal(raw, &page); err != nil {
					return err
				}
				printTransmissions(w, page.Items)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "filter by status (repeatable)")
	cmd.Flags().StringVar(&org, "org", "", "filter by organization id")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows")
	return cmd
}

func getCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get [transmission-id]",
		Short: "Show one transmission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return fetch(cmd, o, http.MethodGet, "/v1/transmissions/"+url.PathEscape(args[0]), nil, nil, renderTransmission)
		},
	}
}

func historyCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "history [transmission-id]",
		Short: "Show the status history of a transmission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/transmissions/" + url.PathEscape(args[0]) + "/history"
			return fetch(cmd, o, http.MethodGet, path, nil, nil, func(w io.Writer, raw json.RawMessage) error {
				var page struct {
					Items []historyRow `json:"items"`
				}
				if err := json.Unmarshal(raw, &page); err != nil {
					return err
				}
				printHistory(w, page.Items)
				return nil
			})
		},
	}
}

func submitCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "submit [transmission-id]",
		Short: "Start the first attempt of a pending transmission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/transmissions/" + url.PathEscape(args[0]) + "/submit"
			return fetch(cmd, o, http.MethodPost, path, nil, nil, renderTransmission)
		},
	}
}

func retryCmd(o *options) *cobra.Command {
	var (
		strategy   string
		maxRetries int
		baseDelay  time.Duration
		force      bool
		reason     string
	)
	cmd := &cobra.Command{
		Use:   "retry [transmission-id]",
		Short: "Schedule a manual retry",
		Long:  "Schedule a manual retry. A FAILED transmission, or one stuck IN_PROGRESS, needs --force.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"force": force}
			if strategy != "" {
				body["strategy"] = strategy
			}
			if maxRetries > 0 {
				body["max_retries"] = maxRetries
			}
			if baseDelay > 0 {
				body["base_delay_ms"] = baseDelay.Milliseconds()
			}
			if reason != "" {
				body["reason"] = reason
			}
			path := "/v1/transmissions/" + url.PathEscape(args[0]) + "/retry"
			return fetch(cmd, o, http.MethodPost, path, nil, body, func(w io.Writer, raw json.RawMessage) error {
				var resp struct {
					Transmission  transmissionRow `json:"transmission"`
					NextAttemptAt *time.Time      `json:"next_attempt_at"`
				}
				if err := json.Unmarshal(raw, &resp); err != nil {
					return err
				}
				printTransmission(w, resp.Transmission)
				if resp.NextAttemptAt != nil {
					fmt.Fprintf(w, "%s retry scheduled for %s\n", color.New(color.FgGreen).Sprint("✓"), resp.NextAttemptAt.Local().Format(time.RFC3339))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", "", "retry strategy (exponential, linear, random, immediate)")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "additional retry budget")
	cmd.Flags().DurationVar(&baseDelay, "base-delay", 0, "base delay between attempts")
	cmd.Flags().BoolVar(&force, "force", false, "retry a FAILED or IN_PROGRESS transmission")
	cmd.Flags().StringVar(&reason, "reason", "", "operator note recorded in the history")
	return cmd
}

func cancelCmd(o *options) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel [transmission-id]",
		Short: "Cancel a transmission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/transmissions/" + url.PathEscape(args[0]) + "/cancel"
			return fetch(cmd, o, http.MethodPost, path, nil, map[string]any{"reason": reason}, func(w io.Writer, raw json.RawMessage) error {
				var resp struct {
					Transmission transmissionRow `json:"transmission"`
					Deferred     bool            `json:"deferred"`
				}
				if err := json.Unmarshal(raw, &resp); err != nil {
					return err
				}
				printTransmission(w, resp.Transmission)
				if resp.Deferred {
					fmt.Fprintf(w, "%s attempt in flight; cancellation applies when it ends\n", color.New(color.FgYellow).Sprint("!"))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the history")
	return cmd
}
