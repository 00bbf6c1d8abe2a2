package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"invoicegate.org/internal/auth"
)

func renderJob(w io.Writer, raw json.RawMessage) error {
	var j jobRow
	if err := json.Unmarshal(raw, &j); err != nil {
		return err
	}
	printJob(w, j)
	return nil
}

func batchCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Run and inspect batch retry jobs",
	}

	var (
		statuses    []string
		org         string
		maxTx       int
		size        int
		concurrency int
		strategy    string
		baseDelay   time.Duration
		failedFirst bool
	)
	start := &cobra.Command{
		Use:   "start",
		Short: "Start a batch retry job",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{}
			if len(statuses) > 0 {
				filter := make([]string, 0, len(statuses))
				for _, s := range statuses {
					filter = append(filter, strings.ToUpper(s))
				}
				body["status_filter"] = filter
			}
			if org != "" {
				body["organization_id"] = org
			}
			if maxTx > 0 {
				body["max_transmissions"] = maxTx
			}
			if size > 0 {
				body["batch_size"] = size
			}
			if concurrency > 0 {
				body["max_concurrent_batches"] = concurrency
			}
			if strategy != "" {
				body["retry_strategy"] = strategy
			}
			if baseDelay > 0 {
				body["retry_base_delay_ms"] = baseDelay.Milliseconds()
			}
			if failedFirst {
				body["prioritize_failed"] = true
			}
			return fetch(cmd, o, http.MethodPost, "/v1/batches", nil, body, renderJob)
		},
	}
	start.Flags().StringSliceVar(&statuses, "status", nil, "statuses to select (default PENDING,FAILED)")
	start.Flags().StringVar(&org, "org", "", "limit to one organization")
	start.Flags().IntVar(&maxTx, "max", 0, "maximum transmissions to select")
	start.Flags().IntVar(&size, "batch-size", 0, "transmissions per batch")
	start.Flags().IntVar(&concurrency, "concurrency", 0, "batches worked at once")
	start.Flags().StringVar(&strategy, "strategy", "", "retry strategy for selected transmissions")
	start.Flags().DurationVar(&baseDelay, "base-delay", 0, "retry base delay for selected transmissions")
	start.Flags().BoolVar(&failedFirst, "failed-first", false, "work FAILED transmissions before others")

	list := &cobra.Command{
		Use:   "list",
		Short: "List batch jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fetch(cmd, o, http.MethodGet, "/v1/batches", nil, nil, func(w io.Writer, raw json.RawMessage) error {
				var page struct {
					Items []jobRow `json:"items"`
				}
				if err := json.Unmarshal(raw, &page); err != nil {
					return err
				}
				if len(page.Items) == 0 {
					fmt.Fprintln(w, "No batch jobs.")
				}
				for _, j := range page.Items {
					printJob(w, j)
				}
				return nil
			})
		},
	}

	get := &cobra.Command{
		Use:   "get [job-id]",
		Short: "Show one batch job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return fetch(cmd, o, http.MethodGet, "/v1/batches/"+url.PathEscape(args[0]), nil, nil, renderJob)
		},
	}

	cancel := &cobra.Command{
		Use:   "cancel [job-id]",
		Short: "Stop a running batch job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return fetch(cmd, o, http.MethodPost, "/v1/batches/"+url.PathEscape(args[0])+"/cancel", nil, nil, renderJob)
		},
	}

	metrics := &cobra.Command{
		Use:   "metrics",
		Short: "Show counters aggregated over all jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fetch(cmd, o, http.MethodGet, "/v1/batches/metrics", nil, nil, nil)
		},
	}

	cmd.AddCommand(start, list, get, cancel, metrics)
	return cmd
}

func breakerCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "breakers",
		Aliases: []string{"breaker"},
		Short:   "Inspect and reset circuit breakers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fetch(cmd, o, http.MethodGet, "/v1/breakers", nil, nil, func(w io.Writer, raw json.RawMessage) error {
				var page struct {
					Items []breakerRow `json:"items"`
				}
				if err := json.Unmarshal(raw, &page); err != nil {
					return err
				}
				printBreakers(w, page.Items)
				return nil
			})
		},
	}
	renderOne := func(w io.Writer, raw json.RawMessage) error {
		var b breakerRow
		if err := json.Unmarshal(raw, &b); err != nil {
			return err
		}
		printBreakers(w, []breakerRow{b})
		return nil
	}
	get := &cobra.Command{
		Use:   "get [destination]",
		Short: "Show one breaker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return fetch(cmd, o, http.MethodGet, "/v1/breakers/"+url.PathEscape(args[0]), nil, nil, renderOne)
		},
	}
	reset := &cobra.Command{
		Use:   "reset [destination]",
		Short: "Force a breaker closed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return fetch(cmd, o, http.MethodPost, "/v1/breakers/"+url.PathEscape(args[0])+"/reset", nil, nil, renderOne)
		},
	}
	cmd.AddCommand(get, reset)
	return cmd
}

func rateLimitCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rate-limit",
		Short: "Inspect admission buckets and assign tiers",
	}
	get := &cobra.Command{
		Use:   "get [scope]",
		Short: "Show the bucket of a scope such as org:acme",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return fetch(cmd, o, http.MethodGet, "/v1/rate-limits/"+url.PathEscape(args[0]), nil, nil, nil)
		},
	}
	set := &cobra.Command{
		Use:   "set [scope] [tier]",
		Short: "Assign a tier to a scope",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return fetch(cmd, o, http.MethodPut, "/v1/rate-limits/"+url.PathEscape(args[0]), nil, map[string]string{"tier": args[1]}, nil)
		},
	}
	cmd.AddCommand(get, set)
	return cmd
}

func keyCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "List and rotate encryption keys",
	}
	var purpose string
	list := &cobra.Command{
		Use:   "list",
		Short: "List keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if purpose != "" {
				q.Set("purpose", purpose)
			}
			return fetch(cmd, o, http.MethodGet, "/v1/keys", q, nil, func(w io.Writer, raw json.RawMessage) error {
				var page struct {
					Items []keyRow `json:"items"`
				}
				if err := json.Unmarshal(raw, &page); err != nil {
					return err
				}
				printKeys(w, page.Items)
				return nil
			})
		},
	}
	list.Flags().StringVar(&purpose, "purpose", "", "filter by key purpose")

	var rotatePurpose string
	rotate := &cobra.Command{
		Use:   "rotate",
		Short: "Rotate the active key of a purpose",
		RunE: func(cmd *cobra.Command, args []string) error {
			var body any
			if rotatePurpose != "" {
				body = map[string]string{"purpose": rotatePurpose}
			}
			return fetch(cmd, o, http.MethodPost, "/v1/keys/rotate", nil, body, func(w io.Writer, raw json.RawMessage) error {
				var k keyRow
				if err := json.Unmarshal(raw, &k); err != nil {
					return err
				}
				fmt.Fprintf(w, "%s new %s key %s\n", color.New(color.FgGreen).Sprint("✓"), k.Purpose, k.ID)
				return nil
			})
		},
	}
	rotate.Flags().StringVar(&rotatePurpose, "purpose", "", "key purpose (default transmission)")

	cmd.AddCommand(list, rotate)
	return cmd
}

func tokenCmd() *cobra.Command {
	var (
		secret  string
		issuer  string
		subject string
		roles   []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an operator token with the shared secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return errors.New("no secret: pass --secret or set TRANSMIT_OPERATOR_SECRET")
			}
			var opts []auth.Option
			if issuer != "" {
				opts = append(opts, auth.WithIssuer(issuer))
			}
			signer, err := auth.NewSigner([]byte(secret), opts...)
			if err != nil {
				return err
			}
			token, exp, err := signer.GenerateToken(subject, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", exp.Local().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("TRANSMIT_OPERATOR_SECRET"), "HMAC secret shared with transmitd")
	cmd.Flags().StringVar(&issuer, "issuer", os.Getenv("TRANSMIT_OPERATOR_ISSUER"), "token issuer")
	cmd.Flags().StringVar(&subject, "subject", envOr("USER", "operator"), "token subject")
	cmd.Flags().StringSliceVar(&roles, "role", []string{auth.RoleOperator}, "granted roles (viewer, operator, admin)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
