package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"southwinds.dev/heirloom"
	"southwinds.dev/heirloom/audit"
)

var (
	auditJSONOutput    bool
	auditSince         string
	auditUntil         string
	auditAction        string
	auditSuccessFilter string
	auditIdentity      string
	auditSecretID      string
	auditTestamentID   string
	auditLimit         int
	auditOffset        int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the audit trail",
	Long:  `Query the audit trail of the configured namespace. Requires a queryable (file) audit backend.`,
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query audit events with filters",
	Long: `Query audit events with filters.

Examples:
  # failed operations in the last 24 hours
  heirloom audit query --success false --since 24h

  # everything that touched one testament
  heirloom audit query --testament-id 5f0c...`,
	RunE: runAuditQuery,
}

var auditReleasesCmd = &cobra.Command{
	Use:   "releases",
	Short: "List testament releases",
	Long:  `List every testament release recorded in the audit trail, newest last.`,
	RunE:  runAuditReleases,
}

var auditSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show audit summary statistics",
	RunE:  runAuditSummary,
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditQueryCmd)
	auditCmd.AddCommand(auditReleasesCmd)
	auditCmd.AddCommand(auditSummaryCmd)

	auditCmd.PersistentFlags().BoolVar(&auditJSONOutput, "json", false, "output as JSON")
	auditCmd.PersistentFlags().StringVar(&auditSince, "since", "", "only events after this time (RFC3339 or a duration such as 24h)")

	auditQueryCmd.Flags().StringVar(&auditUntil, "until", "", "only events before this time (RFC3339 or a duration)")
	auditQueryCmd.Flags().StringVar(&auditAction, "action", "", "filter by action, e.g. GET_INHERITED_SECRET_COMPLETED")
	auditQueryCmd.Flags().StringVar(&auditSuccessFilter, "success", "", "filter by outcome (true, false)")
	auditQueryCmd.Flags().StringVar(&auditIdentity, "identity", "", "filter by caller identity")
	auditQueryCmd.Flags().StringVar(&auditSecretID, "secret-id", "", "filter by secret id")
	auditQueryCmd.Flags().StringVar(&auditTestamentID, "testament-id", "", "filter by testament id")
	auditQueryCmd.Flags().IntVar(&auditLimit, "limit", 100, "maximum number of events")
	auditQueryCmd.Flags().IntVar(&auditOffset, "offset", 0, "number of events to skip")
}

func runAuditQuery(*cobra.Command, []string) error {
	if err := validateAuditAction(auditAction); err != nil {
		return err
	}
	options := audit.QueryOptions{
		Action:      auditAction,
		Identity:    auditIdentity,
		SecretID:    auditSecretID,
		TestamentID: auditTestamentID,
		Limit:       auditLimit,
		Offset:      auditOffset,
	}

	var err error
	if options.Since, err = parseTimeFlag(auditSince); err != nil {
		return fmt.Errorf("invalid --since: %w", err)
	}
	if options.Until, err = parseTimeFlag(auditUntil); err != nil {
		return fmt.Errorf("invalid --until: %w", err)
	}
	if auditSuccessFilter != "" {
		success, err := strconv.ParseBool(auditSuccessFilter)
		if err != nil {
			return fmt.Errorf("invalid --success: %w", err)
		}
		options.Success = &success
	}

	result, err := vault.QueryAudit(options)
	if err != nil {
		return err
	}
	return printEvents(result)
}

// validateAuditAction accepts an operation name with or without its
// INITIATED, COMPLETED or FAILED suffix.
func validateAuditAction(action string) error {
	if action == "" {
		return nil
	}
	base := action
	for _, phase := range []string{"_INITIATED", "_COMPLETED", "_FAILED"} {
		if trimmed, ok := strings.CutSuffix(action, phase); ok {
			base = trimmed
			break
		}
	}
	if !heirloom.Operation(base).Valid() {
		return fmt.Errorf("invalid --action %q: unknown operation %s", action, base)
	}
	return nil
}

func runAuditReleases(*cobra.Command, []string) error {
	since, err := parseTimeFlag(auditSince)
	if err != nil {
		return fmt.Errorf("invalid --since: %w", err)
	}
	result, err := vault.QueryAudit(audit.QueryOptions{ReleasesOnly: true, Since: since})
	if err != nil {
		return err
	}
	if auditJSONOutput {
		return printJSON(result)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RELEASED AT\tTESTAMENT\tOWNER\tBENEFICIARIES\tINACTIVE FOR")
	for _, e := range result.Events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%v\n",
			e.Timestamp.Format(time.RFC3339), e.TestamentID, e.Identity,
			e.Metadata["beneficiaries"], e.Metadata["inactive_for"])
	}
	if err = w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\n%d release(s)\n", len(result.Events))
	return nil
}

func runAuditSummary(*cobra.Command, []string) error {
	since, err := parseTimeFlag(auditSince)
	if err != nil {
		return fmt.Errorf("invalid --since: %w", err)
	}
	summary, err := vault.AuditSummary(since)
	if err != nil {
		return err
	}
	if auditJSONOutput {
		return printJSON(summary)
	}

	bold := color.New(color.Bold)
	bold.Printf("Audit summary for %s\n", summary.Namespace)
	fmt.Printf("  Total events:      %d\n", summary.TotalEvents)
	fmt.Printf("  Successful:        %s\n", color.GreenString("%d", summary.SuccessfulEvents))
	fmt.Printf("  Failed:            %s\n", color.RedString("%d", summary.FailedEvents))
	fmt.Printf("  Releases:          %d\n", summary.Releases)
	fmt.Printf("  Inheritance reads: %d\n", summary.InheritanceReads)
	fmt.Printf("  Key derivations:   %d\n", summary.KeyDerivations)
	if !summary.LastActivity.IsZero() {
		fmt.Printf("  Last activity:     %s\n", summary.LastActivity.Format(time.RFC3339))
	}
	return nil
}

func printEvents(result audit.QueryResult) error {
	if auditJSONOutput {
		return printJSON(result)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tOK\tIDENTITY\tSUBJECT\tERROR")
	for _, e := range result.Events {
		ok := color.GreenString("yes")
		if !e.Success {
			ok = color.RedString("no")
		}
		subject := e.SecretID
		if subject == "" {
			subject = e.TestamentID
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Format(time.RFC3339), e.Action, ok, e.Identity, subject, e.Error)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\n%d of %d matching event(s)", len(result.Events), result.Filtered)
	if result.HasMore {
		fmt.Print(", more available")
	}
	fmt.Println()
	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseTimeFlag accepts RFC3339 or a duration counted back from now.
func parseTimeFlag(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return &t, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return nil, fmt.Errorf("%q is neither RFC3339 nor a duration", value)
	}
	t := time.Now().Add(-d)
	return &t, nil
}
