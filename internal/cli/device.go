package cli

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldsync/internal/app"
	"github.com/roach88/fieldsync/internal/canonical"
	"github.com/roach88/fieldsync/internal/engine"
	"github.com/roach88/fieldsync/internal/identity"
	"github.com/roach88/fieldsync/internal/queue"
	"github.com/roach88/fieldsync/internal/syncerr"
)

// AuthorizationOutput is the JSON form of a device's authorization.
type AuthorizationOutput struct {
	State        string `json:"state"`
	Permitted    bool   `json:"permitted"`
	CompanyCode  string `json:"company_code,omitempty"`
	Devcode      string `json:"devcode,omitempty"`
	LastSequence int64  `json:"last_sequence"`
	Cached       bool   `json:"cached"`
}

func authorizationOutput(a identity.Authorization) AuthorizationOutput {
	return AuthorizationOutput{
		State:        string(a.State),
		Permitted:    a.Permitted(),
		CompanyCode:  a.CompanyCode,
		Devcode:      a.Devcode,
		LastSequence: a.LastSequence,
		Cached:       a.Cached,
	}
}

// InitOutput is the result of the init command.
type InitOutput struct {
	Fingerprint   string              `json:"fingerprint"`
	Authorization AuthorizationOutput `json:"authorization"`
	Warning       string              `json:"warning,omitempty"`
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the device store and register with the backend",
		Long: `Create the local device store, derive the device fingerprint and ask the
backend for the device's authorization. An unknown device is registered and
stays pending until an operator approves it.

Example:
  fieldsync init --config ./fieldsync.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return initDevice(rootOpts, cmd)
		},
	}
}

func initDevice(opts *RootOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	svc, logger, err := opts.openService(cmd)
	if err != nil {
		return err
	}
	defer shutdown(svc, logger)

	auth, err := svc.RefreshAuthorization(commandContext(cmd))
	result := InitOutput{Fingerprint: svc.Fingerprint(), Authorization: authorizationOutput(auth)}
	if err != nil {
		if !syncerr.IsNetwork(err) {
			return out.Fail(ExitFailure, "authorization refresh failed", err)
		}
		result.Warning = "backend unreachable; authorization will be retried"
	}

	return out.Render(result, func(w io.Writer) {
		fmt.Fprintf(w, "Device fingerprint: %s\n", result.Fingerprint)
		fmt.Fprintf(w, "Authorization: %s\n", result.Authorization.State)
		if result.Authorization.Permitted {
			fmt.Fprintf(w, "Prefix: %s%s\n", result.Authorization.CompanyCode, result.Authorization.Devcode)
		}
		if result.Warning != "" {
			fmt.Fprintf(w, "Warning: %s\n", result.Warning)
		}
	})
}

// CaptureOptions holds flags for the capture command.
type CaptureOptions struct {
	*RootOptions
	Payload     string
	PayloadFile string
	NoSync      bool
}

// CaptureOutput is the result of the capture command.
type CaptureOutput struct {
	ReferenceNo string        `json:"reference_no"`
	LocalID     int64         `json:"local_id"`
	Delivered   bool          `json:"delivered"`
	Sync        *ReportOutput `json:"sync,omitempty"`
}

// NewCaptureCommand creates the capture command.
func NewCaptureCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CaptureOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Capture a transaction and issue its reference number",
		Long: `Issue the next reference number for a transaction payload and queue the
transaction durably. The reference is available immediately, online or not.
Unless --no-sync is given, one delivery attempt follows; entries that cannot
be delivered stay queued for the next sync.

Example:
  fieldsync capture --payload '{"farmer_id":"F-17","grams":1250}'
  fieldsync capture --payload-file - < weighing.json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return captureTransaction(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Payload, "payload", "p", "", "transaction payload as a JSON object")
	cmd.Flags().StringVarP(&opts.PayloadFile, "payload-file", "f", "", "read the payload from a file (- for stdin)")
	cmd.Flags().BoolVar(&opts.NoSync, "no-sync", false, "queue only, do not attempt delivery")
	cmd.MarkFlagsMutuallyExclusive("payload", "payload-file")

	return cmd
}

func readPayload(opts *CaptureOptions, cmd *cobra.Command) (canonical.Object, error) {
	var data []byte
	switch {
	case opts.PayloadFile == "-":
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		data = b
	case opts.PayloadFile != "":
		b, err := os.ReadFile(opts.PayloadFile)
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		data = b
	case opts.Payload != "":
		data = []byte(opts.Payload)
	default:
		return nil, fmt.Errorf("one of --payload or --payload-file is required")
	}

	v, err := canonical.Parse(data)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(canonical.Object)
	if !ok {
		return nil, fmt.Errorf("payload must be a JSON object")
	}
	return obj, nil
}

func captureTransaction(opts *CaptureOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	payload, err := readPayload(opts, cmd)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid payload", err)
	}

	svc, logger, err := opts.openService(cmd)
	if err != nil {
		return err
	}
	defer shutdown(svc, logger)
	ctx := commandContext(cmd)

	// A device that is not yet known to be approved asks once before
	// refusing; an approved device captures without touching the network.
	if st, err := svc.Status(ctx); err == nil && !st.Authorization.Permitted() {
		if _, err := svc.RefreshAuthorization(ctx); err != nil {
			out.VerboseLog("authorization refresh failed: %v", err)
		}
	}

	res, err := svc.Capture(ctx, payload)
	if err != nil {
		return out.Fail(ExitFailure, "capture failed", err)
	}
	result := CaptureOutput{ReferenceNo: res.ReferenceNo, LocalID: res.LocalID}

	if !opts.NoSync {
		report, err := svc.Sync(ctx)
		if err != nil {
			out.VerboseLog("sync after capture failed: %v", err)
		} else {
			ro := reportOutput(report)
			result.Sync = &ro
			pending, err := svc.Pending(ctx)
			if err == nil {
				result.Delivered = !containsLocalID(pending, res.LocalID)
			}
		}
	}

	return out.Render(result, func(w io.Writer) {
		fmt.Fprintln(w, result.ReferenceNo)
		if opts.Verbose {
			state := "queued"
			if result.Delivered {
				state = "delivered"
			}
			fmt.Fprintf(w, "local_id=%d %s\n", result.LocalID, state)
		}
	})
}

// ReportOutput is the JSON form of a sync report.
type ReportOutput struct {
	Attempted  int  `json:"attempted"`
	Confirmed  int  `json:"confirmed"`
	Failed     int  `json:"failed"`
	Duplicates int  `json:"duplicates"`
	Passes     int  `json:"passes"`
	Skipped    bool `json:"skipped,omitempty"`
	Throttled  bool `json:"throttled,omitempty"`
}

func reportOutput(r engine.Report) ReportOutput {
	return ReportOutput{
		Attempted:  r.Attempted,
		Confirmed:  r.Confirmed,
		Failed:     r.Failed,
		Duplicates: r.Duplicates,
		Passes:     r.Passes,
		Skipped:    r.Skipped,
		Throttled:  r.Throttled,
	}
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Deliver queued transactions to the backend once",
		Long: `Drain the pending queue once, in capture order. Confirmed and duplicate
entries are removed; failed entries stay queued. Exits 1 when any entry
could not be delivered.

Example:
  fieldsync sync --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return syncOnce(rootOpts, cmd)
		},
	}
}

func syncOnce(opts *RootOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	svc, logger, err := opts.openService(cmd)
	if err != nil {
		return err
	}
	defer shutdown(svc, logger)

	report, err := svc.Sync(commandContext(cmd))
	if err != nil {
		return out.Fail(ExitFailure, "sync failed", err)
	}
	result := reportOutput(report)
	if err := out.Render(result, func(w io.Writer) {
		fmt.Fprintf(w, "Attempted: %d  Confirmed: %d  Duplicates: %d  Failed: %d\n",
			result.Attempted, result.Confirmed, result.Duplicates, result.Failed)
	}); err != nil {
		return err
	}
	if report.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d entries left in the queue", report.Failed))
	}
	return nil
}

// PendingOutput is one queued transaction.
type PendingOutput struct {
	LocalID     int64            `json:"local_id"`
	ReferenceNo string           `json:"reference_no"`
	CapturedAt  time.Time        `json:"captured_at"`
	Attempts    int              `json:"attempts"`
	LastError   string           `json:"last_error,omitempty"`
	Payload     canonical.Object `json:"payload"`
}

// NewPendingCommand creates the pending command.
func NewPendingCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "pending",
		Short:         "List transactions awaiting delivery",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listPending(rootOpts, cmd)
		},
	}
}

func listPending(opts *RootOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	svc, logger, err := opts.openService(cmd)
	if err != nil {
		return err
	}
	defer shutdown(svc, logger)

	entries, err := svc.Pending(commandContext(cmd))
	if err != nil {
		return out.Fail(ExitFailure, "list pending failed", err)
	}
	rows := make([]PendingOutput, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, PendingOutput{
			LocalID:     e.LocalID,
			ReferenceNo: e.ReferenceNo,
			CapturedAt:  e.CapturedAt,
			Attempts:    e.Attempts,
			LastError:   e.LastError,
			Payload:     e.Payload,
		})
	}

	return out.Render(rows, func(w io.Writer) {
		if len(rows) == 0 {
			fmt.Fprintln(w, "No pending transactions")
			return
		}
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "LOCAL_ID\tREFERENCE_NO\tCAPTURED_AT\tATTEMPTS\tLAST_ERROR")
		for _, r := range rows {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\n",
				r.LocalID, r.ReferenceNo, r.CapturedAt.Format(time.RFC3339), r.Attempts, r.LastError)
		}
		tw.Flush()
	})
}

// StatusOutput is the result of the status command.
type StatusOutput struct {
	Fingerprint   string              `json:"fingerprint"`
	Authorization AuthorizationOutput `json:"authorization"`
	Allocation    *AllocationOutput   `json:"allocation,omitempty"`
	Pending       int                 `json:"pending"`
}

// AllocationOutput is the JSON form of the allocator state.
type AllocationOutput struct {
	Prefix        string `json:"prefix"`
	ReservedStart int64  `json:"reserved_start"`
	ReservedEnd   int64  `json:"reserved_end"`
	Cursor        int64  `json:"cursor"`
	Remaining     int64  `json:"remaining"`
	Staged        int64  `json:"staged"`
}

func statusOutput(st app.Status) StatusOutput {
	result := StatusOutput{
		Fingerprint:   st.Fingerprint,
		Authorization: authorizationOutput(st.Authorization),
		Pending:       st.Pending,
	}
	if a := st.Allocation; a != nil {
		result.Allocation = &AllocationOutput{
			Prefix:        a.CompanyCode + a.DeviceCode,
			ReservedStart: a.ReservedStart,
			ReservedEnd:   a.ReservedEnd,
			Cursor:        a.Cursor,
			Remaining:     a.Remaining(),
			Staged:        a.NextEnd - a.NextStart,
		}
	}
	return result
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the device's local state",
		Long: `Show the fingerprint, the cached authorization, the reference lease and
the number of queued transactions. Reads local state only.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(rootOpts, cmd)
		},
	}
}

func showStatus(opts *RootOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	svc, logger, err := opts.openService(cmd)
	if err != nil {
		return err
	}
	defer shutdown(svc, logger)

	st, err := svc.Status(commandContext(cmd))
	if err != nil {
		return out.Fail(ExitFailure, "read status failed", err)
	}
	result := statusOutput(st)

	return out.Render(result, func(w io.Writer) {
		fmt.Fprintf(w, "Fingerprint:   %s\n", result.Fingerprint)
		auth := result.Authorization.State
		if result.Authorization.Cached {
			auth += " (cached)"
		}
		fmt.Fprintf(w, "Authorization: %s\n", auth)
		if a := result.Allocation; a != nil {
			fmt.Fprintf(w, "Prefix:        %s\n", a.Prefix)
			fmt.Fprintf(w, "Lease:         [%d, %d) cursor %d, %d remaining\n",
				a.ReservedStart, a.ReservedEnd, a.Cursor, a.Remaining)
		} else {
			fmt.Fprintln(w, "Lease:         not provisioned")
		}
		fmt.Fprintf(w, "Pending:       %d\n", result.Pending)
	})
}

// ResetOptions holds flags for the reset command.
type ResetOptions struct {
	*RootOptions
	Force bool
}

// NewResetCommand creates the reset command.
func NewResetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResetOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Discard the lease, the queue and the cached authorization",
		Long: `Discard the device's reference lease, every queued transaction and the
cached authorization. The fingerprint is kept. Queued transactions that were
never delivered are lost, so --force is required.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return resetDevice(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Force, "force", false, "confirm that undelivered transactions may be lost")
	return cmd
}

func resetDevice(opts *ResetOptions, cmd *cobra.Command) error {
	if !opts.Force {
		return NewExitError(ExitCommandError, "reset discards undelivered transactions; pass --force to confirm")
	}
	out := opts.formatter(cmd)
	svc, logger, err := opts.openService(cmd)
	if err != nil {
		return err
	}
	defer shutdown(svc, logger)

	dropped, err := svc.Reset(commandContext(cmd))
	if err != nil {
		return out.Fail(ExitFailure, "reset failed", err)
	}
	result := map[string]int64{"dropped": dropped}
	return out.Render(result, func(w io.Writer) {
		fmt.Fprintf(w, "Device reset; %d queued transactions discarded\n", dropped)
	})
}

func containsLocalID(entries []queue.PendingTransaction, id int64) bool {
	for _, e := range entries {
		if e.LocalID == id {
			return true
		}
	}
	return false
}
