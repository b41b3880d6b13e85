package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldsync/internal/backend"
)

// AdminOptions holds flags shared by approve and reject.
type AdminOptions struct {
	*RootOptions
	AdminToken  string
	CompanyCode string
	Devcode     string
}

// DeviceStatusOutput is the backend's answer to an admin command.
type DeviceStatusOutput struct {
	Fingerprint  string `json:"fingerprint"`
	Status       string `json:"status"`
	CompanyCode  string `json:"company_code,omitempty"`
	Devcode      string `json:"devcode,omitempty"`
	LastSequence int64  `json:"last_sequence"`
}

// NewApproveCommand creates the approve command.
func NewApproveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AdminOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "approve <fingerprint>",
		Short: "Approve a device and assign its reference prefix",
		Long: `Approve a registered device on the backend and assign the company and
device codes that prefix its reference numbers. The prefix must be unique.

Example:
  fieldsync approve 3f9a... --company AG --devcode 05 --admin-token s3cret`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return setDeviceStatus(opts, cmd, args[0], true)
		},
	}

	cmd.Flags().StringVar(&opts.CompanyCode, "company", "", "company code (required)")
	cmd.Flags().StringVar(&opts.Devcode, "devcode", "", "device code (required)")
	cmd.Flags().StringVar(&opts.AdminToken, "admin-token", "", "admin bearer token (default from config)")
	_ = cmd.MarkFlagRequired("company")
	_ = cmd.MarkFlagRequired("devcode")

	return cmd
}

// NewRejectCommand creates the reject command.
func NewRejectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AdminOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "reject <fingerprint>",
		Short:         "Reject a device",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return setDeviceStatus(opts, cmd, args[0], false)
		},
	}

	cmd.Flags().StringVar(&opts.AdminToken, "admin-token", "", "admin bearer token (default from config)")
	return cmd
}

func setDeviceStatus(opts *AdminOptions, cmd *cobra.Command, fingerprint string, approve bool) error {
	out := opts.formatter(cmd)
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	logger := opts.newLogger(cfg, cmd.ErrOrStderr())

	token := cfg.Backend.AdminToken
	if opts.AdminToken != "" {
		token = opts.AdminToken
	}
	client, err := backend.NewClient(cfg.Backend.URL,
		backend.WithTimeout(cfg.Backend.Timeout),
		backend.WithAdminToken(token),
		backend.WithLogger(logger),
	)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid backend URL", err)
	}

	ctx := commandContext(cmd)
	var st backend.DeviceStatus
	if approve {
		st, err = client.Approve(ctx, fingerprint, backend.ApproveRequest{
			CompanyCode: opts.CompanyCode,
			Devcode:     opts.Devcode,
		})
	} else {
		st, err = client.Reject(ctx, fingerprint)
	}
	if err != nil {
		return out.Fail(ExitFailure, "update device status failed", err)
	}

	result := DeviceStatusOutput{
		Fingerprint:  fingerprint,
		Status:       st.Status,
		CompanyCode:  st.CompanyCode,
		Devcode:      st.Devcode,
		LastSequence: st.LastSequence,
	}
	return out.Render(result, func(w io.Writer) {
		fmt.Fprintf(w, "Device %s: %s\n", result.Fingerprint, result.Status)
		if result.CompanyCode != "" {
			fmt.Fprintf(w, "Prefix: %s%s\n", result.CompanyCode, result.Devcode)
		}
	})
}
