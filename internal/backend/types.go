package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/fieldsync/internal/canonical"
)

// API is the backend surface the device core consumes. *Client implements it
// over HTTP; tests substitute scripted fakes.
type API interface {
	RegisterDevice(ctx context.Context, fingerprint string, info DeviceInfo) error
	DeviceStatus(ctx context.Context, fingerprint string) (DeviceStatus, error)
	LeaseBatch(ctx context.Context, fingerprint string, size int64) (Lease, error)
	CreateTransaction(ctx context.Context, tx Transaction) error
	UpdateDevice(ctx context.Context, fingerprint string, fields map[string]any) error
	Health(ctx context.Context) error
}

// ErrDeviceNotFound is returned when the backend does not know the
// fingerprint. Identity refresh answers it by registering the device.
var ErrDeviceNotFound = errors.New("backend: device not found")

// Device status values reported by the backend.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
)

// CodeFormat fixes the width of company and device codes. With both widths
// fixed, the prefix of a reference decides the pair that issued it, so two
// devices can never produce the same reference.
type CodeFormat struct {
	CompanyWidth int
	DeviceWidth  int
}

// DefaultCodeFormat is two characters for each code ("AG" ++ "05").
var DefaultCodeFormat = CodeFormat{CompanyWidth: 2, DeviceWidth: 2}

// WithDefaults fills unset widths from DefaultCodeFormat.
func (f CodeFormat) WithDefaults() CodeFormat {
	if f.CompanyWidth == 0 {
		f.CompanyWidth = DefaultCodeFormat.CompanyWidth
	}
	if f.DeviceWidth == 0 {
		f.DeviceWidth = DefaultCodeFormat.DeviceWidth
	}
	return f
}

// Check validates a company and device code pair: ASCII letters and digits
// at exactly the configured widths.
func (f CodeFormat) Check(company, device string) error {
	f = f.WithDefaults()
	if err := checkCode("company", company, f.CompanyWidth); err != nil {
		return err
	}
	return checkCode("device", device, f.DeviceWidth)
}

func checkCode(kind, code string, width int) error {
	if code == "" {
		return fmt.Errorf("%s code is empty", kind)
	}
	for _, r := range code {
		if !(r >= '0' && r <= '9' || r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z') {
			return fmt.Errorf("%s code %q: only ASCII letters and digits allowed", kind, code)
		}
	}
	if len(code) != width {
		return fmt.Errorf("%s code %q: must be exactly %d characters", kind, code, width)
	}
	return nil
}

// DeviceInfo is sent on registration.
type DeviceInfo struct {
	Hostname      string `json:"hostname,omitempty"`
	ClientVersion string `json:"client_version,omitempty"`
	Platform      string `json:"platform,omitempty"`
}

// RegisterRequest is the body of register_device.
type RegisterRequest struct {
	Fingerprint string     `json:"fingerprint"`
	Device      DeviceInfo `json:"device"`
}

// RegisterResponse is the answer to register_device. A fresh registration is
// never approved.
type RegisterResponse struct {
	Approved bool   `json:"approved"`
	Status   string `json:"status"`
}

// DeviceStatus is the answer to get_device_status.
type DeviceStatus struct {
	Approved    bool   `json:"approved"`
	Authorized  bool   `json:"authorized"`
	Status      string `json:"status"`
	Devcode     string `json:"devcode"`
	CompanyCode string `json:"company_code"`
	// LastSequence is one past the highest suffix the backend has recorded
	// for this device.
	LastSequence int64             `json:"last_sequence"`
	Settings     map[string]string `json:"settings,omitempty"`
}

// Permitted reports whether the answer authorizes the device.
func (s DeviceStatus) Permitted() bool {
	return s.Approved || s.Authorized
}

// LeaseRequest is the body of lease_batch.
type LeaseRequest struct {
	Size int64 `json:"size"`
}

// Lease is a half-open range [Start, End) granted to one device.
type Lease struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Size returns End - Start.
func (l Lease) Size() int64 {
	return l.End - l.Start
}

// Transaction is the body of create_transaction.
type Transaction struct {
	Fingerprint string           `json:"fingerprint"`
	ReferenceNo string           `json:"reference_no"`
	Payload     canonical.Object `json:"payload"`
}

// UpdateRequest is the body of update_device.
type UpdateRequest struct {
	Fields map[string]any `json:"fields"`
}

// ApproveRequest is the body of the admin approve call.
type ApproveRequest struct {
	CompanyCode string `json:"company_code"`
	Devcode     string `json:"devcode"`
}

// HealthResponse is the body of /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the JSON error body for every non-2xx answer.
// ExistingMax is set on 409 duplicate answers.
type ErrorResponse struct {
	Error       string `json:"error"`
	Code        string `json:"code,omitempty"`
	ExistingMax int64  `json:"existing_max,omitempty"`
}
