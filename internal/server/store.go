package server

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/fieldsync/internal/backend"
)

var (
	// ErrNotFound is returned for an unknown fingerprint.
	ErrNotFound = errors.New("server: device not found")

	// ErrNotApproved is returned when a device that is not approved asks for
	// a lease.
	ErrNotApproved = errors.New("server: device not approved")

	// ErrInvalid is returned for requests that can never succeed as sent.
	ErrInvalid = errors.New("server: invalid request")
)

// Device is the backend's record of one field device.
type Device struct {
	Fingerprint string
	Status      string
	CompanyCode string
	Devcode     string
	Info        backend.DeviceInfo

	// LeaseEnd is the end of the last lease granted to the device.
	LeaseEnd int64

	// LastSequence is one past the highest suffix recorded for the device.
	LastSequence int64

	// Fields holds the last update_device values.
	Fields map[string]any

	CreatedAt time.Time
	UpdatedAt time.Time
}

// StatusResponse converts the record to the get_device_status answer.
func (d Device) StatusResponse() backend.DeviceStatus {
	approved := d.Status == backend.StatusApproved
	return backend.DeviceStatus{
		Approved:     approved,
		Authorized:   approved,
		Status:       d.Status,
		Devcode:      d.Devcode,
		CompanyCode:  d.CompanyCode,
		LastSequence: d.LastSequence,
	}
}

// Prefix returns the reference prefix assigned to the device.
func (d Device) Prefix() string {
	return d.CompanyCode + d.Devcode
}

// Assignment is the company and device code given on approval.
type Assignment struct {
	CompanyCode string
	Devcode     string
}

// Store persists devices, company counters and transactions.
//
// Implementations must grant leases atomically: concurrent LeaseBatch calls
// for devices of the same company never receive overlapping ranges, and a
// device never receives a range below a number it already holds.
type Store interface {
	// RegisterDevice creates a pending device. Registering a known
	// fingerprint returns the existing record with created=false.
	RegisterDevice(ctx context.Context, fingerprint string, info backend.DeviceInfo) (dev Device, created bool, err error)

	// GetDevice returns ErrNotFound for an unknown fingerprint.
	GetDevice(ctx context.Context, fingerprint string) (Device, error)

	// SetStatus approves or rejects a device. Approval requires a complete
	// assignment unless the device already has one.
	SetStatus(ctx context.Context, fingerprint, status string, assign Assignment) (Device, error)

	// LeaseBatch grants [start, start+size) to an approved device.
	LeaseBatch(ctx context.Context, fingerprint string, size int64) (backend.Lease, error)

	// RecordTransaction stores a transaction. A reference that is already
	// recorded yields *syncerr.DuplicateError carrying the device's
	// LastSequence.
	RecordTransaction(ctx context.Context, tx backend.Transaction) error

	// UpdateDevice merges fields into the device record.
	UpdateDevice(ctx context.Context, fingerprint string, fields map[string]any) error

	// Ping reports whether the store is usable.
	Ping(ctx context.Context) error
}

// ParseReference validates ref against the device's prefix and returns the
// numeric suffix.
func ParseReference(dev Device, ref string) (int64, error) {
	if dev.Devcode == "" {
		return 0, fmt.Errorf("%w: device %s has no devcode", ErrInvalid, dev.Fingerprint)
	}
	prefix := dev.Prefix()
	if !strings.HasPrefix(ref, prefix) || len(ref) == len(prefix) {
		return 0, fmt.Errorf("%w: reference %q does not match prefix %q", ErrInvalid, ref, prefix)
	}
	digits := ref[len(prefix):]
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("%w: reference %q has a non-numeric suffix", ErrInvalid, ref)
		}
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: reference %q: %v", ErrInvalid, ref, err)
	}
	return n, nil
}

// ValidateStatus checks an admin status change. A new assignment must match
// the fixed code widths in format.
func ValidateStatus(dev Device, status string, assign Assignment, format backend.CodeFormat) (Assignment, error) {
	switch status {
	case backend.StatusApproved:
		if assign.CompanyCode == "" {
			assign.CompanyCode = dev.CompanyCode
		}
		if assign.Devcode == "" {
			assign.Devcode = dev.Devcode
		}
		if assign.CompanyCode == "" || assign.Devcode == "" {
			return assign, fmt.Errorf("%w: approval needs company_code and devcode", ErrInvalid)
		}
		if dev.Devcode != "" && (assign.Devcode != dev.Devcode || assign.CompanyCode != dev.CompanyCode) {
			return assign, fmt.Errorf("%w: device %s already holds prefix %s", ErrInvalid, dev.Fingerprint, dev.Prefix())
		}
		if dev.Devcode == "" {
			if err := format.Check(assign.CompanyCode, assign.Devcode); err != nil {
				return assign, fmt.Errorf("%w: %v", ErrInvalid, err)
			}
		}
	case backend.StatusRejected, backend.StatusPending:
		assign = Assignment{CompanyCode: dev.CompanyCode, Devcode: dev.Devcode}
	default:
		return assign, fmt.Errorf("%w: unknown status %q", ErrInvalid, status)
	}
	return assign, nil
}

// LeaseStart is the never-decreasing merge for a new lease: the company
// counter, the device's previous lease end, and its recorded high-water mark.
func LeaseStart(companyCounter int64, dev Device) int64 {
	return max(companyCounter, dev.LeaseEnd, dev.LastSequence)
}
