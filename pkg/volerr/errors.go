// Package volerr defines the error kinds surfaced by volume and image-chain operations.
package volerr

import (
	"errors"
	"fmt"
)

// Code identifies the kind of a volume error for programmatic handling.
type Code int

const (
	CodeUnknown Code = iota
	// CodeBackendAPI means the virtual-disk facility reported a failure.
	CodeBackendAPI
	// CodeInvalidVolume means a precondition about format, existence or status was violated.
	CodeInvalidVolume
	// CodeInvalidSnapshot means a snapshot precondition was violated.
	CodeInvalidSnapshot
	// CodeImageUnacceptable means a fetched image does not match the volume it was written to.
	CodeImageUnacceptable
	// CodeNoSuitableShare means no share can host the requested size.
	CodeNoSuitableShare
	// CodeConfig means the driver configuration is invalid.
	CodeConfig
)

func (c Code) String() string {
	switch c {
	case CodeBackendAPI:
		return "BACKEND_API"
	case CodeInvalidVolume:
		return "INVALID_VOLUME"
	case CodeInvalidSnapshot:
		return "INVALID_SNAPSHOT"
	case CodeImageUnacceptable:
		return "IMAGE_UNACCEPTABLE"
	case CodeNoSuitableShare:
		return "NO_SUITABLE_SHARE"
	case CodeConfig:
		return "CONFIG"
	default:
		return "UNKNOWN"
	}
}

// Coded is implemented by every error of this package.
type Coded interface {
	error
	Code() Code
}

// IsCode reports whether any error in err's chain carries code.
func IsCode(err error, code Code) bool {
	var c Coded
	if errors.As(err, &c) {
		return c.Code() == code
	}
	return false
}

// BackendAPIError is returned when the underlying virtual-disk facility fails.
// Status holds the platform status code (Win32 error, process exit code, errno).
type BackendAPIError struct {
	Op     string
	Path   string
	Status uint32
	Detail string
	Cause  error
}

func (e *BackendAPIError) Error() string {
	msg := fmt.Sprintf("virtual disk %s failed for '%s' (status %d)", e.Op, e.Path, e.Status)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *BackendAPIError) Code() Code {
	return CodeBackendAPI
}

func (e *BackendAPIError) Unwrap() error {
	return e.Cause
}

// InvalidVolumeError reports a violated volume precondition. These are never retried.
type InvalidVolumeError struct {
	Reason string
}

func (e *InvalidVolumeError) Error() string {
	return "invalid volume: " + e.Reason
}

func (e *InvalidVolumeError) Code() Code {
	return CodeInvalidVolume
}

// InvalidVolume builds an InvalidVolumeError with a formatted reason.
func InvalidVolume(format string, args ...any) error {
	return &InvalidVolumeError{Reason: fmt.Sprintf(format, args...)}
}

// InvalidSnapshotError reports a violated snapshot precondition.
type InvalidSnapshotError struct {
	Reason string
}

func (e *InvalidSnapshotError) Error() string {
	return "invalid snapshot: " + e.Reason
}

func (e *InvalidSnapshotError) Code() Code {
	return CodeInvalidSnapshot
}

// ImageUnacceptableError is returned when a fetched image ends up with an unexpected size.
type ImageUnacceptableError struct {
	ImageID string
	Reason  string
}

func (e *ImageUnacceptableError) Error() string {
	return fmt.Sprintf("image %s is unacceptable: %s", e.ImageID, e.Reason)
}

func (e *ImageUnacceptableError) Code() Code {
	return CodeImageUnacceptable
}

// NoSuitableShareError is returned when none of the shares can host a volume.
type NoSuitableShareError struct {
	SizeGiB int64
}

func (e *NoSuitableShareError) Error() string {
	return fmt.Sprintf("no share can host a volume of %dGiB", e.SizeGiB)
}

func (e *NoSuitableShareError) Code() Code {
	return CodeNoSuitableShare
}

// ConfigError reports an invalid configuration value.
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config '%s': %s", e.Key, e.Reason)
}

func (e *ConfigError) Code() Code {
	return CodeConfig
}
