package device

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownDevice         = errors.New("unknown device")
	ErrUnknownModel          = errors.New("unknown device model")
	ErrUnknownCodec          = errors.New("unknown codec")
	ErrUnsupportedCapability = errors.New("unsupported capability")
	ErrNotWritable           = errors.New("capability is not writable")
	ErrInvalidValue          = errors.New("invalid value")
	ErrDeviceOffline         = errors.New("device offline")
	ErrInvalidDefinition     = errors.New("invalid device definition")
	// ErrNoState 表示报文合法但不携带状态，不计入解码失败
	ErrNoState = errors.New("payload carries no state")
)

// CommandError 是 Submit 的同步失败结果
type CommandError struct {
	DeviceID   string
	Capability string
	Err        error
}

func (e *CommandError) Error() string {
	if e.Capability == "" {
		return fmt.Sprintf("command to %s: %v", e.DeviceID, e.Err)
	}
	return fmt.Sprintf("command %s to %s: %v", e.Capability, e.DeviceID, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// DecodeError 包装编解码器返回的错误
type DecodeError struct {
	DeviceID string
	Model    string
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode payload of %s (%s): %v", e.DeviceID, e.Model, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
