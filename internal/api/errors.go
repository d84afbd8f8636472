package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/arrudagates/ponder/internal/device"
)

// Error 是所有错误响应的结构
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{Status: status, Code: code, Message: message})
}

// writeDeviceError 把设备层的哨兵错误映射为 HTTP 状态码
func writeDeviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, device.ErrUnknownDevice):
		writeError(w, http.StatusNotFound, "unknown_device", err.Error())
	case errors.Is(err, device.ErrUnknownModel):
		writeError(w, http.StatusBadRequest, "unknown_model", err.Error())
	case errors.Is(err, device.ErrUnsupportedCapability):
		writeError(w, http.StatusBadRequest, "unsupported_capability", err.Error())
	case errors.Is(err, device.ErrNotWritable):
		writeError(w, http.StatusBadRequest, "not_writable", err.Error())
	case errors.Is(err, device.ErrInvalidValue):
		writeError(w, http.StatusUnprocessableEntity, "invalid_value", err.Error())
	case errors.Is(err, device.ErrDeviceOffline):
		writeError(w, http.StatusConflict, "device_offline", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}
