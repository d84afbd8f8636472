// Package devices 内置随程序发布的设备定义
package devices

import (
	"embed"
	"fmt"

	"github.com/arrudagates/ponder/internal/device"
	_ "github.com/arrudagates/ponder/internal/device/clip"
	"github.com/arrudagates/ponder/internal/logger"
)

//go:embed definitions/*.yaml
var definitions embed.FS

// Load 先加载内置定义，再加载 extraDir 中的定义，后者可以覆盖同名型号
func Load(reg *device.Registry, extraDir string) error {
	n, err := reg.LoadFS(definitions, "definitions")
	if err != nil {
		return fmt.Errorf("load embedded definitions: %w", err)
	}
	logger.InfoF("Loaded %d embedded device definitions", n)

	if extraDir == "" {
		return nil
	}
	n, err = reg.LoadDir(extraDir)
	if err != nil {
		return err
	}
	logger.InfoF("Loaded %d device definitions from %s", n, extraDir)
	return nil
}
