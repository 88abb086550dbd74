package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"

	"OpenFAM-Supply/internal/config"
	"OpenFAM-Supply/internal/settings"
	"OpenFAM-Supply/internal/supplier/relay"
	"OpenFAM-Supply/internal/target"
	"OpenFAM-Supply/pkg/plugin"
)

// checkConfig 加载配置并构建全部实例，但不连接任何外部服务。
func checkConfig(w io.Writer, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	manager, err := plugin.NewManager(cfg.Suppliers, target.NewMemoryTarget())
	if err != nil {
		return err
	}
	defer manager.Close(context.Background())

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ID", "Kind", "Auto Start", "Description"})
	table.SetAutoWrapText(false)
	for _, status := range manager.List(context.Background()) {
		inst := cfg.Suppliers.Instances[status.ID]
		table.Append([]string{status.ID, status.Kind, strconv.FormatBool(inst.AutoStart), status.Description})
	}
	table.Render()

	kinds := make([]string, 0)
	for _, info := range manager.Kinds() {
		kinds = append(kinds, info.Kind)
	}
	fmt.Fprintf(w, "target=%s queue=%s ledger=%s kinds=%s\n",
		strings.Join(cfg.Target.Drivers, "+"), cfg.Queue.Driver, cfg.Ledger.Driver, strings.Join(kinds, ","))
	return nil
}

// encodeSettings 读取 YAML 设置并写成带版本的设置文件。
func encodeSettings(kind, in, out string) error {
	raw, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	v, err := settings.New(kind)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("解析 %s 失败: %w", in, err)
	}
	return settings.SaveFile(out, kind, v)
}

// decodeSettings 解码设置文件，旧版本在输出前已补齐新增字段。
func decodeSettings(w io.Writer, in string) error {
	kind, v, err := settings.LoadFile(in)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "# kind: %s\n", kind)
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func sendSelection(ctx context.Context, addr, token string, paths []string) error {
	return relay.Send(ctx, addr, token, paths)
}
