package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
)

// main 是 famsupplyd 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "famsupplyd 运行失败: %v\n", err)
		os.Exit(1)
	}
}

var configFlag = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	Usage:   "配置文件路径 (YAML 或 JSON)",
	EnvVars: []string{"FAMSUPPLY_CONFIG"},
	Value:   "configs/famsupply.yaml",
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "famsupplyd",
		Usage: "向 FAM 目标持续供应文件的守护进程",
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "启动守护进程并运行配置中的供应器",
				Flags:  []cli.Flag{configFlag},
				Action: func(c *cli.Context) error { return runDaemon(c.Context, c.String("config")) },
			},
			{
				Name:   "check",
				Usage:  "校验配置并列出供应器实例",
				Flags:  []cli.Flag{configFlag},
				Action: func(c *cli.Context) error { return checkConfig(c.App.Writer, c.String("config")) },
			},
			{
				Name:  "settings",
				Usage: "在 YAML 与持久化设置格式之间转换",
				Subcommands: []*cli.Command{
					{
						Name:      "encode",
						Usage:     "把 YAML 设置编码为设置文件",
						ArgsUsage: "<input.yaml> <output.fams>",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "kind", Usage: "供应器类型", Required: true},
						},
						Action: func(c *cli.Context) error {
							if c.NArg() != 2 {
								return cli.Exit("需要输入与输出两个路径", 2)
							}
							return encodeSettings(c.String("kind"), c.Args().Get(0), c.Args().Get(1))
						},
					},
					{
						Name:      "decode",
						Usage:     "把设置文件解码为 YAML 输出",
						ArgsUsage: "<input.fams>",
						Action: func(c *cli.Context) error {
							if c.NArg() != 1 {
								return cli.Exit("需要一个输入路径", 2)
							}
							return decodeSettings(c.App.Writer, c.Args().Get(0))
						},
					},
				},
			},
			{
				Name:      "send",
				Usage:     "把选中的路径转交给运行中的右键菜单中继",
				ArgsUsage: "<path>...",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "addr", Usage: "中继监听地址", Value: "127.0.0.1:7465"},
					&cli.StringFlag{Name: "token", Usage: "中继令牌", EnvVars: []string{"FAMSUPPLY_RELAY_TOKEN"}},
				},
				Action: func(c *cli.Context) error {
					if c.NArg() == 0 {
						return cli.Exit("至少需要一个路径", 2)
					}
					return sendSelection(c.Context, c.String("addr"), c.String("token"), c.Args().Slice())
				},
			},
		},
	}
}
