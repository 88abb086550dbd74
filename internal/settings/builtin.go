package settings

import (
	"OpenFAM-Supply/internal/supplier/email"
	"OpenFAM-Supply/internal/supplier/ftp"
	"OpenFAM-Supply/internal/supplier/relay"
)

// 各类型的当前设置版本。
const (
	FTPVersion   = 3
	RelayVersion = 2
	EmailVersion = 2
)

func init() {
	Register(Format{
		Kind:    ftp.Kind,
		Version: FTPVersion,
		New:     func() any { return &ftp.Config{} },
		Upgrade: func(from int, v any) {
			cfg := v.(*ftp.Config)
			// v1 固定单连接并在下载后删除远端文件。
			if from < 2 {
				cfg.Connections = 1
				cfg.PostAction = ftp.PostDelete
			}
			// v3 之前总是递归扫描子目录。
			if from < 3 {
				cfg.Recursive = true
			}
		},
	})
	Register(Format{
		Kind:    relay.Kind,
		Version: RelayVersion,
		New:     func() any { return &relay.Config{} },
		Upgrade: func(from int, v any) {
			cfg := v.(*relay.Config)
			// v1 没有该开关，选中的文件夹总会被展开。
			if from < 2 {
				recursive := true
				cfg.IncludeFolders = true
				cfg.Recursive = &recursive
			}
		},
	})
	Register(Format{
		Kind:    email.Kind,
		Version: EmailVersion,
		New:     func() any { return &email.Config{} },
		Upgrade: func(from int, v any) {
			cfg := v.(*email.Config)
			// v1 只有单个 worker。
			if from < 2 {
				cfg.Workers = 1
			}
		},
	})
}
