package ftp

import (
	"fmt"
	"strings"
	"time"

	"OpenFAM-Supply/internal/supplier"
)

// PostAction 决定文件交付后远端如何处理。
type PostAction string

const (
	PostDelete PostAction = "delete"
	PostRename PostAction = "rename"
	PostNone   PostAction = "none"
)

// Kind 是 FTP 供应器在注册表中的类型名。
const Kind = "ftp"

// Config 描述一个 FTP 供应器。
type Config struct {
	ID          string `yaml:"id" json:"id" msgpack:"id"`
	Description string `yaml:"description" json:"description" msgpack:"description"`

	Host               string        `yaml:"host" json:"host" msgpack:"host"`
	Port               int           `yaml:"port" json:"port" msgpack:"port"`
	User               string        `yaml:"user" json:"user" msgpack:"user"`
	Password           string        `yaml:"password" json:"password" msgpack:"password"`
	TLS                bool          `yaml:"tls" json:"tls" msgpack:"tls"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify" json:"insecure_skip_verify" msgpack:"insecure_skip_verify"`
	DialTimeout        time.Duration `yaml:"dial_timeout" json:"dial_timeout" msgpack:"dial_timeout"`

	Root         string                `yaml:"root" json:"root" msgpack:"root"`
	Recursive    bool                  `yaml:"recursive" json:"recursive" msgpack:"recursive"`
	Filter       supplier.FilterConfig `yaml:"filter" json:"filter" msgpack:"filter"`
	PollInterval time.Duration         `yaml:"poll_interval" json:"poll_interval" msgpack:"poll_interval"`
	Connections  int                   `yaml:"connections" json:"connections" msgpack:"connections"`

	StagingDir    string `yaml:"staging_dir" json:"staging_dir" msgpack:"staging_dir"`
	KeepStructure bool   `yaml:"keep_structure" json:"keep_structure" msgpack:"keep_structure"`

	PostAction       PostAction `yaml:"post_action" json:"post_action" msgpack:"post_action"`
	RenameExtension  string     `yaml:"rename_extension" json:"rename_extension" msgpack:"rename_extension"`
	InProgressSuffix string     `yaml:"in_progress_suffix" json:"in_progress_suffix" msgpack:"in_progress_suffix"`
}

// ApplyDefaults 补齐未设置的字段。
func (c *Config) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = 21
	}
	if c.User == "" {
		c.User = "anonymous"
		if c.Password == "" {
			c.Password = "anonymous"
		}
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 15 * time.Second
	}
	if c.Root == "" {
		c.Root = "/"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.Connections <= 0 {
		c.Connections = 1
	}
	if c.PostAction == "" {
		c.PostAction = PostDelete
	}
	if c.PostAction == PostRename && c.RenameExtension == "" {
		c.RenameExtension = ".done"
	}
	if c.RenameExtension != "" && !strings.HasPrefix(c.RenameExtension, ".") {
		c.RenameExtension = "." + c.RenameExtension
	}
}

// Validate 检查必填项。
func (c Config) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("ftp: 供应器 ID 不能为空")
	}
	if c.Host == "" {
		return fmt.Errorf("ftp: %s 未配置 host", c.ID)
	}
	if c.StagingDir == "" {
		return fmt.Errorf("ftp: %s 未配置 staging_dir", c.ID)
	}
	switch c.PostAction {
	case PostDelete, PostRename, PostNone:
	default:
		return fmt.Errorf("ftp: %s 的 post_action %q 无效", c.ID, c.PostAction)
	}
	if c.Connections > 16 {
		return fmt.Errorf("ftp: %s 的连接数 %d 超过上限 16", c.ID, c.Connections)
	}
	_, err := supplier.NewFilter(c.Filter)
	return err
}
