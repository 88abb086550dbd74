// Package settings persists supplier configuration in a versioned binary
// envelope. Each supplier kind registers its current version and an upgrade
// hook that fills in fields introduced after the version found on disk.
package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	xerrors "OpenFAM-Supply/internal/errors"
)

// Magic 标识设置文件格式。
const Magic = "FAMS"

var (
	// ErrUnknownKind 表示没有为该类型注册格式。
	ErrUnknownKind = errors.New("unknown settings kind")
	// ErrBadMagic 表示数据不是设置信封。
	ErrBadMagic = errors.New("not a settings envelope")
)

// Envelope 是落盘的外层结构。
type Envelope struct {
	Magic   string             `msgpack:"magic"`
	Kind    string             `msgpack:"kind"`
	Version int                `msgpack:"version"`
	Body    msgpack.RawMessage `msgpack:"body"`
}

// Format 描述某一类设置的当前版本。
type Format struct {
	Kind    string
	Version int
	// New 返回一个待解码的空配置指针。
	New func() any
	// Upgrade 为 from 版本之后新增的字段补默认值，可以为空。
	Upgrade func(from int, v any)
}

var (
	mu      sync.RWMutex
	formats = make(map[string]Format)
)

// Register 注册一种设置格式，重复注册会覆盖。
func Register(f Format) {
	if f.Kind == "" || f.Version <= 0 || f.New == nil {
		panic(fmt.Sprintf("settings: invalid format registration %+v", f))
	}
	mu.Lock()
	formats[f.Kind] = f
	mu.Unlock()
}

// Kinds 返回已注册的类型。
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(formats))
	for kind := range formats {
		out = append(out, kind)
	}
	sort.Strings(out)
	return out
}

func lookup(kind string) (Format, error) {
	mu.RLock()
	f, ok := formats[kind]
	mu.RUnlock()
	if !ok {
		return Format{}, xerrors.Wrap(xerrors.CodeInvalidArgument, ErrUnknownKind, fmt.Sprintf("未注册的设置类型 %q", kind))
	}
	return f, nil
}

// New 返回指定类型的空配置指针，供调用方先填充再编码。
func New(kind string) (any, error) {
	f, err := lookup(kind)
	if err != nil {
		return nil, err
	}
	return f.New(), nil
}

// Encode 以当前版本编码设置。
func Encode(kind string, v any) ([]byte, error) {
	f, err := lookup(kind)
	if err != nil {
		return nil, err
	}
	body, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("编码设置失败: %w", err)
	}
	return encodeEnvelope(Envelope{Magic: Magic, Kind: kind, Version: f.Version, Body: body})
}

func encodeEnvelope(env Envelope) ([]byte, error) {
	data, err := msgpack.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("编码设置信封失败: %w", err)
	}
	return data, nil
}

// Peek 只解析信封头部。
func Peek(data []byte) (Envelope, error) {
	var env Envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return Envelope{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析设置信封失败")
	}
	if env.Magic != Magic {
		return Envelope{}, xerrors.Wrap(xerrors.CodeInvalidArgument, ErrBadMagic, "设置文件格式不正确")
	}
	return env, nil
}

// Decode 解码设置，返回类型与配置指针。旧版本会经过 Upgrade 补齐默认值，
// 比当前版本更新的数据被拒绝。
func Decode(data []byte) (string, any, error) {
	env, err := Peek(data)
	if err != nil {
		return "", nil, err
	}
	f, err := lookup(env.Kind)
	if err != nil {
		return "", nil, err
	}
	v := f.New()
	if err := decodeBody(f, env, v); err != nil {
		return "", nil, err
	}
	return env.Kind, v, nil
}

// DecodeInto 把指定类型的设置解码到 v。
func DecodeInto(data []byte, kind string, v any) error {
	env, err := Peek(data)
	if err != nil {
		return err
	}
	if env.Kind != kind {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("设置类型不匹配: 期望 %s，实际 %s", kind, env.Kind))
	}
	f, err := lookup(kind)
	if err != nil {
		return err
	}
	return decodeBody(f, env, v)
}

func decodeBody(f Format, env Envelope, v any) error {
	if env.Version <= 0 || env.Version > f.Version {
		return xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("不支持的 %s 设置版本 %d（当前 %d）", env.Kind, env.Version, f.Version))
	}
	if err := msgpack.Unmarshal(env.Body, v); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("解析 %s 设置失败", env.Kind))
	}
	if env.Version < f.Version && f.Upgrade != nil {
		f.Upgrade(env.Version, v)
	}
	return nil
}

// SaveFile 原子地写入设置文件。
func SaveFile(path, kind string, v any) error {
	data, err := Encode(kind, v)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("创建设置目录失败: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("写入设置文件失败: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("替换设置文件失败: %w", err)
	}
	return nil
}

// LoadFile 读取并解码设置文件。
func LoadFile(path string) (string, any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("读取设置文件失败: %w", err)
	}
	return Decode(data)
}
