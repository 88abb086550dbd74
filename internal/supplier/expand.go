package supplier

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// ExpandOptions 控制本地选择项的展开方式。
type ExpandOptions struct {
	IncludeFolders bool
	Recursive      bool
	Filter         *Filter
}

// ExpandPaths 把一组本地选择（文件或目录）展开为待供应的文件，保持选择顺序，
// 目录内按 WalkDir 的字典序。目录仅在 IncludeFolders 为 true 时展开；不存在的路径被跳过并通过 skipped 返回。
func ExpandPaths(ctx context.Context, selection []string, opts ExpandOptions) (files []File, skipped []string, err error) {
	seen := make(map[string]struct{})
	add := func(file File) {
		if _, ok := seen[file.Path]; ok {
			return
		}
		seen[file.Path] = struct{}{}
		files = append(files, file)
	}

	for _, raw := range selection {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		abs, err := filepath.Abs(raw)
		if err != nil {
			skipped = append(skipped, raw)
			continue
		}
		info, err := os.Stat(abs)
		if err != nil {
			skipped = append(skipped, raw)
			continue
		}
		if !info.IsDir() {
			if opts.Filter.Match(filepath.Base(abs)) {
				add(File{Path: abs, Size: info.Size(), ModTime: info.ModTime()})
			}
			continue
		}
		if !opts.IncludeFolders {
			continue
		}
		found, err := walkDir(ctx, abs, opts)
		if err != nil {
			return nil, nil, err
		}
		for _, file := range found {
			add(file)
		}
	}
	return files, skipped, nil
}

func walkDir(ctx context.Context, root string, opts ExpandOptions) ([]File, error) {
	var files []File
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrPermission) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if p != root && !opts.Recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return nil
		}
		if !opts.Filter.Match(filepath.ToSlash(rel)) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		files = append(files, File{Path: p, Origin: root, Size: info.Size(), ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}
