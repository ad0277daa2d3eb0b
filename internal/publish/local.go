package publish

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const publishedFileMode os.FileMode = 0o644

// LocalPublisher はローカルディスクに書き出し、静的配信URLを返します（開発環境用）。
type LocalPublisher struct {
	dir     string
	baseURL string
}

// NewLocalPublisher は dir 配下に保存する LocalPublisher を作成します。
func NewLocalPublisher(dir, baseURL string) (*LocalPublisher, error) {
	if dir == "" {
		return nil, errors.New("dir is required")
	}
	if baseURL == "" {
		return nil, errors.New("base url is required")
	}
	if err := os.MkdirAll(filepath.Join(dir, Prefix), 0o755); err != nil {
		return nil, fmt.Errorf("create publish dir: %w", err)
	}
	return &LocalPublisher{dir: dir, baseURL: baseURL}, nil
}

// Dir は公開ファイルのルートディレクトリです。
func (p *LocalPublisher) Dir() string {
	return p.dir
}

// Publish は一時ファイルに書き込んでからリネームします。
func (p *LocalPublisher) Publish(ctx context.Context, payload []byte, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &Error{Name: name, Err: err}
	}
	rel, err := cleanName(name)
	if err != nil {
		return "", &Error{Name: name, Err: err}
	}

	target := filepath.Join(p.dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", &Error{Name: rel, Err: err}
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return "", &Error{Name: rel, Err: err}
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", &Error{Name: rel, Err: err}
	}
	// CreateTemp は 0600 で作成するため、配信できるように広げる
	if err := tmp.Chmod(publishedFileMode); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", &Error{Name: rel, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", &Error{Name: rel, Err: err}
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return "", &Error{Name: rel, Err: err}
	}

	return joinURL(p.baseURL, rel), nil
}
