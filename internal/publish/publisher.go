// Package publish は変換済み画像をオブジェクトストレージへ公開します。
package publish

import (
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
)

// Prefix は公開オブジェクト名の接頭辞です。
const Prefix = "processed_img"

// Error は公開の失敗を表します。
type Error struct {
	Name string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("publish %s: %v", e.Name, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewObjectName は衝突しないオブジェクト名 processed_img/<uuid>.jpeg を生成します。
func NewObjectName() string {
	return Prefix + "/" + uuid.NewString() + ".jpeg"
}

// cleanName は先頭のスラッシュや .. を取り除いた相対名を返します。
func cleanName(name string) (string, error) {
	cleaned := strings.TrimPrefix(path.Clean("/"+name), "/")
	if cleaned == "" {
		return "", fmt.Errorf("object name is empty")
	}
	return cleaned, nil
}

func joinURL(base, name string) string {
	return strings.TrimRight(base, "/") + "/" + name
}
