// Package transcode は画像URLを取得し、品質を落とした JPEG に変換します。
package transcode

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/webp"
)

const (
	// DefaultQuality は出力 JPEG の品質です。
	DefaultQuality = 50
	// DefaultMaxBytes は取得する画像の最大サイズです。
	DefaultMaxBytes int64 = 25 * 1024 * 1024

	// ContentType は出力のMIMEタイプです。
	ContentType = "image/jpeg"
)

// Error は取得または変換の失敗を表します。
type Error struct {
	URL string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transcode %s: %v", e.URL, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Options は Transcoder の設定です。
type Options struct {
	Client   *http.Client
	Quality  int
	MaxBytes int64
}

// Transcoder は画像の取得と再エンコードを行います。並行して使用できます。
type Transcoder struct {
	client   *http.Client
	quality  int
	maxBytes int64
}

// New は Transcoder を作成します。
func New(opts Options) *Transcoder {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	quality := opts.Quality
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Transcoder{
		client:   client,
		quality:  quality,
		maxBytes: maxBytes,
	}
}

// Transcode は url の画像を取得し、JPEG に変換したバイト列を返します。
// 失敗した場合は *Error を返します。
func (t *Transcoder) Transcode(ctx context.Context, url string) ([]byte, error) {
	raw, err := t.fetch(ctx, url)
	if err != nil {
		return nil, &Error{URL: url, Err: err}
	}
	out, err := Encode(raw, t.quality)
	if err != nil {
		return nil, &Error{URL: url, Err: err}
	}
	return out, nil
}

func (t *Transcoder) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "image/*")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > t.maxBytes {
		return nil, fmt.Errorf("image exceeds %d bytes", t.maxBytes)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("empty response body")
	}
	return body, nil
}

// Encode は画像バイト列をデコードし、指定品質の JPEG に変換します。
// 透過部分は白で塗りつぶします。
func Encode(raw []byte, quality int) ([]byte, error) {
	mt := mimetype.Detect(raw)
	if !strings.HasPrefix(mt.String(), "image/") {
		return nil, fmt.Errorf("unsupported content type: %s", mt.String())
	}

	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", mt.String(), err)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, flatten(img), imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// flatten はアルファチャンネルを白背景に合成します。
func flatten(img image.Image) image.Image {
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		return img
	}
	b := img.Bounds()
	bg := imaging.New(b.Dx(), b.Dy(), color.White)
	return imaging.Overlay(bg, img, image.Pt(0, 0), 1.0)
}
