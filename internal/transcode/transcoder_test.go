package transcode

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngBytes(t *testing.T, w, h int, transparent bool) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.NRGBA{R: uint8(x * 10), G: uint8(y * 10), B: 200, A: 255}
			if transparent && x < w/2 {
				c.A = 0
			}
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newImageServer(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/a.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(body)
	})
	mux.HandleFunc("/text", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("definitely not an image"))
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestTranscodeProducesJPEG(t *testing.T) {
	srv := newImageServer(t, pngBytes(t, 16, 12, false))
	tr := New(Options{Client: srv.Client()})

	out, err := tr.Transcode(context.Background(), srv.URL+"/a.png")
	require.NoError(t, err)

	img, err := jpeg.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 16, img.Bounds().Dx())
	assert.Equal(t, 12, img.Bounds().Dy())
}

func TestTranscodeFlattensTransparency(t *testing.T) {
	out, err := Encode(pngBytes(t, 32, 32, true), DefaultQuality)
	require.NoError(t, err)

	img, err := jpeg.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	r, g, b, _ := img.At(0, 0).RGBA()
	// 透過ピクセルは白に近い値になる
	assert.Greater(t, r>>8, uint32(240))
	assert.Greater(t, g>>8, uint32(240))
	assert.Greater(t, b>>8, uint32(240))
}

func TestTranscodeFailures(t *testing.T) {
	srv := newImageServer(t, pngBytes(t, 4, 4, false))

	tests := []struct {
		name string
		tr   *Transcoder
		url  string
	}{
		{"not found", New(Options{Client: srv.Client()}), srv.URL + "/missing.png"},
		{"not an image", New(Options{Client: srv.Client()}), srv.URL + "/text"},
		{"too large", New(Options{Client: srv.Client(), MaxBytes: 10}), srv.URL + "/a.png"},
		{"bad url", New(Options{Client: srv.Client()}), "::not a url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.tr.Transcode(context.Background(), tt.url)
			require.Error(t, err)
			var terr *Error
			require.True(t, errors.As(err, &terr))
			assert.Equal(t, tt.url, terr.URL)
		})
	}
}

func TestTranscodeHonorsContext(t *testing.T) {
	srv := newImageServer(t, nil)
	tr := New(Options{Client: srv.Client()})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := tr.Transcode(ctx, srv.URL+"/slow")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewDefaults(t *testing.T) {
	tr := New(Options{Quality: 500})
	assert.Equal(t, DefaultQuality, tr.quality)
	assert.Equal(t, DefaultMaxBytes, tr.maxBytes)
	assert.NotNil(t, tr.client)
}
