package chat

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"strings"
	"testing"

	"github.com/torbolabs/torbo/internal/openai"
)

func pngDataURL(t *testing.T, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x += 10 {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

func imageMessage(url string) openai.Message {
	return openai.Message{
		Role: "user",
		Content: openai.Parts([]openai.ContentPart{
			{Type: "text", Text: "what is this"},
			{Type: "image_url", ImageURL: &openai.ImageURL{URL: url}},
		}),
	}
}

func TestDownscaleOversizedImage(t *testing.T) {
	msgs := []openai.Message{imageMessage(pngDataURL(t, 2000, 400))}

	downscaleImages(msgs)

	urls := msgs[0].Content.Images()
	if len(urls) != 1 {
		t.Fatalf("images = %d, want 1", len(urls))
	}
	if !strings.HasPrefix(urls[0], "data:image/jpeg;base64,") {
		t.Fatalf("rewritten URL prefix = %q", urls[0][:30])
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(urls[0], "data:image/jpeg;base64,"))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("decode config: %v", err)
	}
	if cfg.Width > maxImageEdge || cfg.Height > maxImageEdge {
		t.Errorf("dimensions %dx%d exceed %d", cfg.Width, cfg.Height, maxImageEdge)
	}
}

func TestDownscaleLeavesSmallImages(t *testing.T) {
	url := pngDataURL(t, 100, 80)
	msgs := []openai.Message{imageMessage(url)}

	downscaleImages(msgs)

	if got := msgs[0].Content.Images()[0]; got != url {
		t.Error("small image was rewritten")
	}
}

func TestDownscaleLeavesRemoteAndBrokenURLs(t *testing.T) {
	tests := []string{
		"https://example.com/photo.jpg",
		"data:image/png;base64,not-base64!!!",
		"data:text/plain;base64,aGVsbG8=",
	}
	for _, url := range tests {
		msgs := []openai.Message{imageMessage(url)}
		downscaleImages(msgs)
		if got := msgs[0].Content.Images()[0]; got != url {
			t.Errorf("URL %q was rewritten to %q", url, got)
		}
	}
}
