package chat

import (
	"bytes"
	"encoding/base64"
	"log/slog"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/torbolabs/torbo/internal/openai"
)

const (
	// maxImageEdge matches the largest dimension vision models accept
	// without server-side resampling.
	maxImageEdge = 1568
	// maxImageBytes caps the decoded payload of an inline image (10MB).
	maxImageBytes = 10 << 20
	jpegQuality   = 85
)

// downscaleImages rewrites oversized inline images in place so requests
// stay within provider payload limits. Remote URLs and images already
// within bounds pass through untouched, as does anything that fails to
// decode.
func downscaleImages(msgs []openai.Message) {
	for mi := range msgs {
		if !msgs[mi].Content.IsParts() {
			continue
		}
		parts := msgs[mi].Content.PartList()
		changed := false
		for pi := range parts {
			p := &parts[pi]
			if p.Type != "image_url" || p.ImageURL == nil {
				continue
			}
			if rewritten, ok := downscaleDataURL(p.ImageURL.URL); ok {
				p.ImageURL.URL = rewritten
				changed = true
			}
		}
		if changed {
			msgs[mi].Content = openai.Parts(parts)
		}
	}
}

// downscaleDataURL shrinks a base64 data URL image when either edge
// exceeds maxImageEdge. The second return reports whether the URL was
// rewritten.
func downscaleDataURL(url string) (string, bool) {
	if !strings.HasPrefix(url, "data:image/") {
		return "", false
	}
	comma := strings.Index(url, ",")
	if comma == -1 || !strings.Contains(url[:comma], ";base64") {
		return "", false
	}

	raw, err := base64.StdEncoding.DecodeString(url[comma+1:])
	if err != nil {
		slog.Debug("vision: undecodable inline image, passing through", "error", err)
		return "", false
	}
	if len(raw) > maxImageBytes {
		slog.Warn("vision: inline image too large, passing through", "size", len(raw))
		return "", false
	}

	img, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		slog.Debug("vision: image decode failed, passing through", "error", err)
		return "", false
	}
	bounds := img.Bounds()
	if bounds.Dx() <= maxImageEdge && bounds.Dy() <= maxImageEdge {
		return "", false
	}

	resized := imaging.Fit(img, maxImageEdge, maxImageEdge, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
		slog.Warn("vision: image re-encode failed, passing through", "error", err)
		return "", false
	}

	slog.Debug("vision: downscaled inline image",
		"from", bounds.Dx()*bounds.Dy(), "bytes", buf.Len())
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), true
}
