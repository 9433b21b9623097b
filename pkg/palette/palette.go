// Package palette derives display colours from track artwork.
package palette

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math"
	"net/http"
	"sort"
	"time"

	"github.com/lucasb-eyer/go-colorful"
)

const (
	maxImageBytes = 10 << 20
	// Images are sampled on a grid of at most this many points per side
	sampleSide = 96
	// Buckets below this share of samples are ignored for vibrant and muted
	minShare = 0.01
)

var ErrNoColors = errors.New("image has no opaque pixels")

// Palette holds hex colours ("#rrggbb")
type Palette struct {
	Dominant string `json:"dominant"`
	Vibrant  string `json:"vibrant"`
	Muted    string `json:"muted"`
}

type Extractor struct {
	client *http.Client
}

func NewExtractor() *Extractor {
	return &Extractor{client: &http.Client{Timeout: 10 * time.Second}}
}

func (e *Extractor) SetHTTPClient(client *http.Client) *Extractor {
	e.client = client
	return e
}

// Extract downloads the artwork at url and computes its palette
func (e *Extractor) Extract(ctx context.Context, url string) (Palette, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Palette{}, err
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return Palette{}, fmt.Errorf("failed to fetch artwork: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Palette{}, fmt.Errorf("artwork returned status %d", resp.StatusCode)
	}

	img, _, err := image.Decode(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return Palette{}, fmt.Errorf("failed to decode artwork: %w", err)
	}

	return FromImage(img)
}

type bucket struct {
	r, g, b float64
	count   int
}

func (b *bucket) color() colorful.Color {
	n := float64(b.count)
	return colorful.Color{R: b.r / n, G: b.g / n, B: b.b / n}.Clamped()
}

// FromImage quantizes img into 4 bits per channel and picks the most common,
// the most saturated bright, and the least saturated mid-tone buckets
func FromImage(img image.Image) (Palette, error) {
	bounds := img.Bounds()
	stepX := max(bounds.Dx()/sampleSide, 1)
	stepY := max(bounds.Dy()/sampleSide, 1)

	buckets := make(map[int]*bucket)
	total := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y += stepY {
		for x := bounds.Min.X; x < bounds.Max.X; x += stepX {
			c, ok := colorful.MakeColor(img.At(x, y))
			if !ok {
				// fully transparent
				continue
			}
			r, g, b := c.RGB255()
			key := int(r>>4)<<8 | int(g>>4)<<4 | int(b>>4)
			bk := buckets[key]
			if bk == nil {
				bk = &bucket{}
				buckets[key] = bk
			}
			bk.r += c.R
			bk.g += c.G
			bk.b += c.B
			bk.count++
			total++
		}
	}

	if total == 0 {
		return Palette{}, ErrNoColors
	}

	ranked := make([]*bucket, 0, len(buckets))
	for _, bk := range buckets {
		ranked = append(ranked, bk)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].color().Hex() < ranked[j].color().Hex()
	})

	dominant := ranked[0].color()
	vibrant, muted := dominant, dominant
	bestVibrant, bestMuted := -1.0, -1.0

	for _, bk := range ranked {
		if float64(bk.count)/float64(total) < minShare {
			continue
		}
		c := bk.color()
		_, s, v := c.Hsv()

		if s >= 0.35 && v >= 0.45 {
			if score := s * v; score > bestVibrant {
				bestVibrant, vibrant = score, c
			}
		}
		if v >= 0.25 && v <= 0.85 {
			if score := (1 - s) * (1 - math.Abs(v-0.55)); score > bestMuted {
				bestMuted, muted = score, c
			}
		}
	}

	return Palette{
		Dominant: dominant.Hex(),
		Vibrant:  vibrant.Hex(),
		Muted:    muted.Hex(),
	}, nil
}
