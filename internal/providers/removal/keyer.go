package removal

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg" // register the JPEG decoder for retailer images
	"image/png"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/product-3d-pipeline/internal/hash/sha256"
	"github.com/JakeFAU/product-3d-pipeline/internal/pipeline"
)

// KeyerName identifies the local keyer in results.
const KeyerName = "keyer"

// Keyer removes near-white studio backgrounds locally. It costs nothing and
// is the fallback when no removal service is configured.
type Keyer struct {
	// Threshold is the per-channel 8-bit value at or above which a pixel is
	// treated as background.
	Threshold uint8
	Prefix    string

	client *http.Client
	blobs  pipeline.BlobStore
	hasher *sha256.Hasher
	logger *zap.Logger
}

// NewKeyer builds a Keyer writing cutouts to blobs.
func NewKeyer(blobs pipeline.BlobStore, prefix string, timeout time.Duration, logger *zap.Logger) *Keyer {
	if prefix == "" {
		prefix = "cutouts"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Keyer{
		Threshold: 240,
		Prefix:    prefix,
		client:    &http.Client{Timeout: timeout},
		blobs:     blobs,
		hasher:    sha256.New(),
		logger:    logger,
	}
}

// Name implements pipeline.Provider.
func (k *Keyer) Name() string { return KeyerName }

// Skip implements pipeline.Skipper.
func (k *Keyer) Skip(ctx context.Context, in pipeline.Input) bool {
	return skipTransparent(ctx, k.client, in)
}

// Process keys out the background of one image.
func (k *Keyer) Process(ctx context.Context, in pipeline.Input) (pipeline.Output, error) {
	source, _, err := loadSource(ctx, k.client, in)
	if err != nil {
		return pipeline.Output{}, err
	}
	src, format, err := image.Decode(bytes.NewReader(source))
	if err != nil {
		return pipeline.Output{}, pipeline.InputFailure(KeyerName, fmt.Errorf("decode image %s: %w", in.ID, err))
	}

	cutout := k.key(src)
	var buf bytes.Buffer
	if err := png.Encode(&buf, cutout); err != nil {
		return pipeline.Output{}, pipeline.BackendFailure(KeyerName, fmt.Errorf("encode cutout: %w", err))
	}
	data := buf.Bytes()
	uri, err := k.blobs.PutObject(ctx, k.hasher.Key(k.Prefix, data, "png"), "image/png", bytes.NewReader(data))
	if err != nil {
		return pipeline.Output{}, pipeline.BackendFailure("blob", fmt.Errorf("store cutout: %w", err))
	}
	k.logger.Debug("background keyed",
		zap.String("image_id", in.ID),
		zap.String("source_format", format),
		zap.String("uri", uri),
	)
	return pipeline.Output{URL: uri, ContentType: "image/png"}, nil
}

func (k *Keyer) key(src image.Image) *image.NRGBA {
	b := src.Bounds()
	dst := image.NewNRGBA(b)
	draw.Draw(dst, b, src, b.Min, draw.Src)
	limit := k.Threshold
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := dst.NRGBAAt(x, y)
			if c.R >= limit && c.G >= limit && c.B >= limit {
				dst.SetNRGBA(x, y, color.NRGBA{R: c.R, G: c.G, B: c.B, A: 0})
			}
		}
	}
	return dst
}
