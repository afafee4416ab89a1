package decode

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"

	"github.com/akylbek/payment-system/qr-scanner/internal/models"
)

// QRDecoder is the decode primitive backed by gozxing's QR reader.
type QRDecoder struct {
	mu          sync.Mutex
	reader      gozxing.Reader
	hints       map[gozxing.DecodeHintType]interface{}
	disableFlip bool
}

func NewQRDecoder(disableFlip bool) *QRDecoder {
	return &QRDecoder{
		reader: qrcode.NewQRCodeReader(),
		hints: map[gozxing.DecodeHintType]interface{}{
			gozxing.DecodeHintType_TRY_HARDER: true,
		},
		disableFlip: disableFlip,
	}
}

func (d *QRDecoder) Decode(ctx context.Context, frame models.Frame) (string, error) {
	if frame.Image == nil {
		return "", ErrNoCode
	}

	text, err := d.decodeImage(frame.Image)
	if err == nil || !IsBenignMiss(err) || d.disableFlip {
		return text, err
	}
	if ctx.Err() != nil {
		return "", err
	}
	// front cameras deliver a mirrored picture
	return d.decodeImage(mirrored{frame.Image})
}

func (d *QRDecoder) decodeImage(img image.Image) (string, error) {
	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return "", fmt.Errorf("binarize frame: %w", err)
	}

	d.mu.Lock()
	result, err := d.reader.Decode(bmp, d.hints)
	d.mu.Unlock()

	if err != nil {
		if isReaderMiss(err) {
			return "", fmt.Errorf("%w: %v", ErrNoCode, err)
		}
		return "", err
	}
	return result.GetText(), nil
}

// isReaderMiss reports the gozxing exceptions that mean "no readable code
// in this frame" rather than a fault.
func isReaderMiss(err error) bool {
	var notFound gozxing.NotFoundException
	var checksum gozxing.ChecksumException
	var format gozxing.FormatException
	return errors.As(err, &notFound) || errors.As(err, &checksum) || errors.As(err, &format)
}

// mirrored flips an image horizontally.
type mirrored struct {
	image.Image
}

func (m mirrored) At(x, y int) color.Color {
	b := m.Image.Bounds()
	return m.Image.At(b.Max.X-1-(x-b.Min.X), y)
}
