package certificate

import (
	"context"
	"encoding/base64"
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

// Renderer turns certificate content into a scannable image, returned as a
// data URL.
type Renderer interface {
	Render(ctx context.Context, content string) (string, error)
}

// QRRenderer renders PNG QR codes.
type QRRenderer struct {
	Size  int
	Level qrcode.RecoveryLevel
}

func NewQRRenderer() *QRRenderer {
	return &QRRenderer{Size: 256, Level: qrcode.Medium}
}

func (q *QRRenderer) Render(ctx context.Context, content string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	png, err := qrcode.Encode(content, q.Level, q.Size)
	if err != nil {
		return "", fmt.Errorf("encode qr: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
