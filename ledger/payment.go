package ledger

import (
	"bytes"
	"fmt"
	"image/png"

	"github.com/skip2/go-qrcode"
)

// FundingRequestPNG renders a QR code a client wallet can scan to fund an
// escrow. The encoded URI carries the escrow id and the amount in sats.
func FundingRequestPNG(escrowID string, amountSats int64) ([]byte, error) {
	if escrowID == "" {
		return nil, ErrEscrowNotFound
	}
	uri := fmt.Sprintf("jobmesh:escrow/%s?amount=%d", escrowID, amountSats)
	qr, err := qrcode.New(uri, qrcode.Medium)
	if err != nil {
		return nil, fmt.Errorf("failed to generate QR code: %w", err)
	}
	buf := new(bytes.Buffer)
	if err := png.Encode(buf, qr.Image(256)); err != nil {
		return nil, fmt.Errorf("failed to encode QR code to PNG: %w", err)
	}
	return buf.Bytes(), nil
}
