package share

import (
	"fmt"
	"net/url"

	qrcode "github.com/skip2/go-qrcode"
)

// InviteLink builds the join URL a viewer opens (or scans) to reach the
// session's tier gate. The link carries no clearance; the gate is still
// evaluated at the join entry point.
func InviteLink(baseURL, sessionID string) string {
	return fmt.Sprintf("%s/live/%s", baseURL, url.PathEscape(sessionID))
}

// InviteQR renders the invite link as a QR PNG.
func InviteQR(baseURL, sessionID string, size int) ([]byte, error) {
	if size <= 0 {
		size = 256
	}
	png, err := qrcode.Encode(InviteLink(baseURL, sessionID), qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("share.InviteQR: %w", err)
	}
	return png, nil
}
