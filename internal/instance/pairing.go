// ABOUTME: Pairing artifact access for waiting_scan instances
// ABOUTME: Serves the raw code, a cached QR PNG rendering, and token-based pairing completion

package instance

import (
	"context"
	"fmt"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/2389/hive-gateway/internal/engine"
)

// QRSize is the edge length in pixels of rendered pairing QR codes.
const QRSize = 320

// RenderedArtifact is a pairing code with its QR rendering.
type RenderedArtifact struct {
	Code string
	PNG  []byte
}

// QRCode returns the current pairing artifact of id.
func (m *Manager) QRCode(ctx context.Context, id string) (string, error) {
	inst := m.get(id)
	if inst == nil {
		if _, err := m.GetStatus(ctx, id); err != nil {
			return "", err
		}
		return "", &StateError{ID: id, Status: StatusNotLoaded, Err: ErrNoArtifact}
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.deleted {
		return "", ErrInstanceNotFound
	}
	if inst.artifact == "" || inst.status != StatusWaitingScan {
		return "", &StateError{ID: id, Status: inst.status, Err: ErrNoArtifact}
	}
	return inst.artifact, nil
}

// QRCodePNG returns the pairing artifact of id rendered as a PNG QR code.
// Renderings are cached until the artifact changes or the entry expires.
func (m *Manager) QRCodePNG(ctx context.Context, id string) ([]byte, error) {
	code, err := m.QRCode(ctx, id)
	if err != nil {
		return nil, err
	}
	if cached, ok := m.artifacts.Get(id); ok && cached.Code == code {
		return cached.PNG, nil
	}

	png, err := qrcode.Encode(code, qrcode.Medium, QRSize)
	if err != nil {
		return nil, fmt.Errorf("rendering pairing code: %w", err)
	}
	m.artifacts.Set(id, RenderedArtifact{Code: code, PNG: png})
	return png, nil
}

// CompletePairing hands a pairing token, such as an SSO login token, to the
// waiting session of id.
func (m *Manager) CompletePairing(ctx context.Context, id, token string) error {
	inst := m.get(id)
	if inst == nil {
		return ErrInstanceNotFound
	}

	inst.mu.Lock()
	status, sess := inst.status, inst.session
	inst.mu.Unlock()

	if sess == nil || status != StatusWaitingScan {
		return &StateError{ID: id, Status: status, Err: ErrNoArtifact}
	}
	pairer, ok := sess.(engine.Pairer)
	if !ok {
		return &StateError{ID: id, Status: status, Err: ErrPairingUnsupported}
	}
	if err := pairer.CompletePairing(ctx, token); err != nil {
		return fmt.Errorf("completing pairing for %s: %w", id, err)
	}
	return nil
}
