package observability

import (
	"bytes"
	"io"
	"sync"
)

const maskReplacement = "SECURED"

// MaskingWriter substitutes configured secrets with the literal SECURED
// before forwarding writes. API keys and secrets must never reach stdout or
// stderr in clear text.
type MaskingWriter struct {
	mu      sync.Mutex
	out     io.Writer
	secrets [][]byte
}

// NewMaskingWriter wraps out so that every occurrence of a secret is
// replaced. Empty secrets are ignored.
func NewMaskingWriter(out io.Writer, secrets ...string) *MaskingWriter {
	w := &MaskingWriter{out: out}
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		w.secrets = append(w.secrets, []byte(secret))
	}
	return w
}

func (w *MaskingWriter) Write(p []byte) (int, error) {
	masked := p
	for _, secret := range w.secrets {
		if bytes.Contains(masked, secret) {
			masked = bytes.ReplaceAll(masked, secret, []byte(maskReplacement))
		}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.out.Write(masked); err != nil {
		return 0, err
	}
	// Report the original length so callers do not treat masking as a short write.
	return len(p), nil
}
