// SPDX-License-Identifier: MIT

// Package secrets guards Telegram session material. The one rule: raw
// material reaches the transport layer of a starting worker and nowhere
// else. Every printable representation of Material is redacted so that
// logs, events, and API payloads cannot leak it by accident.
package secrets

// Redacted replaces session material in any textual output.
const Redacted = "***"

// Material is an opaque session credential held in memory. The zero value
// is empty and safe to use.
type Material struct {
	b []byte
}

// New wraps raw session material. The slice is copied so later mutation of
// the argument cannot corrupt the credential.
func New(b []byte) Material {
	if len(b) == 0 {
		return Material{}
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return Material{b: cp}
}

// FromString wraps string-encoded session material.
func FromString(s string) Material {
	if s == "" {
		return Material{}
	}
	return Material{b: []byte(s)}
}

// IsZero reports whether no material is held.
func (m Material) IsZero() bool { return len(m.b) == 0 }

// Len returns the material length in bytes. Safe to log.
func (m Material) Len() int { return len(m.b) }

// String implements fmt.Stringer and always redacts.
func (m Material) String() string { return Redacted }

// GoString implements fmt.GoStringer so %#v also redacts.
func (m Material) GoString() string { return "secrets.Material(" + Redacted + ")" }

// MarshalJSON redacts the material in any JSON encoding.
func (m Material) MarshalJSON() ([]byte, error) { return []byte(`"` + Redacted + `"`), nil }

// MarshalText redacts the material in any text encoding.
func (m Material) MarshalText() ([]byte, error) { return []byte(Redacted), nil }

// Reveal returns the raw bytes. Callers outside worker transport start
// must not use this; review any new call site.
func (m Material) Reveal() []byte {
	cp := make([]byte, len(m.b))
	copy(cp, m.b)
	return cp
}

// Zero overwrites the held material. Workers call this during shutdown so
// credentials do not outlive the stream they served.
func (m *Material) Zero() {
	for i := range m.b {
		m.b[i] = 0
	}
	m.b = nil
}
