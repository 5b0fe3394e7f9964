package bridge

import "encoding/json"

// Secret is a []byte wrapper that can be zeroed after use.
// SECURITY: Use this type for PINs, seeds, and derived keys so the
// underlying memory can be cleared on every exit path.
type Secret []byte

// UnmarshalJSON implements json.Unmarshaler for Secret.
func (s *Secret) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = Secret(str)
	return nil
}

// MarshalJSON implements json.Marshaler for Secret.
func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// Zero overwrites the underlying bytes with zeros.
// SECURITY: Call this via defer immediately after the secret is consumed.
func (s Secret) Zero() {
	for i := range s {
		s[i] = 0
	}
}

// String never exposes the secret in logs or formatted output.
func (s Secret) String() string {
	return "[redacted]"
}

// zeroBytes overwrites a byte slice with zeros.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
