package common

import "sync"

// Secret holds sensitive bytes that can be scrubbed once consumed.
// The zero value is an empty secret.
type Secret struct {
	mu   sync.Mutex
	data []byte
}

// NewSecret copies s into a new Secret.
func NewSecret(s string) *Secret {
	return &Secret{data: []byte(s)}
}

// NewSecretBytes takes ownership of b.
func NewSecretBytes(b []byte) *Secret {
	return &Secret{data: b}
}

// Use calls fn with the secret bytes. fn must not retain the slice.
func (s *Secret) Use(fn func([]byte)) {
	if s == nil {
		fn(nil)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.data)
}

// String returns a copy of the secret as a string.
func (s *Secret) String() string {
	var out string
	s.Use(func(b []byte) { out = string(b) })
	return out
}

// Len returns the secret length.
func (s *Secret) Len() int {
	n := 0
	s.Use(func(b []byte) { n = len(b) })
	return n
}

// Wipe overwrites the secret with zeros and empties it.
func (s *Secret) Wipe() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.data {
		s.data[i] = 0
	}
	s.data = s.data[:0]
}

// Wiped reports whether the secret has been scrubbed or was never set.
func (s *Secret) Wiped() bool {
	return s.Len() == 0
}
