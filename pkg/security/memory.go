package security

import (
	"runtime"
)

// ZeroBytes overwrites a byte slice so key material does not linger in
// memory after use.
func ZeroBytes(data []byte) {
	if len(data) == 0 {
		return
	}

	for i := range data {
		data[i] = 0
	}

	runtime.GC()
}

// ZeroString drops a string reference and nudges the garbage collector.
// Go strings are immutable, so clearing the backing array directly is
// not possible. Best effort only.
func ZeroString(s *string) {
	if s == nil {
		return
	}

	*s = ""

	runtime.GC()
	runtime.GC() // Run twice to increase chances of collection
}

// SecureBytes owns a private copy of sensitive bytes and zeroes it when
// cleared or garbage collected.
type SecureBytes struct {
	data []byte
}

// NewSecureBytes copies data into a new SecureBytes instance.
func NewSecureBytes(data []byte) *SecureBytes {
	copied := make([]byte, len(data))
	copy(copied, data)

	sb := &SecureBytes{data: copied}

	runtime.SetFinalizer(sb, (*SecureBytes).zero)

	return sb
}

// Bytes returns the underlying byte slice (use with caution)
func (sb *SecureBytes) Bytes() []byte {
	return sb.data
}

// Copy returns a copy of the data
func (sb *SecureBytes) Copy() []byte {
	result := make([]byte, len(sb.data))
	copy(result, sb.data)
	return result
}

// Clear explicitly zeros the data and removes the finalizer
func (sb *SecureBytes) Clear() {
	sb.zero()
	runtime.SetFinalizer(sb, nil)
}

func (sb *SecureBytes) zero() {
	if sb.data != nil {
		ZeroBytes(sb.data)
		sb.data = nil
	}
}
