// Package cipher implements the obfuscating stream ciphers applied to
// every on-wire datagram. None of the three variants provide
// authentication; they exist to make traffic opaque to casual inspection,
// not to defend against a capable adversary.
package cipher

// Kind selects one of the three cipher variants.
type Kind int

const (
	KindNoOp Kind = iota
	KindXor
	KindRotation
)

func (k Kind) String() string {
	switch k {
	case KindNoOp:
		return "noop"
	case KindXor:
		return "xor"
	case KindRotation:
		return "rotation"
	default:
		return "unknown"
	}
}

// Cipher transforms a datagram in place. Encrypt and Decrypt are the same
// operation for every variant here: XOR is its own inverse, and NoOp is
// trivially so. Rotation additionally advances internal state after each
// call, so it must only be used on an ordered stream (TCP); UDP datagrams
// may arrive out of order or be dropped, and rotation state would desync.
type Cipher interface {
	Kind() Kind
	// Encrypt XORs src in place and returns it.
	Encrypt(src []byte) []byte
	// Decrypt is the inverse of Encrypt. For these variants it is the
	// identical transform.
	Decrypt(src []byte) []byte
	// Streamable reports whether this cipher is safe for unordered
	// per-datagram use as well as on an ordered stream (true for NoOp and
	// Xor), or may be used on an ordered byte stream only (false for
	// Rotation).
	Streamable() bool
}

// New builds a Cipher for the given key. With an empty key, Xor and
// Rotation use a single zero byte as the key and so leave data unchanged.
func New(kind Kind, key []byte) Cipher {
	switch kind {
	case KindXor:
		return &xorCipher{key: cloneKey(key)}
	case KindRotation:
		return &rotationCipher{key: cloneKey(key)}
	default:
		return noOpCipher{}
	}
}

// Fingerprint derives a short tag from a group key so a Register message
// can show key possession without sending the key verbatim. The tag is a
// fixed string XORed with the key, so it can be reversed to recover the
// key's first bytes.
func Fingerprint(key string) []byte {
	c := New(KindXor, []byte(key))
	buf := []byte("meshtun-fp")
	return c.Encrypt(buf)[:8]
}

func cloneKey(key []byte) []byte {
	if len(key) == 0 {
		// A zero-length key degrades Xor/Rotation to NoOp rather than
		// panicking on modulo-by-zero.
		return []byte{0}
	}
	out := make([]byte, len(key))
	copy(out, key)
	return out
}

type noOpCipher struct{}

func (noOpCipher) Kind() Kind             { return KindNoOp }
func (noOpCipher) Encrypt(b []byte) []byte { return b }
func (noOpCipher) Decrypt(b []byte) []byte { return b }
func (noOpCipher) Streamable() bool        { return true }

type xorCipher struct {
	key []byte
}

func (c *xorCipher) Kind() Kind { return KindXor }

func (c *xorCipher) Encrypt(b []byte) []byte {
	n := len(c.key)
	for i := range b {
		b[i] ^= c.key[i%n]
	}
	return b
}

func (c *xorCipher) Decrypt(b []byte) []byte {
	return c.Encrypt(b)
}

func (c *xorCipher) Streamable() bool { return true }

// rotationCipher XORs with the key, then rotates the key left by one byte
// after every call. Sender and receiver must both apply it in the same
// order on the same stream to stay in sync, which is only guaranteed over
// TCP.
type rotationCipher struct {
	key []byte
}

func (c *rotationCipher) Kind() Kind { return KindRotation }

func (c *rotationCipher) Encrypt(b []byte) []byte {
	n := len(c.key)
	for i := range b {
		b[i] ^= c.key[i%n]
	}
	c.rotate()
	return b
}

func (c *rotationCipher) Decrypt(b []byte) []byte {
	return c.Encrypt(b)
}

func (c *rotationCipher) Streamable() bool { return false }

func (c *rotationCipher) rotate() {
	if len(c.key) <= 1 {
		return
	}
	first := c.key[0]
	copy(c.key, c.key[1:])
	c.key[len(c.key)-1] = first
}
