package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"

	"dicemesh/pkg/core"
)

// Identity holds a node's signing keypair derived from a mnemonic phrase.
// The peer ID is the hex-encoded hash of the public key, so peers can
// verify that an advertised ID actually belongs to the key presented.
type Identity struct {
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
	PeerID     core.PeerID
}

func NewIdentityFromMnemonic(mnemonic string) (*Identity, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic phrase")
	}

	seed := bip39.NewSeed(mnemonic, "")
	masterKey, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}

	childKey, err := masterKey.NewChildKey(bip32.FirstHardenedChild + 44)
	if err != nil {
		return nil, fmt.Errorf("failed to derive child key: %w", err)
	}

	privateKey := ed25519.NewKeyFromSeed(childKey.Key[:ed25519.SeedSize])
	publicKey := privateKey.Public().(ed25519.PublicKey)

	return &Identity{
		PrivateKey: privateKey,
		PublicKey:  publicKey,
		PeerID:     PeerIDFromPublicKey(publicKey),
	}, nil
}

func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}
	return bip39.NewMnemonic(entropy)
}

func PeerIDFromPublicKey(pubKey ed25519.PublicKey) core.PeerID {
	hash := sha256.Sum256(pubKey)
	return core.PeerID("dm" + hex.EncodeToString(hash[:])[:core.PeerIDHexLength])
}

func (id *Identity) Sign(data []byte) []byte {
	return ed25519.Sign(id.PrivateKey, data)
}

// SignFrame computes the frame hash and attaches the signature.
func (id *Identity) SignFrame(frame *core.Frame) error {
	hash, err := frame.Hash()
	if err != nil {
		return fmt.Errorf("failed to hash frame: %w", err)
	}
	frame.Signature = ed25519.Sign(id.PrivateKey, hash)
	return nil
}

func Verify(pubKey ed25519.PublicKey, data, signature []byte) bool {
	if len(pubKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pubKey, data, signature)
}

func VerifyFrame(pubKey ed25519.PublicKey, frame *core.Frame) bool {
	hash, err := frame.Hash()
	if err != nil {
		return false
	}
	return Verify(pubKey, hash, frame.Signature)
}

// SelfTest signs and verifies a random message with a throwaway key.
// A failure here means the signing primitive itself is broken and the
// node must not join the mesh.
func SelfTest() error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("key generation failed: %w", err)
	}

	probe := make([]byte, 32)
	if _, err := rand.Read(probe); err != nil {
		return fmt.Errorf("entropy source failed: %w", err)
	}

	sig := ed25519.Sign(priv, probe)
	if !ed25519.Verify(pub, probe, sig) {
		return fmt.Errorf("sign/verify round trip failed")
	}

	probe[0] ^= 0xFF
	if ed25519.Verify(pub, probe, sig) {
		return fmt.Errorf("verification accepted a tampered message")
	}

	return nil
}
