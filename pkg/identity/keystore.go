package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/scrypt"

	"dicemesh/pkg/core"
)

type KeystoreFile struct {
	PeerID  string `json:"peer_id"`
	Crypto  Crypto `json:"crypto"`
	Version int    `json:"version"`
}

type Crypto struct {
	Cipher       string       `json:"cipher"`
	CipherText   string       `json:"ciphertext"`
	CipherParams CipherParams `json:"cipherparams"`
	KDF          string       `json:"kdf"`
	KDFParams    KDFParams    `json:"kdfparams"`
	MAC          string       `json:"mac"`
}

type CipherParams struct {
	IV string `json:"iv"`
}

type KDFParams struct {
	DKLen int    `json:"dklen"`
	N     int    `json:"n"`
	P     int    `json:"p"`
	R     int    `json:"r"`
	Salt  string `json:"salt"`
}

func SaveIdentityToFile(id *Identity, password, filepath string) error {
	salt := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return err
	}

	derivedKey, err := scrypt.Key([]byte(password), salt, 32768, 8, 1, 32)
	if err != nil {
		return err
	}

	encryptKey := derivedKey[:16]

	seed := id.PrivateKey.Seed()

	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return err
	}

	block, err := aes.NewCipher(encryptKey)
	if err != nil {
		return err
	}

	ciphertext := make([]byte, len(seed))
	stream := cipher.NewCTR(block, iv)
	stream.XORKeyStream(ciphertext, seed)

	mac := sha256.Sum256(append(derivedKey[16:32], ciphertext...))

	keystore := KeystoreFile{
		PeerID:  string(id.PeerID),
		Version: 1,
		Crypto: Crypto{
			Cipher:     "aes-128-ctr",
			CipherText: hex.EncodeToString(ciphertext),
			CipherParams: CipherParams{
				IV: hex.EncodeToString(iv),
			},
			KDF: "scrypt",
			KDFParams: KDFParams{
				DKLen: 32,
				N:     32768,
				P:     1,
				R:     8,
				Salt:  hex.EncodeToString(salt),
			},
			MAC: hex.EncodeToString(mac[:]),
		},
	}

	data, err := json.MarshalIndent(keystore, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filepath, data, 0600)
}

func LoadIdentityFromFile(password, filepath string) (*Identity, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, err
	}

	var keystore KeystoreFile
	if err := json.Unmarshal(data, &keystore); err != nil {
		return nil, err
	}

	salt, err := hex.DecodeString(keystore.Crypto.KDFParams.Salt)
	if err != nil {
		return nil, err
	}

	derivedKey, err := scrypt.Key(
		[]byte(password),
		salt,
		keystore.Crypto.KDFParams.N,
		keystore.Crypto.KDFParams.R,
		keystore.Crypto.KDFParams.P,
		keystore.Crypto.KDFParams.DKLen,
	)
	if err != nil {
		return nil, err
	}

	ciphertext, err := hex.DecodeString(keystore.Crypto.CipherText)
	if err != nil {
		return nil, err
	}

	mac := sha256.Sum256(append(derivedKey[16:32], ciphertext...))
	storedMAC, err := hex.DecodeString(keystore.Crypto.MAC)
	if err != nil {
		return nil, err
	}

	if hex.EncodeToString(mac[:]) != hex.EncodeToString(storedMAC) {
		return nil, fmt.Errorf("invalid password")
	}

	encryptKey := derivedKey[:16]
	iv, err := hex.DecodeString(keystore.Crypto.CipherParams.IV)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(encryptKey)
	if err != nil {
		return nil, err
	}

	seed := make([]byte, len(ciphertext))
	stream := cipher.NewCTR(block, iv)
	stream.XORKeyStream(seed, ciphertext)

	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("keystore contains malformed key material")
	}

	privateKey := ed25519.NewKeyFromSeed(seed)
	publicKey := privateKey.Public().(ed25519.PublicKey)

	return &Identity{
		PrivateKey: privateKey,
		PublicKey:  publicKey,
		PeerID:     core.PeerID(keystore.PeerID),
	}, nil
}

func KeystoreExists(filepath string) bool {
	_, err := os.Stat(filepath)
	return err == nil
}
