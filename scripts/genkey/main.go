// genkey generates the secrets a voxdesk deployment needs before first launch.
//
// Usage (run from the repo root):
//
//	go run ./scripts/genkey
//
// Writes:
//
//	data/jwt_private.pem  (mode 0600, keep this secret)
//	data/jwt_public.pem   (mode 0600)
//
// and prints values for VOXDESK_SECRETS_KEY and VOXDESK_BOOTSTRAP_API_KEY.
//
// The server generates ephemeral JWT keys when VOXDESK_JWT_PRIVATE_KEY is
// unset, but those are discarded on every restart and invalidate all issued
// tokens. The secrets key must never change once MCP env values or BYOK keys
// have been sealed with it.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ashita-ai/voxdesk/internal/model"
	"github.com/ashita-ai/voxdesk/internal/secrets"
)

func main() {
	if err := run("data"); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(dir string) error {
	privPath := filepath.Join(dir, "jwt_private.pem")
	pubPath := filepath.Join(dir, "jwt_public.pem")

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	// Refuse to overwrite existing keys; that would invalidate live tokens.
	for _, path := range []string{privPath, pubPath} {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists, delete it first to rotate keys", path)
		}
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	if err := writePEM(privPath, "PRIVATE KEY", privDER); err != nil {
		return err
	}

	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}
	if err := writePEM(pubPath, "PUBLIC KEY", pubDER); err != nil {
		return err
	}

	secretsKey, err := secrets.GenerateKey()
	if err != nil {
		return fmt.Errorf("generate secrets key: %w", err)
	}
	bootstrapKey, _, err := model.GenerateRawKey()
	if err != nil {
		return fmt.Errorf("generate bootstrap key: %w", err)
	}

	fmt.Printf("wrote %s\n", privPath)
	fmt.Printf("wrote %s\n", pubPath)
	fmt.Println()
	fmt.Printf("VOXDESK_JWT_PRIVATE_KEY=%s\n", privPath)
	fmt.Printf("VOXDESK_JWT_PUBLIC_KEY=%s\n", pubPath)
	fmt.Printf("VOXDESK_SECRETS_KEY=%s\n", secretsKey)
	fmt.Printf("VOXDESK_BOOTSTRAP_API_KEY=%s\n", bootstrapKey)
	return nil
}

func writePEM(path, blockType string, der []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
