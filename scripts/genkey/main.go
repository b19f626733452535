// genkey generates a random admin API key for Setu.
//
// Usage (run from the repo root):
//
//	go run scripts/genkey/main.go
//
// Prints the key and its argon2id hash. Export the plain key as
// SETU_ADMIN_API_KEY on the server and hand it to operators; the hash is
// shown so the key can be stored hashed in external secret inventories.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/caresync-health/setu/internal/auth"
)

func main() {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	key := base64.RawURLEncoding.EncodeToString(raw)

	hash, err := auth.HashAPIKey(key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("admin API key:  %s\n", key)
	fmt.Printf("argon2id hash:  %s\n", hash)
}
