// Package session persists the client profile (server URL and last username)
// between runs, encrypted at rest with a machine-derived key.
package session

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

type Profile struct {
	ServerURL string `json:"server_url"`
	Username  string `json:"username"`
}

const profileFile = "profile.json"

func ConfigDir(profileName string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "seam", profileName)
}

// machineKey derives a stable per-machine encryption key. The profile is not
// portable between machines, which is the point.
func machineKey() []byte {
	var id string
	for _, p := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		data, err := os.ReadFile(p)
		if err == nil {
			id = strings.TrimSpace(string(data))
			break
		}
	}
	if id == "" {
		hostname, _ := os.Hostname()
		id = hostname
	}
	hash := sha256.Sum256([]byte("seam:" + id))
	return hash[:]
}

func seal(data []byte) (string, error) {
	block, err := aes.NewCipher(machineKey())
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(gcm.Seal(nonce, nonce, data, nil)), nil
}

func open(encoded string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(machineKey())
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(data) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// Load returns the stored profile, or nil when absent or unreadable.
func Load(profileName string) *Profile {
	dir := ConfigDir(profileName)
	if dir == "" {
		return nil
	}
	data, err := os.ReadFile(filepath.Join(dir, profileFile))
	if err != nil {
		return nil
	}
	plain, err := open(string(data))
	if err != nil {
		return nil
	}
	var p Profile
	if err := json.Unmarshal(plain, &p); err != nil {
		return nil
	}
	return &p
}

func Save(profileName string, p Profile) error {
	dir := ConfigDir(profileName)
	if dir == "" {
		return fmt.Errorf("could not resolve config directory")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	sealed, err := seal(data)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, profileFile), []byte(sealed), 0600)
}

func Clear(profileName string) {
	if dir := ConfigDir(profileName); dir != "" {
		os.Remove(filepath.Join(dir, profileFile))
	}
}
