package imap

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/wesm/threadtags/internal/fileutil"
)

type credentialsFile struct {
	Password string `json:"password"`
}

func credentialsPath(tokensDir, identifier string) string {
	sum := sha256.Sum256([]byte(identifier))
	return filepath.Join(tokensDir, fmt.Sprintf("imap_%x.json", sum[:8]))
}

// SaveCredentials stores the password for identifier under tokensDir.
func SaveCredentials(tokensDir, identifier, password string) error {
	data, err := json.Marshal(credentialsFile{Password: password})
	if err != nil {
		return err
	}
	if err := fileutil.WritePrivateFile(credentialsPath(tokensDir, identifier), data); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}

// LoadCredentials returns the stored password for identifier.
func LoadCredentials(tokensDir, identifier string) (string, error) {
	data, err := os.ReadFile(credentialsPath(tokensDir, identifier))
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("no credentials found for %s (run 'threadtags add-imap' first)", identifier)
	}
	if err != nil {
		return "", fmt.Errorf("read credentials: %w", err)
	}
	var creds credentialsFile
	if err := json.Unmarshal(data, &creds); err != nil {
		return "", fmt.Errorf("parse credentials: %w", err)
	}
	return creds.Password, nil
}

// HasCredentials reports whether a password is stored for identifier.
func HasCredentials(tokensDir, identifier string) bool {
	_, err := os.Stat(credentialsPath(tokensDir, identifier))
	return err == nil
}
