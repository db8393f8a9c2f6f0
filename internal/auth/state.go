package auth

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// StateFile is an encrypted storage-state file holding the cookies of an
// already authenticated session. Credentials never pass through here.
type StateFile struct {
	path   string
	cipher *Cipher
}

func NewStateFile(path string, c *Cipher) *StateFile {
	return &StateFile{path: path, cipher: c}
}

func (s *StateFile) Path() string { return s.path }

// Load returns the stored cookies, or nil when the file does not exist yet.
func (s *StateFile) Load() ([]Cookie, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	cookies, err := s.cipher.DecryptCookies(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("load state %s: %w", s.path, err)
	}
	return cookies, nil
}

func (s *StateFile) Save(cookies []Cookie) error {
	encrypted, err := s.cipher.EncryptCookies(cookies)
	if err != nil {
		return fmt.Errorf("failed to encrypt cookies: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(encrypted), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Import reads a plain JSON cookie export and stores it encrypted. Both a
// bare array and a {"cookies": [...]} storage-state object are accepted.
// It returns the number of cookies imported.
func (s *StateFile) Import(r io.Reader) (int, error) {
	cookies, err := ParseExport(r)
	if err != nil {
		return 0, err
	}
	if err := s.Save(cookies); err != nil {
		return 0, err
	}
	return len(cookies), nil
}

func ParseExport(r io.Reader) ([]Cookie, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)

	var cookies []Cookie
	if bytes.HasPrefix(data, []byte("[")) {
		err = json.Unmarshal(data, &cookies)
	} else {
		var state struct {
			Cookies []Cookie `json:"cookies"`
		}
		err = json.Unmarshal(data, &state)
		cookies = state.Cookies
	}
	if err != nil {
		return nil, fmt.Errorf("parse cookie export: %w", err)
	}

	valid := cookies[:0]
	for _, c := range cookies {
		if c.Name == "" || c.Domain == "" {
			continue
		}
		if c.Path == "" {
			c.Path = "/"
		}
		valid = append(valid, c)
	}
	if len(valid) == 0 {
		return nil, errors.New("cookie export contains no usable cookies")
	}
	return valid, nil
}
