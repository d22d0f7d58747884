// Package authstate stores the browser session (cookies and per-origin
// storage) captured for a project so test runs can start already logged in.
package authstate

import (
	"encoding/json"
	"fmt"
	"os"
)

// Cookie is one entry of a storage state cookie jar.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite,omitempty"`
}

// NameValue is a single localStorage entry.
type NameValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Origin holds the localStorage of one origin.
type Origin struct {
	Origin       string      `json:"origin"`
	LocalStorage []NameValue `json:"localStorage"`
}

// State is the storage state document written by the browser.
type State struct {
	Cookies []Cookie `json:"cookies"`
	Origins []Origin `json:"origins"`
}

// ReadState parses a storage state file.
func ReadState(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to parse storage state: %w", err)
	}
	return &st, nil
}

// StateSource is anything able to write a storage state document to a path,
// typically a live browser context.
type StateSource interface {
	StorageState(path string) error
}

// BytesSource is a StateSource backed by an already serialized document.
type BytesSource []byte

// StorageState writes the document to path.
func (b BytesSource) StorageState(path string) error {
	return os.WriteFile(path, b, 0600)
}
