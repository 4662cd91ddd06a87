package backend

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

var ErrCredentialNotFound = errors.New("credential not found")

type Credential interface {
	GetName() string
	GetType() string
	GetUrl() string
	Validate() error
	GetUUID() uuid.UUID
}

type CredentialStorage interface {
	GetCredentialByUUID(uuid.UUID) (Credential, error)
	GetCredentialByName(name string) (Credential, error)
	// MatchURL returns the basic credential whose URL is the longest prefix
	// of target, or nil when none applies.
	MatchURL(target string) *BasicAuthCredential
	AddCredential(Credential) error
	DeleteCredential(uuid.UUID) error
	DeleteCredentialByName(string) error
	ListCredentials() ([]Credential, error)
}

// BasicAuthCredential is sent to upstream HTTP servers whose URL starts with
// URL.
type BasicAuthCredential struct {
	Name     string    `toml:"name"`
	Username string    `toml:"username"`
	Password string    `toml:"password"`
	URL      string    `toml:"url"`
	UUID     uuid.UUID `toml:"uuid"`
}

func (c *BasicAuthCredential) GetUrl() string      { return c.URL }
func (c *BasicAuthCredential) GetUserName() string { return c.Username }
func (c *BasicAuthCredential) GetPassword() string { return c.Password }
func (c *BasicAuthCredential) GetName() string     { return c.Name }
func (c *BasicAuthCredential) GetType() string     { return "basic" }
func (c *BasicAuthCredential) GetUUID() uuid.UUID  { return c.UUID }
func (c *BasicAuthCredential) Validate() error {
	if c.Name == "" {
		return errors.New("name is required")
	}
	if c.URL == "" {
		return errors.New("url is required")
	}
	if c.Username == "" {
		return errors.New("username is required")
	}
	return nil
}

// Wrapper struct for TOML unmarshalling and marshalling

type CredentialEntry struct {
	Type  string               `toml:"type"`
	Basic *BasicAuthCredential `toml:"basic,omitempty"`
}

func (ce CredentialEntry) ToCredential() (Credential, error) {
	switch ce.Type {
	case "basic":
		if ce.Basic == nil {
			return nil, errors.New("basic field missing")
		}
		return ce.Basic, nil
	default:
		return nil, fmt.Errorf("unknown credential type: %s", ce.Type)
	}
}

func FromCredential(cred Credential) (CredentialEntry, error) {
	switch c := cred.(type) {
	case *BasicAuthCredential:
		return CredentialEntry{Type: "basic", Basic: c}, nil
	default:
		return CredentialEntry{}, errors.New("unsupported credential type")
	}
}

// TOML storage implementation

type TomlCredentialStorage struct {
	mu          sync.RWMutex
	filePath    string
	Credentials map[string]CredentialEntry `toml:"credentials"`
}

func NewTomlCredentialStorage(filePath string) (*TomlCredentialStorage, error) {
	storage := &TomlCredentialStorage{
		filePath:    filePath,
		Credentials: make(map[string]CredentialEntry),
	}

	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, err
		}
		f.Close()
	}

	if err := storage.loadFromFile(); err != nil {
		return nil, err
	}
	if storage.Credentials == nil {
		storage.Credentials = make(map[string]CredentialEntry)
	}

	return storage, nil
}

func (s *TomlCredentialStorage) loadFromFile() error {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // no file yet, treat as empty
		}
		return err
	}

	return toml.Unmarshal(data, s)
}

func (s *TomlCredentialStorage) saveToFile() error {
	var buf bytes.Buffer
	encoder := toml.NewEncoder(&buf)
	if err := encoder.Encode(s); err != nil {
		return err
	}
	if err := os.WriteFile(s.filePath, buf.Bytes(), 0o600); err != nil {
		return errors.New("failed to save credential storage: " + err.Error())
	}
	return nil
}

func (s *TomlCredentialStorage) GetCredentialByUUID(id uuid.UUID) (Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.Credentials[id.String()]
	if !ok {
		return nil, ErrCredentialNotFound
	}
	return entry.ToCredential()
}

func (s *TomlCredentialStorage) GetCredentialByName(name string) (Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, entry := range s.Credentials {
		cred, err := entry.ToCredential()
		if err != nil {
			continue
		}
		if cred.GetName() == name {
			return cred, nil
		}
	}
	return nil, ErrCredentialNotFound
}

func (s *TomlCredentialStorage) MatchURL(target string) *BasicAuthCredential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *BasicAuthCredential
	for _, entry := range s.Credentials {
		if entry.Type != "basic" || entry.Basic == nil {
			continue
		}
		if !strings.HasPrefix(target, entry.Basic.URL) {
			continue
		}
		if best == nil || len(entry.Basic.URL) > len(best.URL) {
			best = entry.Basic
		}
	}
	return best
}

func (s *TomlCredentialStorage) AddCredential(cred Credential) error {
	if cred.GetUUID() == uuid.Nil {
		return errors.New("credential must have a UUID")
	}
	if err := cred.Validate(); err != nil {
		return err
	}
	entry, err := FromCredential(cred)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.Credentials[cred.GetUUID().String()] = entry
	return s.saveToFile()
}

func (s *TomlCredentialStorage) DeleteCredential(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.Credentials[id.String()]; !exists {
		return ErrCredentialNotFound
	}
	delete(s.Credentials, id.String())
	return s.saveToFile()
}

func (s *TomlCredentialStorage) DeleteCredentialByName(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, entry := range s.Credentials {
		cred, err := entry.ToCredential()
		if err != nil {
			continue
		}
		if cred.GetName() == name {
			delete(s.Credentials, id)
			return s.saveToFile()
		}
	}
	return ErrCredentialNotFound
}

// ListCredentials is sorted by name so CLI output is stable.
func (s *TomlCredentialStorage) ListCredentials() ([]Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var creds []Credential
	for _, entry := range s.Credentials {
		cred, err := entry.ToCredential()
		if err == nil {
			creds = append(creds, cred)
		}
	}
	sort.Slice(creds, func(i, j int) bool { return creds[i].GetName() < creds[j].GetName() })
	return creds, nil
}
