package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// JSONFileStore keeps every account of one site in a single JSON document:
//
//	{"site_name": ..., "host": ..., "accounts": {key: {"cookies": ..., "update_time": ...}}, "update_time": ...}
type JSONFileStore struct {
	path     string
	siteName string
	host     string
	logger   *logrus.Logger
	now      func() time.Time
	mu       sync.Mutex
}

type fileDocument struct {
	SiteName   string      `json:"site_name"`
	Host       string      `json:"host"`
	Accounts   accountList `json:"accounts"`
	UpdateTime string      `json:"update_time"`
}

type accountEntry struct {
	Cookies    string `json:"cookies"`
	UpdateTime string `json:"update_time"`
}

type namedAccount struct {
	key   string
	entry accountEntry
}

// accountList is a JSON object whose key order is kept across load and save
type accountList []namedAccount

func (l accountList) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, a := range l {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := marshalRaw(a.key)
		if err != nil {
			return nil, err
		}
		entry, err := marshalRaw(a.entry)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(entry)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (l *accountList) UnmarshalJSON(data []byte) error {
	*l = nil
	if string(bytes.TrimSpace(data)) == "null" {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("accounts must be an object")
	}

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected account key %v", tok)
		}
		var entry accountEntry
		if err := dec.Decode(&entry); err != nil {
			return fmt.Errorf("failed to decode account %s: %w", key, err)
		}
		l.put(namedAccount{key: key, entry: entry})
	}

	_, err = dec.Token()
	return err
}

// put replaces the entry with the same key in place or appends it
func (l *accountList) put(a namedAccount) {
	for i := range *l {
		if (*l)[i].key == a.key {
			(*l)[i] = a
			return
		}
	}
	*l = append(*l, a)
}

func marshalRaw(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// NewJSONFileStore stores sessions in <dir>/<siteName>_cookie.json. host is
// recorded in the document; an empty host keeps whatever the file holds.
func NewJSONFileStore(dir, siteName, host string, logger *logrus.Logger) (*JSONFileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	return &JSONFileStore{
		path:     filepath.Join(dir, siteName+"_cookie.json"),
		siteName: siteName,
		host:     host,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Path returns the location of the session file
func (s *JSONFileStore) Path() string {
	return s.path
}

func (s *JSONFileStore) load() (*fileDocument, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return &fileDocument{SiteName: s.siteName, Host: s.host}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse session file %s: %w", s.path, err)
	}
	return &doc, nil
}

func (s *JSONFileStore) save(doc *fileDocument) error {
	doc.SiteName = s.siteName
	if s.host != "" {
		doc.Host = s.host
	}
	doc.UpdateTime = s.now().Format(TimeLayout)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode session file: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace session file: %w", err)
	}

	s.logger.WithField("path", s.path).Debug("Session file written")
	return nil
}

func toRecord(a namedAccount) SessionRecord {
	record := SessionRecord{Key: a.key, Cookies: a.entry.Cookies}
	if t, err := time.ParseInLocation(TimeLayout, a.entry.UpdateTime, time.Local); err == nil {
		record.UpdatedAt = t
	}
	return record
}

// List returns the records in file order
func (s *JSONFileStore) List(ctx context.Context) ([]SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return nil, err
	}

	records := make([]SessionRecord, 0, len(doc.Accounts))
	for _, a := range doc.Accounts {
		records = append(records, toRecord(a))
	}
	return records, nil
}

// Get returns ErrNotFound for unknown keys
func (s *JSONFileStore) Get(ctx context.Context, key string) (SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return SessionRecord{}, err
	}
	for _, a := range doc.Accounts {
		if a.key == key {
			return toRecord(a), nil
		}
	}
	return SessionRecord{}, ErrNotFound
}

// Put replaces the record in place or appends it
func (s *JSONFileStore) Put(ctx context.Context, record SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}

	updated := record.UpdatedAt
	if updated.IsZero() {
		updated = s.now()
	}
	doc.Accounts.put(namedAccount{
		key: record.Key,
		entry: accountEntry{
			Cookies:    record.Cookies,
			UpdateTime: updated.Format(TimeLayout),
		},
	})
	return s.save(doc)
}

// Delete removes the record; unknown keys are ignored
func (s *JSONFileStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}

	kept := doc.Accounts[:0]
	found := false
	for _, a := range doc.Accounts {
		if a.key == key {
			found = true
			continue
		}
		kept = append(kept, a)
	}
	if !found {
		return nil
	}
	doc.Accounts = kept
	return s.save(doc)
}

// Clear removes the session file
func (s *JSONFileStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove session file: %w", err)
	}
	return nil
}

// Close is a no-op
func (s *JSONFileStore) Close() error {
	return nil
}
