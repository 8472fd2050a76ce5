package artifacts

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrInvalidKey is returned for keys a DirSink would never write.
var ErrInvalidKey = errors.New("invalid artifact key")

func validKey(key string) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("%w %q", ErrInvalidKey, key)
	}
	return nil
}

// Kind distinguishes table and markdown artifacts.
type Kind string

const (
	KindTable    Kind = "table"
	KindMarkdown Kind = "markdown"
)

// Entry describes one artifact in a directory.
type Entry struct {
	Key        string    `json:"key"`
	Kind       Kind      `json:"kind"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
}

// List returns the artifacts written to dir, ordered by key then kind. A
// missing directory holds no artifacts.
func List(dir string) ([]Entry, error) {
	items, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}

	entries := make([]Entry, 0, len(items))
	for _, item := range items {
		if item.IsDir() {
			continue
		}
		name := item.Name()
		var kind Kind
		switch filepath.Ext(name) {
		case ".json":
			kind = KindTable
		case ".md":
			kind = KindMarkdown
		default:
			continue
		}
		key := strings.TrimSuffix(name, filepath.Ext(name))
		if validKey(key) != nil {
			continue
		}
		info, err := item.Info()
		if err != nil {
			continue
		}
		entries = append(entries, Entry{Key: key, Kind: kind, Size: info.Size(), ModifiedAt: info.ModTime().UTC()})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Key != entries[j].Key {
			return entries[i].Key < entries[j].Key
		}
		return entries[i].Kind < entries[j].Kind
	})
	return entries, nil
}

// ReadTable loads the table stored under key.
func ReadTable(dir, key string) (*StoredTable, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, key+".json"))
	if err != nil {
		return nil, err
	}
	var t StoredTable
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode table artifact %s: %w", key, err)
	}
	return &t, nil
}

// ReadMarkdown loads the markdown document stored under key.
func ReadMarkdown(dir, key string) (*Markdown, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, key+".md"))
	if err != nil {
		return nil, err
	}
	return &Markdown{Key: key, Body: string(data)}, nil
}
