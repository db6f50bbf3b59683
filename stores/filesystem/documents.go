package filesystem

import (
	"context"
	"docrelay/core"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

const fileExt = ".json"

type documentStore struct {
	basePath string
	// mu serialises read-modify-write cycles on a single process.
	mu  sync.Mutex
	now func() time.Time
}

// NewDocumentStore stores one JSON file per document under basePath.
func NewDocumentStore(basePath string) (core.DocumentStore, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &documentStore{basePath: basePath, now: time.Now}, nil
}

// pathFor rejects ids that would escape basePath.
func (s *documentStore) pathFor(id string) (string, error) {
	if id == "" || id == "." || id == ".." || filepath.Base(id) != id || strings.ContainsAny(id, `/\:`) {
		return "", fmt.Errorf("invalid document id %q", id)
	}
	return filepath.Join(s.basePath, id+fileExt), nil
}

func (s *documentStore) read(path, id string) (*core.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &core.NotFoundError{ID: id}
		}
		return nil, err
	}
	var doc core.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode document %s: %w", id, err)
	}
	return &doc, nil
}

// write goes through a temp file so readers never observe a partial document.
func (s *documentStore) write(path string, doc *core.Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *documentStore) Create(ctx context.Context, title, content, ownerID string) (*core.Document, error) {
	now := s.now().UTC()
	doc := &core.Document{
		ID:        ulid.Make().String(),
		Title:     title,
		Content:   content,
		OwnerID:   ownerID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	path, err := s.pathFor(doc.ID)
	if err != nil {
		return nil, err
	}
	log := logrus.WithFields(logrus.Fields{"document_id": doc.ID, "file_path": path})

	s.mu.Lock()
	err = s.write(path, doc)
	s.mu.Unlock()
	if err != nil {
		log.WithError(err).Error("Failed to create document")
		return nil, err
	}

	log.Info("Document created successfully")
	return doc, nil
}

func (s *documentStore) FindID(ctx context.Context, id string) (*core.Document, error) {
	log := logrus.WithField("document_id", id)
	path, err := s.pathFor(id)
	if err != nil {
		log.WithError(err).Warn("Rejected document id")
		return nil, &core.NotFoundError{ID: id}
	}

	doc, err := s.read(path, id)
	if err != nil {
		log.WithError(err).Warn("Failed to retrieve document")
		return nil, err
	}
	log.Debug("Document retrieved successfully")
	return doc, nil
}

func (s *documentStore) List(ctx context.Context, ownerID string) ([]*core.Document, error) {
	log := logrus.WithFields(logrus.Fields{"user_id": ownerID, "path": s.basePath})

	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		log.WithError(err).Error("Failed to read storage directory")
		return nil, err
	}

	docs := make([]*core.Document, 0)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		id := strings.TrimSuffix(name, fileExt)
		doc, err := s.read(filepath.Join(s.basePath, name), id)
		if err != nil {
			log.WithError(err).Warnf("Skipping unreadable document file %s", name)
			continue
		}
		if doc.OwnerID == ownerID {
			docs = append(docs, doc)
		}
	}

	sort.Slice(docs, func(i, j int) bool {
		return docs[i].UpdatedAt.After(docs[j].UpdatedAt)
	})
	log.Debugf("Listed %d documents", len(docs))
	return docs, nil
}

func (s *documentStore) Update(ctx context.Context, id, title, content string) (*core.Document, error) {
	path, err := s.pathFor(id)
	if err != nil {
		return nil, &core.NotFoundError{ID: id}
	}
	log := logrus.WithField("document_id", id)

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read(path, id)
	if err != nil {
		return nil, err
	}
	doc.Title = title
	doc.Content = content
	doc.UpdatedAt = s.now().UTC()

	if err := s.write(path, doc); err != nil {
		log.WithError(err).Error("Failed to update document")
		return nil, err
	}
	log.Info("Document updated successfully")
	return doc, nil
}

func (s *documentStore) Delete(ctx context.Context, id string) error {
	path, err := s.pathFor(id)
	if err != nil {
		return &core.NotFoundError{ID: id}
	}
	log := logrus.WithField("document_id", id)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return &core.NotFoundError{ID: id}
		}
		log.WithError(err).Error("Failed to delete document")
		return err
	}
	log.Info("Document deleted successfully")
	return nil
}
