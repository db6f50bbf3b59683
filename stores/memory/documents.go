package memory

import (
	"context"
	"docrelay/core"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

type documentStore struct {
	mu        sync.RWMutex
	documents map[string]core.Document
	now       func() time.Time
}

func NewDocumentStore() core.DocumentStore {
	return &documentStore{
		documents: make(map[string]core.Document),
		now:       time.Now,
	}
}

func (s *documentStore) Create(ctx context.Context, title, content, ownerID string) (*core.Document, error) {
	now := s.now().UTC()
	doc := core.Document{
		ID:        ulid.Make().String(),
		Title:     title,
		Content:   content,
		OwnerID:   ownerID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.documents[doc.ID] = doc
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"document_id":    doc.ID,
		"user_id":        ownerID,
		"content_length": len(content),
	}).Info("Document created successfully")
	return &doc, nil
}

func (s *documentStore) FindID(ctx context.Context, id string) (*core.Document, error) {
	log := logrus.WithField("document_id", id)

	s.mu.RLock()
	doc, ok := s.documents[id]
	s.mu.RUnlock()

	if !ok {
		log.Warn("Document with specified ID not found")
		return nil, &core.NotFoundError{ID: id}
	}
	log.Debug("Document retrieved successfully")
	return &doc, nil
}

func (s *documentStore) List(ctx context.Context, ownerID string) ([]*core.Document, error) {
	s.mu.RLock()
	docs := make([]*core.Document, 0)
	for _, doc := range s.documents {
		if doc.OwnerID == ownerID {
			d := doc
			docs = append(docs, &d)
		}
	}
	s.mu.RUnlock()

	sortByUpdated(docs)
	logrus.WithField("user_id", ownerID).Debugf("Listed %d documents", len(docs))
	return docs, nil
}

func (s *documentStore) Update(ctx context.Context, id, title, content string) (*core.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[id]
	if !ok {
		return nil, &core.NotFoundError{ID: id}
	}
	doc.Title = title
	doc.Content = content
	doc.UpdatedAt = s.now().UTC()
	s.documents[id] = doc

	logrus.WithField("document_id", id).Info("Document updated successfully")
	return &doc, nil
}

func (s *documentStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.documents[id]; !ok {
		return &core.NotFoundError{ID: id}
	}
	delete(s.documents, id)

	logrus.WithField("document_id", id).Info("Document deleted successfully")
	return nil
}

func sortByUpdated(docs []*core.Document) {
	sort.Slice(docs, func(i, j int) bool {
		if docs[i].UpdatedAt.Equal(docs[j].UpdatedAt) {
			return docs[i].ID > docs[j].ID
		}
		return docs[i].UpdatedAt.After(docs[j].UpdatedAt)
	})
}
