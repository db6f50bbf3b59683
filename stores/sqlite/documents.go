package sqlite

import (
	"context"
	"database/sql"
	"docrelay/core"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS documents_owner_idx ON documents (owner_id, updated_at)`,
}

type documentStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewDocumentStore opens (or creates) the database at dataSourceName.
func NewDocumentStore(dataSourceName string) (*documentStore, error) {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// sqlite allows a single writer; one connection also keeps :memory: coherent.
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialise schema: %w", err)
		}
	}
	return &documentStore{db: db, now: time.Now}, nil
}

func (s *documentStore) Close() error {
	return s.db.Close()
}

func (s *documentStore) Create(ctx context.Context, title, content, ownerID string) (*core.Document, error) {
	now := s.now().UTC().Truncate(time.Millisecond)
	doc := &core.Document{
		ID:        ulid.Make().String(),
		Title:     title,
		Content:   content,
		OwnerID:   ownerID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	log := logrus.WithFields(logrus.Fields{
		"document_id":    doc.ID,
		"content_length": len(content),
	})

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO documents (id, owner_id, title, content, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
		doc.ID, ownerID, title, content, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		log.WithError(err).Error("Failed to create document")
		return nil, err
	}
	log.Info("Document created successfully")
	return doc, nil
}

func (s *documentStore) FindID(ctx context.Context, id string) (*core.Document, error) {
	log := logrus.WithField("document_id", id)
	log.Debug("Retrieving document by ID")

	doc, err := scanDocument(s.db.QueryRowContext(ctx,
		"SELECT id, owner_id, title, content, created_at, updated_at FROM documents WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Warn("Document with specified ID not found")
			return nil, &core.NotFoundError{ID: id}
		}
		log.WithError(err).Error("Failed to retrieve document")
		return nil, err
	}
	return doc, nil
}

func (s *documentStore) List(ctx context.Context, ownerID string) ([]*core.Document, error) {
	log := logrus.WithField("user_id", ownerID)

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, owner_id, title, content, created_at, updated_at FROM documents WHERE owner_id = ? ORDER BY updated_at DESC, id DESC",
		ownerID)
	if err != nil {
		log.WithError(err).Error("Failed to list documents")
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			log.WithError(cerr).Warn("Failed to close document rows")
		}
	}()

	docs := make([]*core.Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return docs, nil
}

func (s *documentStore) Update(ctx context.Context, id, title, content string) (*core.Document, error) {
	log := logrus.WithField("document_id", id)
	now := s.now().UTC().Truncate(time.Millisecond)

	result, err := s.db.ExecContext(ctx,
		"UPDATE documents SET title = ?, content = ?, updated_at = ? WHERE id = ?",
		title, content, now.UnixMilli(), id)
	if err != nil {
		log.WithError(err).Error("Failed to update document")
		return nil, err
	}
	if n, err := result.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		return nil, &core.NotFoundError{ID: id}
	}

	log.Info("Document updated successfully")
	return s.FindID(ctx, id)
}

func (s *documentStore) Delete(ctx context.Context, id string) error {
	log := logrus.WithField("document_id", id)

	result, err := s.db.ExecContext(ctx, "DELETE FROM documents WHERE id = ?", id)
	if err != nil {
		log.WithError(err).Error("Failed to delete document")
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &core.NotFoundError{ID: id}
	}

	log.Info("Document deleted successfully")
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*core.Document, error) {
	var doc core.Document
	var createdAt, updatedAt int64
	if err := row.Scan(&doc.ID, &doc.OwnerID, &doc.Title, &doc.Content, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	doc.CreatedAt = time.UnixMilli(createdAt).UTC()
	doc.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &doc, nil
}
