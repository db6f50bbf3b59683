package core

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrUnauthorized     = errors.New("unauthorized")
)

// NotFoundError names the missing document and matches ErrDocumentNotFound.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("document with id %s not found", e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrDocumentNotFound
}

type (
	// Document is the durable snapshot of a shared text document.
	Document struct {
		ID        string    `json:"id"`
		Title     string    `json:"title"`
		Content   string    `json:"content"`
		OwnerID   string    `json:"ownerId"`
		CreatedAt time.Time `json:"createdAt"`
		UpdatedAt time.Time `json:"updatedAt"`
	}

	// DocumentStore is the persistence layer behind the REST boundary.
	// The relay never calls it.
	DocumentStore interface {
		Create(ctx context.Context, title, content, ownerID string) (*Document, error)
		FindID(ctx context.Context, id string) (*Document, error)
		List(ctx context.Context, ownerID string) ([]*Document, error)
		Update(ctx context.Context, id, title, content string) (*Document, error)
		Delete(ctx context.Context, id string) error
	}

	Identity struct {
		Subject string `json:"subject"`
		Login   string `json:"login"`
		Name    string `json:"name,omitempty"`
		Email   string `json:"email,omitempty"`
	}

	// IdentityVerifier resolves a caller from a bearer credential.
	IdentityVerifier interface {
		Verify(ctx context.Context, credential string) (*Identity, error)
	}

	// UpdateEvent is an in-flight edit. It carries no version and is never stored.
	UpdateEvent struct {
		DocumentID string `json:"documentId"`
		Title      string `json:"title"`
		Content    string `json:"content"`
	}

	// ReceivedUpdate is what other room members see of an UpdateEvent.
	ReceivedUpdate struct {
		Title   string `json:"title"`
		Content string `json:"content"`
	}
)
