package fifo

import (
	"context"
	"errors"
	"fmt"
)

// SaveItem creates or updates an item.
func (e *Engine) SaveItem(ctx context.Context, item Item) error {
	if item.ID == "" {
		return fmt.Errorf("item id required: %w", ErrUnknownItem)
	}
	return e.store.SaveItem(ctx, item)
}

// SaveLocation creates or updates a location.
func (e *Engine) SaveLocation(ctx context.Context, loc Location) error {
	if loc.ID == "" {
		return fmt.Errorf("location id required: %w", ErrUnknownLocation)
	}
	return e.store.SaveLocation(ctx, loc)
}

// Items lists every item.
func (e *Engine) Items(ctx context.Context) ([]Item, error) {
	return e.store.ListItems(ctx)
}

// Locations lists every location.
func (e *Engine) Locations(ctx context.Context) ([]Location, error) {
	return e.store.ListLocations(ctx)
}

// OpenDocument registers a new grouping document in the open state. An
// existing ID is refused; use ReopenDocument to unfreeze a completed one.
func (e *Engine) OpenDocument(ctx context.Context, id DocumentID, kind, reference string) (Document, error) {
	if id == "" {
		id = DocumentID(e.newID())
	}
	doc := Document{ID: id, Kind: kind, Reference: reference, State: DocumentOpen, UpdatedAt: e.now()}
	err := e.store.WithTx(ctx, func(s Store) error {
		existing, err := s.GetDocument(ctx, id)
		switch {
		case err == nil:
			return fmt.Errorf("document %s is %s: %w", id, existing.State, ErrDuplicateDocument)
		case !errors.Is(err, ErrDocumentNotFound):
			return err
		}
		return s.SaveDocument(ctx, doc)
	})
	if err != nil {
		return Document{}, err
	}
	return doc, nil
}

// CompleteDocument freezes every event attached to the document.
func (e *Engine) CompleteDocument(ctx context.Context, id DocumentID) (Document, error) {
	return e.transitionDocument(ctx, id, DocumentCompleted)
}

// ReopenDocument unfreezes a completed document.
func (e *Engine) ReopenDocument(ctx context.Context, id DocumentID) (Document, error) {
	return e.transitionDocument(ctx, id, DocumentOpen)
}

func (e *Engine) transitionDocument(ctx context.Context, id DocumentID, to DocumentState) (Document, error) {
	var doc Document
	err := e.store.WithTx(ctx, func(s Store) error {
		var err error
		doc, err = s.GetDocument(ctx, id)
		if err != nil {
			return err
		}
		if !doc.State.CanTransition(to) {
			return fmt.Errorf("document %s %s -> %s: %w", id, doc.State, to, ErrInvalidTransition)
		}
		doc.State = to
		doc.UpdatedAt = e.now()
		return s.SaveDocument(ctx, doc)
	})
	if err != nil {
		return Document{}, err
	}
	e.log(ctx).Info().Str("document_id", string(id)).Str("state", string(to)).Msg("fifo.document")
	return doc, nil
}

// Document returns a grouping document.
func (e *Engine) Document(ctx context.Context, id DocumentID) (Document, error) {
	return e.store.GetDocument(ctx, id)
}
