package core

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"land-office/internal/blob"
)

// DocumentService keeps versioned documents. A chain is the first upload (its
// root) plus every later version, each pointing at the root. Exactly one
// member of a chain is current.
type DocumentService interface {
	// UploadDocumentVersion stores content and records it as a new document,
	// or as the next version of ParentDocumentID's chain when that is set.
	UploadDocumentVersion(ctx context.Context, req UploadDocumentRequest, content io.Reader) (*Document, error)
	GetDocument(ctx context.Context, documentID int64) (*Document, error)
	// OpenDocument returns the document with a reader over its content. The caller closes it.
	OpenDocument(ctx context.Context, documentID int64) (*Document, io.ReadCloser, error)
	// ListDocumentVersions returns every version in the chain that documentID belongs to, oldest first.
	ListDocumentVersions(ctx context.Context, documentID int64) ([]Document, error)
}

type documentService struct {
	*base
	blobs blob.Store
}

const documentColumns = `id, entity_type, entity_id, parent_document_id, title, file_name, content_type,
	size_bytes, storage_key, version, is_current_version, uploaded_by, created_at`

func scanDocument(row pgx.Row) (*Document, error) {
	var d Document
	if err := row.Scan(&d.ID, &d.EntityType, &d.EntityID, &d.ParentDocumentID, &d.Title, &d.FileName,
		&d.ContentType, &d.SizeBytes, &d.StorageKey, &d.Version, &d.IsCurrentVersion, &d.UploadedBy,
		&d.CreatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *documentService) UploadDocumentVersion(ctx context.Context, req UploadDocumentRequest, content io.Reader) (*Document, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	if content == nil {
		return nil, invalid("content", "is required")
	}
	contentType := req.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	// Content goes in first under a fresh key; the metadata transaction
	// either adopts it or the blob is removed again.
	key := fmt.Sprintf("%s/%d/%s", req.EntityType, req.EntityID, uuid.NewString())
	info, err := s.blobs.Put(ctx, key, content, blob.PutOptions{
		ContentType: contentType,
		Metadata:    map[string]string{"file_name": req.FileName},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store document content: %w", err)
	}

	var doc *Document
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		var parentID *int64
		version := 1
		if req.ParentDocumentID != nil {
			root, err := s.lockChainRootTx(ctx, tx, *req.ParentDocumentID)
			if err != nil {
				return err
			}
			if root.EntityType != req.EntityType || root.EntityID != req.EntityID {
				return invalid("parent_document_id", "document %d belongs to %s %d",
					root.ID, root.EntityType, root.EntityID)
			}
			if version, err = s.retireChainTx(ctx, tx, root.ID); err != nil {
				return err
			}
			parentID = &root.ID
		}

		doc, err = scanDocument(tx.QueryRow(ctx, `
			INSERT INTO documents (entity_type, entity_id, parent_document_id, title, file_name, content_type,
			                       size_bytes, storage_key, version, is_current_version, uploaded_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, TRUE, $10)
			RETURNING `+documentColumns,
			req.EntityType, req.EntityID, parentID, req.Title, req.FileName, contentType,
			info.Size, key, version, req.UploadedBy))
		if err != nil {
			return classify(err, "document", 0, "failed to record document")
		}
		if err := audit(ctx, tx, "document", doc.ID, "uploaded",
			fmt.Sprintf("%s v%d", doc.FileName, doc.Version)); err != nil {
			return err
		}
		return verifyDocumentChainTx(ctx, tx, chainRoot(doc))
	})
	if err != nil {
		if _, delErr := s.blobs.Delete(context.WithoutCancel(ctx), key); delErr != nil {
			s.log.Warn("failed to remove orphaned document content", zap.String("key", key), zap.Error(delErr))
		}
		return nil, err
	}

	s.log.Debug("document uploaded",
		zap.Int64("document_id", doc.ID),
		zap.Int64("chain", chainRoot(doc)),
		zap.Int("version", doc.Version))
	return doc, nil
}

func chainRoot(d *Document) int64 {
	if d.ParentDocumentID != nil {
		return *d.ParentDocumentID
	}
	return d.ID
}

// lockChainRootTx resolves any member of a chain to its root and locks the
// root row, which serializes concurrent uploads to the same chain.
func (s *documentService) lockChainRootTx(ctx context.Context, tx pgx.Tx, memberID int64) (*Document, error) {
	var rootID int64
	err := tx.QueryRow(ctx, `SELECT COALESCE(parent_document_id, id) FROM documents WHERE id = $1`, memberID).Scan(&rootID)
	if err != nil {
		return nil, classify(err, "document", memberID, "failed to resolve document chain")
	}
	root, err := scanDocument(tx.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1 FOR UPDATE`, rootID))
	if err != nil {
		return nil, classify(err, "document", rootID, "failed to lock document chain")
	}
	return root, nil
}

// retireChainTx clears the current flag across the chain and returns the
// version number the next upload takes.
func (s *documentService) retireChainTx(ctx context.Context, tx pgx.Tx, rootID int64) (int, error) {
	_, err := tx.Exec(ctx, `
		UPDATE documents SET is_current_version = FALSE
		WHERE (id = $1 OR parent_document_id = $1) AND is_current_version
	`, rootID)
	if err != nil {
		return 0, fmt.Errorf("failed to retire versions of document %d: %w", rootID, err)
	}
	var maxVersion int
	err = tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(version), 0) FROM documents WHERE id = $1 OR parent_document_id = $1
	`, rootID).Scan(&maxVersion)
	if err != nil {
		return 0, fmt.Errorf("failed to read versions of document %d: %w", rootID, err)
	}
	return maxVersion + 1, nil
}

func (s *documentService) GetDocument(ctx context.Context, documentID int64) (*Document, error) {
	doc, err := scanDocument(s.pool.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1`, documentID))
	if err != nil {
		return nil, classify(err, "document", documentID, "failed to get document")
	}
	return doc, nil
}

func (s *documentService) OpenDocument(ctx context.Context, documentID int64) (*Document, io.ReadCloser, error) {
	doc, err := s.GetDocument(ctx, documentID)
	if err != nil {
		return nil, nil, err
	}
	_, rc, err := s.blobs.Get(ctx, doc.StorageKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open content of document %d: %w", documentID, err)
	}
	return doc, rc, nil
}

func (s *documentService) ListDocumentVersions(ctx context.Context, documentID int64) ([]Document, error) {
	rows, err := s.pool.Query(ctx, `
		WITH chain AS (SELECT COALESCE(parent_document_id, id) AS root FROM documents WHERE id = $1)
		SELECT `+documentColumns+`
		FROM documents, chain
		WHERE documents.id = chain.root OR documents.parent_document_id = chain.root
		ORDER BY version
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query document versions: %w", err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		out = append(out, *doc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, notFound("document", documentID)
	}
	return out, nil
}
