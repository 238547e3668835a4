// Package postgres stores documents in PostgreSQL through GORM.
//
// Documents live in a documents table mapped from [models.Document]. The
// caller's role on each document is kept in a separate document_roles table;
// a document without a row there is owned by the caller.
//
//	st, err := postgres.NewPostgresStore(dsn)
//	if err != nil {
//		return err
//	}
//	defer st.Close()
//
//	if err := st.Migrate(ctx); err != nil {
//		return err
//	}
package postgres

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/collabdoc/docsync/pkg/constants"
	"github.com/collabdoc/docsync/pkg/models"
	"github.com/collabdoc/docsync/pkg/store"
)

// documentRole is the caller's role override for one document.
type documentRole struct {
	DocumentID models.DocumentID `gorm:"primaryKey"`
	Role       models.Role       `gorm:"not null"`
}

func (documentRole) TableName() string { return "document_roles" }

// PostgresStore implements store.Store using PostgreSQL with GORM.
type PostgresStore struct {
	db *gorm.DB
}

var _ store.Store = (*PostgresStore)(nil)

// NewPostgresStore connects to the database at dsn.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// Migrate creates the documents and document_roles tables if missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&models.Document{},
		&documentRole{},
	)
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *PostgresStore) GetDocument(ctx context.Context, id models.DocumentID) (*models.Document, error) {
	var doc models.Document
	err := s.db.WithContext(ctx).First(&doc, "id = ?", id).Error
	if err != nil {
		return nil, notFound(id, err)
	}
	if err := s.withRoles(ctx, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *PostgresStore) UpdateDocument(ctx context.Context, id models.DocumentID, update models.DocumentUpdate) (*models.Document, error) {
	var doc models.Document
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&doc, "id = ?", id).Error; err != nil {
			return notFound(id, err)
		}
		if err := s.withRoles(ctx, &doc); err != nil {
			return err
		}
		if !doc.Role.CanEdit() {
			return fmt.Errorf("update document %d: %w", id, constants.ErrForbidden)
		}
		update.Apply(&doc)
		return tx.Save(&doc).Error
	})
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *PostgresStore) CreateDocument(ctx context.Context, nd models.NewDocument) (*models.Document, error) {
	if nd.ParentID != nil {
		var count int64
		if err := s.db.WithContext(ctx).Model(&models.Document{}).Where("id = ?", *nd.ParentID).Count(&count).Error; err != nil {
			return nil, err
		}
		if count == 0 {
			return nil, fmt.Errorf("create document under %d: %w", *nd.ParentID, constants.ErrNotFound)
		}
	}

	content := nd.Content
	if content.Blocks == nil {
		content = models.EmptyContent()
	}
	doc := &models.Document{
		Title:    nd.Title,
		Content:  content,
		ParentID: nd.ParentID,
		Icon:     nd.Icon,
	}
	if err := s.db.WithContext(ctx).Create(doc).Error; err != nil {
		return nil, err
	}
	doc.Role = models.RoleOwner
	return doc, nil
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, id models.DocumentID) error {
	doc, err := s.GetDocument(ctx, id)
	if err != nil {
		return err
	}
	if !doc.Role.CanEdit() {
		return fmt.Errorf("delete document %d: %w", id, constants.ErrForbidden)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&documentRole{}, "document_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Document{}, "id = ?", id).Error
	})
}

func (s *PostgresStore) ListRootDocuments(ctx context.Context) ([]*models.Document, error) {
	var docs []*models.Document
	err := s.db.WithContext(ctx).Where("parent_id IS NULL").Order("id").Find(&docs).Error
	if err != nil {
		return nil, err
	}
	return docs, s.withRoles(ctx, docs...)
}

func (s *PostgresStore) ListChildDocuments(ctx context.Context, parentID models.DocumentID) ([]*models.Document, error) {
	var docs []*models.Document
	err := s.db.WithContext(ctx).Where("parent_id = ?", parentID).Order("id").Find(&docs).Error
	if err != nil {
		return nil, err
	}
	return docs, s.withRoles(ctx, docs...)
}

// SetRole records the caller's role on id.
func (s *PostgresStore) SetRole(ctx context.Context, id models.DocumentID, role models.Role) error {
	return s.db.WithContext(ctx).Save(&documentRole{DocumentID: id, Role: role}).Error
}

func (s *PostgresStore) withRoles(ctx context.Context, docs ...*models.Document) error {
	if len(docs) == 0 {
		return nil
	}
	ids := make([]models.DocumentID, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.ID)
	}

	var roles []documentRole
	if err := s.db.WithContext(ctx).Where("document_id IN ?", ids).Find(&roles).Error; err != nil {
		return err
	}
	byID := make(map[models.DocumentID]models.Role, len(roles))
	for _, r := range roles {
		byID[r.DocumentID] = r.Role
	}
	for _, d := range docs {
		d.Role = models.RoleOwner
		if r, ok := byID[d.ID]; ok {
			d.Role = r
		}
	}
	return nil
}

func notFound(id models.DocumentID, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("document %d: %w", id, constants.ErrNotFound)
	}
	return err
}
