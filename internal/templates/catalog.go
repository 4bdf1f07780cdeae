package templates

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// ErrTemplateNotFound indicates that no template exists for the identifier.
var ErrTemplateNotFound = errors.New("templates: template not found")

// Catalog is the read-only lookup the chain scheduler and delivery processor
// query for sequence content.
type Catalog struct {
	db *gorm.DB
}

// NewCatalog wraps a database handle in a Catalog.
func NewCatalog(db *gorm.DB) *Catalog {
	return &Catalog{db: db}
}

// FindPersonal returns the templates bound to one quiz in a geography,
// ordered by step ascending.
func (c *Catalog) FindPersonal(ctx context.Context, quizID int64, geo string) ([]Template, error) {
	var result []Template
	err := c.db.WithContext(ctx).
		Where("quiz_id = ? AND geo = ?", quizID, geo).
		Order("step ASC").
		Find(&result).Error
	return result, err
}

// FindGeneral returns the templates with no quiz affinity for a geography,
// ordered by step ascending.
func (c *Catalog) FindGeneral(ctx context.Context, geo string) ([]Template, error) {
	var result []Template
	err := c.db.WithContext(ctx).
		Where("quiz_id IS NULL AND geo = ?", geo).
		Order("step ASC").
		Find(&result).Error
	return result, err
}

// FindByID loads a single template. Returns ErrTemplateNotFound when absent.
func (c *Catalog) FindByID(ctx context.Context, id int64) (*Template, error) {
	var tmpl Template
	err := c.db.WithContext(ctx).Take(&tmpl, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTemplateNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tmpl, nil
}
