package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/kartikbazzad/tabflow/internal/models"
	"github.com/kartikbazzad/tabflow/internal/storage"
	"github.com/kartikbazzad/tabflow/internal/store"
	"github.com/kartikbazzad/tabflow/internal/version"
)

// RegistryService manages collections, functions and their declared tables
// and references. Registering a function always creates a new immutable
// version and flips the function's current pointer to it.
type RegistryService struct {
	store   store.Store
	storage *storage.Client
	cache   *TemplateCache
}

// NewRegistryService creates a new RegistryService. The template cache is
// purged on every registration because a new function can change the
// trigger closure of existing ones.
func NewRegistryService(st store.Store, sc *storage.Client, cache *TemplateCache) *RegistryService {
	return &RegistryService{store: st, storage: sc, cache: cache}
}

// CreateCollection creates a collection with a unique name.
func (s *RegistryService) CreateCollection(ctx context.Context, name string) (*models.Collection, error) {
	if name == "" {
		return nil, fmt.Errorf("collection name is required")
	}
	now := time.Now().UTC()
	col := &models.Collection{
		ID:        uuid.New().String(),
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetCollectionByName(name); err == nil {
			return fmt.Errorf("collection %q already exists", name)
		}
		return tx.InsertCollection(col)
	})
	if err != nil {
		return nil, err
	}
	return col, nil
}

// ListCollections returns all collections.
func (s *RegistryService) ListCollections(ctx context.Context) ([]*models.Collection, error) {
	var cols []*models.Collection
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		cols, err = tx.ListCollections()
		return err
	})
	return cols, err
}

// GetCollectionByName looks up a collection.
func (s *RegistryService) GetCollectionByName(ctx context.Context, name string) (*models.Collection, error) {
	var col *models.Collection
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		col, err = tx.GetCollectionByName(name)
		return err
	})
	return col, err
}

// RefInput is one declared reference in a registration request.
type RefInput struct {
	Kind           models.RefKind `json:"kind"`
	CollectionName string         `json:"collection_name,omitempty"`
	TableName      string         `json:"table_name"`
	Expr           string         `json:"expr,omitempty"`
}

// RegisterInput describes one function registration.
type RegisterInput struct {
	Collection  string     `json:"collection"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Role        string     `json:"role,omitempty"`
	Outputs     []string   `json:"outputs"`
	Refs        []RefInput `json:"refs,omitempty"`

	// Bundle is the optional code archive; stored when object storage is
	// configured.
	Bundle     io.Reader `json:"-"`
	BundleSize int64     `json:"-"`
}

// RegisterFunction registers a function version: validates the declared
// references, claims or re-claims the output tables and flips the current
// version pointer. References are stored by name and resolved at plan time,
// so they may point at tables that do not exist yet, including the
// function's own outputs.
func (s *RegistryService) RegisterFunction(ctx context.Context, in RegisterInput) (*models.FunctionVersion, error) {
	if in.Name == "" {
		return nil, fmt.Errorf("function name is required")
	}
	if len(in.Outputs) == 0 {
		return nil, fmt.Errorf("function must declare at least one output table")
	}
	role := in.Role
	if role == "" {
		role = models.RoleTransformer
	}
	if role != models.RoleTransformer && role != models.RolePublisher {
		return nil, fmt.Errorf("unknown function role %q", in.Role)
	}
	if err := validateRefs(in.Refs, role); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	fv := &models.FunctionVersion{
		ID:          uuid.New().String(),
		Name:        in.Name,
		Description: in.Description,
		Role:        role,
		CreatedAt:   now,
	}

	col, err := s.GetCollectionByName(ctx, in.Collection)
	if err != nil {
		return nil, fmt.Errorf("failed to load collection %q: %w", in.Collection, err)
	}
	fv.CollectionID = col.ID

	// The bundle goes to object storage before the registration commits, so
	// a registered version never points at a missing bundle.
	if in.Bundle != nil && s.storage != nil && s.storage.Enabled() {
		key, err := s.storage.PutBundle(ctx, col.ID, fv.ID, in.Bundle, in.BundleSize)
		if err != nil {
			return nil, fmt.Errorf("failed to store bundle: %w", err)
		}
		fv.BundlePath = key
	}

	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		fn, err := tx.GetFunctionByName(col.ID, in.Name)
		if err != nil {
			if !errors.Is(err, models.ErrNotFound) {
				return err
			}
			fn = &models.Function{
				ID:           uuid.New().String(),
				CollectionID: col.ID,
				Name:         in.Name,
				CreatedAt:    now,
			}
			if err := tx.InsertFunction(fn); err != nil {
				return err
			}
		}
		fv.FunctionID = fn.ID
		if err := tx.InsertFunctionVersion(fv); err != nil {
			return err
		}

		for pos, name := range in.Outputs {
			table, err := tx.GetTableByName(col.ID, name)
			if err != nil {
				if !errors.Is(err, models.ErrNotFound) {
					return err
				}
				table = &models.Table{
					ID:           uuid.New().String(),
					CollectionID: col.ID,
					Name:         name,
					FunctionID:   fn.ID,
					CreatedAt:    now,
				}
				if err := tx.InsertTable(table); err != nil {
					return err
				}
			} else if table.FunctionID != fn.ID {
				return fmt.Errorf("table %q is already output by another function", name)
			}
			if err := tx.InsertTableVersion(&models.TableVersion{
				ID:                uuid.New().String(),
				TableID:           table.ID,
				FunctionVersionID: fv.ID,
				Pos:               pos,
				CreatedAt:         now,
			}); err != nil {
				return err
			}
		}

		for pos, ref := range in.Refs {
			if err := tx.InsertFunctionRef(&models.FunctionRef{
				ID:                uuid.New().String(),
				FunctionVersionID: fv.ID,
				Kind:              ref.Kind,
				CollectionName:    ref.CollectionName,
				TableName:         ref.TableName,
				Expr:              ref.Expr,
				Pos:               pos,
			}); err != nil {
				return err
			}
		}

		fn.CurrentVersionID = fv.ID
		fn.UpdatedAt = now
		return tx.UpdateFunction(fn)
	})
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		s.cache.Purge()
	}
	return fv, nil
}

// validateRefs checks declared references at registration time. Trigger
// references must carry single version expressions; "fire once per list
// element" has no defined semantics. Publishers take no references at all.
func validateRefs(refs []RefInput, role string) error {
	if role == models.RolePublisher && len(refs) > 0 {
		return fmt.Errorf("publisher functions cannot declare references")
	}
	for _, ref := range refs {
		if ref.TableName == "" {
			return fmt.Errorf("reference table name is required")
		}
		switch ref.Kind {
		case models.RefTrigger, models.RefDependency:
		default:
			return fmt.Errorf("unknown reference kind %q", ref.Kind)
		}
		if ref.Expr == "" {
			continue
		}
		expr, err := version.Parse(ref.Expr)
		if err != nil {
			return fmt.Errorf("reference %s: %w", ref.TableName, err)
		}
		if ref.Kind == models.RefTrigger && !expr.IsSingle() {
			return fmt.Errorf("trigger reference %s: %s: %w", ref.TableName, "lists and ranges are not allowed", models.ErrInvalidVersionExpr)
		}
	}
	return nil
}

// ListFunctions returns the functions of a collection.
func (s *RegistryService) ListFunctions(ctx context.Context, collectionName string) ([]*models.Function, error) {
	var fns []*models.Function
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		col, err := tx.GetCollectionByName(collectionName)
		if err != nil {
			return err
		}
		fns, err = tx.ListFunctions(col.ID)
		return err
	})
	return fns, err
}

// GetFunction returns a function and its current version.
func (s *RegistryService) GetFunction(ctx context.Context, collectionName, functionName string) (*models.Function, *models.FunctionVersion, error) {
	var fn *models.Function
	var fv *models.FunctionVersion
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		col, err := tx.GetCollectionByName(collectionName)
		if err != nil {
			return err
		}
		fn, err = tx.GetFunctionByName(col.ID, functionName)
		if err != nil {
			return err
		}
		if fn.CurrentVersionID != "" {
			fv, err = tx.GetFunctionVersion(fn.CurrentVersionID)
		}
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return fn, fv, nil
}

// ListTables returns the tables of a collection.
func (s *RegistryService) ListTables(ctx context.Context, collectionName string) ([]*models.Table, error) {
	var tables []*models.Table
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		col, err := tx.GetCollectionByName(collectionName)
		if err != nil {
			return err
		}
		tables, err = tx.ListTables(col.ID)
		return err
	})
	return tables, err
}

// ListTableDataVersions returns a table's data versions in natural order.
func (s *RegistryService) ListTableDataVersions(ctx context.Context, collectionName, tableName string) ([]*models.TableDataVersion, error) {
	var versions []*models.TableDataVersion
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		col, err := tx.GetCollectionByName(collectionName)
		if err != nil {
			return err
		}
		table, err := tx.GetTableByName(col.ID, tableName)
		if err != nil {
			return err
		}
		versions, err = tx.ListTableDataVersions(table.ID)
		return err
	})
	return versions, err
}

// ResolveDataURI returns the logical storage path of a table data version
// and, when object storage is configured, a presigned GET URL for it.
// Canceled and yanked versions have no resolvable data.
func (s *RegistryService) ResolveDataURI(ctx context.Context, collectionName, tableName, versionID string) (path, uri string, err error) {
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		col, err := tx.GetCollectionByName(collectionName)
		if err != nil {
			return err
		}
		table, err := tx.GetTableByName(col.ID, tableName)
		if err != nil {
			return err
		}
		dv, err := tx.GetTableDataVersion(versionID)
		if err != nil {
			return err
		}
		if dv.TableID != table.ID {
			return fmt.Errorf("data version %s: %w", versionID, models.ErrNotFound)
		}
		if dv.Status != models.DataCommitted {
			return fmt.Errorf("data version %s is %s: %w", versionID, dv.Status, models.ErrIllegalTransition)
		}
		path = fmt.Sprintf("%s/%s/%s", col.ID, table.ID, dv.ID)
		return nil
	})
	if err != nil {
		return "", "", err
	}
	if s.storage != nil && s.storage.Enabled() {
		uri, err = s.storage.PresignData(ctx, path, 15*time.Minute)
		if err != nil {
			return "", "", fmt.Errorf("failed to presign data path: %w", err)
		}
	}
	return path, uri, nil
}

// DeleteTable removes a table that no live reference points at.
func (s *RegistryService) DeleteTable(ctx context.Context, collectionName, tableName string) error {
	return s.store.WithTx(ctx, func(tx store.Tx) error {
		col, err := tx.GetCollectionByName(collectionName)
		if err != nil {
			return err
		}
		table, err := tx.GetTableByName(col.ID, tableName)
		if err != nil {
			return err
		}
		return tx.DeleteTable(table.ID)
	})
}
