// Package provision makes sure the destination dataset and table exist with a
// schema an inferred schema can be loaded into.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"csv-ingest/internal/domain"
)

// Result describes what Ensure did.
type Result struct {
	// Created is true when this call created the table.
	Created bool
	// LoadSchema is the inferred column order with the table's column types.
	// The transform job coerces against it.
	LoadSchema domain.InferredSchema
}

// Provisioner creates datasets and tables on demand and never alters an
// existing table.
type Provisioner struct {
	tables domain.TableStore
	logger *slog.Logger
}

// New creates a Provisioner.
func New(tables domain.TableStore, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{tables: tables, logger: logger}
}

// Ensure creates the dataset and table when absent. An existing table is
// accepted when it has the same columns and each column type is at least as
// general as the inferred one; anything else is a ProvisioningConflictError.
func (p *Provisioner) Ensure(ctx context.Context, table domain.TableIdentifier, inferred domain.InferredSchema) (*Result, error) {
	if err := inferred.Validate(); err != nil {
		return nil, err
	}

	if err := p.tables.EnsureDataset(ctx, table.Project, table.Dataset); err != nil {
		return nil, fmt.Errorf("ensure dataset %s: %w", table.Dataset, err)
	}

	existing, err := p.tables.GetTableSchema(ctx, table)
	if err == nil {
		return p.compare(table, existing, inferred)
	}
	var nf *domain.NotFoundError
	if !errors.As(err, &nf) {
		return nil, fmt.Errorf("get table %s: %w", table, err)
	}

	err = p.tables.CreateTable(ctx, table, inferred)
	if err == nil {
		p.logger.Info("table created", "table", table.String(), "schema", inferred.String())
		return &Result{Created: true, LoadSchema: inferred}, nil
	}
	var conflict *domain.ConflictError
	if !errors.As(err, &conflict) {
		return nil, fmt.Errorf("create table %s: %w", table, err)
	}

	// Another delivery created it between our get and create.
	existing, err = p.tables.GetTableSchema(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("get table %s after create race: %w", table, err)
	}
	return p.compare(table, existing, inferred)
}

func (p *Provisioner) compare(table domain.TableIdentifier, existing, inferred domain.InferredSchema) (*Result, error) {
	load, diffs := Compatible(existing, inferred)
	if len(diffs) > 0 {
		return nil, &domain.ProvisioningConflictError{Table: table.String(), Differences: diffs}
	}
	return &Result{LoadSchema: load}, nil
}

// Compatible checks that inferred can be loaded into existing without a
// schema change. It returns the load schema, or the list of differences.
func Compatible(existing, inferred domain.InferredSchema) (domain.InferredSchema, []string) {
	tableTypes := make(map[string]domain.ScalarType, len(existing.Columns))
	for _, c := range existing.Columns {
		tableTypes[c.Name] = c.Type
	}

	var diffs []string
	load := domain.InferredSchema{Columns: make([]domain.Column, 0, len(inferred.Columns))}
	seen := make(map[string]bool, len(inferred.Columns))
	for _, c := range inferred.Columns {
		seen[c.Name] = true
		tt, ok := tableTypes[c.Name]
		if !ok {
			diffs = append(diffs, fmt.Sprintf("column %q is not in the table", c.Name))
			continue
		}
		if domain.Widen(tt, c.Type) != tt {
			diffs = append(diffs, fmt.Sprintf("column %q is %s in the table but %s in the file", c.Name, tt, c.Type))
			continue
		}
		load.Columns = append(load.Columns, domain.Column{Name: c.Name, Type: tt})
	}

	var missing []string
	for name := range tableTypes {
		if !seen[name] {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	for _, name := range missing {
		diffs = append(diffs, fmt.Sprintf("column %q is missing from the file", name))
	}

	return load, diffs
}
