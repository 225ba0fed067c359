package metadata

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/mohitkumar/streamflow/logger"
	"github.com/mohitkumar/streamflow/model"
	"github.com/mohitkumar/streamflow/router"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Definitions are the workflows and routes read from definition files. A
// file may hold either list or both.
type Definitions struct {
	Workflows []model.Workflow  `json:"workflows,omitempty"`
	Routes    []router.RouteDef `json:"routes,omitempty"`
}

// Merge appends other. Routes keep their order: the receiver's routes are
// evaluated first.
func (d *Definitions) Merge(other *Definitions) {
	if other == nil {
		return
	}
	d.Workflows = append(d.Workflows, other.Workflows...)
	d.Routes = append(d.Routes, other.Routes...)
}

// ParseDefinitions reads a YAML or JSON document. Keys follow the JSON names
// of the model types; unknown keys are rejected.
func ParseDefinitions(data []byte) (*Definitions, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse definitions: %w", err)
	}
	if doc == nil {
		return &Definitions{}, nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to convert definitions: %w", err)
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	defs := &Definitions{}
	if err := decoder.Decode(defs); err != nil {
		return nil, fmt.Errorf("invalid definitions: %w", err)
	}
	return defs, nil
}

// LoadDefinitions reads every .yaml, .yml and .json file below dir in
// lexical order, so routes of "10-x.yaml" come before those of "20-y.yaml".
func LoadDefinitions(fsys fs.FS, dir string) (*Definitions, error) {
	all := &Definitions{}
	err := fs.WalkDir(fsys, dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(path.Ext(p)) {
		case ".yaml", ".yml", ".json":
		default:
			return nil
		}
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return err
		}
		defs, err := ParseDefinitions(data)
		if err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
		all.Merge(defs)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return all, nil
}

// Install saves every workflow. Definitions are validated against the
// registered adapters, so adapters must be registered first.
func (d *Definitions) Install(ctx context.Context, svc MetadataService) error {
	for _, wf := range d.Workflows {
		if err := svc.SaveWorkflow(ctx, wf); err != nil {
			return fmt.Errorf("workflow %s: %w", wf.Name, err)
		}
	}
	logger.Info("definitions installed", zap.Int("workflows", len(d.Workflows)), zap.Int("routes", len(d.Routes)))
	return nil
}
