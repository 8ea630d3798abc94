package store

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/JakeFAU/product-3d-pipeline/internal/pipeline"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Tables names the relations used by SQL backends.
type Tables struct {
	Products string
	Stages   string
	Tasks    string
}

// DefaultTables returns the stock table names.
func DefaultTables() Tables {
	return Tables{
		Products: "products",
		Stages:   "processing_stages",
		Tasks:    "generation_tasks",
	}
}

// WithDefaults fills empty names from DefaultTables.
func (t Tables) WithDefaults() Tables {
	def := DefaultTables()
	if t.Products == "" {
		t.Products = def.Products
	}
	if t.Stages == "" {
		t.Stages = def.Stages
	}
	if t.Tasks == "" {
		t.Tasks = def.Tasks
	}
	return t
}

// Validate rejects names that cannot be interpolated into SQL safely.
func (t Tables) Validate() error {
	for _, name := range []string{t.Products, t.Stages, t.Tasks} {
		if !validTableName.MatchString(name) {
			return fmt.Errorf("invalid table name %q", name)
		}
	}
	return nil
}

// EncodeProduct serializes a product into the document column.
func EncodeProduct(p pipeline.Product) ([]byte, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal product %s: %w", p.ID, err)
	}
	return payload, nil
}

// DecodeProduct parses the document column.
func DecodeProduct(payload []byte) (pipeline.Product, error) {
	var p pipeline.Product
	if err := json.Unmarshal(payload, &p); err != nil {
		return pipeline.Product{}, fmt.Errorf("unmarshal product: %w", err)
	}
	return p, nil
}

// EncodeTask serializes a task into the document column.
func EncodeTask(t pipeline.ExternalTask) ([]byte, error) {
	payload, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal task %s: %w", t.ID, err)
	}
	return payload, nil
}

// DecodeTask parses the document column.
func DecodeTask(payload []byte) (pipeline.ExternalTask, error) {
	var t pipeline.ExternalTask
	if err := json.Unmarshal(payload, &t); err != nil {
		return pipeline.ExternalTask{}, fmt.Errorf("unmarshal task: %w", err)
	}
	return t, nil
}
