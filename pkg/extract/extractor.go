package extract

import (
	"context"
	"fmt"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/store"
)

// Mapping binds one environment key to a field path inside a source
// document, with an optional transform expression.
type Mapping struct {
	// Key is the environment variable name to produce.
	Key string
	// Document is the store path of the JSON artifact to read from.
	Document string
	// FieldPath is the dotted path of the field inside the document.
	FieldPath string
	// Transform is an optional JavaScript expression applied to the value.
	Transform string

	transform *Transform
}

// Extractor is the run-to-completion unit that turns structured deployment
// artifacts into a flat environment file. A missing source document is
// tolerated: every mapping sourced from it yields null and the environment
// file is still written. A malformed document or a store write fault fails
// the attempt.
type Extractor struct {
	store   store.Store
	reader  *Reader
	output  string
	mapping []Mapping
	logger  *zap.Logger
}

// NewExtractor validates the mapping table and compiles any transforms.
func NewExtractor(st store.Store, output string, mappings []Mapping, logger *zap.Logger) (*Extractor, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if output == "" {
		return nil, fmt.Errorf("output path cannot be empty")
	}
	if len(mappings) == 0 {
		return nil, fmt.Errorf("at least one mapping is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	seen := make(map[string]bool, len(mappings))
	compiled := make([]Mapping, len(mappings))
	for i, m := range mappings {
		if m.Key == "" {
			return nil, fmt.Errorf("mapping %d: key cannot be empty", i)
		}
		if seen[m.Key] {
			return nil, fmt.Errorf("duplicate environment key %q", m.Key)
		}
		seen[m.Key] = true
		if m.Document == "" {
			return nil, fmt.Errorf("mapping %q: document path cannot be empty", m.Key)
		}
		if m.FieldPath == "" {
			return nil, fmt.Errorf("mapping %q: field path cannot be empty", m.Key)
		}
		compiled[i] = m
		if m.Transform != "" {
			t, err := CompileTransform(m.Transform)
			if err != nil {
				return nil, fmt.Errorf("mapping %q: %w", m.Key, err)
			}
			compiled[i].transform = t
		}
	}

	reader, err := NewReader(st, logger)
	if err != nil {
		return nil, err
	}

	return &Extractor{
		store:   st,
		reader:  reader,
		output:  output,
		mapping: compiled,
		logger:  logger,
	}, nil
}

// Output returns the store path of the produced environment file.
func (e *Extractor) Output() string {
	return e.output
}

// Run performs one extraction attempt: read each referenced document once,
// resolve every mapping, and atomically replace the environment file. The
// returned error carries the shared taxonomy: nil for success (process exit 0),
// ErrParseFailure or ErrWriteFailed otherwise.
func (e *Extractor) Run(ctx context.Context) error {
	start := time.Now()

	docs := make(map[string]Document)
	for _, m := range e.mapping {
		if _, done := docs[m.Document]; done {
			continue
		}
		doc, err := e.reader.ReadDocument(ctx, m.Document)
		if err != nil {
			if errors.IsNotFound(err) {
				// Tolerated: fields sourced from an absent document render
				// as null so downstream consumers still receive the file.
				e.logger.Warn("Source document absent, emitting null values",
					zap.String("document", m.Document))
				docs[m.Document] = Document{}
				continue
			}
			return errors.NewError("READ_FAILURE",
				fmt.Sprintf("loading %s", m.Document), err)
		}
		docs[m.Document] = doc
	}

	rec := NewRecord()
	for _, m := range e.mapping {
		value := docs[m.Document].Get(m.FieldPath)
		if m.transform != nil && !value.IsNull() {
			transformed, err := m.transform.Apply(value)
			if err != nil {
				return errors.NewError("TRANSFORM_FAILURE",
					fmt.Sprintf("mapping %s", m.Key), err)
			}
			value = transformed
		}
		if err := rec.Set(m.Key, value); err != nil {
			return err
		}
	}

	if err := WriteRecord(ctx, e.store, e.output, rec); err != nil {
		return errors.NewError("WRITE_FAILURE",
			fmt.Sprintf("replacing %s", e.output), err)
	}

	e.logger.Info("Extraction complete",
		zap.String("output", e.output),
		zap.Int("keys", rec.Len()),
		zap.Duration("elapsed", time.Since(start)))

	return nil
}

// Default artifact names within a network sub-path of the store.
const (
	DeploymentsDocument  = "deployments.json"
	DeclarationsDocument = "declared_classes.json"
)

// KakarotMappings returns the mapping table for a Kakarot devnet deployment.
// networkDir is the network-specific sub-path holding the deployment
// manifest and class-declaration documents (e.g. "deployments/katana").
func KakarotMappings(networkDir string) []Mapping {
	deployments := path.Join(networkDir, DeploymentsDocument)
	declarations := path.Join(networkDir, DeclarationsDocument)

	return []Mapping{
		{Key: "KAKAROT_ADDRESS", Document: deployments, FieldPath: "kakarot.address"},
		{Key: "DEPLOYER_ACCOUNT_ADDRESS", Document: deployments, FieldPath: "deployer_account.address"},
		{Key: "UNINITIALIZED_ACCOUNT_CLASS_HASH", Document: declarations, FieldPath: "uninitialized_account"},
		{Key: "ACCOUNT_CONTRACT_CLASS_HASH", Document: declarations, FieldPath: "account_contract"},
	}
}
