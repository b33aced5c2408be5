package extract

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/store"
)

// Reader reads structured JSON artifacts from the shared store and extracts
// fields by path.
type Reader struct {
	store  store.Store
	logger *zap.Logger
}

// NewReader creates a reader over the given store.
func NewReader(st store.Store, logger *zap.Logger) (*Reader, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reader{store: st, logger: logger}, nil
}

// Document is a parsed, well-formed JSON artifact.
type Document struct {
	raw []byte
}

// ReadDocument opens and validates the artifact at path. A missing artifact
// returns an error wrapping errors.ErrNotFound so the caller can substitute
// placeholder values while the upstream unit has not completed yet. A
// present but malformed artifact returns errors.ErrParseFailure.
func (r *Reader) ReadDocument(ctx context.Context, path string) (Document, error) {
	data, err := r.store.ReadFile(ctx, path)
	if err != nil {
		if errors.IsNotFound(err) {
			r.logger.Debug("Artifact not produced yet", zap.String("path", path))
			return Document{}, err
		}
		return Document{}, err
	}

	if !gjson.ValidBytes(data) {
		return Document{}, fmt.Errorf("%w: %s", errors.ErrParseFailure, path)
	}

	return Document{raw: data}, nil
}

// Get navigates fieldPath, a dotted sequence of object keys and array
// indices (e.g. "kakarot.address" or "accounts.0.hash"), and returns the
// value found there. Navigation through a missing intermediate key yields
// the null value, not an error.
func (d Document) Get(fieldPath string) Value {
	if len(d.raw) == 0 {
		return Null()
	}
	fieldPath = strings.TrimSpace(fieldPath)
	if fieldPath == "" {
		return fromGJSON(gjson.ParseBytes(d.raw))
	}
	return fromGJSON(gjson.GetBytes(d.raw, fieldPath))
}

// ReadField is a convenience combining ReadDocument and Get.
func (r *Reader) ReadField(ctx context.Context, path, fieldPath string) (Value, error) {
	doc, err := r.ReadDocument(ctx, path)
	if err != nil {
		return Null(), err
	}
	return doc.Get(fieldPath), nil
}
