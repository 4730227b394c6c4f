package pipeline

import (
	"github.com/dgraph-io/ristretto/v2"
	"github.com/dgryski/go-farm"
	"github.com/pkg/errors"
	"github.com/vektah/gqlparser/v2/ast"
)

type storedDocument struct {
	query string
	doc   *ast.QueryDocument
}

// DocumentStore caches parsed and validated documents by query text.
// Cached documents are shared between requests and must not be mutated.
type DocumentStore struct {
	c *ristretto.Cache[uint64, storedDocument]
}

// NewDocumentStore creates a store holding up to maxDocuments documents.
func NewDocumentStore(maxDocuments int64) (*DocumentStore, error) {
	if maxDocuments <= 0 {
		return nil, errors.Errorf("document store: size must be positive, got %d", maxDocuments)
	}
	c, err := ristretto.NewCache(&ristretto.Config[uint64, storedDocument]{
		NumCounters: maxDocuments * 10,
		MaxCost:     maxDocuments,
		BufferItems: 64,

		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "document store")
	}
	return &DocumentStore{c: c}, nil
}

func (s *DocumentStore) Get(query string) (*ast.QueryDocument, bool) {
	v, ok := s.c.Get(farm.Fingerprint64([]byte(query)))
	if !ok || v.query != query {
		return nil, false
	}
	return v.doc, true
}

func (s *DocumentStore) Put(query string, doc *ast.QueryDocument) {
	s.c.Set(farm.Fingerprint64([]byte(query)), storedDocument{query: query, doc: doc}, 1)
	s.c.Wait()
}

// Close stops the store's background goroutines.
func (s *DocumentStore) Close() { s.c.Close() }
