package kvstore

import (
	"fmt"
	"os"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/token/edgengram"
	"github.com/blevesearch/bleve/v2/analysis/tokenizer/letter"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/carpecarp/rtags/pkg/symbol"
)

// mappingHashKey is the meta key recording which mapping definition built
// the current search index, so a library upgrade that changes analyzers
// triggers a rebuild instead of silently serving stale tokenization —
// adapted from the teacher's ensureCodeSearchMapping pattern.
const mappingHashKey = "search_mapping_hash"
const searchMappingHash = "rtags-symbols-v1"

// SymbolDoc is the bleve document indexed per symbol name.
type SymbolDoc struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
	USR  string `json:"usr"`
}

// SearchIndex wraps a bleve index over interned symbol names, adapted
// from pkg/store/code.go's buildCodeIndexMapping (edge-ngram + prefix
// analyzers tuned for camelCase/snake_case identifier search).
type SearchIndex struct {
	index bleve.Index
	path  string
}

// OpenSearchIndex opens the index at path, recreating it (a) if it does
// not exist or (b) if it was built with a different mapping, and (c)
// recovering automatically if the existing index is corrupt — mirroring
// openOrCreateCodeSearchIndex's self-healing behavior.
func OpenSearchIndex(path string) (*SearchIndex, error) {
	idx, err := bleve.Open(path)
	if err == nil {
		si := &SearchIndex{index: idx, path: path}
		if si.mappingStale() {
			storeLog.Printf("search index %s: mapping changed, rebuilding", path)
			_ = idx.Close()
			if err := os.RemoveAll(path); err != nil {
				return nil, fmt.Errorf("kvstore: remove stale search index: %w", err)
			}
			return createSearchIndex(path)
		}
		return si, nil
	}

	if err != bleve.ErrorIndexPathDoesNotExist {
		storeLog.Printf("search index %s: open failed (%v), recreating", path, err)
		_ = os.RemoveAll(path)
	}
	return createSearchIndex(path)
}

func createSearchIndex(path string) (*SearchIndex, error) {
	m, err := buildSymbolIndexMapping()
	if err != nil {
		return nil, err
	}
	idx, err := bleve.New(path, m)
	if err != nil {
		return nil, fmt.Errorf("kvstore: create search index: %w", err)
	}
	si := &SearchIndex{index: idx, path: path}
	if err := si.index.SetInternal([]byte(mappingHashKey), []byte(searchMappingHash)); err != nil {
		return nil, fmt.Errorf("kvstore: stamp mapping hash: %w", err)
	}
	return si, nil
}

func (si *SearchIndex) mappingStale() bool {
	raw, err := si.index.GetInternal([]byte(mappingHashKey))
	if err != nil {
		return true
	}
	return string(raw) != searchMappingHash
}

func buildSymbolIndexMapping() (mapping.IndexMapping, error) {
	im := bleve.NewIndexMapping()

	if err := im.AddCustomTokenFilter("edge_ngram_2_15",
		map[string]interface{}{
			"type": edgengram.Name,
			"min":  2.0,
			"max":  15.0,
		}); err != nil {
		return nil, fmt.Errorf("kvstore: add edge-ngram filter: %w", err)
	}

	if err := im.AddCustomAnalyzer("symbol_prefix",
		map[string]interface{}{
			"type":          custom.Name,
			"tokenizer":     letter.Name,
			"token_filters": []string{"to_lower", "edge_ngram_2_15"},
		}); err != nil {
		return nil, fmt.Errorf("kvstore: add symbol_prefix analyzer: %w", err)
	}

	nameField := bleve.NewTextFieldMapping()
	nameField.Analyzer = "symbol_prefix"

	kindField := bleve.NewTextFieldMapping()
	kindField.Analyzer = "keyword"

	usrField := bleve.NewTextFieldMapping()
	usrField.Analyzer = "keyword"
	usrField.Index = true

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("name", nameField)
	doc.AddFieldMappingsAt("kind", kindField)
	doc.AddFieldMappingsAt("usr", usrField)

	im.DefaultMapping = doc
	return im, nil
}

// Close closes the underlying bleve index.
func (si *SearchIndex) Close() error {
	return si.index.Close()
}

// IndexSymbol adds or updates the search document for a symbol name.
func (si *SearchIndex) IndexSymbol(id string, doc SymbolDoc) error {
	return si.index.Index(id, doc)
}

// DeleteSymbol removes the search document for id.
func (si *SearchIndex) DeleteSymbol(id string) error {
	return si.index.Delete(id)
}

// FindSymbols runs a disjunction of an analyzed match and a substring
// wildcard, both on the name field only (no kind filter), adapted from
// code.go's SearchSymbols multi-strategy query, and returns the matching
// document ids, which are the symbol names.
func (si *SearchIndex) FindSymbols(query string, limit int) ([]string, error) {
	prefixQ := bleve.NewMatchQuery(query)
	prefixQ.SetField("name")
	wildcardQ := bleve.NewWildcardQuery("*" + query + "*")
	wildcardQ.SetField("name")

	disjunction := bleve.NewDisjunctionQuery(prefixQ, wildcardQ)
	req := bleve.NewSearchRequestOptions(disjunction, limit, 0, false)

	result, err := si.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("kvstore: search symbols: %w", err)
	}

	names := make([]string, 0, len(result.Hits))
	for _, hit := range result.Hits {
		names = append(names, hit.ID)
	}
	return names, nil
}

// locationDocID builds a stable document id for a symbol occurrence so
// re-indexing the same location updates rather than duplicates it,
// satisfying the no-new-writes idempotence property (R2) at the search
// layer too.
func locationDocID(loc symbol.Location) string {
	return fmt.Sprintf("%d:%d", loc.Path, loc.Offset)
}
