// Package frontend names the TranslationUnitProvider contract (§6 of the
// spec, introduced as "the C/C++ parser frontend... an opaque
// TranslationUnitProvider"). The daemon itself never depends on a
// concrete implementation, only on this interface; pkg/frontend/treesitter
// and pkg/frontend/dlopen are the two reference implementations that ship
// with it.
package frontend

import (
	"context"

	"github.com/carpecarp/rtags/pkg/symbol"
)

// ParsedSymbol is one definition/declaration extracted from a
// translation unit, positioned by byte offset within its own file so the
// caller can intern it into a symbol.Location.
type ParsedSymbol struct {
	Name       string
	Kind       symbol.Kind
	USR        string
	Offset     uint32
	BodyOffset uint32
	BodyEnd    uint32
}

// ParsedReference is one reference (call, type use, include, base-class)
// found in a translation unit.
type ParsedReference struct {
	Name   string
	Kind   symbol.ReferenceKind
	Offset uint32
}

// ParseResult is everything one translation unit parse produces: the
// symbols it defines, the references it makes, and the other files it
// was observed to depend on (via #include), feeding the indexer's
// addSymbols/addReferences/addDependencies producer calls.
type ParseResult struct {
	Symbols      []ParsedSymbol
	References   []ParsedReference
	Dependencies []string // included files, as spelled by the provider (treesitter: the #include text)
}

// TranslationUnitProvider is the external C/C++ frontend contract. Parse
// is given one translation unit's source information (file, compiler,
// args) and the file's current contents, and returns everything the
// indexer aggregator needs to merge into its staging buffer.
type TranslationUnitProvider interface {
	// Parse compiles cmd as one translation unit and extracts symbols,
	// references, and dependencies. Implementations must honor ctx
	// cancellation promptly — a cancelled parse is not an error, it is a
	// silently discarded job per §7 ("parse failure, cancelled job: the
	// job finishes silently with no output").
	Parse(ctx context.Context, cmd symbol.SourceInfo, content []byte) (*ParseResult, error)

	// Close releases any resources (loaded grammars, open library
	// handles) held by the provider.
	Close() error
}
