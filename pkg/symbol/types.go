// Package symbol defines the domain types shared across the indexer,
// the KV store adapter, and the dispatcher: path ids, locations, cursor
// info and the small set of enums that describe them.
package symbol

import "fmt"

// PathID is a process-wide, monotonically increasing identifier assigned to
// an absolute, canonicalized path. Zero is reserved for "no path".
type PathID uint32

// Location is a point inside a translation unit: a path id plus a byte
// offset into that file. A Location is null when PathID is zero.
type Location struct {
	Path   PathID `json:"path"`
	Offset uint32 `json:"offset"`
}

// NullLocation is the zero value, used to mean "no location".
var NullLocation = Location{}

// IsNull reports whether l carries no path id.
func (l Location) IsNull() bool {
	return l.Path == 0
}

func (l Location) String() string {
	if l.IsNull() {
		return "<null>"
	}
	return fmt.Sprintf("%d:%d", l.Path, l.Offset)
}

// Kind is the cursor kind recorded for a location: what sort of symbol
// occupies it.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindFunction
	KindVariable
	KindClass
	KindStruct
	KindEnum
	KindTypedef
	KindMacro
	KindNamespace
	KindField
	KindMethod
	KindConstructor
	KindDestructor
	KindParameter
)

func (k Kind) String() string {
	switch k {
	case KindFunction:
		return "function"
	case KindVariable:
		return "variable"
	case KindClass:
		return "class"
	case KindStruct:
		return "struct"
	case KindEnum:
		return "enum"
	case KindTypedef:
		return "typedef"
	case KindMacro:
		return "macro"
	case KindNamespace:
		return "namespace"
	case KindField:
		return "field"
	case KindMethod:
		return "method"
	case KindConstructor:
		return "constructor"
	case KindDestructor:
		return "destructor"
	case KindParameter:
		return "parameter"
	default:
		return "unknown"
	}
}

// isDeclarationLike reports whether k typically denotes a forward
// declaration rather than a definition. Used by CursorInfo.Unite to decide
// which side's Kind wins when both sides disagree.
func (k Kind) isDeclarationLike() bool {
	switch k {
	case KindUnknown, KindTypedef:
		return true
	default:
		return false
	}
}

// ReferenceKind classifies a reference between two locations. Only
// non-Normal kinds induce the bidirectional back-link behavior described
// in the indexer aggregator's merge rules.
type ReferenceKind uint8

const (
	RefNormal ReferenceKind = iota
	RefMemberFunction
	RefGlobalFunction
	RefBaseClass
	RefMacroExpansion
	RefInclude
)

func (rk ReferenceKind) String() string {
	switch rk {
	case RefMemberFunction:
		return "member-function"
	case RefGlobalFunction:
		return "global-function"
	case RefBaseClass:
		return "base-class"
	case RefMacroExpansion:
		return "macro-expansion"
	case RefInclude:
		return "include"
	default:
		return "normal"
	}
}

// SourceInfo describes one translation unit: the file being compiled, the
// compiler binary invoked, and the ordered argument list. Two SourceInfo
// values are "clean" (structurally equal) when Compiler and Args match
// exactly and Path is the same file.
type SourceInfo struct {
	Path     string   `json:"path"`
	Compiler string   `json:"compiler"`
	Args     []string `json:"args"`
}

// Equal reports structural equality, used to decide whether re-indexing a
// file with an unchanged command can be skipped.
func (s SourceInfo) Equal(o SourceInfo) bool {
	if s.Path != o.Path || s.Compiler != o.Compiler {
		return false
	}
	if len(s.Args) != len(o.Args) {
		return false
	}
	for i := range s.Args {
		if s.Args[i] != o.Args[i] {
			return false
		}
	}
	return true
}

// CursorInfo is the indexer's per-location record.
type CursorInfo struct {
	Kind       Kind                  `json:"kind"`
	Target     Location              `json:"target"`
	References map[Location]struct{} `json:"-"`
	USR        string                `json:"usr"`
	Symbol     string                `json:"symbol"`
}

// NewCursorInfo builds an empty CursorInfo with an initialized reference set.
func NewCursorInfo() *CursorInfo {
	return &CursorInfo{References: make(map[Location]struct{})}
}

// Clone returns a deep copy so merges never alias a caller's maps.
func (c *CursorInfo) Clone() *CursorInfo {
	if c == nil {
		return nil
	}
	clone := &CursorInfo{
		Kind:   c.Kind,
		Target: c.Target,
		USR:    c.USR,
		Symbol: c.Symbol,
	}
	clone.References = make(map[Location]struct{}, len(c.References))
	for loc := range c.References {
		clone.References[loc] = struct{}{}
	}
	return clone
}

// Unite merges incoming into the receiver per the aggregator's "unite"
// rule: union the reference sets, fill a null target from incoming,
// prefer incoming's kind only when the receiver's is declaration-like
// and incoming's is not, and fill an empty usr or symbol name from
// incoming. Returns true if the receiver was modified.
func (c *CursorInfo) Unite(incoming *CursorInfo) bool {
	changed := false
	if c.References == nil {
		c.References = make(map[Location]struct{})
	}
	for loc := range incoming.References {
		if _, ok := c.References[loc]; !ok {
			c.References[loc] = struct{}{}
			changed = true
		}
	}
	if c.Target.IsNull() && !incoming.Target.IsNull() {
		c.Target = incoming.Target
		changed = true
	}
	if c.Kind.isDeclarationLike() && !incoming.Kind.isDeclarationLike() {
		c.Kind = incoming.Kind
		changed = true
	}
	if c.USR == "" && incoming.USR != "" {
		c.USR = incoming.USR
		changed = true
	}
	if c.Symbol == "" && incoming.Symbol != "" {
		c.Symbol = incoming.Symbol
		changed = true
	}
	return changed
}

// FileInfo is the last-writer-wins record kept per translation unit: the
// compile arguments it was last indexed with, and when.
type FileInfo struct {
	Args       []string `json:"args"`
	LastTouched int64   `json:"last_touched"`
}

// ProjectKind distinguishes how a project's source root was ingested.
type ProjectKind uint8

const (
	ProjectIndexer ProjectKind = iota // driven by a build-tool dry run (makefile)
	ProjectGRTags                     // a pre-existing GRTAGS directory
	ProjectSmart                      // recursive file discovery, no build tool
)

func (pk ProjectKind) String() string {
	switch pk {
	case ProjectGRTags:
		return "GRTags"
	case ProjectSmart:
		return "Smart"
	default:
		return "Indexer"
	}
}
