// Package treesitter is the default, in-process TranslationUnitProvider:
// a tree-sitter-c/tree-sitter-cpp-backed parser that ships built into the
// daemon so it works without a separately built frontend shared library.
//
// Adapted from pkg/code/parser.go's per-language query-cache design
// (getLanguage/getTagQuery lazy-load-and-cache pattern), restricted to
// the two C-family grammars compiled into the teacher's builtin.go
// registry; the other 20+ languages it registers are not wired here (see
// DESIGN.md).
package treesitter

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	tree_sitter "github.com/tree-sitter/go-tree-sitter"
	tree_sitter_c "github.com/tree-sitter/tree-sitter-c/bindings/go"
	tree_sitter_cpp "github.com/tree-sitter/tree-sitter-cpp/bindings/go"

	"github.com/carpecarp/rtags/pkg/frontend"
	"github.com/carpecarp/rtags/pkg/symbol"
)

// tagQuery extracts definitions: functions, structs, enums, typedefs,
// and variables, tagged by capture name so mapDefinitionKind can classify them
// without a second pass over the tree.
const tagQueryC = `
(function_definition declarator: (function_declarator declarator: (identifier) @name)) @definition.function
(struct_specifier name: (type_identifier) @name) @definition.struct
(enum_specifier name: (type_identifier) @name) @definition.enum
(type_definition declarator: (type_identifier) @name) @definition.typedef
(declaration declarator: (identifier) @name) @definition.variable
`

const tagQueryCpp = tagQueryC + `
(class_specifier name: (type_identifier) @name) @definition.class
(function_definition declarator: (function_declarator declarator: (field_identifier) @name)) @definition.method
(namespace_definition name: (namespace_identifier) @name) @definition.namespace
`

const refQueryC = `
(call_expression function: (identifier) @name) @reference.call
(call_expression function: (field_expression field: (field_identifier) @name)) @reference.call
(type_identifier) @name @reference.type
`

const refQueryCpp = refQueryC

// Provider is the tree-sitter-backed TranslationUnitProvider for C/C++.
type Provider struct {
	mu         sync.Mutex
	languages  map[string]*tree_sitter.Language
	tagQueries map[string]*tree_sitter.Query
	refQueries map[string]*tree_sitter.Query
}

// New returns a ready-to-use C/C++ provider. Grammars and queries are
// compiled lazily on first use and cached, exactly as the teacher's
// Parser.getLanguage/getTagQuery do.
func New() *Provider {
	return &Provider{
		languages:  make(map[string]*tree_sitter.Language),
		tagQueries: make(map[string]*tree_sitter.Query),
		refQueries: make(map[string]*tree_sitter.Query),
	}
}

// DetectLanguage maps a file extension to "c" or "cpp", or "" if neither.
func DetectLanguage(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".c":
		return "c"
	case ".h":
		return "c" // ambiguous; treated as C unless reparsed under a .cpp TU
	case ".cc", ".cpp", ".cxx", ".c++", ".hpp", ".hh", ".hxx":
		return "cpp"
	default:
		return ""
	}
}

func (p *Provider) getLanguage(lang string) (*tree_sitter.Language, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.languages[lang]; ok {
		return l, nil
	}
	var l *tree_sitter.Language
	switch lang {
	case "c":
		l = tree_sitter.NewLanguage(tree_sitter_c.Language())
	case "cpp":
		l = tree_sitter.NewLanguage(tree_sitter_cpp.Language())
	default:
		return nil, fmt.Errorf("treesitter: unsupported language %q", lang)
	}
	if l == nil {
		return nil, fmt.Errorf("treesitter: failed to load language %q", lang)
	}
	p.languages[lang] = l
	return l, nil
}

func (p *Provider) getTagQuery(lang string) (*tree_sitter.Query, error) {
	p.mu.Lock()
	if q, ok := p.tagQueries[lang]; ok {
		p.mu.Unlock()
		return q, nil
	}
	p.mu.Unlock()

	l, err := p.getLanguage(lang)
	if err != nil {
		return nil, err
	}
	src := tagQueryC
	if lang == "cpp" {
		src = tagQueryCpp
	}
	q, qerr := tree_sitter.NewQuery(l, src)
	if qerr != nil {
		return nil, fmt.Errorf("treesitter: compile tag query for %s: %w", lang, qerr)
	}
	p.mu.Lock()
	p.tagQueries[lang] = q
	p.mu.Unlock()
	return q, nil
}

func (p *Provider) getRefQuery(lang string) (*tree_sitter.Query, error) {
	p.mu.Lock()
	if q, ok := p.refQueries[lang]; ok {
		p.mu.Unlock()
		return q, nil
	}
	p.mu.Unlock()

	l, err := p.getLanguage(lang)
	if err != nil {
		return nil, err
	}
	src := refQueryC
	if lang == "cpp" {
		src = refQueryCpp
	}
	q, qerr := tree_sitter.NewQuery(l, src)
	if qerr != nil {
		return nil, fmt.Errorf("treesitter: compile reference query for %s: %w", lang, qerr)
	}
	p.mu.Lock()
	p.refQueries[lang] = q
	p.mu.Unlock()
	return q, nil
}

// Parse implements frontend.TranslationUnitProvider.
func (p *Provider) Parse(ctx context.Context, cmd symbol.SourceInfo, content []byte) (*frontend.ParseResult, error) {
	lang := DetectLanguage(cmd.Path)
	if lang == "" {
		return &frontend.ParseResult{}, nil
	}

	language, err := p.getLanguage(lang)
	if err != nil {
		return nil, err
	}

	parser := tree_sitter.NewParser()
	defer parser.Close()
	if err := parser.SetLanguage(language); err != nil {
		return nil, fmt.Errorf("treesitter: set language %s: %w", lang, err)
	}

	tree := parser.Parse(content, nil)
	if tree == nil {
		return &frontend.ParseResult{}, nil
	}
	defer tree.Close()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	result := &frontend.ParseResult{}

	tagQuery, err := p.getTagQuery(lang)
	if err != nil {
		return nil, err
	}
	result.Symbols = p.extractSymbols(tagQuery, tree.RootNode(), content)

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	refQuery, err := p.getRefQuery(lang)
	if err != nil {
		return nil, err
	}
	result.References = p.extractReferences(refQuery, tree.RootNode(), content)

	result.Dependencies = extractIncludes(content)
	return result, nil
}

func (p *Provider) extractSymbols(query *tree_sitter.Query, root *tree_sitter.Node, content []byte) []frontend.ParsedSymbol {
	var symbols []frontend.ParsedSymbol
	seen := make(map[uint32]bool)

	captureNames := query.CaptureNames()
	nameIndex := -1
	kindIndexes := make(map[uint32]string)
	for i, name := range captureNames {
		if name == "name" {
			nameIndex = i
		} else if strings.HasPrefix(name, "definition.") {
			kindIndexes[uint32(i)] = strings.TrimPrefix(name, "definition.")
		}
	}

	cursor := tree_sitter.NewQueryCursor()
	defer cursor.Close()

	matches := cursor.Matches(query, root, content)
	for m := matches.Next(); m != nil; m = matches.Next() {
		var nameNode *tree_sitter.Node
		var defNode *tree_sitter.Node
		var kindStr string
		for _, cap := range m.Captures {
			if int(cap.Index) == nameIndex {
				node := cap.Node
				nameNode = &node
			}
			if k, ok := kindIndexes[cap.Index]; ok {
				node := cap.Node
				defNode = &node
				kindStr = k
			}
		}
		if nameNode == nil || defNode == nil {
			continue
		}
		start := nameNode.StartByte()
		if seen[uint32(start)] {
			continue
		}
		seen[uint32(start)] = true

		bodyStart, bodyEnd := defNode.StartByte(), defNode.EndByte()
		if body := defNode.ChildByFieldName("body"); body != nil {
			bodyStart, bodyEnd = body.StartByte(), body.EndByte()
		}

		symbols = append(symbols, frontend.ParsedSymbol{
			Name:       nameNode.Utf8Text(content),
			Kind:       mapDefinitionKind(kindStr),
			Offset:     uint32(start),
			BodyOffset: uint32(bodyStart),
			BodyEnd:    uint32(bodyEnd),
		})
	}
	return symbols
}

func (p *Provider) extractReferences(query *tree_sitter.Query, root *tree_sitter.Node, content []byte) []frontend.ParsedReference {
	var refs []frontend.ParsedReference
	seen := make(map[uint32]bool)

	captureNames := query.CaptureNames()
	nameIndex := -1
	kindIndexes := make(map[uint32]string)
	for i, name := range captureNames {
		if name == "name" {
			nameIndex = i
		} else if strings.HasPrefix(name, "reference.") {
			kindIndexes[uint32(i)] = strings.TrimPrefix(name, "reference.")
		}
	}

	cursor := tree_sitter.NewQueryCursor()
	defer cursor.Close()

	matches := cursor.Matches(query, root, content)
	for m := matches.Next(); m != nil; m = matches.Next() {
		var nameNode *tree_sitter.Node
		var kindStr string
		for _, cap := range m.Captures {
			if int(cap.Index) == nameIndex {
				node := cap.Node
				nameNode = &node
			}
			if k, ok := kindIndexes[cap.Index]; ok {
				kindStr = k
			}
		}
		if nameNode == nil {
			continue
		}
		start := nameNode.StartByte()
		if seen[uint32(start)] {
			continue
		}
		seen[uint32(start)] = true

		refs = append(refs, frontend.ParsedReference{
			Name:   nameNode.Utf8Text(content),
			Kind:   mapReferenceKind(kindStr),
			Offset: uint32(start),
		})
	}
	return refs
}

func mapDefinitionKind(k string) symbol.Kind {
	switch k {
	case "function":
		return symbol.KindFunction
	case "struct":
		return symbol.KindStruct
	case "enum":
		return symbol.KindEnum
	case "typedef":
		return symbol.KindTypedef
	case "variable":
		return symbol.KindVariable
	case "class":
		return symbol.KindClass
	case "method":
		return symbol.KindMethod
	case "namespace":
		return symbol.KindNamespace
	default:
		return symbol.KindUnknown
	}
}

func mapReferenceKind(k string) symbol.ReferenceKind {
	switch k {
	case "call":
		return symbol.RefGlobalFunction
	case "type":
		return symbol.RefNormal
	default:
		return symbol.RefNormal
	}
}

// extractIncludes scans for #include directives with a small line
// scanner rather than a query, since includes are lexical, not syntactic
// nodes tree-sitter's C grammar exposes uniformly across #include forms.
func extractIncludes(content []byte) []string {
	var deps []string
	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "#include") {
			continue
		}
		rest := strings.TrimSpace(strings.TrimPrefix(line, "#include"))
		if len(rest) < 2 {
			continue
		}
		open, close := byte('"'), byte('"')
		if rest[0] == '<' {
			open, close = '<', '>'
		}
		if rest[0] != open {
			continue
		}
		end := strings.IndexByte(rest[1:], close)
		if end < 0 {
			continue
		}
		deps = append(deps, rest[1:1+end])
	}
	return deps
}

// Close releases no resources for the in-process tree-sitter provider
// (grammars are statically linked), but satisfies the interface.
func (p *Provider) Close() error { return nil }
