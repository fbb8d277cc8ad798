// Package dlopen loads an external TranslationUnitProvider from a shared
// library at a configured path, the same way pkg/grammar/dynamic_unix.go
// and dynamic_windows.go dlopen/dlsym (or LoadDLL/FindProc) a tree-sitter
// grammar's Language function — here swapped from "load a grammar" to
// "load a parser frontend", so a real libclang-backed frontend can be
// dropped in without recompiling the daemon. Platform-specific library
// loading lives in provider_unix.go (purego) and provider_windows.go
// (syscall), following the teacher's dynamic_unix.go/dynamic_windows.go
// split.
//
// The shared library must export two C functions:
//
//	char *rtags_frontend_parse(const char *request_json, size_t request_len, size_t *response_len);
//	void  rtags_frontend_free(char *response_json);
//
// request_json is a JSON-encoded parseRequest; the returned buffer is a
// JSON-encoded parseResponse whose ownership passes to the caller, which
// must release it via rtags_frontend_free once copied out.
package dlopen

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"unsafe"

	"github.com/carpecarp/rtags/pkg/frontend"
	"github.com/carpecarp/rtags/pkg/symbol"
)

type parseRequest struct {
	Path     string   `json:"path"`
	Compiler string   `json:"compiler"`
	Args     []string `json:"args"`
	Content  []byte   `json:"content"`
}

type parseSymbol struct {
	Name       string `json:"name"`
	Kind       string `json:"kind"`
	USR        string `json:"usr"`
	Offset     uint32 `json:"offset"`
	BodyOffset uint32 `json:"body_offset"`
	BodyEnd    uint32 `json:"body_end"`
}

type parseReference struct {
	Name   string `json:"name"`
	Kind   string `json:"kind"`
	Offset uint32 `json:"offset"`
}

type parseResponse struct {
	Symbols      []parseSymbol    `json:"symbols"`
	References   []parseReference `json:"references"`
	Dependencies []string         `json:"dependencies"`
	Error        string           `json:"error,omitempty"`
}

// libFuncs are the two symbols bound from the shared library, produced
// by the platform-specific openLibrary.
type libFuncs struct {
	parse func(reqPtr uintptr, reqLen uintptr, outLen *uintptr) uintptr
	free  func(ptr uintptr)
}

// Provider is a TranslationUnitProvider backed by an external shared
// library. One Provider owns exactly one library handle; Close releases
// it.
type Provider struct {
	mu       sync.Mutex
	handle   uintptr
	fns      libFuncs
	libPath  string
	isClosed bool
}

// Open loads libPath and binds its two exported symbols.
func Open(libPath string) (*Provider, error) {
	handle, fns, err := openLibrary(libPath)
	if err != nil {
		return nil, err
	}
	return &Provider{handle: handle, fns: fns, libPath: libPath}, nil
}

// Parse implements frontend.TranslationUnitProvider by marshaling cmd
// and content into JSON, calling across the dlopen boundary, and
// unmarshaling the response before freeing the library's buffer.
func (p *Provider) Parse(ctx context.Context, cmd symbol.SourceInfo, content []byte) (*frontend.ParseResult, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	req := parseRequest{Path: cmd.Path, Compiler: cmd.Compiler, Args: cmd.Args, Content: content}
	reqBytes, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("dlopen: marshal request: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isClosed {
		return nil, fmt.Errorf("dlopen: provider %s is closed", p.libPath)
	}

	var outLen uintptr
	reqPtr := uintptr(unsafe.Pointer(&reqBytes[0]))
	respPtr := p.fns.parse(reqPtr, uintptr(len(reqBytes)), &outLen)
	if respPtr == 0 {
		return nil, fmt.Errorf("dlopen: %s returned a null response", p.libPath)
	}
	defer p.fns.free(respPtr)

	respBytes := unsafe.Slice((*byte)(unsafe.Pointer(respPtr)), int(outLen))
	// Copy out of library-owned memory before it is freed.
	owned := make([]byte, len(respBytes))
	copy(owned, respBytes)

	var resp parseResponse
	if err := json.Unmarshal(owned, &resp); err != nil {
		return nil, fmt.Errorf("dlopen: unmarshal response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("dlopen: frontend error: %s", resp.Error)
	}

	return toParseResult(resp), nil
}

func toParseResult(resp parseResponse) *frontend.ParseResult {
	result := &frontend.ParseResult{Dependencies: resp.Dependencies}
	for _, s := range resp.Symbols {
		result.Symbols = append(result.Symbols, frontend.ParsedSymbol{
			Name:       s.Name,
			Kind:       parseSymbolKind(s.Kind),
			USR:        s.USR,
			Offset:     s.Offset,
			BodyOffset: s.BodyOffset,
			BodyEnd:    s.BodyEnd,
		})
	}
	for _, r := range resp.References {
		result.References = append(result.References, frontend.ParsedReference{
			Name:   r.Name,
			Kind:   parseReferenceKind(r.Kind),
			Offset: r.Offset,
		})
	}
	return result
}

func parseSymbolKind(k string) symbol.Kind {
	switch k {
	case "function":
		return symbol.KindFunction
	case "variable":
		return symbol.KindVariable
	case "class":
		return symbol.KindClass
	case "struct":
		return symbol.KindStruct
	case "enum":
		return symbol.KindEnum
	case "typedef":
		return symbol.KindTypedef
	case "macro":
		return symbol.KindMacro
	case "namespace":
		return symbol.KindNamespace
	case "field":
		return symbol.KindField
	case "method":
		return symbol.KindMethod
	case "constructor":
		return symbol.KindConstructor
	case "destructor":
		return symbol.KindDestructor
	case "parameter":
		return symbol.KindParameter
	default:
		return symbol.KindUnknown
	}
}

func parseReferenceKind(k string) symbol.ReferenceKind {
	switch k {
	case "member_function":
		return symbol.RefMemberFunction
	case "global_function":
		return symbol.RefGlobalFunction
	case "base_class":
		return symbol.RefBaseClass
	case "macro_expansion":
		return symbol.RefMacroExpansion
	case "include":
		return symbol.RefInclude
	default:
		return symbol.RefNormal
	}
}

// Close releases the library handle. Safe to call once; a closed
// Provider fails subsequent Parse calls rather than dereferencing a
// stale handle.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isClosed {
		return nil
	}
	p.isClosed = true
	if p.handle == 0 {
		return nil
	}
	return closeLibrary(p.handle)
}
