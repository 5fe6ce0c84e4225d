// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/c"
	"github.com/smacker/go-tree-sitter/cpp"
	"github.com/smacker/go-tree-sitter/csharp"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/java"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/kotlin"
	"github.com/smacker/go-tree-sitter/php"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/ruby"
	"github.com/smacker/go-tree-sitter/rust"
	"github.com/smacker/go-tree-sitter/scala"
	"github.com/smacker/go-tree-sitter/swift"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// DefaultStructureTimeout bounds a single parse.
const DefaultStructureTimeout = 2 * time.Second

const maxSignatureLen = 200

// Parse status values for code.file.parse_status.
const (
	ParseOK          = "ok"
	ParsePartial     = "partial"
	ParseFailed      = "failed"
	ParseUnsupported = "unsupported"
)

// grammar lists the node kinds that carry structure for one language.
type grammar struct {
	lang      func() *sitter.Language
	functions []string
	classes   []string
	imports   []string
	// exported decides whether a top-level declaration is public.
	exported func(node *sitter.Node, name string, content []byte) bool
}

var grammars = map[string]grammar{
	"python": {
		lang:      python.GetLanguage,
		functions: []string{"function_definition"},
		classes:   []string{"class_definition"},
		imports:   []string{"import_statement", "import_from_statement"},
		exported:  notUnderscored,
	},
	"go": {
		lang:      golang.GetLanguage,
		functions: []string{"function_declaration", "method_declaration"},
		classes:   []string{"type_spec"},
		imports:   []string{"import_spec"},
		exported:  capitalized,
	},
	"javascript": {
		lang:      javascript.GetLanguage,
		functions: []string{"function_declaration", "generator_function_declaration", "method_definition"},
		classes:   []string{"class_declaration"},
		imports:   []string{"import_statement"},
		exported:  underExport,
	},
	"typescript": {
		lang:      typescript.GetLanguage,
		functions: []string{"function_declaration", "generator_function_declaration", "method_definition"},
		classes:   []string{"class_declaration", "interface_declaration", "abstract_class_declaration"},
		imports:   []string{"import_statement"},
		exported:  underExport,
	},
	"tsx": {
		lang:      tsx.GetLanguage,
		functions: []string{"function_declaration", "generator_function_declaration", "method_definition"},
		classes:   []string{"class_declaration", "interface_declaration", "abstract_class_declaration"},
		imports:   []string{"import_statement"},
		exported:  underExport,
	},
	"java": {
		lang:      java.GetLanguage,
		functions: []string{"method_declaration", "constructor_declaration"},
		classes:   []string{"class_declaration", "interface_declaration", "enum_declaration", "record_declaration"},
		imports:   []string{"import_declaration"},
		exported:  hasPublicModifier,
	},
	"rust": {
		lang:      rust.GetLanguage,
		functions: []string{"function_item"},
		classes:   []string{"struct_item", "enum_item", "trait_item"},
		imports:   []string{"use_declaration"},
		exported:  hasChildKind("visibility_modifier"),
	},
	"c": {
		lang:      c.GetLanguage,
		functions: []string{"function_definition"},
		classes:   []string{"struct_specifier"},
		imports:   []string{"preproc_include"},
		exported:  notStatic,
	},
	"cpp": {
		lang:      cpp.GetLanguage,
		functions: []string{"function_definition"},
		classes:   []string{"class_specifier", "struct_specifier"},
		imports:   []string{"preproc_include"},
		exported:  notStatic,
	},
	"csharp": {
		lang:      csharp.GetLanguage,
		functions: []string{"method_declaration", "constructor_declaration"},
		classes:   []string{"class_declaration", "interface_declaration", "struct_declaration", "record_declaration"},
		imports:   []string{"using_directive"},
		exported:  hasPublicModifier,
	},
	"ruby": {
		lang:      ruby.GetLanguage,
		functions: []string{"method", "singleton_method"},
		classes:   []string{"class", "module"},
		imports:   nil, // require is a plain call; handled by rubyRequires
		exported:  notUnderscored,
	},
	"php": {
		lang:      php.GetLanguage,
		functions: []string{"function_definition", "method_declaration"},
		classes:   []string{"class_declaration", "interface_declaration", "trait_declaration"},
		imports:   []string{"namespace_use_declaration"},
		exported:  notPrivate,
	},
	"swift": {
		lang:      swift.GetLanguage,
		functions: []string{"function_declaration"},
		classes:   []string{"class_declaration", "protocol_declaration"},
		imports:   []string{"import_declaration"},
		exported:  notPrivate,
	},
	"kotlin": {
		lang:      kotlin.GetLanguage,
		functions: []string{"function_declaration"},
		classes:   []string{"class_declaration", "object_declaration"},
		imports:   []string{"import_header"},
		exported:  notPrivate,
	},
	"scala": {
		lang:      scala.GetLanguage,
		functions: []string{"function_definition"},
		classes:   []string{"class_definition", "object_definition", "trait_definition"},
		imports:   []string{"import_declaration"},
		exported:  notPrivate,
	},
}

// StructureLanguages lists the languages with a grammar.
func StructureLanguages() []string {
	out := make([]string, 0, len(grammars))
	for lang := range grammars {
		out = append(out, lang)
	}
	sort.Strings(out)
	return out
}

// StructureAnalyzer parses source files with Tree-sitter and emits file,
// import, export, function, class and connection fields.
type StructureAnalyzer struct {
	logger   *slog.Logger
	maxBytes int64
}

// NewStructureAnalyzer creates a StructureAnalyzer. Files larger than
// maxBytes are refused when maxBytes > 0.
func NewStructureAnalyzer(maxBytes int64, logger *slog.Logger) *StructureAnalyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &StructureAnalyzer{logger: logger, maxBytes: maxBytes}
}

// Name implements Analyzer.
func (a *StructureAnalyzer) Name() string { return "structure" }

// Analyze implements Analyzer. Languages without a grammar, and files that
// fail to parse, still produce the code.file fields.
func (a *StructureAnalyzer) Analyze(ctx context.Context, in Input) (Output, error) {
	content, err := readFile(in.Path, a.maxBytes)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", in.RelPath, err)
	}
	lines, loc := lineStats(content)
	out := Output{
		"code.file.path":       in.RelPath,
		"code.file.language":   in.Language,
		"code.file.size_bytes": len(content),
		"code.file.line_count": lines,
		"code.file.loc":        loc,
	}

	g, ok := grammars[in.Language]
	if !ok {
		out["code.file.parse_status"] = ParseUnsupported
		return out, nil
	}

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(g.lang())

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		a.logger.Warn("analyzer.structure.parse_failed", "path", in.RelPath, "language", in.Language, "err", err)
		out["code.file.parse_status"] = ParseFailed
		return out, nil
	}
	defer tree.Close()

	root := tree.RootNode()
	out["code.file.parse_status"] = ParseOK
	if root.HasError() {
		if n := countErrors(root); n > 0 {
			a.logger.Debug("analyzer.structure.syntax_errors", "path", in.RelPath, "error_count", n)
		}
		out["code.file.parse_status"] = ParsePartial
	}

	ex := &extraction{g: g, content: content, lang: in.Language, local: map[string]bool{}}
	ex.walk(root, 0)
	if in.Language == "ruby" {
		ex.imports = append(ex.imports, rubyRequires(content)...)
	}

	modules := dedupe(ex.imports)
	exports := dedupe(ex.exports)
	internal, external := splitConnections(in.Language, modules, ex.local)

	out["code.imports.modules"] = modules
	out["code.imports.count"] = len(modules)
	out["code.exports.symbols"] = exports
	out["code.exports.count"] = len(exports)
	out["code.functions.names"] = ex.functions
	out["code.functions.signatures"] = ex.signatures
	out["code.functions.count"] = len(ex.functions)
	out["code.classes.names"] = ex.classes
	out["code.classes.count"] = len(ex.classes)
	out["code.connections.internal"] = internal
	out["code.connections.external"] = external
	out["code.connections.urls"] = findURLs(content)
	return out, nil
}

type extraction struct {
	g       grammar
	content []byte
	lang    string

	functions  []string
	signatures []string
	classes    []string
	imports    []string
	exports    []string
	local      map[string]bool // quoted C includes
}

// walk visits node and its children. depth counts enclosing declarations so
// only top-level ones are considered for export.
func (e *extraction) walk(node *sitter.Node, depth int) {
	if node == nil {
		return
	}
	kind := node.Type()
	nested := depth
	switch {
	case contains(e.g.functions, kind):
		if name := nodeName(node, e.content); name != "" {
			e.functions = append(e.functions, name)
			e.signatures = append(e.signatures, signature(node, e.content))
			if depth == 0 && e.g.exported(declNode(node), name, e.content) {
				e.exports = append(e.exports, name)
			}
		}
		nested++
	case contains(e.g.classes, kind):
		if name := nodeName(node, e.content); name != "" {
			e.classes = append(e.classes, name)
			if depth == 0 && e.g.exported(declNode(node), name, e.content) {
				e.exports = append(e.exports, name)
			}
		}
		nested++
	case contains(e.g.imports, kind):
		mods := importModules(node, e.content, e.lang)
		if p := node.ChildByFieldName("path"); p != nil && p.Type() == "string_literal" {
			for _, m := range mods {
				e.local[m] = true
			}
		}
		e.imports = append(e.imports, mods...)
		return
	}
	for i := 0; i < int(node.NamedChildCount()); i++ {
		e.walk(node.NamedChild(i), nested)
	}
}

// declNode returns the node that carries modifiers for a declaration. Go
// type_spec and JS declarations wrapped in export statements keep them on
// the parent.
func declNode(n *sitter.Node) *sitter.Node {
	if p := n.Parent(); p != nil {
		switch p.Type() {
		case "export_statement", "type_declaration", "template_declaration", "decorated_definition":
			return p
		}
	}
	return n
}

// nodeName finds the declared name of a function or type node.
func nodeName(n *sitter.Node, content []byte) string {
	if name := n.ChildByFieldName("name"); name != nil {
		return text(name, content)
	}
	// C and C++ put the name inside nested declarators.
	for d := n.ChildByFieldName("declarator"); d != nil; d = d.ChildByFieldName("declarator") {
		switch d.Type() {
		case "identifier", "field_identifier", "qualified_identifier", "destructor_name", "operator_name":
			return text(d, content)
		}
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		child := n.NamedChild(i)
		switch child.Type() {
		case "identifier", "type_identifier", "simple_identifier", "constant", "name":
			return text(child, content)
		}
	}
	return ""
}

// signature is the declaration text up to its body, collapsed to one line.
func signature(n *sitter.Node, content []byte) string {
	end := n.EndByte()
	if body := n.ChildByFieldName("body"); body != nil {
		end = body.StartByte()
	} else if i := strings.IndexAny(text(n, content), "{\n"); i > 0 {
		end = n.StartByte() + uint32(i)
	}
	sig := strings.Join(strings.Fields(string(content[n.StartByte():end])), " ")
	sig = strings.TrimRight(sig, " {:")
	if len(sig) > maxSignatureLen {
		sig = sig[:maxSignatureLen]
	}
	return sig
}

// importModules extracts imported module names from an import node.
func importModules(n *sitter.Node, content []byte, lang string) []string {
	if lang == "python" && n.Type() == "import_statement" {
		var mods []string
		for i := 0; i < int(n.NamedChildCount()); i++ {
			child := n.NamedChild(i)
			switch child.Type() {
			case "dotted_name":
				mods = append(mods, text(child, content))
			case "aliased_import":
				if name := child.ChildByFieldName("name"); name != nil {
					mods = append(mods, text(name, content))
				}
			}
		}
		return mods
	}
	for _, field := range []string{"module_name", "path", "source", "argument"} {
		if f := n.ChildByFieldName(field); f != nil {
			return []string{cleanModule(text(f, content))}
		}
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		child := n.NamedChild(i)
		if child.Type() == "comment" {
			continue
		}
		if mod := cleanModule(text(child, content)); mod != "" {
			return []string{mod}
		}
	}
	mod := cleanModule(text(n, content))
	for _, kw := range []string{"import ", "using ", "use "} {
		mod = strings.TrimPrefix(mod, kw)
	}
	if mod == "" {
		return nil
	}
	return []string{mod}
}

func cleanModule(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, ";")
	s = strings.Trim(s, "\"'`<>")
	return strings.TrimSpace(s)
}

var rubyRequireRe = regexp.MustCompile(`(?m)^\s*require(?:_relative)?\s*\(?\s*['"]([^'"]+)['"]`)

func rubyRequires(content []byte) []string {
	var mods []string
	for _, m := range rubyRequireRe.FindAllSubmatch(content, -1) {
		mod := string(m[1])
		if strings.Contains(string(m[0]), "require_relative") && !strings.HasPrefix(mod, ".") {
			mod = "./" + mod
		}
		mods = append(mods, mod)
	}
	return mods
}

// splitConnections separates project-relative imports from third-party ones.
func splitConnections(lang string, modules []string, local map[string]bool) (internal, external []string) {
	internal, external = []string{}, []string{}
	for _, m := range modules {
		if local[m] || isInternalImport(lang, m) {
			internal = append(internal, m)
		} else {
			external = append(external, m)
		}
	}
	return internal, external
}

func isInternalImport(lang, mod string) bool {
	switch {
	case strings.HasPrefix(mod, "."), strings.HasPrefix(mod, "/"):
		return true
	case lang == "rust":
		return strings.HasPrefix(mod, "crate::") || strings.HasPrefix(mod, "super::") || strings.HasPrefix(mod, "self::")
	case lang == "typescript" || lang == "tsx" || lang == "javascript":
		return strings.HasPrefix(mod, "@/") || strings.HasPrefix(mod, "~/")
	}
	return false
}

var urlRe = regexp.MustCompile(`https?://[^\s"'<>` + "`" + `)\]}]+`)

func findURLs(content []byte) []string {
	var urls []string
	for _, m := range urlRe.FindAll(content, -1) {
		urls = append(urls, strings.TrimRight(string(m), ".,;:"))
	}
	return dedupe(urls)
}

func countErrors(n *sitter.Node) int {
	if n == nil {
		return 0
	}
	count := 0
	if n.IsError() || n.IsMissing() {
		count++
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		count += countErrors(n.Child(i))
	}
	return count
}

func notUnderscored(_ *sitter.Node, name string, _ []byte) bool {
	return !strings.HasPrefix(name, "_")
}

func capitalized(_ *sitter.Node, name string, _ []byte) bool {
	return startsUpper(name)
}

func notPrivate(n *sitter.Node, _ string, content []byte) bool {
	return !strings.Contains(declPrefix(n, content), "private")
}

func underExport(n *sitter.Node, _ string, _ []byte) bool {
	return n.Type() == "export_statement"
}

func hasPublicModifier(n *sitter.Node, _ string, content []byte) bool {
	return strings.Contains(declPrefix(n, content), "public")
}

func hasChildKind(kind string) func(*sitter.Node, string, []byte) bool {
	return func(n *sitter.Node, _ string, _ []byte) bool {
		for i := 0; i < int(n.ChildCount()); i++ {
			if n.Child(i).Type() == kind {
				return true
			}
		}
		return false
	}
}

func notStatic(n *sitter.Node, _ string, content []byte) bool {
	return !strings.Contains(declPrefix(n, content), "static")
}

// declPrefix is the declaration text before its name or body, where
// modifiers live.
func declPrefix(n *sitter.Node, content []byte) string {
	end := n.EndByte()
	if name := n.ChildByFieldName("name"); name != nil {
		end = name.StartByte()
	} else if body := n.ChildByFieldName("body"); body != nil {
		end = body.StartByte()
	}
	return string(content[n.StartByte():end])
}

func text(n *sitter.Node, content []byte) string {
	return string(content[n.StartByte():n.EndByte()])
}

func startsUpper(s string) bool {
	for _, r := range s {
		return unicode.IsUpper(r)
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// dedupe keeps the first occurrence of each non-empty value.
func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
