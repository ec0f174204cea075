// Package classname derives class names from PHP source and maps between
// classes and their PHPUnit test classes by naming convention.
package classname

import (
	"context"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/php"
)

// PHP AST node types.
const (
	nodeNamespaceDefinition = "namespace_definition"
	nodeNamespaceName       = "namespace_name"
	nodeClassDeclaration    = "class_declaration"
	nodeName                = "name"
)

// maxTreeDepth bounds the AST walk.
const maxTreeDepth = 1000

// Class is the first namespace and class declared in a source file.
type Class struct {
	Namespace string // `App\Models`, empty when the file declares none
	Name      string
}

// FQN returns the path-like fully qualified name of c.
func (c Class) FQN() string {
	return FullyQualifiedName(c.Namespace, c.Name)
}

var (
	phpLang  *sitter.Language
	langOnce sync.Once

	namespacePattern = regexp.MustCompile(`namespace ([A-Za-z0-9_\\]+);`)
	classPattern     = regexp.MustCompile(`class (\w+)`)
	syntaxPattern    = regexp.MustCompile(`/([^/]+)\.tmLanguage`)
	phpSyntaxPattern = regexp.MustCompile(`.+PHP\.tmLanguage`)
)

func language() *sitter.Language {
	langOnce.Do(func() {
		phpLang = php.GetLanguage()
	})
	return phpLang
}

// Extract finds the first namespace and class declared in src. It parses
// with tree-sitter so declarations in comments and strings are ignored, and
// falls back to plain pattern matching when parsing fails or the tree has
// errors and yields no class. It returns false when there is no class.
func Extract(ctx context.Context, src []byte) (Class, bool) {
	if c, ok := extractTree(ctx, src); ok {
		return c, true
	}
	return extractPattern(src)
}

func extractTree(ctx context.Context, src []byte) (Class, bool) {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(language())

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil || tree == nil {
		return Class{}, false
	}
	defer tree.Close()

	var c Class
	var haveNamespace bool

	type frame struct {
		node  *sitter.Node
		depth int
	}
	stack := []frame{{tree.RootNode(), 0}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		switch f.node.Type() {
		case nodeNamespaceDefinition:
			if !haveNamespace {
				if n := childOfType(f.node, nodeNamespaceName); n != nil {
					c.Namespace = n.Content(src)
					haveNamespace = true
				}
			}
		case nodeClassDeclaration:
			if n := childOfType(f.node, nodeName); n != nil {
				c.Name = n.Content(src)
				return c, true
			}
		}

		if f.depth >= maxTreeDepth {
			continue
		}
		for i := int(f.node.ChildCount()) - 1; i >= 0; i-- {
			stack = append(stack, frame{f.node.Child(i), f.depth + 1})
		}
	}
	return Class{}, false
}

func childOfType(node *sitter.Node, typ string) *sitter.Node {
	for i := 0; i < int(node.ChildCount()); i++ {
		if child := node.Child(i); child.Type() == typ {
			return child
		}
	}
	return nil
}

func extractPattern(src []byte) (Class, bool) {
	m := classPattern.FindSubmatch(src)
	if m == nil {
		return Class{}, false
	}
	c := Class{Name: string(m[1])}
	if ns := namespacePattern.FindSubmatch(src); ns != nil {
		c.Namespace = string(ns[1])
	}
	return c, true
}

// FullyQualifiedName joins namespace and class into a slash separated
// identifier. Underscores in the class name become slashes, following the
// PSR-0 layout: `App\Models` + `Legacy_User` gives `App/Models/Legacy/User`.
func FullyQualifiedName(namespace, class string) string {
	var b strings.Builder
	if namespace != "" {
		b.WriteString(strings.ReplaceAll(namespace, `\`, "/"))
		b.WriteByte('/')
	}
	b.WriteString(strings.ReplaceAll(class, "_", "/"))
	return b.String()
}

// TestCandidates returns the file names that may hold the tests for the
// class fqn, most specific first, and the test class name. bufferPath adds
// a candidate named after the buffer's own file.
func TestCandidates(fqn, bufferPath string) ([]string, string) {
	testClass := fqn + "Test"
	file := testClass + ".php"
	candidates := []string{file, baseName(file)}
	if base := filepath.Base(bufferPath); strings.HasSuffix(base, ".php") {
		candidates = append(candidates, strings.TrimSuffix(base, ".php")+"Test.php")
	}
	return dedupe(candidates), testClass
}

// SourceCandidates returns the file names that may hold the class tested by
// the test class fqn, and the tested class name.
func SourceCandidates(fqn string) ([]string, string) {
	source := strings.TrimSuffix(fqn, "Test")
	file := source + ".php"
	return dedupe([]string{file, baseName(file)}), source
}

// baseName returns the last element of a slash separated name.
func baseName(name string) string {
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		return name[i+1:]
	}
	return name
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func stem(p string) string {
	base := filepath.Base(p)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// IsTestFile reports whether p names a test case file (FooTest.php).
func IsTestFile(p string) bool {
	return strings.HasSuffix(stem(p), "Test")
}

// IsTestSuiteFile reports whether p names a test suite file (AllTests.php).
func IsTestSuiteFile(p string) bool {
	return strings.HasSuffix(stem(p), "Tests")
}

// IsConfigFile reports whether p's base name is one of the accepted
// PHPUnit configuration file names.
func IsConfigFile(p string, aliases []string) bool {
	base := filepath.Base(p)
	for _, alias := range aliases {
		if base == alias {
			return true
		}
	}
	return false
}

// IsPHP reports whether a buffer holds PHP. The extension is the reliable
// signal; editors sometimes report HTML syntax for PHP buffers, so syntax
// only ever adds to it.
func IsPHP(p, syntax string) bool {
	if filepath.Ext(p) == ".php" {
		return true
	}
	return syntax != "" && phpSyntaxPattern.MatchString(syntax)
}

// SyntaxName shortens an editor syntax identifier for messages:
// `Packages/HTML/HTML.tmLanguage` gives `HTML`.
func SyntaxName(syntax string) string {
	if m := syntaxPattern.FindStringSubmatch(syntax); m != nil {
		return m[1]
	}
	return syntax
}
