// Command sqllint checks that every SQL string constant starts with a
// unique "--sql <uuid>" marker. SQLRunner logs the marker with each query,
// so a missing or repeated marker makes slow-query logs ambiguous.
package main

import (
	"flag"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	sqlKeywordPattern = regexp.MustCompile(`(?i)\b(select|insert|update|delete|with)\b`)
	uuidMarkerPattern = regexp.MustCompile(`^--sql ([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})$`)
)

type violation struct {
	file    string
	name    string
	line    int
	message string
}

func (v violation) String() string {
	return fmt.Sprintf("%s:%d %s (%s)", v.file, v.line, v.message, v.name)
}

func main() {
	flag.Parse()
	targets := flag.Args()
	if len(targets) == 0 {
		targets = []string{"internal/sqlinline"}
	}

	violations, err := lint(targets)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sqllint: %v\n", err)
		os.Exit(1)
	}
	if len(violations) > 0 {
		fmt.Fprintln(os.Stderr, "sqllint: SQL audit marker problems")
		for _, v := range violations {
			fmt.Fprintf(os.Stderr, "  %s\n", v)
		}
		os.Exit(1)
	}
}

// lint walks the targets and reports constants with a missing, malformed or
// reused marker.
func lint(targets []string) ([]violation, error) {
	var (
		violations []violation
		seen       = map[string]violation{}
	)
	check := func(path string) error {
		vs, markers, err := lintFile(path)
		if err != nil {
			return err
		}
		violations = append(violations, vs...)
		for _, m := range markers {
			if first, dup := seen[m.message]; dup {
				violations = append(violations, violation{
					file:    m.file,
					line:    m.line,
					name:    m.name,
					message: fmt.Sprintf("marker %s already used by %s", m.message, first.name),
				})
				continue
			}
			seen[m.message] = m
		}
		return nil
	}

	for _, target := range targets {
		info, err := os.Stat(target)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			if filepath.Ext(target) == ".go" {
				if err := check(target); err != nil {
					return nil, err
				}
			}
			continue
		}
		err = filepath.WalkDir(target, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if path != target && (strings.HasPrefix(d.Name(), ".") || strings.HasPrefix(d.Name(), "_") || d.Name() == "vendor") {
					return filepath.SkipDir
				}
				return nil
			}
			if filepath.Ext(path) != ".go" || strings.HasSuffix(path, "_test.go") {
				return nil
			}
			return check(path)
		})
		if err != nil {
			return nil, err
		}
	}

	sort.SliceStable(violations, func(i, j int) bool {
		if violations[i].file != violations[j].file {
			return violations[i].file < violations[j].file
		}
		return violations[i].line < violations[j].line
	})
	return violations, nil
}

// lintFile returns marker violations plus the valid markers found, carried in
// violation.message so the caller can detect reuse across files.
func lintFile(path string) ([]violation, []violation, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, path, nil, parser.ParseComments)
	if err != nil {
		return nil, nil, err
	}
	var violations, markers []violation
	ast.Inspect(file, func(n ast.Node) bool {
		vs, ok := n.(*ast.ValueSpec)
		if !ok {
			return true
		}
		for _, value := range vs.Values {
			bl, ok := value.(*ast.BasicLit)
			if !ok || bl.Kind != token.STRING {
				continue
			}
			raw, err := unquote(bl.Value)
			if err != nil || !sqlKeywordPattern.MatchString(raw) {
				continue
			}
			pos := fset.Position(bl.Pos())
			v := violation{file: path, line: pos.Line, name: joinNames(vs.Names)}
			match := uuidMarkerPattern.FindStringSubmatch(firstLine(raw))
			if match == nil {
				v.message = "missing or invalid --sql <uuid> marker"
				violations = append(violations, v)
				continue
			}
			v.message = match[1]
			markers = append(markers, v)
		}
		return true
	})
	return violations, markers, nil
}

func firstLine(s string) string {
	s = strings.TrimLeft(s, "\n\r \t")
	if idx := strings.IndexAny(s, "\n\r"); idx >= 0 {
		return strings.TrimSpace(s[:idx])
	}
	return strings.TrimSpace(s)
}

func unquote(v string) (string, error) {
	if len(v) == 0 {
		return v, nil
	}
	if v[0] == '`' {
		return v[1 : len(v)-1], nil
	}
	return strconv.Unquote(v)
}

func joinNames(idents []*ast.Ident) string {
	parts := make([]string, 0, len(idents))
	for _, ident := range idents {
		if ident == nil {
			continue
		}
		parts = append(parts, ident.Name)
	}
	return strings.Join(parts, ",")
}
