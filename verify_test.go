// Package verify holds repository-wide structural checks that no single
// package test can make.
//
// Run: go test -run 'TestNoDeadPackages|TestPackagesHaveTests|TestNoopOnlyInterfaces' .
package mcp_portainer_test

import (
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const modulePath = "github.com/txn2/mcp-portainer"

var (
	importRe = regexp.MustCompile(`"(` + regexp.QuoteMeta(modulePath) + `/[^"]+)"`)

	// Matches `_ Iface = (*Type)(nil)` and `_ Iface = Type{}`, inside or
	// outside a var block.
	complianceRe = regexp.MustCompile(`(?m)^\s*(?:var\s+)?_\s+([\w.]+)\s*=\s*(?:\(\*(\w+)\)\(nil\)|(\w+)\{\})`)
)

// sourceFile is a non-test Go file, keyed by its package import path.
type sourceFile struct {
	pkg     string
	path    string
	content string
}

// sources returns every non-test Go file under the given roots.
func sources(t *testing.T, roots ...string) []sourceFile {
	t.Helper()
	var out []sourceFile
	for _, root := range roots {
		if _, err := os.Stat(root); os.IsNotExist(err) {
			continue
		}
		err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.HasSuffix(p, ".go") || strings.HasSuffix(p, "_test.go") {
				return nil
			}
			b, err := os.ReadFile(p) //nolint:gosec // test reads repository sources
			if err != nil {
				return err
			}
			out = append(out, sourceFile{
				pkg:     path.Join(modulePath, filepath.ToSlash(filepath.Dir(p))),
				path:    p,
				content: string(b),
			})
			return nil
		})
		require.NoError(t, err)
	}
	return out
}

// packages returns the set of import paths that have non-test sources.
func packages(files []sourceFile) map[string]bool {
	set := make(map[string]bool, len(files))
	for _, f := range files {
		set[f.pkg] = true
	}
	return set
}

// TestNoDeadPackages fails for any package under pkg/ that no non-test code
// in pkg/, cmd/ or internal/ imports.
func TestNoDeadPackages(t *testing.T) {
	libs := packages(sources(t, "pkg"))
	require.NotEmpty(t, libs)

	imported := map[string]bool{}
	for _, f := range sources(t, "pkg", "cmd", "internal") {
		for _, m := range importRe.FindAllStringSubmatch(f.content, -1) {
			imported[m[1]] = true
		}
	}

	for pkg := range libs {
		assert.True(t, imported[pkg], "package %q is never imported by non-test code; wire it or delete it", pkg)
	}
}

// TestPackagesHaveTests fails for any package under pkg/ or internal/
// without a _test.go file.
func TestPackagesHaveTests(t *testing.T) {
	for pkg := range packages(sources(t, "pkg", "internal")) {
		dir := filepath.FromSlash(strings.TrimPrefix(pkg, modulePath+"/"))
		tests, err := filepath.Glob(filepath.Join(dir, "*_test.go"))
		require.NoError(t, err)
		assert.NotEmpty(t, tests, "package %q has no tests", pkg)
	}
}

// TestNoopOnlyInterfaces fails when an interface asserted for a noop type
// has no other implementation, so no feature ships as a placeholder.
func TestNoopOnlyInterfaces(t *testing.T) {
	impls := map[string][]string{}
	for _, f := range sources(t, "pkg") {
		for _, m := range complianceRe.FindAllStringSubmatch(f.content, -1) {
			iface := m[1]
			if i := strings.LastIndex(iface, "."); i >= 0 {
				iface = iface[i+1:]
			}
			typ := m[2]
			if typ == "" {
				typ = m[3]
			}
			impls[iface] = append(impls[iface], typ)
		}
	}
	require.NotEmpty(t, impls, "no interface compliance assertions found in pkg/")

	for iface, types := range impls {
		noop, hasReal := false, false
		for _, typ := range types {
			if strings.Contains(strings.ToLower(typ), "noop") {
				noop = true
			} else {
				hasReal = true
			}
		}
		if noop {
			assert.True(t, hasReal, "interface %q is implemented only by noop types %v", iface, types)
		}
	}
}
