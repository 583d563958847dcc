package gates

import (
	"os"
	"path/filepath"
)

// Toolchain identifies the detected tool for one gate.
type Toolchain string

const (
	ToolNone Toolchain = ""

	// test runners
	ToolPytest  Toolchain = "pytest"
	ToolNpmTest Toolchain = "npm-test"
	ToolCargo   Toolchain = "cargo-test"
	ToolGoTest  Toolchain = "go-test"

	// typecheckers
	ToolMypy       Toolchain = "mypy"
	ToolTsc        Toolchain = "tsc"
	ToolCargoCheck Toolchain = "cargo-check"

	// linters
	ToolRuff   Toolchain = "ruff"
	ToolEslint Toolchain = "eslint"
	ToolClippy Toolchain = "clippy"
)

func exists(dir string, names ...string) bool {
	for _, name := range names {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return true
		}
	}
	return false
}

// DetectTestTool picks the first applicable test runner for the project.
func DetectTestTool(dir string) Toolchain {
	switch {
	case exists(dir, "pytest.ini", "conftest.py", "setup.py", "pyproject.toml") && hasPython(dir):
		return ToolPytest
	case exists(dir, "package.json"):
		return ToolNpmTest
	case exists(dir, "Cargo.toml"):
		return ToolCargo
	case exists(dir, "go.mod"):
		return ToolGoTest
	}
	return ToolNone
}

// DetectTypecheckTool picks the typechecker, or none.
func DetectTypecheckTool(dir string) Toolchain {
	switch {
	case exists(dir, "mypy.ini", ".mypy.ini") || (exists(dir, "pyproject.toml") && hasPython(dir)):
		return ToolMypy
	case exists(dir, "tsconfig.json"):
		return ToolTsc
	case exists(dir, "Cargo.toml"):
		return ToolCargoCheck
	}
	return ToolNone
}

// DetectLintTool picks the linter, or none.
func DetectLintTool(dir string) Toolchain {
	switch {
	case exists(dir, "ruff.toml", ".ruff.toml"):
		return ToolRuff
	case exists(dir, ".eslintrc", ".eslintrc.js", ".eslintrc.json", ".eslintrc.yml", "eslint.config.js", "eslint.config.mjs"):
		return ToolEslint
	case exists(dir, "Cargo.toml"):
		return ToolClippy
	}
	return ToolNone
}

// hasPython reports whether the directory contains any Python source at the
// top level or a tests/ directory.
func hasPython(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".py" {
			return true
		}
		if e.IsDir() && (e.Name() == "tests" || e.Name() == "test") {
			return true
		}
	}
	return false
}

// PrimaryLanguage guesses the project's main source language for the
// security scan scope.
func PrimaryLanguage(dir string) string {
	switch {
	case exists(dir, "go.mod"):
		return "go"
	case exists(dir, "Cargo.toml"):
		return "rust"
	case exists(dir, "package.json"):
		return "javascript"
	case exists(dir, "pyproject.toml", "setup.py", "requirements.txt"):
		return "python"
	}
	return ""
}

// commandFor maps a toolchain to its argument vector.
func commandFor(tool Toolchain) []string {
	switch tool {
	case ToolPytest:
		return []string{"python", "-m", "pytest", "--tb=short", "-q"}
	case ToolNpmTest:
		return []string{"npm", "test", "--", "--watchAll=false"}
	case ToolCargo:
		return []string{"cargo", "test"}
	case ToolGoTest:
		return []string{"go", "test", "./..."}
	case ToolMypy:
		return []string{"python", "-m", "mypy", "."}
	case ToolTsc:
		return []string{"npx", "tsc", "--noEmit"}
	case ToolCargoCheck:
		return []string{"cargo", "check"}
	case ToolRuff:
		return []string{"ruff", "check", "."}
	case ToolEslint:
		return []string{"npx", "eslint", "."}
	case ToolClippy:
		return []string{"cargo", "clippy", "--", "-D", "warnings"}
	}
	return nil
}
