package gates

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"autodev/internal/logging"
)

// Finding is one security-scan hit, formatted "file:line: description".
type Finding struct {
	File        string
	Line        int
	Description string
}

func (f Finding) String() string {
	return fmt.Sprintf("%s:%d: %s", f.File, f.Line, f.Description)
}

// securityPattern pairs a regex with its finding description and the
// languages it applies to (empty = all).
type securityPattern struct {
	re        *regexp.Regexp
	desc      string
	languages []string
}

var securityPatterns = []securityPattern{
	{regexp.MustCompile(`\bos\.system\s*\(`), "arbitrary command execution via os.system", []string{"python"}},
	{regexp.MustCompile(`subprocess\.\w+\([^)]*shell\s*=\s*True`), "shell injection via subprocess shell=True", []string{"python"}},
	{regexp.MustCompile(`\beval\s*\(`), "dynamic code evaluation", []string{"python", "javascript"}},
	{regexp.MustCompile(`\bexec\s*\(`), "dynamic code execution", []string{"python"}},
	{regexp.MustCompile(`pickle\.loads?\s*\(`), "deserialization of untrusted data via pickle", []string{"python"}},
	{regexp.MustCompile(`child_process.*\bexec\s*\(`), "shell command execution via child_process.exec", []string{"javascript"}},
	{regexp.MustCompile(`new Function\s*\(`), "dynamic code evaluation via Function constructor", []string{"javascript"}},
	{regexp.MustCompile(`(?i)(api[_-]?key|secret|password|token)\s*[:=]\s*["'][A-Za-z0-9+/_\-]{16,}["']`), "hardcoded secret", nil},
	{regexp.MustCompile(`https?://\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}`), "network call to raw IP address", nil},
	{regexp.MustCompile(`exec\.Command\([^)]*"(sh|bash)"[^)]*"-c"`), "shell interpolation via sh -c", []string{"go"}},
	{regexp.MustCompile(`std::process::Command::new\(\s*"(sh|bash)"`), "shell interpolation via sh", []string{"rust"}},
}

var langExtensions = map[string][]string{
	"python":     {".py"},
	"javascript": {".js", ".jsx", ".ts", ".tsx", ".mjs"},
	"go":         {".go"},
	"rust":       {".rs"},
}

var scanSkipDirs = map[string]bool{
	".git": true, "node_modules": true, "vendor": true, "target": true,
	"__pycache__": true, ".venv": true, "venv": true, "dist": true,
}

// SecurityScan walks source files of the project's primary language and
// reports matches of dangerous patterns. Scoping to one language keeps
// mixed-asset repos from drowning the result in noise.
func SecurityScan(dir string) ([]Finding, error) {
	lang := PrimaryLanguage(dir)
	if lang == "" {
		return nil, nil
	}
	exts := map[string]bool{}
	for _, e := range langExtensions[lang] {
		exts[e] = true
	}

	var active []securityPattern
	for _, p := range securityPatterns {
		if p.languages == nil {
			active = append(active, p)
			continue
		}
		for _, l := range p.languages {
			if l == lang {
				active = append(active, p)
				break
			}
		}
	}

	var findings []Finding
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if scanSkipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !exts[filepath.Ext(path)] {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			rel = path
		}
		for i, line := range strings.Split(string(data), "\n") {
			for _, p := range active {
				if p.re.MatchString(line) {
					findings = append(findings, Finding{File: rel, Line: i + 1, Description: p.desc})
				}
			}
		}
		return nil
	})
	if err != nil {
		return findings, err
	}

	if len(findings) > 0 {
		logging.Gates("Security scan: %d findings in %s", len(findings), dir)
	}
	return findings, nil
}
