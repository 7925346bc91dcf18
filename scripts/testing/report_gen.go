// Command report_gen merges `go test -json` output with the TestPurpose,
// Security and Test Case ID annotations found above test functions and
// writes JSON and Markdown reports.
//
//	go test -json ./... > test.json
//	go run ./scripts/testing -input test.json -out-json report.json -out-md report.md
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"text/template"
	"time"
)

// TestMetadata holds the annotations parsed from a test's doc comment.
type TestMetadata struct {
	Name        string `json:"name"`
	Purpose     string `json:"purpose,omitempty"`
	Scope       string `json:"scope,omitempty"`
	Security    string `json:"security,omitempty"`
	Permissions string `json:"permissions,omitempty"`
	Expected    string `json:"expected,omitempty"`
	TestCaseID  string `json:"test_case_id,omitempty"`
	Package     string `json:"package"`
	Category    string `json:"category"`
	// Type is UT for package tests and IT for tests gated on a database.
	Type string `json:"type"`
}

// GoTestEvent is one line of `go test -json`.
type GoTestEvent struct {
	Time    time.Time `json:"Time"`
	Action  string    `json:"Action"`
	Package string    `json:"Package"`
	Test    string    `json:"Test"`
	Elapsed float64   `json:"Elapsed"`
	Output  string    `json:"Output"`
}

// TestResult is the merged outcome of one test or subtest.
type TestResult struct {
	Name        string       `json:"name"`
	Status      string       `json:"status"`
	Elapsed     float64      `json:"elapsed_seconds"`
	Package     string       `json:"package"`
	Failure     string       `json:"failure_reason,omitempty"`
	Annotations TestMetadata `json:"annotations"`
}

// Report is the top-level document.
type Report struct {
	Title       string       `json:"title"`
	GeneratedAt time.Time    `json:"generated_at"`
	Total       int          `json:"total"`
	Passed      int          `json:"passed"`
	Failed      int          `json:"failed"`
	Skipped     int          `json:"skipped"`
	Results     []TestResult `json:"results"`
}

// Category groups results for the Markdown report.
type Category struct {
	Name  string
	Tests []TestResult
}

// categories maps a package directory to its report section. Order is the
// order sections are printed in.
var categories = []struct{ dir, name string }{
	{"internal/authz", "Authorization"},
	{"internal/principal", "Authentication"},
	{"internal/tenant", "Tenancy"},
	{"internal/crm", "CRM"},
	{"internal/search", "Lead Search"},
	{"internal/ingest", "Webhook Ingestion"},
	{"internal/jobrunner", "Job Runner"},
	{"internal/ratelimit", "Rate Limiting"},
	{"internal/audit", "Audit"},
	{"internal/store", "Storage"},
	{"internal/transport/http", "API"},
}

func main() {
	input := flag.String("input", "", "Path to go test -json output file")
	outJSON := flag.String("out-json", "", "Path for the JSON report")
	outMD := flag.String("out-md", "", "Path for the Markdown report")
	title := flag.String("title", "Test Report", "Report title")
	only := flag.String("filter-categories", "", "Comma-separated categories to include")
	testType := flag.String("filter-type", "", "Only include tests of this type (UT, IT)")
	flag.Parse()

	if *input == "" || *outJSON == "" || *outMD == "" {
		fmt.Fprintln(os.Stderr, "Usage: report_gen -input <json_file> -out-json <out_json> -out-md <out_md>")
		os.Exit(2)
	}

	module, err := modulePath("go.mod")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read go.mod: %v\n", err)
		os.Exit(1)
	}
	meta := scanMetadata(module)

	results, err := parseTestOutput(*input, meta)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read test output: %v\n", err)
		os.Exit(1)
	}
	if *only != "" {
		want := strings.Split(*only, ",")
		results = slices.DeleteFunc(results, func(r TestResult) bool {
			return !slices.Contains(want, r.Annotations.Category)
		})
	}
	if *testType != "" {
		results = slices.DeleteFunc(results, func(r TestResult) bool {
			return !strings.EqualFold(r.Annotations.Type, *testType)
		})
	}

	report := summarize(*title, results)
	if err := writeJSON(report, *outJSON); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write JSON report: %v\n", err)
		os.Exit(1)
	}
	if err := writeMarkdown(report, *outMD); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write Markdown report: %v\n", err)
		os.Exit(1)
	}

	// Non-zero exit keeps CI gates honest.
	if report.Failed > 0 {
		fmt.Printf("%d of %d tests failed\n", report.Failed, report.Total)
		os.Exit(1)
	}
}

func modulePath(gomod string) (string, error) {
	data, err := os.ReadFile(gomod)
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if rest, ok := strings.CutPrefix(strings.TrimSpace(line), "module "); ok {
			return strings.TrimSpace(rest), nil
		}
	}
	return "", fmt.Errorf("no module directive in %s", gomod)
}

func scanMetadata(module string) map[string]TestMetadata {
	out := make(map[string]TestMetadata)
	fset := token.NewFileSet()

	filepath.WalkDir(".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() && (strings.HasPrefix(d.Name(), "_") || d.Name() == "vendor" || d.Name() == ".git") {
			return filepath.SkipDir
		}
		if d.IsDir() || !strings.HasSuffix(p, "_test.go") {
			return nil
		}
		file, err := parser.ParseFile(fset, p, nil, parser.ParseComments)
		if err != nil {
			return nil
		}

		dir := filepath.ToSlash(filepath.Dir(p))
		pkg := path.Join(module, dir)
		integration := usesIntegrationGate(file)
		for _, decl := range file.Decls {
			fn, ok := decl.(*ast.FuncDecl)
			if !ok || fn.Recv != nil || !strings.HasPrefix(fn.Name.Name, "Test") || fn.Name.Name == "TestMain" {
				continue
			}
			m := TestMetadata{
				Name:     fn.Name.Name,
				Package:  pkg,
				Type:     "UT",
				Category: categoryFor(dir),
			}
			if integration {
				m.Type = "IT"
			}
			if fn.Doc != nil {
				parseAnnotations(fn.Doc, &m)
			}
			out[pkg+"."+fn.Name.Name] = m
		}
		return nil
	})
	return out
}

// usesIntegrationGate reports whether the file reads DATABASE_URL, the
// switch for tests that need a live PostgreSQL.
func usesIntegrationGate(f *ast.File) bool {
	found := false
	ast.Inspect(f, func(n ast.Node) bool {
		if lit, ok := n.(*ast.BasicLit); ok && lit.Kind == token.STRING && lit.Value == `"DATABASE_URL"` {
			found = true
		}
		return !found
	})
	return found
}

func parseAnnotations(doc *ast.CommentGroup, m *TestMetadata) {
	fields := map[string]*string{
		"TestPurpose:":  &m.Purpose,
		"Scope:":        &m.Scope,
		"Security:":     &m.Security,
		"Permissions:":  &m.Permissions,
		"Expected:":     &m.Expected,
		"Test Case ID:": &m.TestCaseID,
	}
	for _, c := range doc.List {
		text := strings.TrimSpace(strings.TrimPrefix(c.Text, "//"))
		for prefix, dst := range fields {
			if rest, ok := strings.CutPrefix(text, prefix); ok {
				*dst = strings.TrimSpace(rest)
				break
			}
		}
	}
}

func categoryFor(dir string) string {
	for _, c := range categories {
		if dir == c.dir || strings.HasPrefix(dir, c.dir+"/") {
			return c.name
		}
	}
	return "Other"
}

func parseTestOutput(p string, meta map[string]TestMetadata) ([]TestResult, error) {
	states := make(map[string]*TestResult, len(meta))
	for key, m := range meta {
		states[key] = &TestResult{Name: m.Name, Package: m.Package, Status: "not run", Annotations: m}
	}

	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var ev GoTestEvent
		if json.Unmarshal(scanner.Bytes(), &ev) != nil || ev.Test == "" {
			continue
		}
		key := ev.Package + "." + ev.Test
		res, ok := states[key]
		if !ok {
			res = &TestResult{Name: ev.Test, Package: ev.Package, Annotations: inherit(meta, ev)}
			states[key] = res
		}

		switch ev.Action {
		case "pass", "fail":
			res.Status = ev.Action
			res.Elapsed = ev.Elapsed
		case "skip":
			res.Status = "skip"
		case "output":
			if res.Status == "" || res.Status == "not run" {
				res.Failure += ev.Output
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	list := make([]TestResult, 0, len(states))
	for _, r := range states {
		if r.Status != "fail" {
			r.Failure = ""
		}
		list = append(list, *r)
	}
	slices.SortFunc(list, func(a, b TestResult) int {
		if c := strings.Compare(a.Package, b.Package); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	return list, nil
}

// inherit gives a subtest its parent's annotations.
func inherit(meta map[string]TestMetadata, ev GoTestEvent) TestMetadata {
	parent, _, isSub := strings.Cut(ev.Test, "/")
	m, ok := meta[ev.Package+"."+parent]
	if !isSub || !ok {
		return TestMetadata{Name: ev.Test, Package: ev.Package, Type: "UT", Category: "Other"}
	}
	m.Name = ev.Test
	if m.Purpose != "" {
		m.Purpose += " (subtest)"
	}
	return m
}

func summarize(title string, results []TestResult) Report {
	r := Report{Title: title, GeneratedAt: time.Now().UTC(), Results: results}
	for _, t := range results {
		r.Total++
		switch t.Status {
		case "pass":
			r.Passed++
		case "fail":
			r.Failed++
		case "skip":
			r.Skipped++
		}
	}
	return r
}

func writeJSON(r Report, p string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, data, 0o644)
}

var markdown = template.Must(template.New("report").Funcs(template.FuncMap{
	"icon": func(status string) string {
		switch status {
		case "pass":
			return "✅"
		case "fail":
			return "❌"
		case "skip":
			return "⏭️"
		}
		return "⚪"
	},
	"rate": func(r Report) string {
		if r.Total == 0 {
			return "0.0%"
		}
		return fmt.Sprintf("%.1f%%", float64(r.Passed)/float64(r.Total)*100)
	},
	"cell": func(s string) string { return strings.ReplaceAll(s, "|", `\|`) },
}).Parse(`# OpenCRM {{.Report.Title}}

**Generated:** {{.Report.GeneratedAt.Format "2006-01-02 15:04:05 MST"}}
**Status:** {{if .Report.Failed}}❌ FAILED{{else}}✅ PASSED{{end}}

| Total | Passed | Failed | Skipped | Pass Rate |
|-------|--------|--------|---------|-----------|
| {{.Report.Total}} | {{.Report.Passed}} | {{.Report.Failed}} | {{.Report.Skipped}} | {{rate .Report}} |
{{range .Categories}}
## {{.Name}}

| ID | Test | Type | Status | Purpose | Security |
|----|------|------|--------|---------|----------|
{{range .Tests}}| {{.Annotations.TestCaseID}} | {{.Name}} | {{.Annotations.Type}} | {{icon .Status}} | {{cell .Annotations.Purpose}} | {{with .Annotations.Security}}**{{cell .}}**{{end}} |
{{end}}{{end}}{{if .Report.Failed}}
## Failures
{{range .Report.Results}}{{if eq .Status "fail"}}
### {{.Name}} ({{.Package}})

` + "```" + `
{{.Failure}}
` + "```" + `
{{end}}{{end}}{{end}}`))

func writeMarkdown(r Report, p string) error {
	byName := make(map[string][]TestResult)
	for _, t := range r.Results {
		byName[t.Annotations.Category] = append(byName[t.Annotations.Category], t)
	}
	var cats []Category
	for _, c := range categories {
		if tests := byName[c.name]; len(tests) > 0 {
			cats = append(cats, Category{Name: c.name, Tests: tests})
		}
	}
	if tests := byName["Other"]; len(tests) > 0 {
		cats = append(cats, Category{Name: "Other", Tests: tests})
	}

	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	f, err := os.Create(p)
	if err != nil {
		return err
	}
	defer f.Close()
	return markdown.Execute(f, struct {
		Report     Report
		Categories []Category
	}{r, cats})
}
