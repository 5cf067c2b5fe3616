package session

import (
	_ "embed"
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/neurotutor/neurotutor/internal/model"
)

//go:embed routes.yaml
var defaultRoutes []byte

// RouteRule guards one page. An empty AllowedRoles admits any signed-in
// role. Path segments of the form {name} match any single segment.
type RouteRule struct {
	Path              string       `yaml:"path"`
	AllowedRoles      []model.Role `yaml:"roles"`
	RequireDiagnostic bool         `yaml:"require_diagnostic"`
}

func (r RouteRule) allows(role model.Role) bool {
	return slices.ContainsFunc(r.AllowedRoles, func(a model.Role) bool {
		return NormalizeRole(string(a)) == role
	})
}

func (r RouteRule) match(path string) bool {
	want := splitPath(r.Path)
	got := splitPath(path)
	if len(want) != len(got) {
		return false
	}
	for i, seg := range want {
		if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
			if got[i] == "" {
				return false
			}
			continue
		}
		if seg != got[i] {
			return false
		}
	}
	return true
}

func splitPath(p string) []string {
	return strings.Split(strings.Trim(p, "/"), "/")
}

// RouteTable is an ordered list of route rules.
type RouteTable struct {
	Routes []RouteRule `yaml:"routes"`
}

// DefaultRoutes returns the built-in route table.
func DefaultRoutes() RouteTable {
	t, err := parseRoutes(defaultRoutes)
	if err != nil {
		panic(fmt.Sprintf("built-in routes: %v", err))
	}
	return t
}

// LoadRoutes reads a route table from a YAML file. An empty path returns
// the built-in table.
func LoadRoutes(path string) (RouteTable, error) {
	if path == "" {
		return DefaultRoutes(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return RouteTable{}, fmt.Errorf("read routes: %w", err)
	}
	t, err := parseRoutes(data)
	if err != nil {
		return RouteTable{}, fmt.Errorf("parse routes %s: %w", path, err)
	}
	return t, nil
}

func parseRoutes(data []byte) (RouteTable, error) {
	var t RouteTable
	if err := yaml.Unmarshal(data, &t); err != nil {
		return RouteTable{}, err
	}
	for i, r := range t.Routes {
		if !strings.HasPrefix(r.Path, "/") {
			return RouteTable{}, fmt.Errorf("route %d: path %q must start with /", i, r.Path)
		}
		for j, role := range r.AllowedRoles {
			t.Routes[i].AllowedRoles[j] = NormalizeRole(string(role))
		}
	}
	return t, nil
}

// Match returns the first rule whose path matches.
func (t RouteTable) Match(path string) (RouteRule, bool) {
	for _, r := range t.Routes {
		if r.match(path) {
			return r, true
		}
	}
	return RouteRule{}, false
}
