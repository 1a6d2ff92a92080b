// Package catalog loads the user-supplied app mapping: which handles are
// learning or reward apps, their point rates, and the process names used to
// enforce a shield on the desktop.
//
// The mapping file is JSONC (JSON with comments and trailing commas):
//
//	{
//	  "apps": [
//	    // arithmetic practice
//	    {"handle": "tok-1", "display_name": "Math Quest", "category": "learning", "points_per_minute": 10},
//	    {"package_id": "com.example.blocks", "category": "reward", "points_per_minute": 15,
//	     "process_names": ["Blocks", "BlocksHelper"]},
//	  ],
//	}
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/tidwall/jsonc"

	"github.com/aminenidae/screentime-rewards/internal/domain"
	"github.com/aminenidae/screentime-rewards/internal/identity"
)

// App is one entry of the mapping.
type App struct {
	Handle          string          `json:"handle,omitempty"`
	PackageID       string          `json:"package_id,omitempty"`
	DisplayName     string          `json:"display_name,omitempty"`
	Category        domain.Category `json:"category"`
	PointsPerMinute int             `json:"points_per_minute"`
	ProcessNames    []string        `json:"process_names,omitempty"`
}

// ID returns the key the entry is indexed by, preferring the handle.
func (a App) ID() string {
	if a.Handle != "" {
		return a.Handle
	}
	return a.PackageID
}

type file struct {
	Apps []fileApp `json:"apps"`
}

type fileApp struct {
	Handle          string   `json:"handle"`
	PackageID       string   `json:"package_id"`
	DisplayName     string   `json:"display_name"`
	Category        string   `json:"category"`
	PointsPerMinute int      `json:"points_per_minute"`
	ProcessNames    []string `json:"process_names"`
}

// Catalog holds the mapping indexed by handle, handle hash, and package ID.
type Catalog struct {
	apps      []App
	byHandle  map[string]App
	byHash    map[string]App
	byPackage map[string]App
}

var _ identity.DefaultsSource = (*Catalog)(nil)

// New creates a catalog from entries. Later entries replace earlier ones with
// the same handle or package ID.
func New(apps ...App) (*Catalog, error) {
	c := &Catalog{
		byHandle:  make(map[string]App),
		byHash:    make(map[string]App),
		byPackage: make(map[string]App),
	}
	for i, a := range apps {
		if err := validate(a); err != nil {
			return nil, fmt.Errorf("app %d: %w", i, err)
		}
		c.register(a)
	}
	return c, nil
}

// Empty returns a catalog with no entries.
func Empty() *Catalog {
	c, _ := New()
	return c
}

// Parse decodes a JSONC mapping document.
func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := json.Unmarshal(jsonc.ToJSON(data), &f); err != nil {
		return nil, fmt.Errorf("failed to parse app mapping: %w", err)
	}

	apps := make([]App, 0, len(f.Apps))
	for i, fa := range f.Apps {
		cat, err := domain.ParseCategory(fa.Category)
		if err != nil {
			return nil, fmt.Errorf("app %d: %w", i, err)
		}
		apps = append(apps, App{
			Handle:          fa.Handle,
			PackageID:       fa.PackageID,
			DisplayName:     fa.DisplayName,
			Category:        cat,
			PointsPerMinute: fa.PointsPerMinute,
			ProcessNames:    fa.ProcessNames,
		})
	}
	return New(apps...)
}

// LoadFile reads the mapping at path. An empty path yields an empty catalog.
func LoadFile(path string) (*Catalog, error) {
	if path == "" {
		return Empty(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read app mapping: %w", err)
	}
	return Parse(data)
}

func (c *Catalog) register(a App) {
	if a.Handle != "" {
		c.byHandle[a.Handle] = a
		c.byHash[identity.HashHandle(a.Handle)] = a
	}
	if a.PackageID != "" {
		c.byPackage[a.PackageID] = a
	}

	for i, existing := range c.apps {
		if existing.ID() == a.ID() {
			c.apps[i] = a
			return
		}
	}
	c.apps = append(c.apps, a)
}

// Get returns the entry for a handle or, failing that, a package ID.
func (c *Catalog) Get(handle, packageID string) (App, bool) {
	if a, ok := c.byHandle[handle]; ok && handle != "" {
		return a, true
	}
	if a, ok := c.byPackage[packageID]; ok && packageID != "" {
		return a, true
	}
	return App{}, false
}

// DefaultsFor implements identity.DefaultsSource.
func (c *Catalog) DefaultsFor(handle, packageID string) (identity.AppDefaults, bool) {
	a, ok := c.Get(handle, packageID)
	if !ok {
		return identity.AppDefaults{}, false
	}
	return identity.AppDefaults{
		DisplayName:     a.DisplayName,
		Category:        a.Category,
		PointsPerMinute: a.PointsPerMinute,
	}, true
}

// ProcessNamesFor returns the desktop process names of an identity.
func (c *Catalog) ProcessNamesFor(app domain.AppIdentity) []string {
	if a, ok := c.byHash[app.HandleHash]; ok {
		return a.ProcessNames
	}
	if a, ok := c.byPackage[app.PackageID]; ok && app.PackageID != "" {
		return a.ProcessNames
	}
	return nil
}

// Apps returns all entries sorted by ID.
func (c *Catalog) Apps() []App {
	out := append([]App(nil), c.apps...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Len returns the number of entries.
func (c *Catalog) Len() int {
	return len(c.apps)
}

func validate(a App) error {
	if a.Handle == "" && a.PackageID == "" {
		return fmt.Errorf("handle or package_id is required")
	}
	if !a.Category.Valid() {
		return fmt.Errorf("invalid category %q", a.Category)
	}
	if a.PointsPerMinute < 0 {
		return fmt.Errorf("points_per_minute must be >= 0")
	}
	return nil
}
