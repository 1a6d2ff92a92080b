// Package identity maps opaque per-install app handles to durable logical IDs.
//
// Identities are keyed only by a keyed hash of the handle. Display names and
// package IDs are metadata: two handles that share both, or lack both, still
// get distinct logical IDs.
package identity

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/aminenidae/screentime-rewards/internal/clock"
	"github.com/aminenidae/screentime-rewards/internal/domain"
	"github.com/aminenidae/screentime-rewards/internal/errlog"
	"github.com/aminenidae/screentime-rewards/internal/ledger"
)

// handleDomainKey separates handle hashes from any other BLAKE3 use.
// Changing it re-keys every identity.
var handleDomainKey = [32]byte{
	's', 'c', 'r', 'e', 'e', 'n', 'l', 'e', 'd', 'g', 'e', 'r', '.', 'h', 'a', 'n',
	'd', 'l', 'e', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

const (
	handleHashLen = 32
	idHashLen     = 12
	idPrefix      = "app-"
)

// HashHandle returns the hex handle hash used as the identity map key.
func HashHandle(handle string) string {
	hasher, err := blake3.NewKeyed(handleDomainKey[:])
	if err != nil {
		panic("identity: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write([]byte(handle))
	return hex.EncodeToString(hasher.Sum(nil))[:handleHashLen]
}

// AppDefaults is the user-supplied mapping applied to a handle on first sighting.
type AppDefaults struct {
	DisplayName     string
	Category        domain.Category
	PointsPerMinute int
}

// DefaultsSource looks up the mapping for a handle or package ID.
type DefaultsSource interface {
	DefaultsFor(handle, packageID string) (AppDefaults, bool)
}

// Sighting is one handle as reported by the platform.
type Sighting struct {
	Handle      string
	PackageID   string
	DisplayName string
}

// Registration assigns a category and rate to a handle.
type Registration struct {
	Sighting
	Category        domain.Category
	PointsPerMinute int
}

// Resolver is the Identity Resolver.
type Resolver struct {
	records  *ledger.Records
	defaults DefaultsSource
	errors   *errlog.Log
	clock    clock.Clock
	logger   *zap.Logger
}

// NewResolver creates a Resolver. defaults may be nil.
func NewResolver(records *ledger.Records, defaults DefaultsSource, errors *errlog.Log, clk clock.Clock, logger *zap.Logger) *Resolver {
	return &Resolver{
		records:  records,
		defaults: defaults,
		errors:   errors,
		clock:    clk,
		logger:   logger,
	}
}

// Resolve returns the logical ID for a handle, creating and persisting a new
// identity on first sighting. It never fails.
func (r *Resolver) Resolve(ctx context.Context, handle, packageID, displayName string) string {
	ids := r.ResolveAll(ctx, []Sighting{{Handle: handle, PackageID: packageID, DisplayName: displayName}})
	return ids[0].LogicalID
}

// ResolveAll resolves a batch of sightings with a single read and at most one
// write of the identity map. Results are in input order.
func (r *Resolver) ResolveAll(ctx context.Context, sightings []Sighting) []domain.AppIdentity {
	m := r.loadIdentities(ctx)
	out := make([]domain.AppIdentity, 0, len(sightings))
	touched := make(map[string]domain.AppIdentity)

	for _, s := range sightings {
		id, changed := r.resolveIn(m, s)
		if changed {
			touched[id.HandleHash] = id
		}
		out = append(out, id)
	}

	rates := r.loadRates(ctx)
	if len(touched) > 0 {
		merged, err := r.persistIdentities(ctx, touched)
		if err == nil {
			for i, id := range out {
				out[i] = merged.Entries[id.HandleHash]
			}
			err = r.saveMapping(ctx, merged, rates)
		}
		if err != nil {
			// The hash-derived ID is still valid; the next call re-derives it.
			r.logger.Warn("failed to persist identity map", zap.Error(err))
			if r.errors != nil {
				_ = r.errors.Failure(ctx, domain.ActionStoreWriteFailure, "", err)
			}
		}
	}

	for i, id := range out {
		out[i] = rates.Apply(id)
	}
	return out
}

// Register resolves the handle and sets its category and rate.
func (r *Resolver) Register(ctx context.Context, reg Registration) (domain.AppIdentity, error) {
	if err := validateMapping(reg.Category, reg.PointsPerMinute); err != nil {
		return domain.AppIdentity{}, err
	}

	m := r.loadIdentities(ctx)
	id, changed := r.resolveIn(m, reg.Sighting)
	if changed {
		merged, err := r.persistIdentities(ctx, map[string]domain.AppIdentity{id.HandleHash: id})
		if err != nil {
			return domain.AppIdentity{}, err
		}
		m, id = merged, merged.Entries[id.HandleHash]
	}

	id, err := r.setRate(ctx, m, id, reg.Category, reg.PointsPerMinute)
	if err != nil {
		return domain.AppIdentity{}, err
	}

	r.logger.Info("app registered",
		zap.String("logical_id", id.LogicalID),
		zap.String("category", string(id.Category)),
		zap.Int("points_per_minute", id.PointsPerMinute))
	return id, nil
}

// Categorize changes the category and rate of an existing identity.
func (r *Resolver) Categorize(ctx context.Context, logicalID string, category domain.Category, pointsPerMinute int) (domain.AppIdentity, error) {
	if err := validateMapping(category, pointsPerMinute); err != nil {
		return domain.AppIdentity{}, err
	}

	m := r.loadIdentities(ctx)
	for _, id := range m.Entries {
		if id.LogicalID == logicalID {
			return r.setRate(ctx, m, id, category, pointsPerMinute)
		}
	}
	return domain.AppIdentity{}, fmt.Errorf("%w: %s", domain.ErrUnknownApp, logicalID)
}

// setRate records the rate for id in the rates record, leaving the identity
// map untouched, and refreshes the event mapping.
func (r *Resolver) setRate(ctx context.Context, m domain.IdentityMap, id domain.AppIdentity, category domain.Category, pointsPerMinute int) (domain.AppIdentity, error) {
	rates := r.loadRates(ctx)
	rates.Entries[id.HandleHash] = domain.AppRate{Category: category, PointsPerMinute: pointsPerMinute}
	rates.UpdatedAt = r.clock.Now()
	if err := r.records.Save(ctx, ledger.KeyAppRates, rates); err != nil {
		return domain.AppIdentity{}, fmt.Errorf("failed to save app rates: %w", err)
	}
	if err := r.saveMapping(ctx, m, rates); err != nil {
		return domain.AppIdentity{}, err
	}
	return rates.Apply(id), nil
}

// Lookup returns the identity bound to logicalID.
func (r *Resolver) Lookup(ctx context.Context, logicalID string) (domain.AppIdentity, bool) {
	for _, id := range r.load(ctx).Entries {
		if id.LogicalID == logicalID {
			return id, true
		}
	}
	return domain.AppIdentity{}, false
}

// List returns every identity sorted by logical ID.
func (r *Resolver) List(ctx context.Context) []domain.AppIdentity {
	m := r.load(ctx)
	out := make([]domain.AppIdentity, 0, len(m.Entries))
	for _, id := range m.Entries {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LogicalID < out[j].LogicalID })
	return out
}

// ByLogicalID returns every identity keyed by logical ID.
func (r *Resolver) ByLogicalID(ctx context.Context) map[string]domain.AppIdentity {
	m := r.load(ctx)
	out := make(map[string]domain.AppIdentity, len(m.Entries))
	for _, id := range m.Entries {
		out[id.LogicalID] = id
	}
	return out
}

// resolveIn finds or creates the identity for s inside m.
func (r *Resolver) resolveIn(m domain.IdentityMap, s Sighting) (domain.AppIdentity, bool) {
	hh := HashHandle(s.Handle)

	if id, ok := m.Entries[hh]; ok {
		changed := false
		if id.DisplayName == "" && s.DisplayName != "" {
			id.DisplayName = s.DisplayName
			changed = true
		}
		if id.PackageID == "" && s.PackageID != "" {
			id.PackageID = s.PackageID
			changed = true
		}
		if changed {
			m.Entries[hh] = id
		}
		return id, changed
	}

	id := domain.AppIdentity{
		LogicalID:   allocateID(m, hh),
		HandleHash:  hh,
		PackageID:   s.PackageID,
		DisplayName: s.DisplayName,
		Category:    domain.CategoryLearning,
		FirstSeen:   r.clock.Now(),
	}
	if r.defaults != nil {
		if d, ok := r.defaults.DefaultsFor(s.Handle, s.PackageID); ok {
			if d.Category.Valid() {
				id.Category = d.Category
			}
			if d.PointsPerMinute > 0 {
				id.PointsPerMinute = d.PointsPerMinute
			}
			if id.DisplayName == "" {
				id.DisplayName = d.DisplayName
			}
		}
	}
	m.Entries[hh] = id

	r.logger.Info("new app identity",
		zap.String("logical_id", id.LogicalID),
		zap.String("display_name", id.Name()),
		zap.Bool("has_package_id", id.PackageID != ""))
	return id, true
}

// allocateID derives the logical ID from the handle hash and suffixes it
// until no other handle holds it.
func allocateID(m domain.IdentityMap, handleHash string) string {
	taken := make(map[string]bool, len(m.Entries))
	for hh, id := range m.Entries {
		if hh != handleHash {
			taken[id.LogicalID] = true
		}
	}

	base := idPrefix + handleHash[:idHashLen]
	candidate := base
	for n := 2; taken[candidate]; n++ {
		candidate = fmt.Sprintf("%s-%d", base, n)
	}
	return candidate
}

// load returns the identity map with stored rates applied.
func (r *Resolver) load(ctx context.Context) domain.IdentityMap {
	m := r.loadIdentities(ctx)
	rates := r.loadRates(ctx)
	for hh, id := range m.Entries {
		m.Entries[hh] = rates.Apply(id)
	}
	return m
}

func (r *Resolver) loadIdentities(ctx context.Context) domain.IdentityMap {
	m, _ := ledger.Load(ctx, r.records, ledger.KeyIdentityMap, domain.IdentityMap{})
	if m.Entries == nil {
		m.Entries = make(map[string]domain.AppIdentity)
	}
	return m
}

func (r *Resolver) loadRates(ctx context.Context) domain.AppRates {
	rates, _ := ledger.Load(ctx, r.records, ledger.KeyAppRates, domain.AppRates{})
	if rates.Entries == nil {
		rates.Entries = make(map[string]domain.AppRate)
	}
	return rates
}

// persistIdentities folds touched into a fresh read of the identity map and
// writes it back. Entries another process wrote since the caller's read are
// kept, including its copy of a handle both sides created.
func (r *Resolver) persistIdentities(ctx context.Context, touched map[string]domain.AppIdentity) (domain.IdentityMap, error) {
	m := r.loadIdentities(ctx)
	for hh, id := range touched {
		cur, ok := m.Entries[hh]
		if !ok {
			id.LogicalID = allocateID(m, hh)
			m.Entries[hh] = id
			continue
		}
		if cur.DisplayName == "" {
			cur.DisplayName = id.DisplayName
		}
		if cur.PackageID == "" {
			cur.PackageID = id.PackageID
		}
		m.Entries[hh] = cur
	}

	m.UpdatedAt = r.clock.Now()
	if err := r.records.Save(ctx, ledger.KeyIdentityMap, m); err != nil {
		return m, fmt.Errorf("failed to save identity map: %w", err)
	}
	return m, nil
}

// saveMapping writes the display metadata derived from m and rates.
func (r *Resolver) saveMapping(ctx context.Context, m domain.IdentityMap, rates domain.AppRates) error {
	mapping := domain.EventMapping{Entries: make(map[string]domain.AppMetadata, len(m.Entries))}
	for _, id := range m.Entries {
		id = rates.Apply(id)
		mapping.Entries[id.LogicalID] = domain.AppMetadata{
			DisplayName: id.Name(),
			PackageID:   id.PackageID,
			Category:    id.Category,
		}
	}
	if err := r.records.Save(ctx, ledger.KeyEventMapping, mapping); err != nil {
		return fmt.Errorf("failed to save event mapping: %w", err)
	}
	return nil
}

func validateMapping(category domain.Category, pointsPerMinute int) error {
	if !category.Valid() {
		return fmt.Errorf("invalid category %q", category)
	}
	if pointsPerMinute < 0 {
		return fmt.Errorf("points per minute must be >= 0, got %d", pointsPerMinute)
	}
	return nil
}
