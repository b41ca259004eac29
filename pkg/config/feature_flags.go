// Feature flags for optional index and cache behavior.
//
// Most flags default to enabled — they gate index maintenance paths that
// are cheap and always correct to run. KNNIndexEnabled defaults to
// disabled since building a flat-scan vector index over every vector
// property is the one flag here with a real cost.
//
// Usage:
//
//	cfg := config.LoadFromEnv()
//	if cfg.Features.KNNIndexEnabled {
//		// populate the vector index on write
//	}
//
//	// Runtime toggles (for tests)
//	config.EnableKNNIndex()
//	if config.IsKNNIndexEnabled() { ... }
//
// Environment variables:
//
//	NEXUS_FEATURE_PROPERTY_INDEX_ENABLED=false
//	NEXUS_FEATURE_KNN_INDEX_ENABLED=true
//	NEXUS_FEATURE_ADAPTIVE_TTL_ENABLED=false
//	NEXUS_FEATURE_LABEL_OVERFLOW_ENABLED=false
package config

import (
	"fmt"
	"sort"
	"sync/atomic"
)

const (
	// EnvPropertyIndexEnabled toggles the property-equality index.
	EnvPropertyIndexEnabled = "NEXUS_FEATURE_PROPERTY_INDEX_ENABLED"
	// EnvKNNIndexEnabled toggles the flat-scan vector KNN index.
	EnvKNNIndexEnabled = "NEXUS_FEATURE_KNN_INDEX_ENABLED"
	// EnvAdaptiveTTLEnabled toggles the query cache's adaptive TTL tiering.
	EnvAdaptiveTTLEnabled = "NEXUS_FEATURE_ADAPTIVE_TTL_ENABLED"
	// EnvLabelOverflowEnabled toggles the >=64 label overflow side-structure.
	// Disabling it is only safe for datasets known to stay under the bitmap
	// limit; it exists mainly so tests can exercise the bitmap-only path.
	EnvLabelOverflowEnabled = "NEXUS_FEATURE_LABEL_OVERFLOW_ENABLED"
)

// FeatureFlagsConfig is the snapshot of feature flags baked into a Config
// at load time.
type FeatureFlagsConfig struct {
	PropertyIndexEnabled bool
	KNNIndexEnabled      bool
	AdaptiveTTLEnabled   bool
	LabelOverflowEnabled bool
}

// DefaultFeatureFlags returns the built-in defaults: every flag on except
// the KNN index, which carries a real maintenance cost.
func DefaultFeatureFlags() FeatureFlagsConfig {
	return FeatureFlagsConfig{
		PropertyIndexEnabled: true,
		KNNIndexEnabled:      false,
		AdaptiveTTLEnabled:   true,
		LabelOverflowEnabled: true,
	}
}

// Validate reports nothing today — every combination of these flags is
// valid — but keeps the shape consistent with the rest of Config for
// callers that validate every section uniformly.
func (f FeatureFlagsConfig) Validate() error { return nil }

func loadFeatureFlagsFromEnv(base FeatureFlagsConfig) FeatureFlagsConfig {
	base.PropertyIndexEnabled = getEnvBool(EnvPropertyIndexEnabled, base.PropertyIndexEnabled)
	base.KNNIndexEnabled = getEnvBool(EnvKNNIndexEnabled, base.KNNIndexEnabled)
	base.AdaptiveTTLEnabled = getEnvBool(EnvAdaptiveTTLEnabled, base.AdaptiveTTLEnabled)
	base.LabelOverflowEnabled = getEnvBool(EnvLabelOverflowEnabled, base.LabelOverflowEnabled)
	return base
}

// Package-level atomic toggles mirror the Config.Features snapshot for
// code that doesn't carry a *Config through its constructors; no other
// package in this module reads them. They're seeded from the same
// environment variables at package init and can be flipped at runtime by
// tests.
var (
	propertyIndexEnabled atomic.Bool
	knnIndexEnabled      atomic.Bool
	adaptiveTTLEnabled   atomic.Bool
	labelOverflowEnabled atomic.Bool
)

func init() {
	d := DefaultFeatureFlags()
	propertyIndexEnabled.Store(getEnvBool(EnvPropertyIndexEnabled, d.PropertyIndexEnabled))
	knnIndexEnabled.Store(getEnvBool(EnvKNNIndexEnabled, d.KNNIndexEnabled))
	adaptiveTTLEnabled.Store(getEnvBool(EnvAdaptiveTTLEnabled, d.AdaptiveTTLEnabled))
	labelOverflowEnabled.Store(getEnvBool(EnvLabelOverflowEnabled, d.LabelOverflowEnabled))
}

func EnablePropertyIndex()         { propertyIndexEnabled.Store(true) }
func DisablePropertyIndex()        { propertyIndexEnabled.Store(false) }
func IsPropertyIndexEnabled() bool { return propertyIndexEnabled.Load() }

// WithPropertyIndexEnabled flips the flag on and returns a restore func,
// for tests: `defer config.WithPropertyIndexEnabled()()`.
func WithPropertyIndexEnabled() func() {
	prev := propertyIndexEnabled.Load()
	propertyIndexEnabled.Store(true)
	return func() { propertyIndexEnabled.Store(prev) }
}

func EnableKNNIndex()         { knnIndexEnabled.Store(true) }
func DisableKNNIndex()        { knnIndexEnabled.Store(false) }
func IsKNNIndexEnabled() bool { return knnIndexEnabled.Load() }

func WithKNNIndexEnabled() func() {
	prev := knnIndexEnabled.Load()
	knnIndexEnabled.Store(true)
	return func() { knnIndexEnabled.Store(prev) }
}

func EnableAdaptiveTTL()         { adaptiveTTLEnabled.Store(true) }
func DisableAdaptiveTTL()        { adaptiveTTLEnabled.Store(false) }
func IsAdaptiveTTLEnabled() bool { return adaptiveTTLEnabled.Load() }

func EnableLabelOverflow()         { labelOverflowEnabled.Store(true) }
func DisableLabelOverflow()        { labelOverflowEnabled.Store(false) }
func IsLabelOverflowEnabled() bool { return labelOverflowEnabled.Load() }

// EnableAllFeatures flips every flag on, for tests exercising the full
// feature surface at once.
func EnableAllFeatures() {
	propertyIndexEnabled.Store(true)
	knnIndexEnabled.Store(true)
	adaptiveTTLEnabled.Store(true)
	labelOverflowEnabled.Store(true)
}

// DisableAllFeatures flips every flag off.
func DisableAllFeatures() {
	propertyIndexEnabled.Store(false)
	knnIndexEnabled.Store(false)
	adaptiveTTLEnabled.Store(false)
	labelOverflowEnabled.Store(false)
}

// ResetFeatureFlags restores every flag to DefaultFeatureFlags(), ignoring
// whatever the environment set at init — intended for test teardown.
func ResetFeatureFlags() {
	d := DefaultFeatureFlags()
	propertyIndexEnabled.Store(d.PropertyIndexEnabled)
	knnIndexEnabled.Store(d.KNNIndexEnabled)
	adaptiveTTLEnabled.Store(d.AdaptiveTTLEnabled)
	labelOverflowEnabled.Store(d.LabelOverflowEnabled)
}

// GetEnabledFeatures returns the names of every flag currently on, sorted.
func GetEnabledFeatures() []string {
	var out []string
	if propertyIndexEnabled.Load() {
		out = append(out, "property_index")
	}
	if knnIndexEnabled.Load() {
		out = append(out, "knn_index")
	}
	if adaptiveTTLEnabled.Load() {
		out = append(out, "adaptive_ttl")
	}
	if labelOverflowEnabled.Load() {
		out = append(out, "label_overflow")
	}
	sort.Strings(out)
	return out
}

// IsFeatureEnabled looks up a flag by its GetEnabledFeatures name.
func IsFeatureEnabled(feature string) bool {
	switch feature {
	case "property_index":
		return propertyIndexEnabled.Load()
	case "knn_index":
		return knnIndexEnabled.Load()
	case "adaptive_ttl":
		return adaptiveTTLEnabled.Load()
	case "label_overflow":
		return labelOverflowEnabled.Load()
	default:
		return false
	}
}

// EnableFeature and DisableFeature toggle a flag by its GetEnabledFeatures
// name; an unrecognized name is a no-op.
func EnableFeature(feature string)  { setFeature(feature, true) }
func DisableFeature(feature string) { setFeature(feature, false) }

func setFeature(feature string, v bool) {
	switch feature {
	case "property_index":
		propertyIndexEnabled.Store(v)
	case "knn_index":
		knnIndexEnabled.Store(v)
	case "adaptive_ttl":
		adaptiveTTLEnabled.Store(v)
	case "label_overflow":
		labelOverflowEnabled.Store(v)
	}
}

// FeatureStatus is a point-in-time snapshot of every flag, for admin/debug
// endpoints.
type FeatureStatus struct {
	PropertyIndexEnabled bool
	KNNIndexEnabled      bool
	AdaptiveTTLEnabled   bool
	LabelOverflowEnabled bool
}

func (s FeatureStatus) String() string {
	return fmt.Sprintf("property_index=%t knn_index=%t adaptive_ttl=%t label_overflow=%t",
		s.PropertyIndexEnabled, s.KNNIndexEnabled, s.AdaptiveTTLEnabled, s.LabelOverflowEnabled)
}

// GetFeatureStatus snapshots every flag's current value.
func GetFeatureStatus() FeatureStatus {
	return FeatureStatus{
		PropertyIndexEnabled: propertyIndexEnabled.Load(),
		KNNIndexEnabled:      knnIndexEnabled.Load(),
		AdaptiveTTLEnabled:   adaptiveTTLEnabled.Load(),
		LabelOverflowEnabled: labelOverflowEnabled.Load(),
	}
}
