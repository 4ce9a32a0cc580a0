// Package config loads an atomic, swappable configuration snapshot (spec
// section 6: "A change replaces the whole snapshot") from a YAML/TOML
// file plus environment overrides, and watches the file for hot reload.
package config

import (
	"time"

	"shadowsync/internal/shadow"
)

// StrategyKind selects which drainer policy a Snapshot wants active.
type StrategyKind string

const (
	StrategyRealtime StrategyKind = "realtime"
	StrategyPeriodic StrategyKind = "periodic"
)

// StrategyConfig describes the active strategy and its tuning knobs.
type StrategyConfig struct {
	Type            StrategyKind  `mapstructure:"type" validate:"required,oneof=realtime periodic"`
	IntervalSeconds int           `mapstructure:"interval_s" validate:"omitempty,min=1"`
	Parallelism     int           `mapstructure:"parallelism" validate:"omitempty,min=1"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// KeyConfig is one synced (thing, name) pair as it appears in config.
type KeyConfig struct {
	ThingName  string `mapstructure:"thing_name" validate:"required"`
	ShadowName string `mapstructure:"shadow_name"`
}

// ToShadowKey converts a KeyConfig into shadow.Key.
func (k KeyConfig) ToShadowKey() shadow.Key {
	return shadow.Key{ThingName: k.ThingName, ShadowName: k.ShadowName}
}

// CloudConfig is the cloudclient adapter's connection configuration.
type CloudConfig struct {
	DSN      string `mapstructure:"dsn" validate:"required"`
	Database string `mapstructure:"database" validate:"required"`
}

// LocalConfig is the localstore adapter's configuration.
type LocalConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// AdminConfig configures the operator/control HTTP surface.
type AdminConfig struct {
	ListenAddr           string `mapstructure:"listen_addr" validate:"required"`
	JWTSecret            string `mapstructure:"jwt_secret" validate:"required,min=16"`
	OperatorPasswordHash string `mapstructure:"operator_password_hash" validate:"required"`
}

// Snapshot is the immutable, atomically-swapped configuration bundle (spec
// 6 "Configuration (consumed)"). Never mutate a Snapshot in place — build a
// new one and swap (spec 9 "Config hot-reload").
type Snapshot struct {
	Strategy             StrategyConfig `mapstructure:"strategy" validate:"required"`
	Direction            string         `mapstructure:"direction" validate:"required,oneof=between_device_and_cloud device_to_cloud cloud_to_device"`
	SyncedKeys           []KeyConfig    `mapstructure:"synced_keys" validate:"dive"`
	MaxDocumentBytes     int            `mapstructure:"max_document_bytes"`
	MaxSyncSeedPerSecond int            `mapstructure:"max_sync_seed_per_second"`
	Cloud                CloudConfig    `mapstructure:"cloud" validate:"required"`
	Local                LocalConfig    `mapstructure:"local" validate:"required"`
	Admin                AdminConfig    `mapstructure:"admin" validate:"required"`
}

// ShadowDirection parses Direction into shadow.Direction.
func (s Snapshot) ShadowDirection() shadow.Direction {
	switch s.Direction {
	case "device_to_cloud":
		return shadow.DeviceToCloud
	case "cloud_to_device":
		return shadow.CloudToDevice
	default:
		return shadow.BetweenDeviceAndCloud
	}
}

// ShadowKeys converts SyncedKeys into shadow.Key values.
func (s Snapshot) ShadowKeys() []shadow.Key {
	keys := make([]shadow.Key, 0, len(s.SyncedKeys))
	for _, k := range s.SyncedKeys {
		keys = append(keys, k.ToShadowKey())
	}
	return keys
}

// Diff describes what changed between two snapshots, consumed by the
// Handler's ApplyConfig (spec 6: "Handler diffs and applies").
type Diff struct {
	AddedKeys        []shadow.Key
	RemovedKeys      []shadow.Key
	StrategyChanged  bool
	DirectionChanged bool
}

// DiffSnapshots computes what the Handler must do to move from old to cur.
func DiffSnapshots(old, cur Snapshot) Diff {
	oldSet := make(map[shadow.Key]struct{}, len(old.SyncedKeys))
	for _, k := range old.ShadowKeys() {
		oldSet[k] = struct{}{}
	}
	curSet := make(map[shadow.Key]struct{}, len(cur.SyncedKeys))
	for _, k := range cur.ShadowKeys() {
		curSet[k] = struct{}{}
	}

	var d Diff
	for k := range curSet {
		if _, ok := oldSet[k]; !ok {
			d.AddedKeys = append(d.AddedKeys, k)
		}
	}
	for k := range oldSet {
		if _, ok := curSet[k]; !ok {
			d.RemovedKeys = append(d.RemovedKeys, k)
		}
	}
	d.StrategyChanged = old.Strategy != cur.Strategy
	d.DirectionChanged = old.Direction != cur.Direction
	return d
}
