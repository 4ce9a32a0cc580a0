package config

import (
	"testing"

	"shadowsync/internal/shadow"
)

func TestDiffSnapshotsKeys(t *testing.T) {
	old := Snapshot{SyncedKeys: []KeyConfig{{ThingName: "a"}, {ThingName: "b"}}}
	cur := Snapshot{SyncedKeys: []KeyConfig{{ThingName: "b"}, {ThingName: "c"}}}

	d := DiffSnapshots(old, cur)
	if len(d.AddedKeys) != 1 || d.AddedKeys[0] != (shadow.Key{ThingName: "c"}) {
		t.Errorf("AddedKeys = %v, want [{c}]", d.AddedKeys)
	}
	if len(d.RemovedKeys) != 1 || d.RemovedKeys[0] != (shadow.Key{ThingName: "a"}) {
		t.Errorf("RemovedKeys = %v, want [{a}]", d.RemovedKeys)
	}
}

func TestDiffSnapshotsStrategyAndDirection(t *testing.T) {
	old := Snapshot{Strategy: StrategyConfig{Type: StrategyRealtime}, Direction: "between_device_and_cloud"}
	cur := Snapshot{Strategy: StrategyConfig{Type: StrategyPeriodic}, Direction: "cloud_to_device"}

	d := DiffSnapshots(old, cur)
	if !d.StrategyChanged {
		t.Error("StrategyChanged = false, want true")
	}
	if !d.DirectionChanged {
		t.Error("DirectionChanged = false, want true")
	}
}

func TestDiffSnapshotsNoChange(t *testing.T) {
	s := Snapshot{
		Strategy:  StrategyConfig{Type: StrategyRealtime},
		Direction: "between_device_and_cloud",
		SyncedKeys: []KeyConfig{{ThingName: "a"}},
	}
	d := DiffSnapshots(s, s)
	if len(d.AddedKeys) != 0 || len(d.RemovedKeys) != 0 || d.StrategyChanged || d.DirectionChanged {
		t.Errorf("diff of identical snapshots should be empty, got %+v", d)
	}
}
