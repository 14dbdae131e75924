package config

import "testing"

func TestLoadFailsWithMissingFields(t *testing.T) {
	if _, err := Load(testConfigPath(t, "missing.toml")); err == nil {
		t.Fatalf("缺失字段的配置应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
Origin = "https://flow.example"
StoragePath = "./data"
UpstreamTimeout = "boom"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadReadsCacheSection(t *testing.T) {
	cfg := `
Origin = "https://flow.example/"
StoragePath = "./data"
StorageDriver = "LevelDB"

[Cache]
Name = "flow-music-v3"
Manifest = ["/", "/player.js"]
ExcludedMarkers = ["firebase", "analytics.flow.example"]
`
	path := writeTempConfig(t, cfg)
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if loaded.Cache.Name != "flow-music-v3" {
		t.Fatalf("Cache.Name 未生效: %s", loaded.Cache.Name)
	}
	if len(loaded.Cache.Manifest) != 2 || loaded.Cache.Manifest[1] != "/player.js" {
		t.Fatalf("Manifest 未生效: %v", loaded.Cache.Manifest)
	}
	if len(loaded.Cache.ExcludedMarkers) != 2 {
		t.Fatalf("ExcludedMarkers 未生效: %v", loaded.Cache.ExcludedMarkers)
	}
	if loaded.Global.StorageDriver != "leveldb" {
		t.Fatalf("StorageDriver 应被规范化，得到 %s", loaded.Global.StorageDriver)
	}
	if loaded.Global.Origin != "https://flow.example" {
		t.Fatalf("Origin 末尾斜杠应被去掉，得到 %s", loaded.Global.Origin)
	}
}
