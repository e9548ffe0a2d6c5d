package modcatalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func writeCatalog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "modules.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	return path
}

func TestLoadMissingCatalogIsEmpty(t *testing.T) {
	// 空路径与缺文件都不是错误，目录只是为空。
	defs, err := Load("")
	if err != nil {
		t.Fatalf("load empty path: %v", err)
	}
	if len(defs.Modules) != 0 {
		t.Fatalf("empty path yielded %d modules", len(defs.Modules))
	}

	defs, err = Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load missing file: %v", err)
	}
	if len(defs.Modules) != 0 {
		t.Fatalf("missing file yielded %d modules", len(defs.Modules))
	}
}

func TestLoadRejectsBadAddress(t *testing.T) {
	path := writeCatalog(t, `
modules:
  broken:
    type: validator
    address: "not-an-address"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("invalid address accepted")
	}

	path = writeCatalog(t, "modules: [")
	if _, err := Load(path); err == nil {
		t.Fatal("malformed yaml accepted")
	}
}

func TestEntriesSortedAndChecksummed(t *testing.T) {
	path := writeCatalog(t, `
modules:
  session-key:
    type: executor
    address: "0x0000000000000000000000000000000000001002"
    description: 会话密钥执行器
  ecdsa-validator:
    type: validator
    address: "0x0000000000000000000000000000000000001001"
`)
	defs, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	entries := defs.Entries()
	if len(entries) != 2 {
		t.Fatalf("entry count = %d, want 2", len(entries))
	}
	if entries[0].Name != "ecdsa-validator" || entries[1].Name != "session-key" {
		t.Fatalf("entries not sorted by name: %v, %v", entries[0].Name, entries[1].Name)
	}
	// 地址按 EIP-55 规范化输出。
	want := common.HexToAddress("0x0000000000000000000000000000000000001001").Hex()
	if entries[0].Address != want {
		t.Fatalf("address = %s, want %s", entries[0].Address, want)
	}
	if entries[1].Description != "会话密钥执行器" {
		t.Fatalf("description lost: %q", entries[1].Description)
	}
}

func TestResolve(t *testing.T) {
	path := writeCatalog(t, `
modules:
  hook-pipeline:
    type: hook
    address: "0x0000000000000000000000000000000000001004"
  pending:
    type: executor
`)
	defs, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	addr, ok := defs.Resolve("hook-pipeline")
	if !ok || addr != common.HexToAddress("0x1004") {
		t.Fatalf("resolve = %s, %v", addr.Hex(), ok)
	}
	// 未部署的条目与未知名称都解析失败。
	if _, ok := defs.Resolve("pending"); ok {
		t.Fatal("entry without address resolved")
	}
	if _, ok := defs.Resolve("ghost"); ok {
		t.Fatal("unknown module resolved")
	}
}
