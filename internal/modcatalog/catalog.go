package modcatalog

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Definitions models the structure of configs/modules.yaml.
type Definitions struct {
	Modules map[string]Definition `yaml:"modules"`
}

// Definition describes a single known module deployment.
type Definition struct {
	Type        string `yaml:"type"`
	Address     string `yaml:"address"`
	Description string `yaml:"description"`
}

// Entry 是对外返回的目录条目，带上了名称与规范化地址。
type Entry struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Address     string `json:"address"`
	Description string `json:"description,omitempty"`
}

// Load parses the YAML file containing module metadata. 路径为空或文件
// 不存在时返回空目录，缺目录不是错误。
func Load(path string) (Definitions, error) {
	if strings.TrimSpace(path) == "" {
		return Definitions{Modules: map[string]Definition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Definitions{Modules: map[string]Definition{}}, nil
		}
		return Definitions{}, fmt.Errorf("读取模块目录失败: %w", err)
	}

	var defs Definitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return Definitions{}, fmt.Errorf("解析模块目录失败: %w", err)
	}
	if defs.Modules == nil {
		defs.Modules = map[string]Definition{}
	}
	for name, def := range defs.Modules {
		if def.Address != "" && !common.IsHexAddress(def.Address) {
			return Definitions{}, fmt.Errorf("模块 %s 的地址非法: %s", name, def.Address)
		}
	}
	return defs, nil
}

// Entries 返回按名称排序的目录条目。
func (d Definitions) Entries() []Entry {
	names := make([]string, 0, len(d.Modules))
	for name := range d.Modules {
		names = append(names, name)
	}
	sort.Strings(names)

	entries := make([]Entry, 0, len(names))
	for _, name := range names {
		def := d.Modules[name]
		address := def.Address
		if common.IsHexAddress(address) {
			address = common.HexToAddress(address).Hex()
		}
		entries = append(entries, Entry{
			Name:        name,
			Type:        def.Type,
			Address:     address,
			Description: def.Description,
		})
	}
	return entries
}

// Resolve 按名称查找模块地址。
func (d Definitions) Resolve(name string) (common.Address, bool) {
	def, ok := d.Modules[name]
	if !ok || !common.IsHexAddress(def.Address) {
		return common.Address{}, false
	}
	return common.HexToAddress(def.Address), true
}
