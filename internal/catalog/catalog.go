// Package catalog supplies the selectable services (mechs) offered to
// requesters. The catalog is read-only once loaded.
package catalog

import (
	"os"
	"sort"
	"strings"

	xerrors "OpenMech-Chain/internal/errors"
	"OpenMech-Chain/internal/transaction"

	"gopkg.in/yaml.v3"
)

// Entry 描述目录中的一个服务。
type Entry struct {
	ID          string  `json:"id" yaml:"id"`
	Name        string  `json:"name" yaml:"name"`
	Cost        float64 `json:"cost" yaml:"cost"`
	Description string  `json:"description,omitempty" yaml:"description"`
	MechAddress string  `json:"mech_address,omitempty" yaml:"mech_address"`
}

type document struct {
	Services []Entry `yaml:"services"`
}

// Catalog 是按 ID 索引的服务目录。
type Catalog struct {
	entries map[string]Entry
	order   []string
}

// defaultEntries 是未提供目录文件时内置的服务列表。
var defaultEntries = []Entry{
	{ID: "1722", Name: "DeFi Analytics Service", Cost: 15, Description: "The mech executes AI tasks requested on-chain and delivers the results to the requester.", MechAddress: "0xf07fdfed257949e0d9c399fda361edf4f35de166"},
	{ID: "1815", Name: "Token Price Analysis Service", Cost: 10, Description: "The mech executes AI tasks requested on-chain and delivers the results to the requester.", MechAddress: "0x478ad20ed958dcc5ad4aba6f4e4cc51e07a840e4"},
	{ID: "1961", Name: "AI Task Execution Service", Cost: 10},
	{ID: "1966", Name: "AI Task Execution Service", Cost: 12},
	{ID: "1983", Name: "AI Task Processing Mech", Cost: 10},
	{ID: "1993", Name: "Task Execution Mech Service", Cost: 10},
	{ID: "1999", Name: "Yield Farming Optimizer", Cost: 10, Description: "Mech for useful tools", MechAddress: "0xa61026515b701c9a123b0587fd601857f368127a"},
	{ID: "2010", Name: "Nevermined Subscription Mech", Cost: 10},
}

// Default 返回内置目录。
func Default() *Catalog {
	c, _ := New(defaultEntries)
	return c
}

// New 基于条目构造目录，ID 重复或为空时返回错误。
func New(entries []Entry) (*Catalog, error) {
	c := &Catalog{entries: make(map[string]Entry, len(entries))}
	for _, entry := range entries {
		entry.ID = strings.TrimSpace(entry.ID)
		if entry.ID == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "服务 ID 不能为空")
		}
		if _, ok := c.entries[entry.ID]; ok {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "服务 ID 重复: "+entry.ID)
		}
		if entry.Cost < 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "服务费用不能为负: "+entry.ID)
		}
		if strings.TrimSpace(entry.Name) == "" {
			entry.Name = fallbackName(entry.ID)
		}
		c.entries[entry.ID] = entry
		c.order = append(c.order, entry.ID)
	}
	sort.Strings(c.order)
	return c, nil
}

// Load 从 YAML 文件加载目录，path 为空时返回内置目录。
func Load(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取服务目录失败")
	}
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析服务目录失败")
	}
	if len(doc.Services) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "服务目录为空")
	}
	return New(doc.Services)
}

// List 按 ID 顺序返回全部条目。
func (c *Catalog) List() []Entry {
	out := make([]Entry, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.entries[id])
	}
	return out
}

// Lookup 查找服务。
func (c *Catalog) Lookup(id string) (Entry, bool) {
	entry, ok := c.entries[strings.TrimSpace(id)]
	return entry, ok
}

// Name 返回服务显示名，未知 ID 返回通用名称。
func (c *Catalog) Name(id string) string {
	if entry, ok := c.Lookup(id); ok {
		return entry.Name
	}
	return fallbackName(id)
}

// Resolve 只补全缺失的服务名，ID 与费用保持调用方提供的值。
func (c *Catalog) Resolve(services []transaction.Service) []transaction.Service {
	out := make([]transaction.Service, len(services))
	for i, svc := range services {
		if strings.TrimSpace(svc.Name) == "" {
			svc.Name = c.Name(svc.ID)
		}
		out[i] = svc
	}
	return out
}

func fallbackName(id string) string {
	return "Service " + strings.TrimSpace(id)
}
