package knowledge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Provider 定义知识库检索的通用接口。
type Provider interface {
	Query(question string, limit int) []Snippet
}

// Snippet 描述可供大模型引用的一段知识。
type Snippet struct {
	Title    string   `json:"title" yaml:"title"`
	URL      string   `json:"url" yaml:"url"`
	Content  string   `json:"content" yaml:"content"`
	Keywords []string `json:"keywords" yaml:"keywords"`
	Tags     []string `json:"tags" yaml:"tags"`
}

// StaticProvider 基于内存条目做关键词检索。
type StaticProvider struct {
	items      []Snippet
	maxResults int
}

// NewStaticProvider 创建静态知识库实例。
func NewStaticProvider(items []Snippet, maxResults int) *StaticProvider {
	if maxResults <= 0 {
		maxResults = 5
	}
	return &StaticProvider{
		items:      items,
		maxResults: maxResults,
	}
}

// LoadStaticProvider 从 JSON 或 YAML 文件加载知识条目，按扩展名选择格式。
func LoadStaticProvider(path string, maxResults int) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("知识库文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析知识库路径失败: %w", err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取知识库文件失败: %w", err)
	}

	var entries []Snippet
	switch strings.ToLower(filepath.Ext(absPath)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &entries)
	default:
		err = json.Unmarshal(data, &entries)
	}
	if err != nil {
		return nil, fmt.Errorf("解析知识库文件失败: %w", err)
	}
	return NewStaticProvider(entries, maxResults), nil
}

type scored struct {
	snippet Snippet
	score   int
	index   int
}

// Query 按关键词命中数排序返回条目，关键词权重高于标签，得分相同按原始顺序。
// 没有关键词的条目视为通用条目，排在命中条目之后。
func (p *StaticProvider) Query(question string, limit int) []Snippet {
	if p == nil {
		return nil
	}
	if limit <= 0 || limit > p.maxResults {
		limit = p.maxResults
	}
	question = strings.ToLower(strings.TrimSpace(question))

	candidates := make([]scored, 0, len(p.items))
	for i, item := range p.items {
		score := 2*hits(item.Keywords, question) + hits(item.Tags, question)
		if score == 0 && len(item.Keywords) > 0 {
			continue
		}
		candidates = append(candidates, scored{snippet: item, score: score, index: i})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	results := make([]Snippet, 0, len(candidates))
	for _, c := range candidates {
		results = append(results, c.snippet)
	}
	return results
}

func hits(terms []string, question string) int {
	n := 0
	for _, term := range terms {
		normalized := strings.ToLower(strings.TrimSpace(term))
		if normalized != "" && strings.Contains(question, normalized) {
			n++
		}
	}
	return n
}

// DefaultSnippets 返回内置的开发文档索引。
func DefaultSnippets() []Snippet {
	return []Snippet{
		{
			Title:    "Hedera Documentation",
			URL:      "https://docs.hedera.com",
			Content:  "Official Hedera documentation covering the SDKs, consensus service topics and smart contract service.",
			Keywords: []string{"hedera", "hashgraph", "hcs", "topic", "consensus"},
			Tags:     []string{"sdk", "account"},
		},
		{
			Title:    "Solidity Language Documentation",
			URL:      "https://docs.soliditylang.org",
			Content:  "Reference for Solidity syntax, types, visibility, events, modifiers and compiler options.",
			Keywords: []string{"solidity", "pragma", "modifier", "event", "mapping", "payable"},
			Tags:     []string{"contract", "compiler", "abi"},
		},
		{
			Title:    "Solidity Security Considerations",
			URL:      "https://docs.soliditylang.org/en/latest/security-considerations.html",
			Content:  "Known pitfalls: reentrancy, tx.origin authorization, gas limits and loops, sending and receiving ether.",
			Keywords: []string{"reentrancy", "tx.origin", "security", "vulnerab", "audit"},
			Tags:     []string{"attack", "exploit"},
		},
		{
			Title:    "OpenZeppelin Contracts",
			URL:      "https://docs.openzeppelin.com/contracts",
			Content:  "Audited implementations of ERC20, ERC721, access control and security utilities such as ReentrancyGuard.",
			Keywords: []string{"erc20", "erc721", "openzeppelin", "ownable", "access control", "token"},
			Tags:     []string{"nft", "library"},
		},
		{
			Title:    "Hardhat Testing Guide",
			URL:      "https://hardhat.org/hardhat-runner/docs/guides/test-contracts",
			Content:  "Writing contract tests with Hardhat, ethers and chai, including fixtures and time manipulation.",
			Keywords: []string{"hardhat", "test", "chai", "fixture"},
			Tags:     []string{"deploy", "network"},
		},
		{
			Title:    "Ethereum JSON-RPC API",
			URL:      "https://ethereum.org/en/developers/docs/apis/json-rpc",
			Content:  "JSON-RPC methods exposed by execution clients: eth_call, eth_sendRawTransaction, eth_getLogs.",
			Keywords: []string{"json-rpc", "rpc", "eth_", "transaction", "gas"},
			Tags:     []string{"node", "client"},
		},
		{
			Title:   "HiveMind Copilot Guide",
			URL:     "https://hivemind-copilot.docs",
			Content: "HiveMind Copilot user guide: request kinds, pipeline options and collaborative audits.",
			Tags:    []string{"hivemind", "copilot"},
		},
	}
}

var _ Provider = (*StaticProvider)(nil)
