package oracle

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Advisor 定义酬金建议的通用接口。建议仅供请求者定价参考，
// 核心结算不依赖它。
type Advisor interface {
	Suggest(capability string) (Quote, bool)
}

// Quote 描述某项能力的建议酬金区间。金额使用十进制字符串，
// 与事件中的金额表示保持一致。
type Quote struct {
	Capability string `json:"capability"`
	Floor      string `json:"floor"`
	Typical    string `json:"typical"`
	Ceiling    string `json:"ceiling"`
}

// FloorAmount 解析建议下限，解析失败返回 nil。
func (q Quote) FloorAmount() *big.Int {
	value, ok := new(big.Int).SetString(q.Floor, 10)
	if !ok {
		return nil
	}
	return value
}

// StaticAdvisor 通过加载 JSON 文件提供静态报价表。
type StaticAdvisor struct {
	mu     sync.RWMutex
	quotes map[string]Quote
}

// NewStaticAdvisor 创建静态报价实例。
func NewStaticAdvisor(quotes []Quote) *StaticAdvisor {
	advisor := &StaticAdvisor{quotes: make(map[string]Quote, len(quotes))}
	for _, quote := range quotes {
		advisor.quotes[normalize(quote.Capability)] = quote
	}
	return advisor
}

// LoadStaticAdvisor 从 JSON 文件加载报价条目。
func LoadStaticAdvisor(path string) (*StaticAdvisor, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("报价表文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析报价表路径失败: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取报价表文件失败: %w", err)
	}
	defer file.Close()

	var quotes []Quote
	if err := json.NewDecoder(file).Decode(&quotes); err != nil {
		return nil, fmt.Errorf("解析报价表文件失败: %w", err)
	}

	return NewStaticAdvisor(quotes), nil
}

// Suggest 返回指定能力的建议区间。
func (a *StaticAdvisor) Suggest(capability string) (Quote, bool) {
	if a == nil {
		return Quote{}, false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	quote, ok := a.quotes[normalize(capability)]
	return quote, ok
}

// Put 更新或追加一条报价。
func (a *StaticAdvisor) Put(quote Quote) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.quotes[normalize(quote.Capability)] = quote
}

func normalize(capability string) string {
	return strings.ToLower(strings.TrimSpace(capability))
}

// ensure interface compliance at compile time
var _ Advisor = (*StaticAdvisor)(nil)
