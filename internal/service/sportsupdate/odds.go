package sportsupdate

import (
	"encoding/json"
	"math"

	"github.com/ashwinyue/chatbet/internal/model"
)

// defaultMarket 上游未给出 main_market 时比较的市场
const defaultMarket = "result"

func marketKey(odds *model.MatchOdds) string {
	if odds == nil {
		return defaultMarket
	}
	if _, ok := odds.Markets[odds.MainMarket]; ok && odds.MainMarket != "" {
		return odds.MainMarket
	}
	return defaultMarket
}

// Prices 提取市场中各结果的赔率
// 结果可以是数字，也可以是带 odds 字段的对象，如 {"homeTeam":{"odds":2.1}}
func Prices(odds *model.MatchOdds, market string) map[string]float64 {
	if odds == nil {
		return nil
	}
	raw, ok := odds.Markets[market]
	if !ok {
		return nil
	}
	var outcomes map[string]json.RawMessage
	if err := json.Unmarshal(raw, &outcomes); err != nil {
		return nil
	}

	out := make(map[string]float64, len(outcomes))
	for name, v := range outcomes {
		var price float64
		if err := json.Unmarshal(v, &price); err != nil {
			var obj struct {
				Odds float64 `json:"odds"`
			}
			if err := json.Unmarshal(v, &obj); err != nil {
				continue
			}
			price = obj.Odds
		}
		if price > 0 {
			out[name] = price
		}
	}
	return out
}

// Compare 比较两组赔率
// 返回最大相对变化的百分比与方向；结果集合不同或任一结果变化超过 threshold 时 changed 为 true
func Compare(prev, next map[string]float64, threshold float64) (change float64, direction string, changed bool) {
	direction = model.MovementStable
	if len(prev) != len(next) {
		changed = true
	}

	var largest float64
	for name, n := range next {
		p, ok := prev[name]
		if !ok {
			changed = true
			continue
		}
		rel := (n - p) / p
		if math.Abs(rel) > threshold {
			changed = true
		}
		if math.Abs(rel) > math.Abs(largest) {
			largest = rel
		}
	}

	switch {
	case largest > 0:
		direction = model.MovementUp
	case largest < 0:
		direction = model.MovementDown
	}
	return math.Round(largest*10000) / 100, direction, changed
}
