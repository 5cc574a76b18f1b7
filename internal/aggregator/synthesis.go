package aggregator

import (
	"fmt"
	"strings"
	"time"

	"OpenMech-Chain/internal/simulator"
	"OpenMech-Chain/internal/transaction"
)

// 最终结果按提示词关键字分为三类。
const (
	KindYield     = "Yield Optimization"
	KindTrading   = "Trading Strategy"
	KindPortfolio = "Portfolio Management"
)

var (
	yieldKeywords   = []string{"yield", "apy", "interest", "earn"}
	tradingKeywords = []string{"price", "value", "trend", "chart", "technical"}
)

var strategies = map[string][]string{
	KindYield: {
		"Provide liquidity to Uniswap V3 DAI/USDC pool and stake LP tokens in the Olas Farm",
		"Deposit stablecoins into Aave for lending APY and borrow against them for leveraged yield",
		"Stake ETH in the Rocket Pool for liquid staking rewards",
		"Use Curve's stablecoin pools combined with Convex to maximize CRV and CVX rewards",
	},
	KindTrading: {
		"Accumulate at support level with stop-loss 5% below entry",
		"Wait for confirmation of trend reversal before entering position",
		"Implement a dollar-cost averaging strategy over the next 30 days",
		"Enter position with 40% capital now, add remaining positions on pullbacks",
	},
	KindPortfolio: {
		"Diversify holdings with 40% large caps, 30% mid caps, 20% small caps, and 10% stablecoins",
		"Focus on layer-1 protocols with strong developer activity and growing TVL",
		"Maintain a 60% core position with 40% tactical allocation for market opportunities",
		"Implement a barbell strategy with stablecoins and high-conviction altcoins",
	},
}

var advice = map[string]string{
	KindYield:     "Consider the liquidity and withdrawal terms before committing funds. Monitor protocol changes and governance proposals that could impact rewards.",
	KindTrading:   "Set firm entry and exit points. Consider using limit orders to automatically execute at target prices and prevent emotional trading decisions.",
	KindPortfolio: "Regular rebalancing is key to maintaining your target allocation. Consider tax implications of frequent trading and focus on long-term portfolio health.",
}

// ClassifyPrompt 依据关键字判断结果类别，收益类优先于价格类。
func ClassifyPrompt(prompt string) string {
	lower := strings.ToLower(prompt)
	for _, kw := range yieldKeywords {
		if strings.Contains(lower, kw) {
			return KindYield
		}
	}
	for _, kw := range tradingKeywords {
		if strings.Contains(lower, kw) {
			return KindTrading
		}
	}
	return KindPortfolio
}

// Synthesize 汇总全部服务结果生成最终结果。随机部分由交易 ID 决定。
func Synthesize(tx *transaction.Transaction, services []transaction.ServiceResult, now time.Time) *transaction.FinalResult {
	kind := ClassifyPrompt(tx.Prompt)
	rng := simulator.Rand(tx.ID, "final-result")
	options := strategies[kind]
	best := options[rng.IntN(len(options))]

	details := make([]transaction.ResultDetail, 0, len(services))
	total := 0.0
	top := -1
	for i, svc := range services {
		detail := transaction.ResultDetail{ServiceID: svc.ServiceID, Service: svc.Name}
		if svc.Result != nil {
			detail.Confidence = svc.Result.Confidence
			detail.Output = svc.Result.Output
			detail.ProcessingTime = svc.Result.ProcessingTime
		}
		total += detail.Confidence
		if top < 0 || detail.Confidence > details[top].Confidence {
			top = i
		}
		details = append(details, detail)
	}

	confidence := simulator.Round2(0.75 + rng.Float64()*0.2)
	if len(details) > 0 {
		confidence = simulator.Round2(total / float64(len(details)))
	}

	aggregate := strategyMetrics(kind, rng)
	aggregate["strategy_type"] = kind
	aggregate["best_strategy"] = best
	aggregate["services_consulted"] = fmt.Sprintf("%d", len(details))

	recommendations := []string{advice[kind]}
	if top >= 0 {
		recommendations = append(recommendations,
			fmt.Sprintf("Weight the %s output most heavily (confidence %.2f).", details[top].Service, details[top].Confidence))
	}
	recommendations = append(recommendations, "Re-run the analysis if market conditions change materially.")

	return &transaction.FinalResult{
		Summary:         fmt.Sprintf("%s: %s.", kind, best),
		Details:         details,
		AggregateResult: aggregate,
		Recommendations: recommendations,
		Confidence:      confidence,
		GeneratedAt:     now.UTC(),
	}
}

type randSource interface {
	Float64() float64
	IntN(n int) int
}

func strategyMetrics(kind string, rng randSource) map[string]string {
	choose := func(options ...string) string { return options[rng.IntN(len(options))] }
	switch kind {
	case KindYield:
		return map[string]string{
			"estimated_apy": fmt.Sprintf("%.2f%%", 3+rng.Float64()*22),
			"risk_level":    choose("Low", "Medium", "High"),
			"gas_costs":     fmt.Sprintf("$%.2f", 5+rng.Float64()*45),
			"lockup_period": choose("None", "7 days", "30 days"),
		}
	case KindTrading:
		return map[string]string{
			"entry_price":  fmt.Sprintf("$%.2f", 900+rng.Float64()*200),
			"target_price": fmt.Sprintf("$%.2f", 1200+rng.Float64()*300),
			"stop_loss":    fmt.Sprintf("$%.2f", 800+rng.Float64()*100),
			"time_horizon": choose("Short-term", "Medium-term", "Long-term"),
		}
	default:
		return map[string]string{
			"risk_adjusted_return": fmt.Sprintf("%.2f", 0.5+rng.Float64()*2),
			"volatility":           fmt.Sprintf("%.2f%%", 30+rng.Float64()*50),
			"drawdown_protection":  choose("Strong", "Moderate", "Limited"),
			"rebalance_period":     choose("Weekly", "Monthly", "Quarterly"),
		}
	}
}
