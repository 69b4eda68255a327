package tracker

import (
	"math"

	"github.com/shopspring/decimal"
)

// Stats 是对已关闭交易集合的只读聚合。
type Stats struct {
	Total        int     `json:"total"`
	Open         int     `json:"open"`
	Closed       int     `json:"closed"`
	Wins         int     `json:"wins"`
	Losses       int     `json:"losses"`
	WinRate      float64 `json:"win_rate"`
	ProfitFactor float64 `json:"profit_factor"`
	NetPnL       float64 `json:"net_pnl"`
	AvgPnLPct    float64 `json:"avg_pnl_pct"`
	AvgMAEPct    float64 `json:"avg_mae_pct"`
	AvgMFEPct    float64 `json:"avg_mfe_pct"`
}

// Stats 在已关闭交易上计算统计。浮点盈亏先换成 decimal 再累加,
// 避免长序列求和的误差漂移。
func (t *Tracker) Stats() Stats {
	st := Stats{Total: len(t.order)}

	grossProfit := decimal.Zero
	grossLoss := decimal.Zero
	netSum := decimal.Zero
	pnlPctSum := decimal.Zero
	maeSum := decimal.Zero
	mfeSum := decimal.Zero

	for _, id := range t.order {
		tr := t.trades[id]
		if tr.Open() {
			st.Open++
		}
		if tr.Status != StatusClosed {
			continue
		}
		st.Closed++
		net := decimal.NewFromFloat(tr.NetPnL)
		netSum = netSum.Add(net)
		pnlPctSum = pnlPctSum.Add(decimal.NewFromFloat(tr.PnLPct))
		maeSum = maeSum.Add(decimal.NewFromFloat(tr.MAEPct))
		mfeSum = mfeSum.Add(decimal.NewFromFloat(tr.MFEPct))
		if net.IsPositive() {
			st.Wins++
			grossProfit = grossProfit.Add(net)
		} else if net.IsNegative() {
			st.Losses++
			grossLoss = grossLoss.Add(net.Neg())
		}
	}

	st.NetPnL = netSum.InexactFloat64()
	if st.Closed > 0 {
		n := decimal.NewFromInt(int64(st.Closed))
		st.WinRate = decimal.NewFromInt(int64(st.Wins)).Div(n).InexactFloat64()
		st.AvgPnLPct = pnlPctSum.Div(n).InexactFloat64()
		st.AvgMAEPct = maeSum.Div(n).InexactFloat64()
		st.AvgMFEPct = mfeSum.Div(n).InexactFloat64()
	}
	switch {
	case grossLoss.IsPositive():
		st.ProfitFactor = grossProfit.Div(grossLoss).InexactFloat64()
	case grossProfit.IsPositive():
		st.ProfitFactor = math.Inf(1)
	}
	return st
}
