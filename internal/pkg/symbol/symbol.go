package symbol

import (
	"strings"
)

// Symbol 是拆分后的交易对。
type Symbol struct {
	Base  string
	Quote string
}

// Internal 返回 BASE/QUOTE 形式。
func (s Symbol) Internal() string {
	if s.Base == "" || s.Quote == "" {
		return ""
	}
	return s.Base + "/" + s.Quote
}

// Binance 返回交易所的无分隔形式。
func (s Symbol) Binance() string {
	if s.Base == "" || s.Quote == "" {
		return ""
	}
	return s.Base + s.Quote
}

// Parse 接受 "btc/usdt"、"BTCUSDT"、"BTC/USDT:USDT" 等写法。
// 无法识别时返回零值。
func Parse(s string) Symbol {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return Symbol{}
	}

	if idx := strings.Index(s, ":"); idx >= 0 {
		s = s[:idx]
	}

	if parts := strings.SplitN(s, "/", 2); len(parts) == 2 {
		return Symbol{
			Base:  strings.TrimSpace(parts[0]),
			Quote: strings.TrimSpace(parts[1]),
		}
	}

	quoteCurrencies := []string{"USDT", "BUSD", "USDC", "TUSD", "BTC", "ETH", "BNB"}
	for _, quote := range quoteCurrencies {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return Symbol{
				Base:  s[:len(s)-len(quote)],
				Quote: quote,
			}
		}
	}

	return Symbol{}
}

// Canonical 归一化为交易所无分隔大写形式；解析失败时退回
// 去空格大写的原串，由更下游的校验兜底。
func Canonical(s string) string {
	if v := Parse(s).Binance(); v != "" {
		return v
	}
	return strings.ToUpper(strings.TrimSpace(s))
}

// IsValid 报告字符串是否能解析成交易对。
func IsValid(s string) bool {
	sym := Parse(s)
	return sym.Base != "" && sym.Quote != ""
}
