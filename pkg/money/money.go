package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// 账本内部金额一律为分（int64），元只出现在接口输入输出上

var hundred = decimal.NewFromInt(100)

// YuanToFen 解析元为单位的金额字符串，例如 "12.34" -> 1234
// 超过两位小数视为非法，不做四舍五入
func YuanToFen(yuan string) (int64, error) {
	d, err := decimal.NewFromString(yuan)
	if err != nil {
		return 0, fmt.Errorf("金额格式错误 %q: %w", yuan, err)
	}
	return ToFen(d)
}

// ToFen 元 -> 分
func ToFen(yuan decimal.Decimal) (int64, error) {
	fen := yuan.Mul(hundred)
	if !fen.Equal(fen.Truncate(0)) {
		return 0, fmt.Errorf("金额最多两位小数: %s", yuan.String())
	}
	if !fen.IsInteger() || fen.Abs().GreaterThan(decimal.NewFromInt(1<<62)) {
		return 0, fmt.Errorf("金额超出范围: %s", yuan.String())
	}
	return fen.IntPart(), nil
}

// FenToYuan 分 -> 元，固定两位小数
func FenToYuan(fen int64) string {
	return decimal.NewFromInt(fen).Div(hundred).StringFixed(2)
}
