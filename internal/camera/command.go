package camera

import (
	"maps"
	"slices"
	"strings"
)

// ExpandArgs は引数リスト中の {name} 形式のプレースホルダを置換する
// シェルを経由しないため、値に空白や引用符が含まれてもそのまま1引数として渡る。
// 置換は1回の走査で行い、置換後の値に含まれるプレースホルダは展開しない。
func ExpandArgs(args []string, vars map[string]string) []string {
	pairs := make([]string, 0, len(vars)*2)
	for _, name := range slices.Sorted(maps.Keys(vars)) {
		pairs = append(pairs, "{"+name+"}", vars[name])
	}
	replacer := strings.NewReplacer(pairs...)

	expanded := make([]string, len(args))
	for i, arg := range args {
		expanded[i] = replacer.Replace(arg)
	}
	return expanded
}
