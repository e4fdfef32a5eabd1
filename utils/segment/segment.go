// Package segment 把 LLM 流式输出的文本切成适合语音合成的短句
package segment

const (
	// DefaultTarget 默认目标句长（字符数）
	DefaultTarget = 50
	// Window 目标长度前后查找标点的范围
	Window = 20
)

func isPunctuation(r rune) bool {
	switch r {
	case '。', '！', '？', '；', '，', '.', '!', '?', ';', ',':
		return true
	}
	return false
}

// FindCut 在目标长度附近查找切分位置，返回包含在句子内的最后一个字符下标
//
// 文本不超过 target 时返回最后一个下标；否则先向后在 [target, target+Window)
// 查找标点，再向前在 [target-Window, target] 查找，都没有时在 target 处硬切。
// 空文本返回 -1。
func FindCut(text []rune, target int) int {
	n := len(text)
	if target < 0 {
		target = 0
	}
	if n <= target {
		return n - 1
	}

	end := min(n, target+Window)
	for i := target; i < end; i++ {
		if isPunctuation(text[i]) {
			return i
		}
	}

	start := max(0, target-Window)
	for i := target; i >= start; i-- {
		if isPunctuation(text[i]) {
			return i
		}
	}

	return target
}

// Cut 从 text 中切出一句，返回句子和剩余文本
func Cut(text string, target int) (sentence, rest string) {
	runes := []rune(text)
	cut := FindCut(runes, target)
	if cut < 0 {
		return "", ""
	}
	return string(runes[:cut+1]), string(runes[cut+1:])
}
