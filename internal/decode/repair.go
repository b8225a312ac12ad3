package decode

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/simplifiedchinese"
)

// knownCorruptions maps UTF-8 Chinese misread as GBK back to the intended
// text. Longer keys come first so they win over their prefixes.
var knownCorruptions = strings.NewReplacer(
	"涓背娓稿竵", "个米游币",
	"娌″畬鎴愶", "没完成",
	"宸茶幏鍙�", "已获取",
	"宸插叏閮�", "已全部",
	"涓帖瀛�", "个帖子",
	"姝ｅ湪", "正在",
	"绛惧埌", "签到",
	"鑾峰緱", "获得",
	"浠诲姟", "任务",
	"瀹屾垚", "完成",
	"鍒楄〃", "列表",
	"浼间箮", "似乎",
	"杩樻湁", "还有",
	"浠婂ぉ", "今天",
	"杩樿兘", "还能",
	"鑾峰彇", "获取",
	"甯栧瓙", "帖子",
	"鐩稿叧", "相关",
	"鎵ц", "执行",
	"鐪嬪笘", "看帖",
	"鐐硅禐", "点赞",
	"鍒嗕韩", "分享",
	"紝", "，",
)

// maxRepairPasses bounds the fixpoint loop in RepairLine.
const maxRepairPasses = 4

// IsGarbled reports whether line carries corruption markers: replacement
// glyphs, control characters, or characters typical of UTF-8 read as GBK.
func IsGarbled(line string) bool {
	for _, r := range line {
		switch {
		case r == utf8.RuneError, r == 'ï', r == '¿', r == '½':
			return true
		case isControl(r):
			return true
		case suspectRunes[r]:
			return true
		}
	}
	return false
}

// RepairMixedEncoding repairs text line by line. Lines without corruption
// markers are returned unchanged. It never fails; the worst case is the
// input itself.
func RepairMixedEncoding(text string) string {
	if text == "" {
		return text
	}

	lines := strings.Split(text, "\n")
	changed := false
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fixed := RepairLine(line)
		if fixed != line {
			lines[i] = fixed
			changed = true
		}
	}
	if !changed {
		return text
	}
	return strings.Join(lines, "\n")
}

// RepairLine repairs a single line, repeating until the result is stable
// so that repairing twice equals repairing once.
func RepairLine(line string) string {
	current := line
	for i := 0; i < maxRepairPasses; i++ {
		next := repairOnce(current)
		if next == current {
			return current
		}
		current = next
	}
	return current
}

func repairOnce(line string) string {
	if !IsGarbled(line) {
		return line
	}

	fixed := knownCorruptions.Replace(line)
	if !IsGarbled(fixed) {
		return fixed
	}

	// Corruption remains: try reading the line as UTF-8 bytes that were
	// decoded as GBK. Keep it only if the quality strictly improves.
	bestScore := Quality(fixed)
	for _, src := range []string{line, fixed} {
		candidate, ok := reinterpretGBK(src)
		if !ok {
			continue
		}
		if score := Quality(candidate); score > bestScore {
			fixed = candidate
			bestScore = score
		}
	}
	return fixed
}

// reinterpretGBK encodes s back to GBK bytes and reads them as UTF-8.
func reinterpretGBK(s string) (string, bool) {
	raw, err := simplifiedchinese.GBK.NewEncoder().String(s)
	if err != nil {
		return "", false
	}
	if !utf8.ValidString(raw) {
		return "", false
	}
	return raw, true
}
