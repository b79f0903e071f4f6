package snapshot

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"etf-alerts/internal/market"
)

// Tag groups, in display order.
const (
	GroupType     = "type"
	GroupIndustry = "industry"
	GroupStrategy = "strategy"
	GroupSpecial  = "special"
)

var groupOrder = map[string]int{GroupType: 0, GroupIndustry: 1, GroupStrategy: 2, GroupSpecial: 3}

type keywordRule struct {
	label    string
	keywords []string
}

var fundCompanies = []string{
	"华夏", "易方达", "南方", "嘉实", "广发", "博时", "天弘",
	"富国", "汇添富", "招商", "华安", "国泰", "工银", "建信",
	"中银", "华宝", "鹏华", "景顺长城", "银华", "平安",
}

// keyword -> index label; "宽基" means broad-based without a specific index.
var broadBaseKeywords = [][2]string{
	{"沪深300", "沪深300"},
	{"中证500", "中证500"},
	{"中证1000", "中证1000"},
	{"中证2000", "中证2000"},
	{"上证50", "上证50"},
	{"上证180", "上证180"},
	{"创业板", "创业板"},
	{"科创50", "宽基"},
	{"科创板50", "宽基"},
	{"科创板", "宽基"},
	{"深100", "深证100"},
	{"深证100", "深证100"},
	{"中小100", "中小100"},
}

var broadBaseNumberPatterns = [][2]string{
	{"300ETF", "沪深300"},
	{"500ETF", "中证500"},
	{"1000ETF", "中证1000"},
	{"2000ETF", "中证2000"},
	{"50ETF", "上证50"},
}

var pureNumberPatterns = [][2]string{
	{"300", "沪深300"},
	{"500", "中证500"},
	{"1000", "中证1000"},
	{"2000", "中证2000"},
}

var crossBorderKeywords = []string{"恒生", "纳指", "纳斯达克", "标普", "中概", "港股", "美股", "日经", "德国", "法国", "A50"}

var commodityKeywords = []string{"黄金", "白银", "原油", "豆粕", "有色金属"}

var industryRules = []keywordRule{
	{"半导体", []string{"半导体", "芯片", "集成电路"}},
	{"医药", []string{"医药", "医疗", "生物医药", "生物", "创新药", "CXO", "医疗器械"}},
	{"科技", []string{"科技", "科创", "信息技术"}},
	{"人工智能", []string{"人工智能", "AI", "AIETF", "机器人"}},
	{"新能源", []string{"新能源", "光伏", "风电", "储能"}},
	{"新能源车", []string{"新能源车", "新能车", "整车"}},
	{"金融", []string{"金融"}},
	{"券商", []string{"券商", "证券"}},
	{"银行", []string{"银行"}},
	{"保险", []string{"保险"}},
	{"非银金融", []string{"非银"}},
	{"军工", []string{"军工", "国防"}},
	{"食品饮料", []string{"食品饮料", "白酒", "啤酒", "酒"}},
	{"消费", []string{"消费", "零售", "商贸"}},
	{"家电", []string{"家电", "家居"}},
	{"汽车", []string{"汽车"}},
	{"电子", []string{"电子"}},
	{"计算机", []string{"计算机", "软件"}},
	{"通信", []string{"通信", "5G"}},
	{"传媒", []string{"传媒", "文化", "游戏"}},
	{"有色金属", []string{"有色", "铜", "铝", "稀土"}},
	{"煤炭", []string{"煤炭"}},
	{"化工", []string{"化工", "石化"}},
	{"钢铁", []string{"钢铁", "建材", "水泥"}},
	{"房地产", []string{"房地产", "地产", "REITs"}},
	{"基建", []string{"基建", "建筑"}},
	{"农业", []string{"农业", "种业", "养殖"}},
	{"电力", []string{"电力", "公用事业"}},
	{"旅游", []string{"旅游"}},
	{"互联网", []string{"互联网", "中概互联"}},
	{"机床", []string{"机床"}},
	{"黄金", []string{"黄金"}},
	{"白银", []string{"白银"}},
	{"原油", []string{"原油"}},
	{"豆粕", []string{"豆粕"}},
}

var strategyRules = []keywordRule{
	{"红利", []string{"红利"}},
	{"价值", []string{"价值"}},
	{"成长", []string{"成长"}},
	{"低波动", []string{"低波"}},
	{"质量", []string{"质量"}},
	{"增强", []string{"增强"}},
}

var specialKeywords = []string{"LOF", "联接", "QDII", "ESG"}

// trigger keyword -> labels it rules out
var exclusionRules = [][2]string{{"非银", "银行"}}

// specific label -> generic label it replaces
var subsumeRules = [][2]string{{"新能源车", "新能源"}, {"非银金融", "金融"}}

// sortedIndustryRules orders rules by their longest keyword, and each rule's
// keywords by length, so longer keywords win.
var sortedIndustryRules = func() []keywordRule {
	out := make([]keywordRule, len(industryRules))
	for i, r := range industryRules {
		kws := append([]string(nil), r.keywords...)
		sort.SliceStable(kws, func(a, b int) bool { return runeLen(kws[a]) > runeLen(kws[b]) })
		out[i] = keywordRule{label: r.label, keywords: kws}
	}
	sort.SliceStable(out, func(a, b int) bool { return runeLen(out[a].keywords[0]) > runeLen(out[b].keywords[0]) })
	return out
}()

var sortedBroadBase = func() [][2]string {
	out := append([][2]string(nil), broadBaseKeywords...)
	sort.SliceStable(out, func(a, b int) bool { return runeLen(out[a][0]) > runeLen(out[b][0]) })
	return out
}()

// Classify derives display tags from an ETF name.
func Classify(name string) []market.Tag {
	if name == "" {
		return nil
	}
	name = preprocessName(name)

	var tags []market.Tag
	tags = append(tags, matchBroadBase(name)...)
	if containsAny(name, crossBorderKeywords) {
		tags = append(tags, market.Tag{Label: "跨境", Group: GroupType})
	}
	if containsAny(name, commodityKeywords) {
		tags = append(tags, market.Tag{Label: "商品", Group: GroupType})
	}
	for _, rule := range sortedIndustryRules {
		if containsAny(name, rule.keywords) {
			tags = append(tags, market.Tag{Label: rule.label, Group: GroupIndustry})
		}
	}
	for _, rule := range strategyRules {
		if containsAny(name, rule.keywords) {
			tags = append(tags, market.Tag{Label: rule.label, Group: GroupStrategy})
		}
	}
	for _, kw := range specialKeywords {
		if strings.Contains(name, kw) {
			tags = append(tags, market.Tag{Label: kw, Group: GroupSpecial})
		}
	}

	for _, rule := range exclusionRules {
		if strings.Contains(name, rule[0]) {
			tags = dropLabels(tags, map[string]bool{rule[1]: true})
		}
	}
	tags = removeRedundant(tags)
	sort.SliceStable(tags, func(a, b int) bool { return groupRank(tags[a].Group) < groupRank(tags[b].Group) })
	return tags
}

func preprocessName(name string) string {
	if strings.HasSuffix(name, "A") || strings.HasSuffix(name, "B") || strings.HasSuffix(name, "C") {
		name = name[:len(name)-1]
	}
	for _, company := range fundCompanies {
		if strings.HasPrefix(name, company) {
			return strings.TrimPrefix(name, company)
		}
	}
	return name
}

func matchBroadBase(name string) []market.Tag {
	matched := ""
	for _, kw := range sortedBroadBase {
		if strings.Contains(name, kw[0]) {
			matched = kw[1]
			break
		}
	}
	if matched == "" {
		for _, p := range broadBaseNumberPatterns {
			pos := strings.Index(name, p[0])
			if pos < 0 {
				continue
			}
			// "A50ETF" must not match "50ETF".
			if pos == 0 {
				matched = p[1]
				break
			}
			prev, _ := utf8.DecodeLastRuneInString(name[:pos])
			if !unicode.IsLetter(prev) {
				matched = p[1]
				break
			}
		}
	}
	if matched == "" {
		for _, p := range pureNumberPatterns {
			if strings.HasPrefix(name, p[0]) {
				matched = p[1]
				break
			}
		}
	}
	if matched == "" && strings.HasPrefix(name, "创") && !strings.Contains(name, "创新") && !strings.Contains(name, "创业板") {
		matched = "宽基"
	}
	if matched == "" {
		return nil
	}
	tags := []market.Tag{{Label: "宽基", Group: GroupType}}
	if matched != "宽基" {
		tags = append(tags, market.Tag{Label: matched, Group: GroupType})
	}
	return tags
}

func removeRedundant(tags []market.Tag) []market.Tag {
	present := make(map[string]bool, len(tags))
	for _, t := range tags {
		present[t.Label] = true
	}
	drop := map[string]bool{}
	for _, rule := range subsumeRules {
		if present[rule[0]] {
			drop[rule[1]] = true
		}
	}
	seen := map[string]bool{}
	out := tags[:0]
	for _, t := range tags {
		if drop[t.Label] || seen[t.Label] {
			continue
		}
		seen[t.Label] = true
		out = append(out, t)
	}
	return out
}

func dropLabels(tags []market.Tag, labels map[string]bool) []market.Tag {
	out := tags[:0]
	for _, t := range tags {
		if !labels[t.Label] {
			out = append(out, t)
		}
	}
	return out
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

func groupRank(g string) int {
	if r, ok := groupOrder[g]; ok {
		return r
	}
	return 99
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }
