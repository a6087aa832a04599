// Package bot produces synthetic replies when no human expert is reachable.
// Matching is deterministic: case-insensitive keyword containment over an
// ordered rule list, first match wins.
package bot

import (
	"math/rand"
	"unicode"

	"github.com/abadojack/whatlanggo"
	goahocorasick "github.com/anknown/ahocorasick"

	"careline/errors"
)

// Rule pairs a keyword group with its canned reply. Rules are evaluated in
// declaration order; the earliest rule with any keyword hit wins.
type Rule struct {
	Keywords []string
	Reply    string
}

// RuleSet compiles one Aho-Corasick automaton over every keyword of every
// rule, so a single scan finds all hits regardless of rule count.
type RuleSet struct {
	rules     []Rule
	matcher   *goahocorasick.Machine
	ruleOf    map[string]int // normalized keyword -> lowest rule index
	fallbacks []string
}

func NewRuleSet(rules []Rule, fallbacks []string) (*RuleSet, error) {
	if len(rules) == 0 && len(fallbacks) == 0 {
		return nil, errors.ErrEmptyRuleSet
	}

	ruleOf := make(map[string]int)
	var patterns [][]rune
	for i, rule := range rules {
		for _, kw := range rule.Keywords {
			normalized := normalize(kw)
			if len(normalized) == 0 {
				continue
			}
			if _, seen := ruleOf[string(normalized)]; !seen {
				ruleOf[string(normalized)] = i
				patterns = append(patterns, normalized)
			}
		}
	}

	m := new(goahocorasick.Machine)
	if len(patterns) > 0 {
		if err := m.Build(patterns); err != nil {
			return nil, err
		}
	}
	return &RuleSet{rules: rules, matcher: m, ruleOf: ruleOf, fallbacks: fallbacks}, nil
}

// Match returns the first-match-wins rule for the text, resolved by rule
// order (lowest index among all keyword hits), not by hit position.
func (s *RuleSet) Match(text string) (Rule, bool) {
	if len(s.ruleOf) == 0 {
		return Rule{}, false
	}
	hits := s.matcher.MultiPatternSearch(normalize(text), false)
	best := -1
	for _, hit := range hits {
		if idx, ok := s.ruleOf[string(hit.Word)]; ok {
			if best == -1 || idx < best {
				best = idx
			}
		}
	}
	if best == -1 {
		return Rule{}, false
	}
	return s.rules[best], true
}

// Reply is pure: same text and random source, same reply. With no rule hit
// it picks a fallback with a uniform random index.
func (s *RuleSet) Reply(text string, r *rand.Rand) string {
	if rule, ok := s.Match(text); ok {
		return rule.Reply
	}
	return s.fallbacks[r.Intn(len(s.fallbacks))]
}

func normalize(text string) []rune {
	out := make([]rune, 0, len(text))
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		out = append(out, unicode.ToLower(r))
	}
	return out
}

// Engine selects a rule set by the detected message language, defaulting
// to Chinese, which is the marketplace's primary audience.
type Engine struct {
	zh *RuleSet
	en *RuleSet
}

func NewEngine(zh, en *RuleSet) *Engine {
	return &Engine{zh: zh, en: en}
}

func (e *Engine) Reply(text string, r *rand.Rand) string {
	info := whatlanggo.Detect(text)
	if info.Lang == whatlanggo.Eng && e.en != nil {
		return e.en.Reply(text, r)
	}
	return e.zh.Reply(text, r)
}

// DefaultEngine carries the consultation topics the marketplace handles.
func DefaultEngine() (*Engine, error) {
	zh, err := NewRuleSet([]Rule{
		{
			Keywords: []string{"睡眠", "失眠", "睡不着", "多梦"},
			Reply:    "关于睡眠问题：建议保持规律作息，睡前一小时远离手机屏幕，可以尝试冥想或温水泡脚帮助入睡。如果失眠持续两周以上，建议与专家进行视频咨询。",
		},
		{
			Keywords: []string{"焦虑", "紧张", "心慌"},
			Reply:    "焦虑情绪很常见，可以尝试深呼吸练习：吸气四秒、屏息四秒、呼气六秒。也建议记录引发焦虑的具体场景，方便专家后续分析。",
		},
		{
			Keywords: []string{"压力", "加班", "疲惫"},
			Reply:    "长期压力会影响身心健康，建议安排规律的运动和休息时间。如果压力已影响睡眠或食欲，请预约专家详细咨询。",
		},
		{
			Keywords: []string{"情绪", "低落", "难过", "抑郁"},
			Reply:    "情绪低落时请善待自己，保持与亲友的联系。如果低落情绪持续超过两周，强烈建议与专家进行一对一咨询。",
		},
	}, []string{
		"感谢您的咨询，专家目前不在线，这是自动回复。您可以留言，专家上线后会尽快回复您。",
		"您好，我是智能助手。请描述您的具体情况（如睡眠、情绪、压力等），我会尽量提供建议。",
		"专家暂时不在线。您的消息已记录，也可以换个方式描述问题，我会尝试为您解答。",
	})
	if err != nil {
		return nil, err
	}

	en, err := NewRuleSet([]Rule{
		{
			Keywords: []string{"sleep", "insomnia"},
			Reply:    "For sleep issues: keep a regular schedule and avoid screens an hour before bed. If insomnia lasts over two weeks, please book a video consultation with an expert.",
		},
		{
			Keywords: []string{"anxiety", "anxious", "nervous"},
			Reply:    "Anxiety is common. Try paced breathing: in for four seconds, hold four, out for six. Noting what triggers it will help the expert later.",
		},
		{
			Keywords: []string{"stress", "pressure", "overwork"},
			Reply:    "Sustained stress affects both body and mind. Schedule regular exercise and rest; if it already affects sleep or appetite, please consult an expert.",
		},
	}, []string{
		"Thanks for reaching out. The expert is currently offline; this is an automated reply. Leave a message and they will respond once online.",
		"Hi, I am the assistant. Describe your situation (sleep, mood, stress) and I will do my best to help.",
	})
	if err != nil {
		return nil, err
	}
	return NewEngine(zh, en), nil
}
