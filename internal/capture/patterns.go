package capture

import (
	"regexp"

	"github.com/scrypster/strata/pkg/types"
)

// signal is one entry of the pattern table. A unit may match several.
type signal struct {
	name     string
	category types.Category
	base     float64
	pattern  *regexp.Regexp
}

// signals is ordered: when two matched signals share a base confidence the
// earlier entry decides the category.
var signals = []signal{
	{
		name: "decision", category: types.CategoryDecision, base: 0.85,
		pattern: regexp.MustCompile(`(?i)\b(?:we|i|the team|they)\s+(?:have\s+|had\s+|finally\s+)?(?:decided|chose|agreed|settled on|committed to)\b|\bdecision\s*(?:is|was|:)|我们决定|我决定|决定|敲定|选定`),
	},
	{
		name: "decision-weak", category: types.CategoryDecision, base: 0.75,
		pattern: regexp.MustCompile(`(?i)\b(?:decided?|decides|choose|chose|going with|go with|opted? for|switch(?:ed)? to|adopt(?:ed)?|migrat(?:e|ed) to)\b|选择|采用|确定|改用`),
	},
	{
		name: "preference", category: types.CategoryPreference, base: 0.8,
		pattern: regexp.MustCompile(`(?i)\b(?:i|we|the user)\s+(?:really\s+|strongly\s+)?(?:prefer|like|love|hate|dislike|prefer not)\b|\bprefer(?:s|red|ence)?\b|\bfavou?rite\b|偏好|喜欢|偏爱|讨厌|倾向于`),
	},
	{
		name: "deadline", category: types.CategoryDeadline, base: 0.8,
		pattern: regexp.MustCompile(`(?i)\b(?:deadline|due\s+(?:by|on|date)|no later than|by\s+(?:monday|tuesday|wednesday|thursday|friday|saturday|sunday|tomorrow|tonight|end of (?:day|week|month|sprint)|eod|eow))\b|截止|期限|之前完成`),
	},
	{
		name: "plan", category: types.CategoryPlan, base: 0.7,
		pattern: regexp.MustCompile(`(?i)\b(?:plan(?:ning)?\s+to|we will|we'll|going to|next step|roadmap|the goal is|todo)\b|计划|打算|准备|下一步|目标`),
	},
	{
		name: "lesson", category: types.CategoryLesson, base: 0.75,
		pattern: regexp.MustCompile(`(?i)\b(?:learned|lesson|takeaway|in hindsight|next time|should(?:n't| not)? have|the mistake was|turns out)\b|经验|教训|学到|总结|反思`),
	},
	{
		name: "warning", category: types.CategoryWarning, base: 0.7,
		pattern: regexp.MustCompile(`(?i)\b(?:warning|careful|beware|danger(?:ous)?|risk(?:y)?|avoid|never)\b|警告|风险|危险|小心|警惕`),
	},
	{
		name: "contact", category: types.CategoryContact, base: 0.7,
		pattern: regexp.MustCompile(`(?i)[\w.+-]+@[\w-]+\.[\w.]+|\b(?:phone|email|e-mail|contact|reach (?:him|her|them|me) at)\b|\+?\d[\d\s-]{7,}\d|联系人|联系方式|邮箱|电话`),
	},
	{
		name: "fact", category: types.CategoryFact, base: 0.7,
		pattern: regexp.MustCompile(`(?i)\b(?:important|key|critical|crucial|must|always)\b|重要|关键|核心|必须`),
	},
}

var (
	// memoryMarker is an explicit request to remember something.
	memoryMarker = regexp.MustCompile(`(?i)\bremember\b|\bdon'?t forget\b|\bnote that\b|\bkeep in mind\b|\bfor the record\b|记住|牢记|备忘|别忘了`)

	// questionLead catches questions that lost their question mark.
	questionLead = regexp.MustCompile(`(?i)^(?:what|how|why|when|where|who|which|can you|could you|would you|should we|shall we|do you|does|is there|are there)\b`)

	// speakerPrefix strips transcript speaker labels and quote markers.
	speakerPrefix = regexp.MustCompile(`(?i)^(?:(?:user|assistant|human|ai|system|bot|me)\s*[:：]\s*|>+\s*)`)
)
