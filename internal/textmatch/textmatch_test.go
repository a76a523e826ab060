package textmatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTerms(t *testing.T) {
	assert.Equal(t, []string{"frontend", "framework"}, Terms("The frontend framework?"))
	assert.Equal(t, []string{"vue3"}, Terms("what is Vue3, vue3"))
	assert.Empty(t, Terms("what is the"))
	assert.Equal(t, []string{"决定", "定使", "使用"}, Terms("决定使用"))
}

func TestMatch_KeywordAndFuzzy(t *testing.T) {
	content := "We decided to use Vue3 for the frontend because of performance"

	s := Match(Terms("frontend framework"), content)
	assert.Equal(t, 2, s.Terms)
	assert.Equal(t, 1, s.Matched)
	assert.InDelta(t, 0.5, s.Keyword, 1e-9)

	typo := Match(Terms("frontnd"), content)
	assert.Equal(t, 0, typo.Matched)
	assert.Greater(t, typo.Fuzzy, 0.0)

	none := Match(Terms("dentist"), content)
	assert.Equal(t, 0.0, none.Keyword)
	assert.Equal(t, 0.0, none.Fuzzy)

	assert.Equal(t, Score{}, Match(nil, content))
}

func TestTrigramSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, TrigramSimilarity("vue", "vue"))
	assert.Greater(t, TrigramSimilarity("performance", "perfomance"), 0.5)
	assert.Less(t, TrigramSimilarity("performance", "tuesday"), 0.2)
}

func TestFTSQuery(t *testing.T) {
	assert.Equal(t, `"frontend"* OR "framework"*`, FTSQuery(`the "frontend" (framework)*`))
	assert.Equal(t, "", FTSQuery("what is the"))
	assert.Equal(t, `"near"* OR "not_an_operator"*`, FTSQuery("NEAR AND not_an_operator"))
}
