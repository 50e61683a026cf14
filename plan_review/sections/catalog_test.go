package sections_test

import (
	"testing"

	"schoolplan/plan_review/schema"
	"schoolplan/plan_review/sections"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalog(t *testing.T) {
	keys := sections.Keys()
	require.Len(t, keys, sections.Count)

	// Keys come back in step order and the mappings round trip.
	for i, key := range keys {
		step, ok := sections.StepNumber(key)
		require.True(t, ok)
		assert.Equal(t, i+1, step)

		back, err := sections.KeyForStep(step)
		require.NoError(t, err)
		assert.Equal(t, key, back)

		assert.NotEmpty(t, sections.Title(key))
	}

	first, err := sections.KeyForStep(1)
	require.NoError(t, err)
	assert.Equal(t, "tableOfContents", first)

	last, err := sections.KeyForStep(15)
	require.NoError(t, err)
	assert.Equal(t, "counselingPlan", last)

	_, ok := sections.StepNumber("notASection")
	assert.False(t, ok)

	_, err = sections.KeyForStep(0)
	assert.Error(t, err)
	_, err = sections.KeyForStep(16)
	assert.Error(t, err)
}

func TestCompletedSteps(t *testing.T) {
	assert.Empty(t, sections.CompletedSteps(nil))

	rows := []schema.FormSection{
		{Key: "suicidePrevention", Completed: true},
		{Key: "tableOfContents", Completed: false},
		{Key: "counselingPlan", Completed: true},
		{Key: "principalLetter", Completed: true},
	}

	// Sorted step numbers of the completed rows only.
	assert.Equal(t, []int{2, 6, 15}, sections.CompletedSteps(rows))

	rows = append(rows, schema.FormSection{Key: "unknownKey", Completed: true})
	assert.Equal(t, []int{2, 6, 15}, sections.CompletedSteps(rows))

	all := make([]schema.FormSection, 0, sections.Count)
	for _, key := range sections.Keys() {
		all = append(all, schema.FormSection{Key: key, Completed: true})
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}, sections.CompletedSteps(all))
}
