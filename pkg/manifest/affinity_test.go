/*
Copyright 2024 The Lifecycle Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildAffinity_Spot_PreferredWeightOne(t *testing.T) {
	aff := buildAffinity("SPOT", false)

	require.NotNil(t, aff.NodeAffinity)
	require.Nil(t, aff.NodeAffinity.RequiredDuringSchedulingIgnoredDuringExecution)
	require.Len(t, aff.NodeAffinity.PreferredDuringSchedulingIgnoredDuringExecution, 1)

	term := aff.NodeAffinity.PreferredDuringSchedulingIgnoredDuringExecution[0]
	assert.EqualValues(t, 1, term.Weight)
	require.Len(t, term.Preference.MatchExpressions, 1)
	assert.Equal(t, capacityTypeLabel, term.Preference.MatchExpressions[0].Key)
	assert.Equal(t, []string{"SPOT"}, term.Preference.MatchExpressions[0].Values)
}

func TestBuildAffinity_NonSpot_RequiredMatch(t *testing.T) {
	aff := buildAffinity("ON_DEMAND", false)

	require.NotNil(t, aff.NodeAffinity.RequiredDuringSchedulingIgnoredDuringExecution)
	terms := aff.NodeAffinity.RequiredDuringSchedulingIgnoredDuringExecution.NodeSelectorTerms
	require.Len(t, terms, 1)
	require.Len(t, terms[0].MatchExpressions, 1)
	assert.Equal(t, []string{"ON_DEMAND"}, terms[0].MatchExpressions[0].Values)
}

func TestBuildAffinity_Static_AddsAppLongMatch(t *testing.T) {
	aff := buildAffinity("ON_DEMAND", true)

	terms := aff.NodeAffinity.RequiredDuringSchedulingIgnoredDuringExecution.NodeSelectorTerms
	require.Len(t, terms[0].MatchExpressions, 2)
	assert.Equal(t, staticAppLongLabel, terms[0].MatchExpressions[1].Key)
	assert.Equal(t, []string{staticAppLongValue}, terms[0].MatchExpressions[1].Values)
}

func TestBuildAffinity_SpotStatic_NoAppLongMatch(t *testing.T) {
	// Static affects only the non-SPOT required-match branch per
	// spec.md §4.6.
	aff := buildAffinity("SPOT", true)
	require.Len(t, aff.NodeAffinity.PreferredDuringSchedulingIgnoredDuringExecution, 1)
	assert.Nil(t, aff.NodeAffinity.RequiredDuringSchedulingIgnoredDuringExecution)
}

func TestStaticTolerations(t *testing.T) {
	tolerations := staticTolerations()
	require.Len(t, tolerations, 1)
	assert.Equal(t, staticTolerationKey, tolerations[0].Key)
}
