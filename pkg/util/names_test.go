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

package util

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeployJobName_Formula(t *testing.T) {
	name := DeployJobName("abc123", "x1y2z3", "deadbeefcafe")
	assert.Equal(t, "abc123-deploy-x1y2z3-deadbee", name)
}

func TestDeployJobName_ShortSHA(t *testing.T) {
	name := DeployJobName("abc123", "x1y2z3", "ab")
	assert.Equal(t, "abc123-deploy-x1y2z3-ab", name)
}

func TestTruncateName_ExactlySixtyThreeWithTrailingDash(t *testing.T) {
	// Construct a name that is exactly 63 chars once truncated, with a
	// trailing '-' that must be stripped, per the boundary test in
	// spec.md §8.
	long := strings.Repeat("a", 62) + "-" + strings.Repeat("b", 10)
	truncated := TruncateName(long, 63)
	assert.Len(t, truncated, 62)
	assert.False(t, strings.HasSuffix(truncated, "-"))
}

func TestTruncateName_NoTruncationNeeded(t *testing.T) {
	assert.Equal(t, "short-name", TruncateName("short-name", 63))
}

func TestReleaseName_Lowercased(t *testing.T) {
	assert.Equal(t, "abc-123-def", ReleaseName("ABC-123-DEF"))
}

func TestEscapeHelmSetValue(t *testing.T) {
	assert.Equal(t, `a\/b\/c`, EscapeHelmSetValue("a/b/c"))
	assert.Equal(t, "no-slashes", EscapeHelmSetValue("no-slashes"))
}

func TestDoubleUnderscores(t *testing.T) {
	assert.Equal(t, "CLIENT__HOST", DoubleUnderscores("CLIENT_HOST"))
	assert.Equal(t, "NO__DOUBLE____HERE", DoubleUnderscores("NO_DOUBLE__HERE"))
}

func TestNewJobID_AlphabetAndLength(t *testing.T) {
	id := NewJobID()
	assert.Len(t, id, 6)
	for _, c := range id {
		assert.Contains(t, jobIDAlphabet, string(c))
	}
}
