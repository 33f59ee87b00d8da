// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestGeneratorDeterminism verifies a seed reproduces the same traffic
func TestGeneratorDeterminism(t *testing.T) {
	a := NewGenerator(42)
	b := NewGenerator(42)

	for i := 0; i < 100; i++ {
		sa, sb := a.Sample(), b.Sample()
		assert.Equal(t, sa.Key, sb.Key)
		assert.Equal(t, sa.App.AppName, sb.App.AppName)
		assert.Equal(t, sa.Identity.UserID, sb.Identity.UserID)
	}
}

// TestReplySwapsTuple verifies the reply mirrors the five-tuple
func TestReplySwapsTuple(t *testing.T) {
	s := NewGenerator(1).Sample()
	r := Reply(s)

	assert.Equal(t, s.Key.SrcIP, r.Key.DstIP)
	assert.Equal(t, s.Key.DstPort, r.Key.SrcPort)
	assert.Equal(t, s.Key.Protocol, r.Key.Protocol)
}

// TestBaselineRulesValidate verifies the canned rule set is admissible
func TestBaselineRulesValidate(t *testing.T) {
	for _, r := range BaselineRules() {
		require.NoError(t, r.Validate(), "rule %d", r.ID)
	}
}
