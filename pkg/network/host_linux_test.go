//go:build linux

package network

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLinuxHostWithoutIptables(t *testing.T) {
	h := &LinuxHost{}
	rule := Rule{Table: "nat", Chain: "POSTROUTING", Spec: []string{"-s", "172.16.0.0/24", "-j", "MASQUERADE"}}

	assert.ErrorIs(t, h.AppendRule(rule), ErrNoIptables)
	assert.ErrorIs(t, h.DeleteRule(rule), ErrNoIptables)
}
