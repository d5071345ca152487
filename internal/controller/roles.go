package controller

import (
	"sort"

	"github.com/atmx/vault-lending/internal/model"
)

// Bootstrap installs the initial admins and operators from configuration.
// It bypasses the admin check and is only used before serving.
func (c *Controller) Bootstrap(admins, operators []string) {
	for _, a := range admins {
		c.admins[a] = true
	}
	for _, o := range operators {
		c.operators[o] = true
	}
}

// GrantOperator adds acct to the operator set. Only admins may grant.
// It reports whether the set changed.
func (c *Controller) GrantOperator(caller, acct string) (bool, error) {
	if !c.admins[caller] {
		return false, model.Fail("controller.grantOperator", model.ErrUnauthorized, "%s is not an admin", caller)
	}
	if c.operators[acct] {
		return false, nil
	}
	c.operators[acct] = true
	return true, nil
}

// RevokeOperator removes acct from the operator set. Only admins may
// revoke. It reports whether the set changed.
func (c *Controller) RevokeOperator(caller, acct string) (bool, error) {
	if !c.admins[caller] {
		return false, model.Fail("controller.revokeOperator", model.ErrUnauthorized, "%s is not an admin", caller)
	}
	if !c.operators[acct] {
		return false, nil
	}
	delete(c.operators, acct)
	return true, nil
}

// SetOperator adds or removes acct without the admin check. Used when
// re-applying journaled role changes.
func (c *Controller) SetOperator(acct string, on bool) {
	if on {
		c.operators[acct] = true
		return
	}
	delete(c.operators, acct)
}

func (c *Controller) IsOperator(acct string) bool { return c.operators[acct] }

func (c *Controller) IsAdmin(acct string) bool { return c.admins[acct] }

// Operators returns the operator set, sorted.
func (c *Controller) Operators() []string {
	return sortedKeys(c.operators)
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func copySet(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
