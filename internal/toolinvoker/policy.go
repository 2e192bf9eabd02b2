package toolinvoker

// Policy filters which registered tools are advertisable to a provider,
// grounded on the teacher's internal/policybasic allow/block-tag/tool
// engine (spec §12 supplemented feature: lightweight tool gating without a
// bespoke policy service). Unlike the teacher's policy.Engine, Policy has no
// retry-hint or remaining-caps machinery — that belongs to goa-ai's planner
// loop, which this module replaces with orchestrator's own continuation
// logic (internal/orchestrator).
type Policy struct {
	allowTags  map[string]struct{}
	blockTags  map[string]struct{}
	allowTools map[string]struct{}
	blockTools map[string]struct{}
}

// PolicyOptions configures a Policy. Empty AllowTags/AllowTools allow every
// tool not explicitly blocked; a non-empty allowlist restricts to matches.
type PolicyOptions struct {
	AllowTags  []string
	BlockTags  []string
	AllowTools []string
	BlockTools []string
}

// NewPolicy builds a Policy from opts. A zero-value PolicyOptions allows
// everything.
func NewPolicy(opts PolicyOptions) Policy {
	return Policy{
		allowTags:  toStringSet(opts.AllowTags),
		blockTags:  toStringSet(opts.BlockTags),
		allowTools: toStringSet(opts.AllowTools),
		blockTools: toStringSet(opts.BlockTools),
	}
}

func toStringSet(vals []string) map[string]struct{} {
	if len(vals) == 0 {
		return nil
	}
	m := make(map[string]struct{}, len(vals))
	for _, v := range vals {
		m[v] = struct{}{}
	}
	return m
}

// isZero reports whether p has no filtering rules at all, letting Registry
// skip the allowed() check entirely for the common unconfigured case.
func (p Policy) isZero() bool {
	return len(p.allowTags) == 0 && len(p.blockTags) == 0 && len(p.allowTools) == 0 && len(p.blockTools) == 0
}

// allowed reports whether name (with the given tags) passes the policy.
// Block lists take precedence over allow lists, and an explicit AllowTools
// entry overrides tag-based allow filtering.
func (p Policy) allowed(name string, tags []string) bool {
	if _, blocked := p.blockTools[name]; blocked {
		return false
	}
	for _, tag := range tags {
		if _, blocked := p.blockTags[tag]; blocked {
			return false
		}
	}
	if len(p.allowTools) > 0 {
		_, ok := p.allowTools[name]
		return ok
	}
	if len(p.allowTags) > 0 {
		for _, tag := range tags {
			if _, ok := p.allowTags[tag]; ok {
				return true
			}
		}
		return false
	}
	return true
}
