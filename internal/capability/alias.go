package capability

import (
	"strings"
	"sync"
)

// AliasResolver maps short, deployment-chosen names ("fast", "reasoning")
// to a canonical model id so call sites never hard-code a vendor string.
// Resolution happens before Registry.Lookup: Alias a name, then look up the
// canonical id it returns.
type AliasResolver struct {
	mu      sync.RWMutex
	aliases map[string]string // lower-cased alias -> canonical model id
}

// NewAliasResolver constructs an empty AliasResolver.
func NewAliasResolver() *AliasResolver {
	return &AliasResolver{aliases: make(map[string]string)}
}

// SetAlias registers or overwrites an alias.
func (a *AliasResolver) SetAlias(alias, canonicalModelID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.aliases[strings.ToLower(alias)] = canonicalModelID
}

// Alias resolves modelID as an alias. If modelID is not a registered alias,
// ok is false and the caller should treat modelID as already canonical.
func (a *AliasResolver) Alias(modelID string) (canonicalID string, ok bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	canonicalID, ok = a.aliases[strings.ToLower(modelID)]
	return canonicalID, ok
}
