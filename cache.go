package blocksync

import "github.com/btcsuite/btcd/chaincfg/chainhash"

// Cache defines behavior for managing a block header cache, where block
// headers are keyed by block hash.
//
// Used by ChainNotifier to store headers along the best chain.
// Implementations may define their own cache eviction policy, but must never
// return an entry that differs from what the poller would return for the
// same hash. Eviction is the only permitted form of absence; any miss is
// recovered by re-fetching through the poller.
type Cache interface {
	// Get retrieves the block header keyed by the given block hash.
	Get(hash *chainhash.Hash) (ValidatedBlockHeader, bool)

	// Insert stores a block header keyed by its block hash.
	Insert(header ValidatedBlockHeader)

	// Remove deletes the block header keyed by the given block hash,
	// returning the removed entry if one was present.
	Remove(hash *chainhash.Hash) (ValidatedBlockHeader, bool)
}

// UnboundedCache is an unbounded header cache backed by a map.
type UnboundedCache map[chainhash.Hash]ValidatedBlockHeader

// A compile time check to ensure UnboundedCache implements the Cache
// interface.
var _ Cache = (UnboundedCache)(nil)

// NewUnboundedCache creates an empty unbounded header cache.
func NewUnboundedCache() UnboundedCache {
	return make(UnboundedCache)
}

// Get retrieves the block header keyed by the given block hash.
func (c UnboundedCache) Get(hash *chainhash.Hash) (ValidatedBlockHeader,
	bool) {

	header, ok := c[*hash]
	return header, ok
}

// Insert stores a block header keyed by its block hash.
func (c UnboundedCache) Insert(header ValidatedBlockHeader) {
	c[header.BlockHash] = header
}

// Remove deletes the block header keyed by the given block hash.
func (c UnboundedCache) Remove(hash *chainhash.Hash) (ValidatedBlockHeader,
	bool) {

	header, ok := c[*hash]
	if ok {
		delete(c, *hash)
	}
	return header, ok
}
