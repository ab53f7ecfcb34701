package blocksync

import "fmt"

// SpvClient is a lightweight client for keeping a listener in sync with the
// chain, allowing for Simplified Payment Verification (SPV).
//
// The client relies on a chain poller to poll one or more block sources for
// the best chain tip. During this process it detects any chain forks,
// determines which constitutes the best chain, and updates the listener
// accordingly with any blocks that were connected or disconnected since the
// last poll.
//
// Block headers for the best chain are maintained in the given cache,
// allowing for a custom eviction policy. This offers a trade-off between a
// lower memory footprint and potentially increased network I/O as headers
// are re-fetched during fork detection.
type SpvClient struct {
	chainTip      ValidatedBlockHeader
	chainPoller   Poll
	chainNotifier *ChainNotifier
	chainListener ChainListener
}

// NewSpvClient creates a new SPV client using chainTip as the best known
// chain tip.
//
// Subsequent calls to PollBestTip will poll for the best chain tip using the
// given chain poller, which may be configured with one or more block sources
// to query. At least one block source must provide headers back from the
// best chain tip to its common ancestor with chainTip. The headerCache is
// used to look up and store headers on the best chain, and chainListener is
// notified of any blocks connected or disconnected.
func NewSpvClient(chainTip ValidatedBlockHeader, chainPoller Poll,
	headerCache Cache, chainListener ChainListener) *SpvClient {

	return &SpvClient{
		chainTip:      chainTip,
		chainPoller:   chainPoller,
		chainNotifier: NewChainNotifier(headerCache),
		chainListener: chainListener,
	}
}

// ChainTip returns the client's current best known chain tip.
func (s *SpvClient) ChainTip() ValidatedBlockHeader {
	return s.chainTip
}

// PollBestTip polls for the best tip and updates the chain listener with any
// connected or disconnected blocks accordingly.
//
// It returns the best polled chain tip relative to the previous best known
// tip and whether any blocks were indeed connected or disconnected. The
// client is not safe for concurrent polls.
func (s *SpvClient) PollBestTip() (ChainTip, bool, error) {
	chainTip, err := s.chainPoller.PollChainTip(s.chainTip)
	if err != nil {
		return ChainTip{}, false, err
	}

	var blocksConnected bool
	switch chainTip.Type {
	case ChainTipCommon:

	case ChainTipBetter:
		assertTipContract(&chainTip, &s.chainTip, true)
		blocksConnected = s.updateChainTip(chainTip.Tip)

	case ChainTipWorse:
		assertTipContract(&chainTip, &s.chainTip, false)
	}

	return chainTip, blocksConnected, nil
}

// updateChainTip syncs the chain listener from the current tip to the given
// best tip, committing whatever tip the listener actually reached. Returns
// whether any blocks were connected or disconnected.
func (s *SpvClient) updateChainTip(bestChainTip ValidatedBlockHeader) bool {
	partialTip, err := s.chainNotifier.SyncListener(
		bestChainTip, &s.chainTip, s.chainPoller, s.chainListener,
	)
	switch {
	case err == nil:
		s.chainTip = bestChainTip
		return true

	// A reorg was partially committed before a block fetch failed. The
	// listener has observed every event up to partialTip, so that is now
	// the authoritative tip.
	case partialTip != nil && partialTip.BlockHash != s.chainTip.BlockHash:
		log.Warnf("Chain tip only partially advanced to %v: %v",
			partialTip.BlockHash, err)
		s.chainTip = *partialTip
		return true

	default:
		log.Debugf("Unable to advance chain tip to %v: %v",
			bestChainTip.BlockHash, err)
		return false
	}
}

// assertTipContract verifies the poller honored its classification contract:
// a non-common tip never equals the current one and its chainwork compares
// accordingly. A violation is programmer error in the poller.
func assertTipContract(polled *ChainTip, current *ValidatedBlockHeader,
	better bool) {

	if polled.Tip.BlockHash == current.BlockHash {
		panic(fmt.Sprintf("poller classified current tip %v as %v",
			current.BlockHash, polled.Type))
	}
	cmp := polled.Tip.ChainWork.Cmp(current.ChainWork)
	if better && cmp <= 0 {
		panic(fmt.Sprintf("better tip %v has no more chainwork than "+
			"current tip %v", polled.Tip.BlockHash,
			current.BlockHash))
	}
	if !better && cmp > 0 {
		panic(fmt.Sprintf("worse tip %v has more chainwork than "+
			"current tip %v", polled.Tip.BlockHash,
			current.BlockHash))
	}
}
