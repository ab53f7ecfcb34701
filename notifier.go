package blocksync

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// ChainNotifier transforms a listener's chain view from one tip to another,
// notifying it of blocks that have been connected or disconnected along the
// way. It owns the header cache and keeps it consistent with the listener's
// view at every observable moment.
type ChainNotifier struct {
	// headerCache is consulted for headers before fetching from a block
	// source. Entries are inserted as blocks are connected and removed as
	// blocks are disconnected, so a present entry always reflects a block
	// the listener currently has connected.
	headerCache Cache
}

// NewChainNotifier creates a notifier that keeps the given cache coherent
// with the listener's view of the chain.
func NewChainNotifier(headerCache Cache) *ChainNotifier {
	return &ChainNotifier{headerCache: headerCache}
}

// forkStepAction enumerates the changes needed to transform a chain from
// having one tip to another.
type forkStepAction uint8

const (
	// actionConnectBlock adds a block at its height.
	actionConnectBlock forkStepAction = iota

	// actionDisconnectBlock removes a block from its height.
	actionDisconnectBlock

	// actionForkPoint marks the common ancestor of the two chains. It is
	// informational: disconnection stops and connection begins there.
	actionForkPoint
)

// forkStep is a single step in the transition plan produced by findFork.
type forkStep struct {
	action forkStepAction
	header ValidatedBlockHeader
}

// SyncListener finds the fork point between newHeader and oldHeader,
// disconnecting blocks from oldHeader to get to that point and then
// connecting blocks until newHeader.
//
// Headers along the transition path are validated before any blocks are
// fetched, but block fetches may still fail partway through connecting. The
// returned header, when non-nil alongside an error, is the tip the listener
// actually ended up at, which may differ from both oldHeader and newHeader.
// A nil header with a non-nil error means no listener state changed.
func (n *ChainNotifier) SyncListener(newHeader ValidatedBlockHeader,
	oldHeader *ValidatedBlockHeader, chainPoller Poll,
	chainListener ChainListener) (*ValidatedBlockHeader, error) {

	steps, err := n.findFork(newHeader, oldHeader, chainPoller)
	if err != nil {
		return nil, err
	}

	// First pass: disconnect stale blocks from the old tip down to the
	// fork point. The cache entry for each disconnected block is dropped
	// within the same non-suspending region as its listener callback.
	var lastDisconnectTip *chainhash.Hash
	var newTip *ValidatedBlockHeader
	for i := range steps {
		switch steps[i].action {
		case actionDisconnectBlock:
			header := steps[i].header
			log.Infof("Disconnecting block %v at height %d",
				header.BlockHash, header.Height)

			cached, ok := n.headerCache.Remove(&header.BlockHash)
			if ok && !headersEqual(&cached, &header) {
				panic(fmt.Sprintf("header cache corruption: "+
					"cached entry for %v does not match "+
					"disconnected header", header.BlockHash))
			}
			chainListener.BlockDisconnected(
				&header.Header, header.Height,
			)

			prevHash := header.Header.PrevBlock
			lastDisconnectTip = &prevHash

		case actionForkPoint:
			header := steps[i].header
			newTip = &header
		}
	}

	// If blocks were disconnected, new blocks will connect starting from
	// the fork point. Otherwise there was no fork, so new blocks connect
	// starting from the old tip.
	if (lastDisconnectTip == nil) != (newTip == nil) {
		panic("fork point and disconnected blocks must occur together")
	}
	if newTip != nil {
		if newTip.BlockHash != *lastDisconnectTip {
			panic(fmt.Sprintf("fork point %v is not the parent of "+
				"the last disconnected block", newTip.BlockHash))
		}
	} else {
		tip := *oldHeader
		newTip = &tip
	}

	// Second pass: connect blocks in ascending height order. The plan
	// holds them newest first, so walk it in reverse.
	for i := len(steps) - 1; i >= 0; i-- {
		if steps[i].action != actionConnectBlock {
			continue
		}
		header := steps[i].header

		block, err := chainPoller.FetchBlock(&header)
		if err != nil {
			return newTip, err
		}
		if block.BlockHash() != header.BlockHash {
			panic(fmt.Sprintf("fetched block %v does not match "+
				"requested header %v", block.BlockHash(),
				header.BlockHash))
		}

		log.Infof("Connecting block %v at height %d", header.BlockHash,
			header.Height)

		n.headerCache.Insert(header)
		chainListener.BlockConnected(block, header.Height)
		newTip = &header
	}

	return nil, nil
}

// findFork walks backwards from currentHeader and prevHeader until it finds
// their common ancestor, returning the steps needed to produce the chain
// with currentHeader as its tip from the chain with prevHeader as its tip.
//
// Disconnect steps appear in height-descending order starting from the old
// tip; connect steps also appear in height-descending order and are applied
// in reverse by the caller. A fork point step, when present, appears exactly
// once. Any lookup error aborts the walk with no side effects.
func (n *ChainNotifier) findFork(currentHeader ValidatedBlockHeader,
	prevHeader *ValidatedBlockHeader, chainPoller Poll) ([]forkStep,
	error) {

	var steps []forkStep
	current := currentHeader
	previous := *prevHeader
	for {
		// Found the parent block.
		if current.Height == previous.Height+1 &&
			current.Header.PrevBlock == previous.BlockHash {

			steps = append(steps, forkStep{
				action: actionConnectBlock,
				header: current,
			})
			break
		}

		// Found a chain fork.
		if current.Header.PrevBlock == previous.Header.PrevBlock {
			forkPoint, err := n.lookUpPreviousHeader(
				chainPoller, &previous,
			)
			if err != nil {
				return nil, err
			}
			steps = append(steps,
				forkStep{
					action: actionDisconnectBlock,
					header: previous,
				},
				forkStep{
					action: actionConnectBlock,
					header: current,
				},
				forkStep{
					action: actionForkPoint,
					header: forkPoint,
				},
			)
			break
		}

		// Walk back the chain, finding blocks needed to connect and
		// disconnect. Only walk back the header with the greater
		// height, or both if the heights are equal.
		currentHeight := current.Height
		previousHeight := previous.Height
		if currentHeight <= previousHeight {
			steps = append(steps, forkStep{
				action: actionDisconnectBlock,
				header: previous,
			})

			var err error
			previous, err = n.lookUpPreviousHeader(
				chainPoller, &previous,
			)
			if err != nil {
				return nil, err
			}
		}
		if currentHeight >= previousHeight {
			steps = append(steps, forkStep{
				action: actionConnectBlock,
				header: current,
			})

			var err error
			current, err = n.lookUpPreviousHeader(
				chainPoller, &current,
			)
			if err != nil {
				return nil, err
			}
		}
	}

	return steps, nil
}

// lookUpPreviousHeader returns the previous header for the given header,
// either by looking it up in the cache or fetching it through the poller if
// not found.
func (n *ChainNotifier) lookUpPreviousHeader(chainPoller Poll,
	header *ValidatedBlockHeader) (ValidatedBlockHeader, error) {

	if previous, ok := n.headerCache.Get(&header.Header.PrevBlock); ok {
		return previous, nil
	}
	return chainPoller.LookUpPreviousHeader(header)
}
