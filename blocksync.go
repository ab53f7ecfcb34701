// Package blocksync implements a lightweight client for keeping in sync with
// chain activity.
//
// The SpvClient polls one or more block sources for the best chain tip and
// notifies a listener of blocks connected or disconnected since the last
// poll, which is useful for keeping a Lightning node in sync with the chain.
//
// The BlockSource interface abstracts over how block headers and data are
// retrieved. The bitcoindsource package provides an implementation backed by
// the RPC interface of a bitcoind node.
package blocksync

import (
	"math/big"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/go-errors/errors"
)

// HeightUnknown is the height hint passed to BlockSource.GetHeader when the
// requester does not know the height of the block in question. It is also
// returned by BlockSource.GetBestBlock for sources unable to report a height.
const HeightUnknown = int32(-1)

// BlockHeaderData is a block header along with some associated data. This
// information should be available from most block sources (and, notably, is
// available via Bitcoin Core's RPC and REST interfaces).
type BlockHeaderData struct {
	// Header is the block header itself.
	Header wire.BlockHeader

	// Height is the block height where the genesis block has height 0.
	Height uint32

	// ChainWork is the total chain work in expected number of
	// double-SHA256 hashes required to build a chain of equivalent weight.
	ChainWork *big.Int
}

// BlockSource abstracts retrieving block headers and data from a chain
// backend. Implementations must be safe for concurrent use, as a single
// source may back multiple SPV clients.
type BlockSource interface {
	// GetHeader returns the header for a given hash. A height hint may be
	// provided in case a block source cannot easily find headers based on
	// a hash. This is merely a hint and thus the returned header must
	// have the same hash as was requested, otherwise an error must be
	// returned.
	//
	// Implementations that cannot find headers based on the hash alone
	// should return a Transient error when heightHint is HeightUnknown.
	GetHeader(hash *chainhash.Hash, heightHint int32) (BlockHeaderData,
		error)

	// GetBlock returns the block for a given hash. A headers-only block
	// source should return a Transient error.
	GetBlock(hash *chainhash.Hash) (*wire.MsgBlock, error)

	// GetBestBlock returns the hash of the best block and, if known, its
	// height. When polling a block source, the height is passed to
	// GetHeader to allow for a more efficient lookup.
	GetBestBlock() (*chainhash.Hash, int32, error)
}

// ChainListener is notified of blocks that have been connected or
// disconnected from the chain. It is used to replay chain data upon startup
// or as new chain events occur.
type ChainListener interface {
	// BlockConnected is invoked when a block is added to the chain at the
	// given height.
	BlockConnected(block *wire.MsgBlock, height uint32)

	// BlockDisconnected is invoked when a block is removed from the chain
	// at the given height.
	BlockDisconnected(header *wire.BlockHeader, height uint32)
}

// ErrorKind describes whether a BlockSourceError is expected to resolve when
// the failed request is retried.
type ErrorKind uint8

const (
	// ErrorKindPersistent indicates an error that won't resolve when
	// retrying a request (e.g. invalid data).
	ErrorKindPersistent ErrorKind = iota

	// ErrorKindTransient indicates an error that may resolve when
	// retrying a request (e.g. unresponsive backend).
	ErrorKindTransient
)

// String returns a human-readable description of the error kind.
func (k ErrorKind) String() string {
	switch k {
	case ErrorKindPersistent:
		return "persistent"
	case ErrorKindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// BlockSourceError is the error type returned by BlockSource requests.
// Transient errors may be resolved when re-polling, while persistent errors
// are not expected to resolve on a later poll.
type BlockSourceError struct {
	kind ErrorKind
	err  *errors.Error
}

// NewPersistentError creates a new persistent error originating from the
// given error.
func NewPersistentError(err error) *BlockSourceError {
	return &BlockSourceError{
		kind: ErrorKindPersistent,
		err:  errors.Wrap(err, 1),
	}
}

// NewTransientError creates a new transient error originating from the given
// error.
func NewTransientError(err error) *BlockSourceError {
	return &BlockSourceError{
		kind: ErrorKindTransient,
		err:  errors.Wrap(err, 1),
	}
}

// Error returns the message of the underlying error.
func (e *BlockSourceError) Error() string {
	return e.err.Error()
}

// Kind returns whether the error is persistent or transient.
func (e *BlockSourceError) Kind() ErrorKind {
	return e.kind
}

// Unwrap returns the underlying error.
func (e *BlockSourceError) Unwrap() error {
	return e.err.Err
}
