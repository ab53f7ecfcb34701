package blocksync

import (
	"errors"
	"math/big"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"
)

// ValidatedBlockHeader is a block header with a memoized block hash that has
// passed validation by a ChainPoller. Only pollers mint these, so any header
// flowing through the notifier is known to hash to its BlockHash and to
// satisfy its own proof of work target.
type ValidatedBlockHeader struct {
	// BlockHash is the double-SHA256 hash of the serialized header.
	BlockHash chainhash.Hash

	BlockHeaderData
}

// headersEqual reports whether two validated headers describe the same block
// with identical metadata.
func headersEqual(a, b *ValidatedBlockHeader) bool {
	return a.BlockHash == b.BlockHash &&
		a.Height == b.Height &&
		a.Header == b.Header &&
		a.ChainWork.Cmp(b.ChainWork) == 0
}

// ChainTipType classifies a polled chain tip relative to the caller's best
// known tip.
type ChainTipType uint8

const (
	// ChainTipCommon indicates the polled source is at the same best tip
	// as the caller.
	ChainTipCommon ChainTipType = iota

	// ChainTipBetter indicates a chain tip with more chainwork than the
	// caller's best known tip.
	ChainTipBetter

	// ChainTipWorse indicates a chain tip with equal or less chainwork
	// than the caller's best known tip.
	ChainTipWorse
)

// String returns a human-readable description of the tip classification.
func (t ChainTipType) String() string {
	switch t {
	case ChainTipCommon:
		return "common"
	case ChainTipBetter:
		return "better"
	case ChainTipWorse:
		return "worse"
	default:
		return "unknown"
	}
}

// ChainTip is the result of polling for the best chain tip. Tip is only
// meaningful when Type is not ChainTipCommon.
type ChainTip struct {
	// Type classifies Tip relative to the tip the poll started from.
	Type ChainTipType

	// Tip is the validated header of the polled chain tip.
	Tip ValidatedBlockHeader
}

// Poll is the interface used by the SPV client and chain notifier to drive
// chain reconciliation. It is provided by a polling strategy over one or
// more block sources.
type Poll interface {
	// PollChainTip returns the best known chain tip relative to the
	// given tip.
	PollChainTip(best ValidatedBlockHeader) (ChainTip, error)

	// LookUpPreviousHeader returns the validated header preceding the
	// given header on its chain.
	LookUpPreviousHeader(header *ValidatedBlockHeader) (
		ValidatedBlockHeader, error)

	// FetchBlock returns the block corresponding to the given validated
	// header.
	FetchBlock(header *ValidatedBlockHeader) (*wire.MsgBlock, error)
}

// ChainPoller is a Poll implementation over a single BlockSource. All
// headers returned by the underlying source are validated before being
// handed out: the header must hash to the requested hash and satisfy its
// own proof of work target within the network's limit.
type ChainPoller struct {
	blockSource BlockSource
	netParams   *chaincfg.Params
}

// A compile time check to ensure ChainPoller implements the Poll interface.
var _ Poll = (*ChainPoller)(nil)

// NewChainPoller creates a poller that queries the given block source and
// validates headers against the given network's proof of work limit.
func NewChainPoller(blockSource BlockSource,
	netParams *chaincfg.Params) *ChainPoller {

	return &ChainPoller{
		blockSource: blockSource,
		netParams:   netParams,
	}
}

// PollChainTip queries the source for its best block and classifies it
// against the caller's best known tip by strict chainwork comparison.
func (p *ChainPoller) PollChainTip(best ValidatedBlockHeader) (ChainTip,
	error) {

	hash, height, err := p.blockSource.GetBestBlock()
	if err != nil {
		return ChainTip{}, err
	}

	if *hash == best.BlockHash {
		return ChainTip{Type: ChainTipCommon}, nil
	}

	data, err := p.blockSource.GetHeader(hash, height)
	if err != nil {
		return ChainTip{}, err
	}
	candidate, err := p.validateHeader(data, hash)
	if err != nil {
		return ChainTip{}, err
	}

	if candidate.ChainWork.Cmp(best.ChainWork) > 0 {
		return ChainTip{Type: ChainTipBetter, Tip: candidate}, nil
	}
	return ChainTip{Type: ChainTipWorse, Tip: candidate}, nil
}

// LookUpPreviousHeader fetches and validates the parent of the given header,
// ensuring the child actually builds on the returned parent.
func (p *ChainPoller) LookUpPreviousHeader(header *ValidatedBlockHeader) (
	ValidatedBlockHeader, error) {

	if header.Height == 0 {
		return ValidatedBlockHeader{}, NewPersistentError(
			errors.New("genesis block reached"))
	}

	prevHash := header.Header.PrevBlock
	data, err := p.blockSource.GetHeader(
		&prevHash, int32(header.Height-1),
	)
	if err != nil {
		return ValidatedBlockHeader{}, err
	}
	previous, err := p.validateHeader(data, &prevHash)
	if err != nil {
		return ValidatedBlockHeader{}, err
	}

	if previous.Height != header.Height-1 {
		return ValidatedBlockHeader{}, NewPersistentError(
			errors.New("invalid block height"))
	}
	work := blockchain.CalcWork(header.Header.Bits)
	expectedWork := new(big.Int).Sub(header.ChainWork, work)
	if previous.ChainWork.Cmp(expectedWork) != 0 {
		return ValidatedBlockHeader{}, NewPersistentError(
			errors.New("invalid chainwork"))
	}

	return previous, nil
}

// FetchBlock retrieves the full block for a validated header, verifying that
// the block body actually corresponds to it.
func (p *ChainPoller) FetchBlock(header *ValidatedBlockHeader) (
	*wire.MsgBlock, error) {

	block, err := p.blockSource.GetBlock(&header.BlockHash)
	if err != nil {
		return nil, err
	}

	blockHash := block.BlockHash()
	if blockHash != header.BlockHash {
		return nil, NewPersistentError(
			errors.New("invalid block hash"))
	}
	if len(block.Transactions) == 0 {
		return nil, NewPersistentError(
			errors.New("block without transactions"))
	}

	txns := btcutil.NewBlock(block).Transactions()
	merkles := blockchain.BuildMerkleTreeStore(txns, false)
	merkleRoot := merkles[len(merkles)-1]
	if !merkleRoot.IsEqual(&header.Header.MerkleRoot) {
		return nil, NewPersistentError(
			errors.New("invalid merkle root"))
	}

	return block, nil
}

// validateHeader checks that the header hashes to the requested hash and
// that its proof of work is valid for the poller's network.
func (p *ChainPoller) validateHeader(data BlockHeaderData,
	expectedHash *chainhash.Hash) (ValidatedBlockHeader, error) {

	blockHash := data.Header.BlockHash()
	if blockHash != *expectedHash {
		return ValidatedBlockHeader{}, NewPersistentError(
			errors.New("invalid block hash"))
	}

	target := blockchain.CompactToBig(data.Header.Bits)
	if target.Sign() <= 0 || target.Cmp(p.netParams.PowLimit) > 0 {
		return ValidatedBlockHeader{}, NewPersistentError(
			errors.New("invalid proof of work target"))
	}
	if blockchain.HashToBig(&blockHash).Cmp(target) > 0 {
		return ValidatedBlockHeader{}, NewPersistentError(
			errors.New("invalid proof of work"))
	}

	if data.ChainWork == nil || data.ChainWork.Sign() <= 0 {
		return ValidatedBlockHeader{}, NewPersistentError(
			errors.New("invalid chainwork"))
	}

	return ValidatedBlockHeader{
		BlockHash:       blockHash,
		BlockHeaderData: data,
	}, nil
}
