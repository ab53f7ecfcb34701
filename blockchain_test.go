package blocksync

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Blockchain is an in-memory chain of mined regtest blocks acting as a
// BlockSource for tests. The zero height is the network's genesis block and
// every subsequent block is mined on demand, so headers pass the poller's
// proof of work checks.
type Blockchain struct {
	params    *chaincfg.Params
	blocks    []*wire.MsgBlock
	chainWork []*big.Int

	// forkSeed differentiates the coinbase of chains forked off a common
	// prefix so competing blocks at the same height have distinct hashes.
	forkSeed byte

	// withoutBlocksFrom, when non-negative, makes GetBlock fail for
	// blocks at this height and above.
	withoutBlocksFrom int

	// noHeaders makes GetHeader fail for every hash.
	noHeaders bool
}

// Ensure Blockchain implements the BlockSource interface at compile time.
var _ BlockSource = (*Blockchain)(nil)

func newBlockchain() *Blockchain {
	return newBlockchainWithParams(&chaincfg.RegressionNetParams)
}

func newBlockchainWithParams(params *chaincfg.Params) *Blockchain {
	genesis := params.GenesisBlock
	return &Blockchain{
		params:    params,
		blocks:    []*wire.MsgBlock{genesis},
		chainWork: []*big.Int{blockchain.CalcWork(genesis.Header.Bits)},

		withoutBlocksFrom: -1,
	}
}

// withHeight extends the chain until its tip is at the given height.
func (c *Blockchain) withHeight(height int) *Blockchain {
	for len(c.blocks) <= height {
		c.mineBlock()
	}
	return c
}

// forkAtHeight returns a chain sharing blocks up to and including the given
// height, then diverging up to the same tip height as the receiver.
func (c *Blockchain) forkAtHeight(height int) *Blockchain {
	fork := &Blockchain{
		params:    c.params,
		blocks:    append([]*wire.MsgBlock{}, c.blocks[:height+1]...),
		chainWork: append([]*big.Int{}, c.chainWork[:height+1]...),
		forkSeed:  c.forkSeed + 1,

		withoutBlocksFrom: -1,
	}
	for len(fork.blocks) < len(c.blocks) {
		fork.mineBlock()
	}
	return fork
}

// withoutBlocks makes block fetches fail for the given height and above.
func (c *Blockchain) withoutBlocks(fromHeight int) *Blockchain {
	c.withoutBlocksFrom = fromHeight
	return c
}

// withoutHeaders makes every header lookup fail.
func (c *Blockchain) withoutHeaders() *Blockchain {
	c.noHeaders = true
	return c
}

// disconnectTip drops the chain's highest block.
func (c *Blockchain) disconnectTip() {
	c.blocks = c.blocks[:len(c.blocks)-1]
	c.chainWork = c.chainWork[:len(c.chainWork)-1]
}

// atHeight returns the validated header for the block at the given height.
func (c *Blockchain) atHeight(height int) ValidatedBlockHeader {
	block := c.blocks[height]
	return ValidatedBlockHeader{
		BlockHash: block.BlockHash(),
		BlockHeaderData: BlockHeaderData{
			Header:    block.Header,
			Height:    uint32(height),
			ChainWork: c.chainWork[height],
		},
	}
}

// tip returns the validated header of the chain's highest block.
func (c *Blockchain) tip() ValidatedBlockHeader {
	return c.atHeight(len(c.blocks) - 1)
}

// headerCache returns a cache preloaded with headers for heights 0 through
// upToHeight inclusive.
func (c *Blockchain) headerCache(upToHeight int) UnboundedCache {
	cache := NewUnboundedCache()
	for height := 0; height <= upToHeight; height++ {
		cache.Insert(c.atHeight(height))
	}
	return cache
}

func (c *Blockchain) mineBlock() {
	height := uint32(len(c.blocks))
	prevHash := c.blocks[height-1].BlockHash()
	bits := c.params.GenesisBlock.Header.Bits

	coinbase := createCoinbaseTx(height, c.forkSeed)
	header := wire.BlockHeader{
		Version:    0x20000000,
		PrevBlock:  prevHash,
		MerkleRoot: coinbase.TxHash(),
		Timestamp: c.params.GenesisBlock.Header.Timestamp.Add(
			time.Duration(height) * 10 * time.Minute,
		),
		Bits: bits,
	}

	// The regtest target admits about half of all hashes, so this loop
	// only tries a few nonces.
	target := blockchain.CompactToBig(bits)
	for {
		hash := header.BlockHash()
		if blockchain.HashToBig(&hash).Cmp(target) <= 0 {
			break
		}
		header.Nonce++
	}

	c.blocks = append(c.blocks, &wire.MsgBlock{
		Header:       header,
		Transactions: []*wire.MsgTx{coinbase},
	})
	c.chainWork = append(c.chainWork, new(big.Int).Add(
		c.chainWork[height-1], blockchain.CalcWork(bits),
	))
}

func createCoinbaseTx(height uint32, forkSeed byte) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: *wire.NewOutPoint(
			&chainhash.Hash{}, wire.MaxPrevOutIndex,
		),
		SignatureScript: []byte{
			byte(height), byte(height >> 8), byte(height >> 16),
			forkSeed,
		},
		Sequence: wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(&wire.TxOut{
		Value:    50 * 1e8,
		PkScript: []byte{0x51}, // OP_TRUE
	})
	return tx
}

// GetHeader returns the header for the given hash, or a persistent error if
// unknown or if the chain was built withoutHeaders.
func (c *Blockchain) GetHeader(hash *chainhash.Hash, _ int32) (
	BlockHeaderData, error) {

	if !c.noHeaders {
		for height := range c.blocks {
			if c.blocks[height].BlockHash() == *hash {
				return c.atHeight(height).BlockHeaderData, nil
			}
		}
	}
	return BlockHeaderData{}, NewPersistentError(
		errors.New("header not found"))
}

// GetBlock returns the block for the given hash, or a transient error if the
// block data is unavailable.
func (c *Blockchain) GetBlock(hash *chainhash.Hash) (*wire.MsgBlock, error) {
	for height := range c.blocks {
		if c.blocks[height].BlockHash() != *hash {
			continue
		}
		if c.withoutBlocksFrom >= 0 &&
			height >= c.withoutBlocksFrom {

			return nil, NewTransientError(
				errors.New("block not found"))
		}
		return c.blocks[height], nil
	}
	return nil, NewTransientError(errors.New("block not found"))
}

// GetBestBlock returns the chain's tip hash and height.
func (c *Blockchain) GetBestBlock() (*chainhash.Hash, int32, error) {
	best := c.tip()
	hash := best.BlockHash
	return &hash, int32(best.Height), nil
}

// NullChainListener ignores all chain events.
type NullChainListener struct{}

func (l *NullChainListener) BlockConnected(*wire.MsgBlock, uint32) {}

func (l *NullChainListener) BlockDisconnected(*wire.BlockHeader, uint32) {}

// expectedChainEvent is a single entry in a MockChainListener's script.
type expectedChainEvent struct {
	connected bool
	header    ValidatedBlockHeader
}

// MockChainListener fails the test on any chain event that does not match
// the next expected event, enforcing both content and ordering.
type MockChainListener struct {
	t      *testing.T
	events []expectedChainEvent
}

func newMockChainListener(t *testing.T) *MockChainListener {
	return &MockChainListener{t: t}
}

func (m *MockChainListener) expectBlockConnected(
	header ValidatedBlockHeader) *MockChainListener {

	m.events = append(m.events, expectedChainEvent{
		connected: true,
		header:    header,
	})
	return m
}

func (m *MockChainListener) expectBlockDisconnected(
	header ValidatedBlockHeader) *MockChainListener {

	m.events = append(m.events, expectedChainEvent{
		connected: false,
		header:    header,
	})
	return m
}

func (m *MockChainListener) BlockConnected(block *wire.MsgBlock,
	height uint32) {

	m.t.Helper()

	next := m.nextEvent("connected", true)
	if block.BlockHash() != next.header.BlockHash {
		m.t.Fatalf("connected block %v, expected %v",
			block.BlockHash(), next.header.BlockHash)
	}
	if height != next.header.Height {
		m.t.Fatalf("connected block at height %d, expected %d",
			height, next.header.Height)
	}
}

func (m *MockChainListener) BlockDisconnected(header *wire.BlockHeader,
	height uint32) {

	m.t.Helper()

	next := m.nextEvent("disconnected", false)
	if header.BlockHash() != next.header.BlockHash {
		m.t.Fatalf("disconnected block %v, expected %v",
			header.BlockHash(), next.header.BlockHash)
	}
	if height != next.header.Height {
		m.t.Fatalf("disconnected block at height %d, expected %d",
			height, next.header.Height)
	}
}

func (m *MockChainListener) nextEvent(kind string,
	connected bool) expectedChainEvent {

	m.t.Helper()

	if len(m.events) == 0 {
		m.t.Fatalf("unexpected block %s notification", kind)
	}
	next := m.events[0]
	m.events = m.events[1:]
	if next.connected != connected {
		m.t.Fatalf("block %s notification out of order", kind)
	}
	return next
}

// assertDrained fails the test if expected chain events were not delivered.
func (m *MockChainListener) assertDrained() {
	m.t.Helper()

	if len(m.events) != 0 {
		m.t.Fatalf("%d expected chain events not delivered",
			len(m.events))
	}
}
