// Package bitcoindsource implements a blocksync.BlockSource backed by the
// RPC interface of a bitcoind node. The node must expose getblockheader,
// getblock and getblockchaininfo over HTTP POST.
package bitcoindsource

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"

	"github.com/lightningnetwork/blocksync"
)

// BitcoindSource is a BlockSource implementation using a bitcoind chain
// client over JSON-RPC. It is safe for concurrent use, so a single source
// may back multiple SPV clients.
type BitcoindSource struct {
	started int32 // To be used atomically.
	stopped int32 // To be used atomically.

	chainConn *rpcclient.Client
}

// Ensure BitcoindSource implements the BlockSource interface at compile
// time.
var _ blocksync.BlockSource = (*BitcoindSource)(nil)

// New returns a new BitcoindSource instance. This function assumes the
// bitcoind node detailed in the passed configuration is already running and
// willing to accept RPC requests.
func New(config *rpcclient.ConnConfig) (*BitcoindSource, error) {
	// Connections to bitcoind are made over plain HTTP POST; bitcoind
	// does not support the btcd websocket extensions.
	config.DisableConnectOnNew = true
	config.DisableAutoReconnect = false
	config.HTTPPostMode = true

	chainConn, err := rpcclient.New(config, nil)
	if err != nil {
		return nil, err
	}

	return &BitcoindSource{chainConn: chainConn}, nil
}

// Start verifies connectivity to the configured node.
func (s *BitcoindSource) Start() error {
	// Already started?
	if atomic.AddInt32(&s.started, 1) != 1 {
		return nil
	}

	info, err := s.chainConn.GetBlockChainInfo()
	if err != nil {
		return err
	}

	log.Infof("Connected to bitcoind on chain %v, best height %d",
		info.Chain, info.Blocks)

	return nil
}

// Stop shuts down the BitcoindSource, terminating any outstanding requests.
func (s *BitcoindSource) Stop() error {
	// Already shutting down?
	if atomic.AddInt32(&s.stopped, 1) != 1 {
		return nil
	}

	s.chainConn.Shutdown()

	return nil
}

// blockHeaderResult mirrors the fields of a verbose getblockheader response
// needed to rebuild the wire header and its chain metadata. bitcoind reports
// chainwork directly, saving a walk over the header's ancestry.
type blockHeaderResult struct {
	Height       uint32 `json:"height"`
	Version      int32  `json:"version"`
	PreviousHash string `json:"previousblockhash"`
	MerkleRoot   string `json:"merkleroot"`
	Time         int64  `json:"time"`
	Nonce        uint32 `json:"nonce"`
	Bits         string `json:"bits"`
	ChainWork    string `json:"chainwork"`
}

// GetHeader returns the header for the given hash along with its height and
// chainwork. The height hint is ignored as bitcoind indexes headers by hash.
func (s *BitcoindSource) GetHeader(hash *chainhash.Hash, _ int32) (
	blocksync.BlockHeaderData, error) {

	hashParam, err := json.Marshal(hash.String())
	if err != nil {
		return blocksync.BlockHeaderData{},
			blocksync.NewPersistentError(err)
	}
	verboseParam, err := json.Marshal(true)
	if err != nil {
		return blocksync.BlockHeaderData{},
			blocksync.NewPersistentError(err)
	}

	resp, err := s.chainConn.RawRequest(
		"getblockheader", []json.RawMessage{hashParam, verboseParam},
	)
	if err != nil {
		return blocksync.BlockHeaderData{},
			mapRPCError(err, "header not found")
	}

	var result blockHeaderResult
	if err := json.Unmarshal(resp, &result); err != nil {
		return blocksync.BlockHeaderData{},
			blocksync.NewPersistentError(err)
	}

	data, err := convertHeaderResult(&result)
	if err != nil {
		return blocksync.BlockHeaderData{},
			blocksync.NewPersistentError(err)
	}
	return data, nil
}

// GetBlock returns the full block for the given hash.
func (s *BitcoindSource) GetBlock(hash *chainhash.Hash) (*wire.MsgBlock,
	error) {

	block, err := s.chainConn.GetBlock(hash)
	if err != nil {
		return nil, mapRPCError(err, "block not found")
	}
	return block, nil
}

// GetBestBlock returns the hash and height of the node's best block.
func (s *BitcoindSource) GetBestBlock() (*chainhash.Hash, int32, error) {
	info, err := s.chainConn.GetBlockChainInfo()
	if err != nil {
		return nil, blocksync.HeightUnknown,
			mapRPCError(err, "best block not found")
	}

	hash, err := chainhash.NewHashFromStr(info.BestBlockHash)
	if err != nil {
		return nil, blocksync.HeightUnknown,
			blocksync.NewPersistentError(err)
	}

	return hash, info.Blocks, nil
}

// convertHeaderResult rebuilds the wire header and chain metadata from a
// verbose getblockheader response.
func convertHeaderResult(result *blockHeaderResult) (
	blocksync.BlockHeaderData, error) {

	var prevBlock chainhash.Hash
	if result.PreviousHash != "" {
		hash, err := chainhash.NewHashFromStr(result.PreviousHash)
		if err != nil {
			return blocksync.BlockHeaderData{}, err
		}
		prevBlock = *hash
	}

	merkleRoot, err := chainhash.NewHashFromStr(result.MerkleRoot)
	if err != nil {
		return blocksync.BlockHeaderData{}, err
	}

	bits, err := strconv.ParseUint(result.Bits, 16, 32)
	if err != nil {
		return blocksync.BlockHeaderData{}, err
	}

	chainWork, ok := new(big.Int).SetString(result.ChainWork, 16)
	if !ok {
		return blocksync.BlockHeaderData{},
			fmt.Errorf("invalid chainwork: %q", result.ChainWork)
	}

	return blocksync.BlockHeaderData{
		Header: wire.BlockHeader{
			Version:    result.Version,
			PrevBlock:  prevBlock,
			MerkleRoot: *merkleRoot,
			Timestamp:  time.Unix(result.Time, 0),
			Bits:       uint32(bits),
			Nonce:      result.Nonce,
		},
		Height:    result.Height,
		ChainWork: chainWork,
	}, nil
}

// mapRPCError classifies an rpcclient failure. Unknown-block responses are
// persistent; anything else, including transport failures, may resolve on a
// later poll.
func mapRPCError(err error, notFoundMsg string) error {
	if jsonErr, ok := err.(*btcjson.RPCError); ok {
		// bitcoind reports unknown block hashes with the invalid
		// address-or-key code.
		if jsonErr.Code == btcjson.ErrRPCInvalidAddressOrKey ||
			jsonErr.Code == btcjson.ErrRPCInvalidParameter {

			return blocksync.NewPersistentError(
				errors.New(notFoundMsg))
		}
	}
	return blocksync.NewTransientError(err)
}
