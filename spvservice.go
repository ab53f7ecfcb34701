package blocksync

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/queue"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/lightningnetwork/blocksync/monitoring"
)

var (
	// ErrSpvServiceShuttingDown is returned when a block epoch
	// registration is attempted while the service is shutting down.
	ErrSpvServiceShuttingDown = errors.New("blocksync: system interrupt " +
		"while attempting to register for block epoch notification")
)

// BlockEpoch represents metadata concerning each new block observed at the
// tip of the synced chain.
type BlockEpoch struct {
	// Hash is the block hash of the latest block to arrive at tip.
	Hash *chainhash.Hash

	// Height is the height of the latest block.
	Height uint32
}

// BlockEpochEvent couples the channel delivering block epochs with a closure
// that cancels the subscription.
type BlockEpochEvent struct {
	// Epochs delivers an epoch for each block connected to or
	// disconnected from the best chain, in order.
	Epochs <-chan *BlockEpoch

	// Cancel cancels the subscription. Once invoked, no further epochs
	// are delivered and the Epochs channel is closed.
	Cancel func()
}

// SpvService drives an SpvClient on a timer, exposing the resulting chain
// events as block epoch subscriptions. Multiple concurrent clients are
// supported; all notifications are achieved via non-blocking sends on client
// channels.
type SpvService struct {
	started int32 // To be used atomically.
	stopped int32 // To be used atomically.

	epochClientCounter uint64 // To be used atomically.

	client *SpvClient

	pollTicker ticker.Ticker

	// chainListener is the caller's listener, notified before any epoch
	// subscribers. May be nil.
	chainListener ChainListener

	notificationCancels  chan interface{}
	notificationRegistry chan interface{}

	blockEpochClients map[uint64]*blockEpochRegistration

	bestBlock BlockEpoch

	wg   sync.WaitGroup
	quit chan struct{}
}

// A compile time check to ensure SpvService fans chain events out as a
// ChainListener.
var _ ChainListener = (*SpvService)(nil)

// NewSpvService creates a service that polls for the best chain tip every
// pollInterval, starting from chainTip. The chainListener, if non-nil, is
// notified of connected and disconnected blocks before any block epoch
// subscribers; headerCache backs the service's fork detection.
func NewSpvService(chainTip ValidatedBlockHeader, chainPoller Poll,
	headerCache Cache, chainListener ChainListener,
	pollInterval time.Duration) *SpvService {

	tipHash := chainTip.BlockHash
	s := &SpvService{
		pollTicker:    ticker.New(pollInterval),
		chainListener: chainListener,

		notificationCancels:  make(chan interface{}),
		notificationRegistry: make(chan interface{}),

		blockEpochClients: make(map[uint64]*blockEpochRegistration),

		bestBlock: BlockEpoch{
			Hash:   &tipHash,
			Height: chainTip.Height,
		},

		quit: make(chan struct{}),
	}

	// The service interposes itself as the client's listener so chain
	// events reach both the caller's listener and all epoch subscribers.
	s.client = NewSpvClient(chainTip, chainPoller, headerCache, s)

	return s
}

// Start launches the polling dispatcher. The first poll fires after one full
// poll interval.
func (s *SpvService) Start() error {
	// Already started?
	if atomic.AddInt32(&s.started, 1) != 1 {
		return nil
	}

	log.Infof("SPV service starting at tip %v (height=%d)",
		s.bestBlock.Hash, s.bestBlock.Height)

	s.pollTicker.Resume()

	s.wg.Add(1)
	go s.notificationDispatcher()

	return nil
}

// Stop shuts down the SpvService, cancelling all outstanding block epoch
// subscriptions.
func (s *SpvService) Stop() error {
	// Already shutting down?
	if atomic.AddInt32(&s.stopped, 1) != 1 {
		return nil
	}

	s.pollTicker.Stop()

	close(s.quit)
	s.wg.Wait()

	// Notify all pending clients of our shutdown by closing the related
	// notification channels.
	for _, epochClient := range s.blockEpochClients {
		epochClient.epochQueue.Stop()

		close(epochClient.cancelChan)
		epochClient.wg.Wait()

		close(epochClient.epochChan)
	}

	return nil
}

// notificationDispatcher is the primary goroutine which handles client
// registrations and drives the underlying SPV client on each tick.
func (s *SpvService) notificationDispatcher() {
out:
	for {
		select {
		case cancelMsg := <-s.notificationCancels:
			switch msg := cancelMsg.(type) {
			case *epochCancel:
				log.Infof("Cancelling epoch notification, "+
					"epoch_id=%v", msg.epochID)

				// First, look up the original registration in
				// order to stop the active queue goroutine.
				reg := s.blockEpochClients[msg.epochID]
				reg.epochQueue.Stop()

				// Next, close the cancel channel for this
				// specific client and wait for the client to
				// exit.
				close(reg.cancelChan)
				reg.wg.Wait()

				// Once the client has exited, we can then
				// safely close the channel used to send epoch
				// notifications, in order to notify any
				// listeners that the intent has been
				// cancelled.
				close(reg.epochChan)
				delete(s.blockEpochClients, msg.epochID)
			}

		case registerMsg := <-s.notificationRegistry:
			switch msg := registerMsg.(type) {
			case *blockEpochRegistration:
				log.Infof("New block epoch subscription")
				s.blockEpochClients[msg.epochID] = msg
			}

		case <-s.pollTicker.Ticks():
			chainTip, blocksConnected, err := s.client.PollBestTip()
			if err != nil {
				s.logPollError(err)
				continue
			}
			monitoring.PollCompleted()

			log.Tracef("Poll verdict: %v", spew.Sdump(chainTip))

			if blocksConnected {
				log.Debugf("Chain tip advanced to %v "+
					"(height=%d)", s.bestBlock.Hash,
					s.bestBlock.Height)
			}

		case <-s.quit:
			break out
		}
	}
	s.wg.Done()
}

// logPollError reports a failed poll. Transient errors are expected to
// resolve on a later tick, so they are kept out of the error log.
func (s *SpvService) logPollError(err error) {
	if sourceErr, ok := err.(*BlockSourceError); ok &&
		sourceErr.Kind() == ErrorKindTransient {

		log.Debugf("Transient error polling chain tip: %v", err)
		return
	}
	log.Errorf("Unable to poll chain tip: %v", err)
}

// BlockConnected forwards a connected block to the caller's listener and all
// epoch subscribers. It is invoked synchronously from the dispatcher's poll,
// so subscriber state needs no locking.
func (s *SpvService) BlockConnected(block *wire.MsgBlock, height uint32) {
	blockHash := block.BlockHash()
	s.bestBlock = BlockEpoch{
		Hash:   &blockHash,
		Height: height,
	}

	log.Infof("New block: height=%v, sha=%v", height, blockHash)
	monitoring.BlockConnected()

	if s.chainListener != nil {
		s.chainListener.BlockConnected(block, height)
	}
	s.notifyBlockEpochs(&blockHash, height)
}

// BlockDisconnected forwards a disconnected block to the caller's listener
// and all epoch subscribers.
func (s *SpvService) BlockDisconnected(header *wire.BlockHeader,
	height uint32) {

	prevHash := header.PrevBlock
	s.bestBlock = BlockEpoch{
		Hash:   &prevHash,
		Height: height - 1,
	}

	log.Infof("Block disconnected from main chain: height=%v, sha=%v",
		height, header.BlockHash())
	monitoring.BlockDisconnected()

	if s.chainListener != nil {
		s.chainListener.BlockDisconnected(header, height)
	}

	blockHash := header.BlockHash()
	s.notifyBlockEpochs(&blockHash, height)
}

// notifyBlockEpochs notifies all registered block epoch clients of the chain
// event at the given block.
func (s *SpvService) notifyBlockEpochs(blockHash *chainhash.Hash,
	height uint32) {

	epoch := &BlockEpoch{
		Hash:   blockHash,
		Height: height,
	}

	for _, epochClient := range s.blockEpochClients {
		select {
		case epochClient.epochQueue.ChanIn() <- epoch:

		case <-epochClient.cancelChan:

		case <-s.quit:
		}
	}
}

// blockEpochRegistration represents a client's intent to receive a
// notification with each block connected to or disconnected from the best
// chain.
type blockEpochRegistration struct {
	epochID uint64

	epochChan chan *BlockEpoch

	epochQueue *queue.ConcurrentQueue

	cancelChan chan struct{}

	wg sync.WaitGroup
}

// epochCancel is a message sent to the SpvService when a client wishes to
// cancel an outstanding epoch notification that has yet to be dispatched.
type epochCancel struct {
	epochID uint64
}

// RegisterBlockEpochNtfn returns a BlockEpochEvent which subscribes the
// caller to receive a notification for each block connected to or
// disconnected from the best chain.
func (s *SpvService) RegisterBlockEpochNtfn() (*BlockEpochEvent, error) {
	reg := &blockEpochRegistration{
		epochQueue: queue.NewConcurrentQueue(20),
		epochChan:  make(chan *BlockEpoch, 20),
		cancelChan: make(chan struct{}),
		epochID:    atomic.AddUint64(&s.epochClientCounter, 1),
	}
	reg.epochQueue.Start()

	// Before we send the request to the dispatcher, we'll launch a new
	// goroutine to proxy items added to our queue to the client itself.
	// This ensures that all notifications are received *in order*.
	reg.wg.Add(1)
	go func() {
		defer reg.wg.Done()

		for {
			select {
			case ntfn := <-reg.epochQueue.ChanOut():
				blockNtfn := ntfn.(*BlockEpoch)
				select {
				case reg.epochChan <- blockNtfn:

				case <-reg.cancelChan:
					return

				case <-s.quit:
					return
				}

			case <-reg.cancelChan:
				return

			case <-s.quit:
				return
			}
		}
	}()

	select {
	case <-s.quit:
		// As we're exiting before the registration could be sent,
		// we'll stop the queue now ourselves.
		reg.epochQueue.Stop()

		return nil, ErrSpvServiceShuttingDown

	case s.notificationRegistry <- reg:
		return &BlockEpochEvent{
			Epochs: reg.epochChan,
			Cancel: func() {
				cancel := &epochCancel{
					epochID: reg.epochID,
				}

				// Submit epoch cancellation to the
				// notification dispatcher.
				select {
				case s.notificationCancels <- cancel:
					// Cancellation is being handled, drain
					// the epoch channel until it is closed
					// before yielding to the caller.
					for {
						select {
						case _, ok := <-reg.epochChan:
							if !ok {
								return
							}
						case <-s.quit:
							return
						}
					}
				case <-s.quit:
				}
			},
		}, nil
	}
}
