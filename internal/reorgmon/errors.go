package reorgmon

import "fmt"

// ChainReorganisationDetected signals that the authoritative chain's view of
// a previously recorded block has changed hash. It is expected during normal
// operation and resolved by the bounded retry loop in Monitor.UpdateChain.
type ChainReorganisationDetected struct {
	BlockNumber  int64
	OriginalHash string
	NewHash      string
}

func (e *ChainReorganisationDetected) Error() string {
	return fmt.Sprintf("block reorg detected at #%d: original hash %s, new hash %s",
		e.BlockNumber, e.OriginalHash, e.NewHash)
}

// ReorganisationResolutionFailure means chain reorgs could not be figured
// out after multiple attempts. The node is likely in a bad state; the caller
// must halt and alert rather than retry.
type ReorganisationResolutionFailure struct {
	LastBlockRead int64
	Attempts      int
}

func (e *ReorganisationResolutionFailure) Error() string {
	return fmt.Sprintf("gave up chain reorg resolution: last block %d, attempts %d",
		e.LastBlockRead, e.Attempts)
}

// BlockNotAvailable means timestamp data was requested for a block that was
// never ingested. This is a programming error on the caller side.
type BlockNotAvailable struct {
	BlockNumber   int64
	LastRecorded  int64
	LastLiveBlock int64
}

func (e *BlockNotAvailable) Error() string {
	if e.LastRecorded == 0 {
		return "no block records available yet"
	}
	return fmt.Sprintf("block %d has no data: last recorded block is %d, last live block is %d",
		e.BlockNumber, e.LastRecorded, e.LastLiveBlock)
}
