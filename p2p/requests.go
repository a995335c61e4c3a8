package p2p

import (
	"fmt"

	"chainnet/p2p/wire"
)

// Request is one operation routed through the PeerSet. The set of request
// kinds is closed.
type Request interface {
	kind() string
}

// PeersRequest asks one peer for addresses it knows (GetAddr).
type PeersRequest struct {
	// Count caps the number of returned addresses. Zero keeps all.
	Count int
}

// BlocksByHash fetches full blocks from one peer (GetData).
type BlocksByHash struct {
	Hashes []wire.Hash
}

// TransactionsByID fetches full transactions from one peer (GetData).
type TransactionsByID struct {
	IDs []wire.Hash
}

// MempoolTransactionIDs asks one peer for the ids in its mempool.
type MempoolTransactionIDs struct{}

// AdvertiseBlock announces a block to every ready peer that has not seen it.
type AdvertiseBlock struct {
	Hash wire.Hash
}

// AdvertiseTransaction announces a transaction to every ready peer that has
// not seen it.
type AdvertiseTransaction struct {
	ID wire.Hash
}

func (PeersRequest) kind() string          { return "peers" }
func (BlocksByHash) kind() string          { return "blocks_by_hash" }
func (TransactionsByID) kind() string      { return "transactions_by_id" }
func (MempoolTransactionIDs) kind() string { return "mempool_transaction_ids" }
func (AdvertiseBlock) kind() string        { return "advertise_block" }
func (AdvertiseTransaction) kind() string  { return "advertise_transaction" }

// Response is the typed answer to a Request.
type Response interface {
	isResponse()
}

type PeersResponse struct {
	Addrs []*wire.NetAddress
}

// BlocksResponse lists the blocks received in request order. Missing holds
// hashes the peer answered with NotFound.
type BlocksResponse struct {
	Blocks  []*wire.MsgBlock
	Missing []wire.Hash
}

type TransactionsResponse struct {
	Transactions []*wire.MsgTx
	Missing      []wire.Hash
}

type TransactionIDsResponse struct {
	IDs []wire.Hash
}

// AdvertisedResponse reports how many peers an advertisement was queued to.
type AdvertisedResponse struct {
	Peers int
}

func (PeersResponse) isResponse()          {}
func (BlocksResponse) isResponse()         {}
func (TransactionsResponse) isResponse()   {}
func (TransactionIDsResponse) isResponse() {}
func (AdvertisedResponse) isResponse()     {}

type requestResult struct {
	resp Response
	err  error
}

// pendingRequest correlates the replies of one peer with an outstanding
// request. It is owned by the peer and guarded by the peer's mutex.
type pendingRequest struct {
	req     Request
	invType wire.InvType
	order   []wire.Hash
	want    map[wire.Hash]struct{}
	blocks  map[wire.Hash]*wire.MsgBlock
	txs     map[wire.Hash]*wire.MsgTx
	missing []wire.Hash
	// ids collects mempool inventory chunks; sent is set once the mempool
	// message is handed to the socket.
	ids      []wire.Hash
	sent     bool
	result   chan requestResult
	finished bool
}

// newPendingRequest validates req and returns the correlation state plus the
// messages to send. A nil pendingRequest with a non-nil Response means the
// request is trivially answered without contacting a peer.
func newPendingRequest(req Request) (*pendingRequest, []wire.Message, Response, error) {
	pr := &pendingRequest{req: req, result: make(chan requestResult, 1)}
	switch r := req.(type) {
	case PeersRequest:
		if r.Count < 0 {
			return nil, nil, nil, fmt.Errorf("peers request: negative count %d", r.Count)
		}
		return pr, []wire.Message{&wire.MsgGetAddr{}}, nil, nil
	case MempoolTransactionIDs:
		return pr, []wire.Message{&wire.MsgMempool{}}, nil, nil
	case BlocksByHash:
		if len(r.Hashes) == 0 {
			return nil, nil, BlocksResponse{}, nil
		}
		pr.invType = wire.InvTypeBlock
		pr.blocks = make(map[wire.Hash]*wire.MsgBlock, len(r.Hashes))
		msg, err := pr.trackItems(r.Hashes)
		if err != nil {
			return nil, nil, nil, err
		}
		return pr, []wire.Message{msg}, nil, nil
	case TransactionsByID:
		if len(r.IDs) == 0 {
			return nil, nil, TransactionsResponse{}, nil
		}
		pr.invType = wire.InvTypeTx
		pr.txs = make(map[wire.Hash]*wire.MsgTx, len(r.IDs))
		msg, err := pr.trackItems(r.IDs)
		if err != nil {
			return nil, nil, nil, err
		}
		return pr, []wire.Message{msg}, nil, nil
	default:
		return nil, nil, nil, fmt.Errorf("%w: %T", ErrUnsupportedCall, req)
	}
}

func (pr *pendingRequest) trackItems(hashes []wire.Hash) (*wire.MsgGetData, error) {
	pr.want = make(map[wire.Hash]struct{}, len(hashes))
	getData := &wire.MsgGetData{InvList: make([]wire.InvVect, 0, len(hashes))}
	for _, h := range hashes {
		if _, dup := pr.want[h]; dup {
			continue
		}
		pr.want[h] = struct{}{}
		pr.order = append(pr.order, h)
		getData.InvList = append(getData.InvList, wire.NewInvVect(pr.invType, h))
	}
	if len(getData.InvList) > wire.MaxInvPerMsg {
		return nil, fmt.Errorf("%s: %d items exceeds %d", pr.req.kind(), len(getData.InvList), wire.MaxInvPerMsg)
	}
	return getData, nil
}

func (pr *pendingRequest) acceptBlock(block *wire.MsgBlock) bool {
	if pr.invType != wire.InvTypeBlock {
		return false
	}
	hash := block.BlockHash()
	if _, ok := pr.want[hash]; !ok {
		return false
	}
	delete(pr.want, hash)
	pr.blocks[hash] = block
	return true
}

func (pr *pendingRequest) acceptTx(tx *wire.MsgTx) bool {
	if pr.invType != wire.InvTypeTx {
		return false
	}
	id := tx.TxHash()
	if _, ok := pr.want[id]; !ok {
		return false
	}
	delete(pr.want, id)
	pr.txs[id] = tx
	return true
}

// acceptNotFound removes the listed items from the outstanding set and
// reports whether any belonged to this request.
func (pr *pendingRequest) acceptNotFound(items []wire.InvVect) bool {
	if pr.want == nil {
		return false
	}
	matched := false
	for _, iv := range items {
		if iv.Type != pr.invType {
			continue
		}
		if _, ok := pr.want[iv.Hash]; !ok {
			continue
		}
		delete(pr.want, iv.Hash)
		pr.missing = append(pr.missing, iv.Hash)
		matched = true
	}
	return matched
}

func (pr *pendingRequest) complete() bool {
	return pr.want != nil && len(pr.want) == 0
}

func (pr *pendingRequest) itemResponse() Response {
	switch pr.invType {
	case wire.InvTypeBlock:
		resp := BlocksResponse{Missing: pr.missing}
		for _, h := range pr.order {
			if b, ok := pr.blocks[h]; ok {
				resp.Blocks = append(resp.Blocks, b)
			}
		}
		return resp
	default:
		resp := TransactionsResponse{Missing: pr.missing}
		for _, h := range pr.order {
			if tx, ok := pr.txs[h]; ok {
				resp.Transactions = append(resp.Transactions, tx)
			}
		}
		return resp
	}
}

func (pr *pendingRequest) finish(resp Response, err error) {
	if pr.finished {
		return
	}
	pr.finished = true
	pr.result <- requestResult{resp: resp, err: err}
}
