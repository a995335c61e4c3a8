package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"chainnet/p2p"
	"chainnet/p2p/wire"
)

const (
	relayCacheSize  = 2048
	relayCacheTTL   = 30 * time.Minute
	relayQueueDepth = 256
	relayFetchLimit = 64
)

// caller is the part of p2p.Server the relay drives.
type caller interface {
	Call(ctx context.Context, req p2p.Request, timeout time.Duration) (p2p.Response, error)
}

// relay is the daemon's application layer. Without a chain behind it the node
// keeps recently seen blocks and transactions in memory, fetches what peers
// announce and passes it on to the rest of the pool.
type relay struct {
	logger  *slog.Logger
	timeout time.Duration

	blocks *expirable.LRU[wire.Hash, *wire.MsgBlock]
	txs    *expirable.LRU[wire.Hash, *wire.MsgTx]

	fetches  chan []wire.InvVect
	announce chan wire.InvVect
}

func newRelay(logger *slog.Logger, timeout time.Duration) *relay {
	return &relay{
		logger:   logger.With(slog.String("component", "relay")),
		timeout:  timeout,
		blocks:   expirable.NewLRU[wire.Hash, *wire.MsgBlock](relayCacheSize, nil, relayCacheTTL),
		txs:      expirable.NewLRU[wire.Hash, *wire.MsgTx](relayCacheSize, nil, relayCacheTTL),
		fetches:  make(chan []wire.InvVect, relayQueueDepth),
		announce: make(chan wire.InvVect, relayQueueDepth),
	}
}

func (r *relay) HandleInventory(peer p2p.PeerInfo, items []wire.InvVect) {
	if len(items) > relayFetchLimit {
		items = items[:relayFetchLimit]
	}
	select {
	case r.fetches <- items:
	default:
		r.logger.Debug("Relay fetch queue full", slog.Int("items", len(items)), slog.String("session", peer.ID))
	}
}

func (r *relay) HandleBlock(_ context.Context, _ p2p.PeerInfo, block *wire.MsgBlock) error {
	r.storeBlock(block)
	return nil
}

func (r *relay) HandleTx(_ context.Context, _ p2p.PeerInfo, tx *wire.MsgTx) error {
	r.storeTx(tx)
	return nil
}

func (r *relay) storeBlock(block *wire.MsgBlock) {
	hash := block.BlockHash()
	if r.blocks.Contains(hash) {
		return
	}
	r.blocks.Add(hash, block)
	r.queueAnnounce(wire.InvVect{Type: wire.InvTypeBlock, Hash: hash})
}

func (r *relay) storeTx(tx *wire.MsgTx) {
	id := tx.TxHash()
	if r.txs.Contains(id) {
		return
	}
	r.txs.Add(id, tx)
	r.queueAnnounce(wire.InvVect{Type: wire.InvTypeTx, Hash: id})
}

func (r *relay) queueAnnounce(iv wire.InvVect) {
	select {
	case r.announce <- iv:
	default:
		r.logger.Debug("Relay announce queue full", slog.String("item", iv.Hash.String()))
	}
}

func (r *relay) Block(hash wire.Hash) (*wire.MsgBlock, bool) { return r.blocks.Get(hash) }

func (r *relay) Transaction(id wire.Hash) (*wire.MsgTx, bool) { return r.txs.Get(id) }

func (r *relay) MempoolTransactionIDs() []wire.Hash { return r.txs.Keys() }

func (r *relay) HaveBlock(hash wire.Hash) bool { return r.blocks.Contains(hash) }

func (r *relay) HaveTx(id wire.Hash) bool { return r.txs.Contains(id) }

// run fetches announced items and advertises newly stored ones until ctx is
// cancelled.
func (r *relay) run(ctx context.Context, c caller) {
	for {
		select {
		case <-ctx.Done():
			return
		case items := <-r.fetches:
			r.fetch(ctx, c, items)
		case iv := <-r.announce:
			r.advertise(ctx, c, iv)
		}
	}
}

func (r *relay) fetch(ctx context.Context, c caller, items []wire.InvVect) {
	var blocks, txs []wire.Hash
	for _, iv := range items {
		switch iv.Type {
		case wire.InvTypeBlock:
			if !r.blocks.Contains(iv.Hash) {
				blocks = append(blocks, iv.Hash)
			}
		case wire.InvTypeTx:
			if !r.txs.Contains(iv.Hash) {
				txs = append(txs, iv.Hash)
			}
		}
	}
	if len(blocks) > 0 {
		resp, err := c.Call(ctx, p2p.BlocksByHash{Hashes: blocks}, r.timeout)
		if err != nil {
			r.logger.Debug("Block fetch failed", slog.Int("count", len(blocks)), slog.Any("error", err))
		} else {
			for _, block := range resp.(p2p.BlocksResponse).Blocks {
				r.storeBlock(block)
			}
		}
	}
	if len(txs) > 0 {
		resp, err := c.Call(ctx, p2p.TransactionsByID{IDs: txs}, r.timeout)
		if err != nil {
			r.logger.Debug("Transaction fetch failed", slog.Int("count", len(txs)), slog.Any("error", err))
			return
		}
		for _, tx := range resp.(p2p.TransactionsResponse).Transactions {
			r.storeTx(tx)
		}
	}
}

func (r *relay) advertise(ctx context.Context, c caller, iv wire.InvVect) {
	var req p2p.Request = p2p.AdvertiseTransaction{ID: iv.Hash}
	if iv.Type == wire.InvTypeBlock {
		req = p2p.AdvertiseBlock{Hash: iv.Hash}
	}
	resp, err := c.Call(ctx, req, r.timeout)
	if err != nil {
		r.logger.Debug("Advertise failed", slog.String("item", iv.Hash.String()), slog.Any("error", err))
		return
	}
	r.logger.Debug("Advertised item",
		slog.String("item", iv.Hash.String()),
		slog.Int("peers", resp.(p2p.AdvertisedResponse).Peers))
}
